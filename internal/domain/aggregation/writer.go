package aggregation

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/CMSgov/dpc-app-sub000/internal/platform/encryption"
	"github.com/CMSgov/dpc-app-sub000/internal/platform/fhir"
	"github.com/CMSgov/dpc-app-sub000/internal/platform/metrics"
)

// DefaultResourcesPerFile caps the records in one output file.
const DefaultResourcesPerFile = 10000

// ErrMissingRecipientKey is returned when encryption is enabled but the job
// carries no public key to wrap file keys with.
var ErrMissingRecipientKey = errors.New("job has no recipient public key")

// WriteError is a fatal failure writing a batch's output.
type WriteError struct {
	BatchID      uuid.UUID
	ResourceType string
	Err          error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write %s for batch %s: %v", e.ResourceType, e.BatchID, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// Counter tracks the current file of one (batch, resource type) stream. It
// doubles as the stream's write lock.
type Counter struct {
	mu       sync.Mutex
	sequence int
	count    int
}

// NewCounter seeds a counter from the latest file already recorded for the
// stream, if any.
func NewCounter(latest *OutputFile) *Counter {
	c := &Counter{}
	if latest != nil {
		c.sequence = latest.Sequence
		c.count = latest.Count
	}
	return c
}

// position returns the current sequence and the records in that file.
func (c *Counter) position() (sequence, count int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sequence, c.count
}

// WriterConfig controls file layout.
type WriterConfig struct {
	ExportPath        string
	ResourcesPerFile  int
	EncryptionEnabled bool
}

// Writer turns fetched records into NDJSON files, encrypted or not.
type Writer struct {
	cfg      WriterConfig
	provider *encryption.Provider
	metrics  *metrics.Collector
	logger   zerolog.Logger
}

// NewWriter creates the export directory if needed. provider is required
// only when encryption is enabled.
func NewWriter(cfg WriterConfig, provider *encryption.Provider, collector *metrics.Collector, logger zerolog.Logger) (*Writer, error) {
	if cfg.ResourcesPerFile <= 0 {
		cfg.ResourcesPerFile = DefaultResourcesPerFile
	}
	if cfg.ExportPath == "" {
		return nil, fmt.Errorf("export path is required")
	}
	if cfg.EncryptionEnabled && provider == nil {
		return nil, fmt.Errorf("%w: encryption enabled without a cipher provider", encryption.ErrUnsupportedAlgorithm)
	}
	if err := os.MkdirAll(cfg.ExportPath, 0o750); err != nil {
		return nil, fmt.Errorf("create export path: %w", err)
	}
	return &Writer{
		cfg:      cfg,
		provider: provider,
		metrics:  collector,
		logger:   logger.With().Str("component", "writer").Logger(),
	}, nil
}

// Encrypted reports whether files are sealed for the job's recipient.
func (w *Writer) Encrypted() bool {
	return w.cfg.EncryptionEnabled
}

// Path is the location of f on disk.
func (w *Writer) Path(f OutputFile) string {
	return filepath.Join(w.cfg.ExportPath, f.FileName)
}

// MetadataPath is the location of the key metadata for an encrypted file.
func (w *Writer) MetadataPath(f OutputFile) string {
	return filepath.Join(w.cfg.ExportPath, MetadataFileName(f.BatchID, f.ResourceType, f.Sequence))
}

// WriteBatch writes records to the stream tracked by counter, filling the
// current file before rolling to the next sequence. It returns every file
// it touched with its new record count. An empty record list writes nothing.
//
// Encrypted streams never append: every call that finds a non-empty current
// file starts the next sequence, because each file is sealed under its own
// one-time key. A batch therefore produces up to one encrypted file per
// patient per resource type, each still capped at the per-file limit.
func (w *Writer) WriteBatch(batch *Batch, resourceType string, records []fhir.Record, counter *Counter) ([]OutputFile, error) {
	if len(records) == 0 {
		return nil, nil
	}
	counter.mu.Lock()
	defer counter.mu.Unlock()

	var files []OutputFile
	for len(records) > 0 {
		seq, count := counter.sequence, counter.count
		switch {
		case w.cfg.EncryptionEnabled && count > 0:
			seq, count = seq+1, 0
		case count >= w.cfg.ResourcesPerFile:
			seq, count = seq+1, 0
		}

		n := w.cfg.ResourcesPerFile - count
		if n > len(records) {
			n = len(records)
		}
		chunk := records[:n]

		f := OutputFile{
			BatchID:      batch.ID,
			JobID:        batch.Job.ID,
			ResourceType: resourceType,
			Sequence:     seq,
			FileName:     FileName(batch.ID, resourceType, seq, w.cfg.EncryptionEnabled),
			Count:        count + n,
		}

		var (
			size int64
			err  error
		)
		if w.cfg.EncryptionEnabled {
			size, err = w.writeEncrypted(batch.Job, f, chunk)
		} else {
			size, err = w.writePlain(f, chunk, count)
		}
		if err != nil {
			return files, &WriteError{BatchID: batch.ID, ResourceType: resourceType, Err: err}
		}

		counter.sequence, counter.count = seq, count+n
		records = records[n:]
		files = append(files, f)

		w.metrics.FileWritten(resourceType, size)
		w.logger.Debug().
			Str("batch_id", batch.ID.String()).
			Str("resource_type", resourceType).
			Int("sequence", seq).
			Int("count", f.Count).
			Int64("bytes", size).
			Msg("wrote export file")
	}
	return files, nil
}

func encodeNDJSON(records []fhir.Record) ([]byte, error) {
	var buf bytes.Buffer
	nw := fhir.NewNDJSONWriter(&buf)
	for _, r := range records {
		if err := nw.WriteResource(r); err != nil {
			return nil, fmt.Errorf("serialize %s/%s: %w", r.ResourceType, r.ID, err)
		}
	}
	if err := nw.Flush(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// writePlain appends records after the first keep lines of the file.
func (w *Writer) writePlain(f OutputFile, records []fhir.Record, keep int) (int64, error) {
	data, err := encodeNDJSON(records)
	if err != nil {
		return 0, err
	}
	return writeAtomic(w.Path(f), keep, data)
}

// writeEncrypted seals records with fresh key material. The metadata file
// lands before the ciphertext.
func (w *Writer) writeEncrypted(job Job, f OutputFile, records []fhir.Record) (int64, error) {
	if len(job.RecipientPublicKey) == 0 {
		return 0, ErrMissingRecipientKey
	}
	data, err := encodeNDJSON(records)
	if err != nil {
		return 0, err
	}

	material := w.provider.NewMaterial()
	defer material.Close()
	if err := material.GenerateKeyMaterial(); err != nil {
		return 0, err
	}
	md, err := material.Metadata(job.RecipientPublicKey)
	if err != nil {
		return 0, err
	}
	mdJSON, err := md.Marshal()
	if err != nil {
		return 0, err
	}
	sealer, err := material.FormCipher()
	if err != nil {
		return 0, err
	}
	ciphertext, err := sealer.Seal(data)
	if err != nil {
		return 0, err
	}

	if _, err := writeAtomic(w.MetadataPath(f), 0, mdJSON); err != nil {
		return 0, fmt.Errorf("write metadata: %w", err)
	}
	return writeAtomic(w.Path(f), 0, ciphertext)
}

// writeAtomic replaces path with the first keep lines of its previous
// contents followed by data. Lines past keep were written by a patient whose
// progress was never recorded and are dropped. Readers see either the old
// file or the new one.
func writeAtomic(path string, keep int, data []byte) (int64, error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	if keep > 0 {
		if err := copyLines(tmp, path, keep); err != nil {
			return 0, err
		}
	}
	if _, err := tmp.Write(data); err != nil {
		return 0, fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Sync(); err != nil {
		return 0, fmt.Errorf("sync %s: %w", filepath.Base(path), err)
	}
	info, err := tmp.Stat()
	if err != nil {
		return 0, err
	}
	if err := tmp.Close(); err != nil {
		return 0, err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return 0, fmt.Errorf("rename into %s: %w", filepath.Base(path), err)
	}
	committed = true
	return info.Size(), nil
}

// copyLines copies the first n lines of the file at path to dst.
func copyLines(dst io.Writer, path string, n int) error {
	src, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s for append: %w", filepath.Base(path), err)
	}
	defer src.Close()

	r := bufio.NewReader(src)
	for i := 0; i < n; i++ {
		line, err := r.ReadBytes('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("%s holds %d of %d recorded lines", filepath.Base(path), i, n)
			}
			return fmt.Errorf("read %s: %w", filepath.Base(path), err)
		}
		if _, err := dst.Write(line); err != nil {
			return fmt.Errorf("copy %s: %w", filepath.Base(path), err)
		}
	}
	return nil
}

// Checksum returns the hex SHA-256 and byte length of the file at path.
func Checksum(path string) (string, int64, error) {
	fh, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer fh.Close()

	h := sha256.New()
	n, err := io.Copy(h, fh)
	if err != nil {
		return "", 0, fmt.Errorf("hash %s: %w", filepath.Base(path), err)
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}
