package fhir

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// maxLineSize bounds a single NDJSON line when reading.
const maxLineSize = 16 << 20

// NDJSONWriter writes resources in NDJSON (Newline Delimited JSON) format,
// the format required by the FHIR Bulk Data Access specification.
type NDJSONWriter struct {
	w   *bufio.Writer
	buf bytes.Buffer
}

// NewNDJSONWriter creates a new NDJSONWriter that writes to w.
func NewNDJSONWriter(w io.Writer) *NDJSONWriter {
	return &NDJSONWriter{
		w: bufio.NewWriter(w),
	}
}

// WriteResource serialises resource as a single JSON line. Pre-encoded
// resources (Record, json.RawMessage) are compacted onto one line.
func (n *NDJSONWriter) WriteResource(resource interface{}) error {
	data, err := json.Marshal(resource)
	if err != nil {
		return err
	}
	n.buf.Reset()
	if err := json.Compact(&n.buf, data); err != nil {
		return err
	}
	if _, err := n.w.Write(n.buf.Bytes()); err != nil {
		return err
	}
	if err := n.w.WriteByte('\n'); err != nil {
		return err
	}
	return nil
}

// Flush flushes any buffered data to the underlying writer.
func (n *NDJSONWriter) Flush() error {
	return n.w.Flush()
}

// ReadNDJSON returns every non-empty line of r as a raw resource.
func ReadNDJSON(r io.Reader) ([]json.RawMessage, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineSize)
	var out []json.RawMessage
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		if !json.Valid(line) {
			return nil, fmt.Errorf("ndjson line %d: invalid json", len(out)+1)
		}
		out = append(out, append(json.RawMessage(nil), line...))
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read ndjson: %w", err)
	}
	return out, nil
}
