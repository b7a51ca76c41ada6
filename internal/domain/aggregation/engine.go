package aggregation

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/CMSgov/dpc-app-sub000/internal/platform/encryption"
	"github.com/CMSgov/dpc-app-sub000/internal/platform/metrics"
)

// DefaultPollInterval is how long the engine sleeps after an empty claim.
const DefaultPollInterval = 2 * time.Second

// ClaimError is a failure talking to the queue while looking for work. It
// stops the engine.
type ClaimError struct {
	Err error
}

func (e *ClaimError) Error() string { return "claim batch: " + e.Err.Error() }
func (e *ClaimError) Unwrap() error { return e.Err }

// IsFatal reports whether err must fail the whole batch rather than be
// recorded as an OperationOutcome for one patient.
func IsFatal(err error) bool {
	var we *WriteError
	return errors.As(err, &we) ||
		errors.Is(err, ErrTransactionTimeRegression) ||
		errors.Is(err, ErrResourceTypeMismatch) ||
		errors.Is(err, ErrPatientResolution) ||
		errors.Is(err, encryption.ErrUnsupportedAlgorithm)
}

type fault int

const (
	faultNone fault = iota
	// the batch was handed to another aggregator; drop it
	faultLostBatch
	// mark the batch failed and keep polling
	faultBatch
	// stop the engine
	faultEngine
)

func classifyFault(err error) fault {
	var ce *ClaimError
	switch {
	case err == nil:
		return faultNone
	case errors.As(err, &ce):
		return faultEngine
	case errors.Is(err, ErrWrongAggregator):
		return faultLostBatch
	default:
		return faultBatch
	}
}

// EngineConfig wires an Engine.
type EngineConfig struct {
	AggregatorID uuid.UUID
	Queue        JobQueue
	Processor    *Processor
	Writer       *Writer
	Metrics      *metrics.Collector
	Logger       zerolog.Logger
	PollInterval time.Duration
}

// Engine polls the queue and exports claimed batches one patient at a time.
type Engine struct {
	id           uuid.UUID
	queue        JobQueue
	processor    *Processor
	writer       *Writer
	metrics      *metrics.Collector
	logger       zerolog.Logger
	pollInterval time.Duration

	running  atomic.Bool
	lastPoll atomic.Int64
}

func NewEngine(cfg EngineConfig) *Engine {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	return &Engine{
		id:           cfg.AggregatorID,
		queue:        cfg.Queue,
		processor:    cfg.Processor,
		writer:       cfg.Writer,
		metrics:      cfg.Metrics,
		logger:       cfg.Logger.With().Str("aggregator_id", cfg.AggregatorID.String()).Logger(),
		pollInterval: cfg.PollInterval,
	}
}

// ID is the aggregator ID this engine claims batches under.
func (e *Engine) ID() uuid.UUID { return e.id }

// IsRunning reports whether the poll loop is active.
func (e *Engine) IsRunning() bool { return e.running.Load() }

// LastPoll is when the engine last asked the queue for a batch or for the
// next patient of the batch it holds.
func (e *Engine) LastPoll() time.Time {
	ns := e.lastPoll.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Stop asks the engine to finish the current patient, pause its batch and
// return from Run.
func (e *Engine) Stop() {
	e.running.Store(false)
}

func (e *Engine) active(ctx context.Context) bool {
	return e.running.Load() && ctx.Err() == nil
}

// Run polls until ctx is cancelled, Stop is called or the queue fails.
func (e *Engine) Run(ctx context.Context) error {
	e.running.Store(true)
	defer e.running.Store(false)

	e.logger.Info().
		Dur("poll_interval", e.pollInterval).
		Bool("encryption_enabled", e.writer.Encrypted()).
		Msg("aggregation engine started")

	for e.active(ctx) {
		batch, err := e.claim(ctx)
		if err == nil && batch == nil {
			select {
			case <-ctx.Done():
			case <-time.After(e.pollInterval):
			}
			continue
		}
		if err == nil {
			err = e.processBatch(ctx, batch)
		}

		switch classifyFault(err) {
		case faultEngine:
			if ctx.Err() != nil {
				return nil
			}
			e.logger.Error().Err(err).Msg("queue unavailable; stopping engine")
			return err
		case faultLostBatch:
			e.logger.Warn().Err(err).Str("batch_id", batch.ID.String()).Msg("batch reassigned; abandoning")
		case faultBatch:
			e.failBatch(ctx, batch, err)
		}
	}
	e.logger.Info().Msg("aggregation engine stopped")
	return nil
}

func (e *Engine) claim(ctx context.Context) (*Batch, error) {
	e.lastPoll.Store(time.Now().UnixNano())
	batch, err := e.queue.ClaimBatch(ctx, e.id)
	switch {
	case err != nil:
		e.metrics.Polled(metrics.PollError)
		return nil, &ClaimError{Err: err}
	case batch == nil:
		e.metrics.Polled(metrics.PollEmpty)
		return nil, nil
	}
	e.metrics.Polled(metrics.PollClaimed)
	return batch, nil
}

// processBatch exports patients until the batch is exhausted or the engine
// is asked to stop. Patients are never interrupted part way.
func (e *Engine) processBatch(ctx context.Context, batch *Batch) error {
	log := e.logger.With().
		Str("batch_id", batch.ID.String()).
		Str("job_id", batch.Job.ID.String()).
		Logger()
	log.Info().
		Int("patients", batch.PatientCount()).
		Int("processed", batch.ProcessedCount()).
		Msg("processing batch")

	work := context.WithoutCancel(ctx)
	for e.active(ctx) {
		e.lastPoll.Store(time.Now().UnixNano())
		patientID, ok, err := e.queue.FetchNextPatient(work, batch, e.id)
		if err != nil {
			return fmt.Errorf("fetch next patient: %w", err)
		}
		if !ok {
			return e.completeBatch(work, batch, log)
		}
		if _, err := e.processor.ProcessPatient(work, batch, patientID); err != nil {
			return fmt.Errorf("patient %d: %w", batch.ProcessedCount()-1, err)
		}
	}

	if err := e.queue.PauseBatch(work, batch, e.id); err != nil {
		return fmt.Errorf("pause batch: %w", err)
	}
	e.metrics.BatchFinished(string(StatusPaused))
	log.Info().Int("processed", batch.ProcessedCount()).Msg("batch paused")
	return nil
}

func (e *Engine) completeBatch(ctx context.Context, batch *Batch, log zerolog.Logger) error {
	if err := e.finalizeFiles(batch); err != nil {
		log.Error().Err(err).Msg("could not checksum every output file")
	}
	if err := e.queue.CompleteBatch(ctx, batch, e.id); err != nil {
		return fmt.Errorf("complete batch: %w", err)
	}
	e.metrics.BatchFinished(string(StatusCompleted))
	log.Info().Int("files", len(batch.Files)).Msg("batch completed")
	return nil
}

// finalizeFiles fills in checksum and length for every output file. Files
// that cannot be read keep empty values.
func (e *Engine) finalizeFiles(batch *Batch) error {
	var result *multierror.Error
	for i := range batch.Files {
		f := &batch.Files[i]
		sum, n, err := Checksum(e.writer.Path(*f))
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %w", f.FileName, err))
			continue
		}
		f.Checksum, f.FileLength = sum, n
	}
	return result.ErrorOrNil()
}

func (e *Engine) failBatch(ctx context.Context, batch *Batch, cause error) {
	log := e.logger.With().
		Str("batch_id", batch.ID.String()).
		Str("job_id", batch.Job.ID.String()).
		Logger()
	log.Error().Err(cause).Msg("batch failed")

	if err := e.queue.FailBatch(context.WithoutCancel(ctx), batch, e.id); err != nil {
		log.Error().Err(err).AnErr("cause", cause).
			Msg("could not mark batch failed; leaving it running for the stuck batch reaper")
		return
	}
	e.metrics.BatchFinished(string(StatusFailed))
}
