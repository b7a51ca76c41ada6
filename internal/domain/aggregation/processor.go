package aggregation

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/CMSgov/dpc-app-sub000/internal/platform/consent"
	"github.com/CMSgov/dpc-app-sub000/internal/platform/fhir"
	"github.com/CMSgov/dpc-app-sub000/internal/platform/metrics"
)

// Processor exports one patient at a time for a claimed batch.
type Processor struct {
	aggregatorID uuid.UUID
	queue        JobQueue
	fetcher      *Fetcher
	writer       *Writer
	consent      consent.Lookup
	metrics      *metrics.Collector
	logger       zerolog.Logger
	now          func() time.Time
}

// ProcessorConfig wires a Processor. Consent may be nil to skip the
// opt-out check.
type ProcessorConfig struct {
	AggregatorID uuid.UUID
	Queue        JobQueue
	Fetcher      *Fetcher
	Writer       *Writer
	Consent      consent.Lookup
	Metrics      *metrics.Collector
	Logger       zerolog.Logger
}

func NewProcessor(cfg ProcessorConfig) *Processor {
	return &Processor{
		aggregatorID: cfg.AggregatorID,
		queue:        cfg.Queue,
		fetcher:      cfg.Fetcher,
		writer:       cfg.Writer,
		consent:      cfg.Consent,
		metrics:      cfg.Metrics,
		logger:       cfg.Logger.With().Str("component", "processor").Logger(),
		now:          time.Now,
	}
}

// streams hands out one counter per resource type, seeded from the files
// already recorded on the batch.
type streams struct {
	mu       sync.Mutex
	batch    *Batch
	counters map[string]*Counter
}

func newStreams(batch *Batch) *streams {
	return &streams{batch: batch, counters: make(map[string]*Counter)}
}

func (s *streams) counter(resourceType string) *Counter {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.counters[resourceType]
	if !ok {
		if latest, found := s.batch.LatestFile(resourceType); found {
			c = NewCounter(&latest)
		} else {
			c = NewCounter(nil)
		}
		s.counters[resourceType] = c
	}
	return c
}

// patientOutput gathers the files and failures of one patient across the
// concurrent per-type fetches.
type patientOutput struct {
	mu       sync.Mutex
	files    []OutputFile
	failures []OutcomeReason
}

// add merges files by (resource type, sequence). Concurrent writers to the
// same stream can report out of order, so the larger count wins.
func (o *patientOutput) add(files []OutputFile, failure *ErrorRecord) {
	o.mu.Lock()
	defer o.mu.Unlock()
next:
	for _, f := range files {
		for i := range o.files {
			if o.files[i].ResourceType == f.ResourceType && o.files[i].Sequence == f.Sequence {
				if f.Count > o.files[i].Count {
					o.files[i] = f
				}
				continue next
			}
		}
		o.files = append(o.files, f)
	}
	if failure != nil {
		o.failures = append(o.failures, failure.Reason)
	}
}

// ProcessPatient fetches and writes every requested resource type for
// patientID, then records the batch's progress. A returned error is fatal for
// the batch.
func (p *Processor) ProcessPatient(ctx context.Context, batch *Batch, patientID string) ([]OutputFile, error) {
	start := p.now()
	job := batch.Job
	st := newStreams(batch)
	out := &patientOutput{}

	if err := p.exportPatient(ctx, batch, patientID, st, out); err != nil {
		return nil, err
	}

	for _, f := range out.files {
		batch.UpsertFile(f)
	}
	if err := p.queue.CompletePartialBatch(ctx, batch, p.aggregatorID); err != nil {
		return nil, fmt.Errorf("complete partial batch: %w", err)
	}

	elapsed := p.now().Sub(start)
	p.metrics.PatientProcessed(elapsed)
	p.logResult(batch, job, out, elapsed)
	return out.files, nil
}

func (p *Processor) exportPatient(ctx context.Context, batch *Batch, patientID string, st *streams, out *patientOutput) error {
	job := batch.Job

	if p.consent != nil {
		results, err := p.consent.GetConsent(ctx, patientID)
		switch {
		case err != nil:
			p.logger.Error().Err(err).Str("batch_id", batch.ID.String()).Msg("consent lookup failed")
			return p.writeForAllTypes(batch, job, patientID, ReasonInternalError, st, out)
		case consent.IsOptedOut(results, p.now()):
			return p.writeForAllTypes(batch, job, patientID, ReasonConsentOptedOut, st, out)
		}
	}

	patient, err := p.fetcher.ResolvePatient(ctx, job, patientID)
	if err != nil {
		if IsFatal(err) {
			return err
		}
		for _, rt := range job.ResourceTypes {
			if err := p.writeOutcome(batch, upstreamErrorRecord(rt, patientID, err), st, out); err != nil {
				return err
			}
		}
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, rt := range job.ResourceTypes {
		rt := rt
		g.Go(func() error {
			records, failure, err := p.fetcher.Fetch(gctx, job, patient, rt)
			if err != nil {
				return err
			}
			files, err := p.writer.WriteBatch(batch, rt, records, st.counter(rt))
			if err != nil {
				return err
			}
			out.add(files, nil)
			if failure != nil {
				return p.writeOutcome(batch, failure, st, out)
			}
			return nil
		})
	}
	return g.Wait()
}

func (p *Processor) writeForAllTypes(batch *Batch, job Job, patientID string, reason OutcomeReason, st *streams, out *patientOutput) error {
	for _, rt := range job.ResourceTypes {
		if err := p.writeOutcome(batch, NewErrorRecord(reason, rt, patientID), st, out); err != nil {
			return err
		}
	}
	return nil
}

func (p *Processor) writeOutcome(batch *Batch, er *ErrorRecord, st *streams, out *patientOutput) error {
	rec, err := er.Record()
	if err != nil {
		return &WriteError{BatchID: batch.ID, ResourceType: fhir.ResourceTypeOperationOutcome, Err: err}
	}
	files, err := p.writer.WriteBatch(batch, fhir.ResourceTypeOperationOutcome, []fhir.Record{rec},
		st.counter(fhir.ResourceTypeOperationOutcome))
	if err != nil {
		return err
	}
	p.metrics.OutcomeWritten(er.ResourceType, string(er.Reason))
	out.add(files, er)
	return nil
}

func (p *Processor) logResult(batch *Batch, job Job, out *patientOutput, elapsed time.Duration) {
	failReason := "NA"
	if len(out.failures) > 0 {
		failReason = string(out.failures[0])
	}
	ev := p.logger.Info().
		Str("job_id", job.ID.String()).
		Str("batch_id", batch.ID.String()).
		Int("patient_index", batch.ProcessedCount()-1).
		Bool("data_retrieved", len(out.failures) == 0).
		Str("fail_reason", failReason).
		Str("resources_requested", strings.Join(job.ResourceTypes, ";")).
		Dur("duration", elapsed)
	for _, f := range out.files {
		ev = ev.Int(f.ResourceType+"_count", f.Count)
	}
	ev.Msg("patient export result")
}
