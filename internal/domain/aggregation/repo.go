package aggregation

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/CMSgov/dpc-app-sub000/internal/platform/fhir"
)

// JobQueue is the aggregator's view of the batch queue. Implementations
// must make every operation atomic with respect to other aggregators.
type JobQueue interface {
	// CreateJob splits patients into batches and enqueues them.
	CreateJob(ctx context.Context, job Job, patients []string) ([]uuid.UUID, error)
	// ClaimBatch returns nil when nothing is claimable.
	ClaimBatch(ctx context.Context, aggregatorID uuid.UUID) (*Batch, error)
	// FetchNextPatient advances batch's cursor. ok is false when no
	// patients remain.
	FetchNextPatient(ctx context.Context, batch *Batch, aggregatorID uuid.UUID) (patientID string, ok bool, err error)
	CompletePartialBatch(ctx context.Context, batch *Batch, aggregatorID uuid.UUID) error
	CompleteBatch(ctx context.Context, batch *Batch, aggregatorID uuid.UUID) error
	PauseBatch(ctx context.Context, batch *Batch, aggregatorID uuid.UUID) error
	FailBatch(ctx context.Context, batch *Batch, aggregatorID uuid.UUID) error

	GetBatch(ctx context.Context, batchID uuid.UUID) (*Batch, error)
	GetJobBatches(ctx context.Context, jobID uuid.UUID) ([]*Batch, error)
	QueueSize(ctx context.Context) (int, error)
	AssertHealthy(ctx context.Context) error
}

// Batch priorities: lower runs first.
const (
	PriorityNonBulk = 1000
	PriorityBulk    = 5000
)

// DefaultBatchSize is the number of patients per batch.
const DefaultBatchSize = 100

// ValidateJob checks a job before it is enqueued.
func ValidateJob(job Job) error {
	if job.ID == uuid.Nil {
		return fmt.Errorf("job id is required")
	}
	if job.OrganizationID == uuid.Nil {
		return fmt.Errorf("organization id is required")
	}
	if len(job.ResourceTypes) == 0 {
		return fmt.Errorf("at least one resource type is required")
	}
	for _, rt := range job.ResourceTypes {
		if !fhir.IsExportable(rt) {
			return fmt.Errorf("unsupported resource type %q", rt)
		}
	}
	if job.TransactionTime.IsZero() {
		return fmt.Errorf("transaction time is required")
	}
	if job.Since != nil && job.Since.After(job.TransactionTime) {
		return fmt.Errorf("since must not be after the transaction time")
	}
	return nil
}

// SplitBatches builds queued batches of at most batchSize patients. A job
// with no patients still gets one empty batch.
func SplitBatches(job Job, patients []string, batchSize int, now time.Time) []*Batch {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	priority := PriorityNonBulk
	if job.Bulk {
		priority = PriorityBulk
	}

	var batches []*Batch
	for start := 0; start == 0 || start < len(patients); start += batchSize {
		end := start + batchSize
		if end > len(patients) {
			end = len(patients)
		}
		batches = append(batches, &Batch{
			ID:         uuid.New(),
			Job:        job,
			Patients:   append([]string(nil), patients[start:end]...),
			Status:     StatusQueued,
			Priority:   priority,
			SubmitTime: now,
		})
	}
	return batches
}
