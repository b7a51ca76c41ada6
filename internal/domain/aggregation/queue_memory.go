package aggregation

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryQueue is a thread-safe, in-process JobQueue for development and tests.
type MemoryQueue struct {
	mu           sync.Mutex
	batches      map[uuid.UUID]*Batch
	batchSize    int
	stuckTimeout time.Duration
	now          func() time.Time
}

// NewMemoryQueue creates an empty queue. Running batches untouched for longer
// than stuckTimeout are restarted on the next claim; zero disables that.
func NewMemoryQueue(batchSize int, stuckTimeout time.Duration) *MemoryQueue {
	return &MemoryQueue{
		batches:      make(map[uuid.UUID]*Batch),
		batchSize:    batchSize,
		stuckTimeout: stuckTimeout,
		now:          time.Now,
	}
}

func (q *MemoryQueue) CreateJob(_ context.Context, job Job, patients []string) ([]uuid.UUID, error) {
	if err := ValidateJob(job); err != nil {
		return nil, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	batches := SplitBatches(job, patients, q.batchSize, q.now())
	ids := make([]uuid.UUID, 0, len(batches))
	for _, b := range batches {
		q.batches[b.ID] = b
		ids = append(ids, b.ID)
	}
	return ids, nil
}

func (q *MemoryQueue) ClaimBatch(_ context.Context, aggregatorID uuid.UUID) (*Batch, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	q.restartStuckLocked(now)

	var candidates []*Batch
	for _, b := range q.batches {
		if b.Status.Claimable() {
			candidates = append(candidates, b)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority < candidates[j].Priority
		}
		return candidates[i].SubmitTime.Before(candidates[j].SubmitTime)
	})

	b := candidates[0]
	if err := b.SetRunning(aggregatorID, now); err != nil {
		return nil, err
	}
	return b.Clone(), nil
}

func (q *MemoryQueue) restartStuckLocked(now time.Time) {
	if q.stuckTimeout <= 0 {
		return
	}
	for _, b := range q.batches {
		if b.Status == StatusRunning && b.UpdateTime != nil && now.Sub(*b.UpdateTime) > q.stuckTimeout {
			_ = b.Restart(now)
		}
	}
}

// owned returns the stored batch if aggregatorID still holds it.
func (q *MemoryQueue) owned(batchID, aggregatorID uuid.UUID) (*Batch, error) {
	stored, ok := q.batches[batchID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBatchNotFound, batchID)
	}
	if err := stored.verifyAggregator(aggregatorID); err != nil {
		return nil, err
	}
	return stored, nil
}

func (q *MemoryQueue) FetchNextPatient(_ context.Context, batch *Batch, aggregatorID uuid.UUID) (string, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	stored, err := q.owned(batch.ID, aggregatorID)
	if err != nil {
		return "", false, err
	}
	now := q.now()
	stored.UpdateTime = &now
	batch.UpdateTime = &now
	return batch.NextPatient(aggregatorID)
}

// save copies the caller's progress into the stored batch.
func (q *MemoryQueue) save(stored, batch *Batch) {
	now := q.now()
	if batch.PatientIndex != nil {
		idx := *batch.PatientIndex
		stored.PatientIndex = &idx
	}
	stored.Files = append([]OutputFile(nil), batch.Files...)
	stored.UpdateTime = &now
	batch.UpdateTime = &now
}

func (q *MemoryQueue) CompletePartialBatch(_ context.Context, batch *Batch, aggregatorID uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	stored, err := q.owned(batch.ID, aggregatorID)
	if err != nil {
		return err
	}
	q.save(stored, batch)
	return nil
}

func (q *MemoryQueue) CompleteBatch(_ context.Context, batch *Batch, aggregatorID uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	stored, err := q.owned(batch.ID, aggregatorID)
	if err != nil {
		return err
	}
	q.save(stored, batch)
	if err := stored.SetCompleted(aggregatorID, q.now()); err != nil {
		return err
	}
	*batch = *stored.Clone()
	return nil
}

func (q *MemoryQueue) PauseBatch(_ context.Context, batch *Batch, aggregatorID uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	stored, err := q.owned(batch.ID, aggregatorID)
	if err != nil {
		return err
	}
	q.save(stored, batch)
	if err := stored.SetPaused(aggregatorID, q.now()); err != nil {
		return err
	}
	*batch = *stored.Clone()
	return nil
}

func (q *MemoryQueue) FailBatch(_ context.Context, batch *Batch, aggregatorID uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	stored, err := q.owned(batch.ID, aggregatorID)
	if err != nil {
		return err
	}
	q.save(stored, batch)
	stored.SetFailed(q.now())
	*batch = *stored.Clone()
	return nil
}

func (q *MemoryQueue) GetBatch(_ context.Context, batchID uuid.UUID) (*Batch, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	b, ok := q.batches[batchID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBatchNotFound, batchID)
	}
	return b.Clone(), nil
}

func (q *MemoryQueue) GetJobBatches(_ context.Context, jobID uuid.UUID) ([]*Batch, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []*Batch
	for _, b := range q.batches {
		if b.Job.ID == jobID {
			out = append(out, b.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmitTime.Before(out[j].SubmitTime) })
	return out, nil
}

func (q *MemoryQueue) QueueSize(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for _, b := range q.batches {
		if b.Status.Claimable() {
			n++
		}
	}
	return n, nil
}

func (q *MemoryQueue) AssertHealthy(_ context.Context) error {
	return nil
}
