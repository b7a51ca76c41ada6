package aggregation

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// BatchStatus is the lifecycle state of a batch.
type BatchStatus string

const (
	StatusQueued    BatchStatus = "QUEUED"
	StatusRunning   BatchStatus = "RUNNING"
	StatusCompleted BatchStatus = "COMPLETED"
	StatusFailed    BatchStatus = "FAILED"
	StatusPaused    BatchStatus = "PAUSED"
)

// Claimable reports whether an aggregator may pick the batch up.
func (s BatchStatus) Claimable() bool {
	return s == StatusQueued || s == StatusPaused
}

// Terminal reports whether the batch will never run again.
func (s BatchStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

var (
	ErrWrongAggregator   = errors.New("batch is owned by another aggregator")
	ErrInvalidTransition = errors.New("invalid batch status transition")
	ErrBatchNotFound     = errors.New("batch not found")
)

// Job is one export request. It never changes after creation.
type Job struct {
	ID                 uuid.UUID  `json:"job_id"`
	OrganizationID     uuid.UUID  `json:"organization_id"`
	OrganizationNPI    string     `json:"organization_npi,omitempty"`
	ProviderNPI        string     `json:"provider_npi,omitempty"`
	ResourceTypes      []string   `json:"resource_types"`
	Since              *time.Time `json:"since,omitempty"`
	TransactionTime    time.Time  `json:"transaction_time"`
	RequestingIP       string     `json:"requesting_ip,omitempty"`
	RequestURL         string     `json:"request_url,omitempty"`
	Bulk               bool       `json:"bulk"`
	RecipientPublicKey []byte     `json:"-"`
}

// OutputFile describes one written file. Checksum and FileLength are only
// set once the batch completes.
type OutputFile struct {
	BatchID      uuid.UUID `json:"batch_id"`
	JobID        uuid.UUID `json:"job_id"`
	ResourceType string    `json:"resource_type"`
	Sequence     int       `json:"sequence"`
	FileName     string    `json:"file_name"`
	Count        int       `json:"count"`
	Checksum     string    `json:"checksum,omitempty"`
	FileLength   int64     `json:"file_length,omitempty"`
}

// FileName builds the on-disk name for a (batch, resource type, sequence).
func FileName(batchID uuid.UUID, resourceType string, sequence int, encrypted bool) string {
	name := fmt.Sprintf("%s-%d.%s.ndjson", batchID, sequence, resourceType)
	if encrypted {
		name += ".enc"
	}
	return name
}

// MetadataFileName is the sibling file holding an encrypted file's wrapped key.
func MetadataFileName(batchID uuid.UUID, resourceType string, sequence int) string {
	return fmt.Sprintf("%s-%d.%s-metadata.json", batchID, sequence, resourceType)
}

// Batch is the claimable unit of work for a job.
type Batch struct {
	ID           uuid.UUID    `json:"batch_id"`
	Job          Job          `json:"job"`
	Patients     []string     `json:"-"`
	PatientIndex *int         `json:"patient_index,omitempty"`
	Status       BatchStatus  `json:"status"`
	Priority     int          `json:"priority"`
	AggregatorID *uuid.UUID   `json:"aggregator_id,omitempty"`
	SubmitTime   time.Time    `json:"submit_time"`
	StartTime    *time.Time   `json:"start_time,omitempty"`
	UpdateTime   *time.Time   `json:"update_time,omitempty"`
	CompleteTime *time.Time   `json:"complete_time,omitempty"`
	Files        []OutputFile `json:"files"`
}

// PatientCount is the number of patients in the batch.
func (b *Batch) PatientCount() int {
	return len(b.Patients)
}

// ProcessedCount is the number of patients at or before the cursor.
func (b *Batch) ProcessedCount() int {
	if b.PatientIndex == nil {
		return 0
	}
	return *b.PatientIndex + 1
}

func (b *Batch) verifyAggregator(aggregatorID uuid.UUID) error {
	if b.AggregatorID == nil || *b.AggregatorID != aggregatorID {
		return fmt.Errorf("%w: batch %s", ErrWrongAggregator, b.ID)
	}
	return nil
}

// SetRunning hands the batch to aggregatorID.
func (b *Batch) SetRunning(aggregatorID uuid.UUID, now time.Time) error {
	if !b.Status.Claimable() {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, b.Status, StatusRunning)
	}
	b.Status = StatusRunning
	id := aggregatorID
	b.AggregatorID = &id
	if b.StartTime == nil {
		b.StartTime = &now
	}
	b.UpdateTime = &now
	return nil
}

// NextPatient advances the cursor and returns the patient under it.
func (b *Batch) NextPatient(aggregatorID uuid.UUID) (string, bool, error) {
	if err := b.verifyAggregator(aggregatorID); err != nil {
		return "", false, err
	}
	next := 0
	if b.PatientIndex != nil {
		next = *b.PatientIndex + 1
	}
	if next >= len(b.Patients) {
		return "", false, nil
	}
	b.PatientIndex = &next
	return b.Patients[next], true, nil
}

// SetPaused returns a running batch to the queue.
func (b *Batch) SetPaused(aggregatorID uuid.UUID, now time.Time) error {
	if err := b.verifyAggregator(aggregatorID); err != nil {
		return err
	}
	if b.Status != StatusRunning {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, b.Status, StatusPaused)
	}
	b.Status = StatusPaused
	b.AggregatorID = nil
	b.UpdateTime = &now
	return nil
}

// SetCompleted finishes a running batch.
func (b *Batch) SetCompleted(aggregatorID uuid.UUID, now time.Time) error {
	if err := b.verifyAggregator(aggregatorID); err != nil {
		return err
	}
	if b.Status != StatusRunning {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, b.Status, StatusCompleted)
	}
	b.Status = StatusCompleted
	b.AggregatorID = nil
	b.UpdateTime = &now
	b.CompleteTime = &now
	return nil
}

// SetFailed marks the batch failed regardless of owner.
func (b *Batch) SetFailed(now time.Time) {
	b.Status = StatusFailed
	b.AggregatorID = nil
	b.UpdateTime = &now
	b.CompleteTime = &now
}

// Restart puts a stuck running batch back in the queue, keeping its cursor.
func (b *Batch) Restart(now time.Time) error {
	if b.Status != StatusRunning {
		return fmt.Errorf("%w: restart from %s", ErrInvalidTransition, b.Status)
	}
	b.Status = StatusQueued
	b.AggregatorID = nil
	b.UpdateTime = &now
	return nil
}

// UpsertFile records f, replacing any entry for the same resource type and
// sequence.
func (b *Batch) UpsertFile(f OutputFile) {
	for i := range b.Files {
		if b.Files[i].ResourceType == f.ResourceType && b.Files[i].Sequence == f.Sequence {
			b.Files[i] = f
			return
		}
	}
	b.Files = append(b.Files, f)
	sort.SliceStable(b.Files, func(i, j int) bool {
		if b.Files[i].ResourceType != b.Files[j].ResourceType {
			return b.Files[i].ResourceType < b.Files[j].ResourceType
		}
		return b.Files[i].Sequence < b.Files[j].Sequence
	})
}

// LatestFile returns the highest-sequence file for resourceType.
func (b *Batch) LatestFile(resourceType string) (OutputFile, bool) {
	var (
		latest OutputFile
		found  bool
	)
	for _, f := range b.Files {
		if f.ResourceType == resourceType && (!found || f.Sequence > latest.Sequence) {
			latest, found = f, true
		}
	}
	return latest, found
}

// Clone returns a deep copy safe to hand across goroutines.
func (b *Batch) Clone() *Batch {
	c := *b
	c.Patients = append([]string(nil), b.Patients...)
	c.Files = append([]OutputFile(nil), b.Files...)
	c.Job.ResourceTypes = append([]string(nil), b.Job.ResourceTypes...)
	if b.PatientIndex != nil {
		idx := *b.PatientIndex
		c.PatientIndex = &idx
	}
	if b.AggregatorID != nil {
		id := *b.AggregatorID
		c.AggregatorID = &id
	}
	return &c
}
