package aggregation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/CMSgov/dpc-app-sub000/internal/platform/db"
)

// PGQueue is the Postgres-backed JobQueue. Claims use row locks with SKIP
// LOCKED so any number of aggregators can share one table.
type PGQueue struct {
	pool         *pgxpool.Pool
	batchSize    int
	stuckTimeout time.Duration
	now          func() time.Time
}

func NewPGQueue(pool *pgxpool.Pool, batchSize int, stuckTimeout time.Duration) *PGQueue {
	return &PGQueue{pool: pool, batchSize: batchSize, stuckTimeout: stuckTimeout, now: time.Now}
}

const batchCols = `b.batch_id, b.job_id, b.organization_id, b.organization_npi, b.provider_npi,
	b.resource_types, b.patients, b.patient_index, b.since, b.transaction_time,
	b.requesting_ip, b.request_url, b.is_bulk, b.recipient_public_key,
	b.status, b.priority, b.aggregator_id, b.submit_time, b.start_time, b.update_time, b.complete_time`

func scanBatch(row pgx.Row) (*Batch, error) {
	var (
		b            Batch
		orgNPI       *string
		providerNPI  *string
		requestingIP *string
		requestURL   *string
		status       string
	)
	err := row.Scan(
		&b.ID, &b.Job.ID, &b.Job.OrganizationID, &orgNPI, &providerNPI,
		&b.Job.ResourceTypes, &b.Patients, &b.PatientIndex, &b.Job.Since, &b.Job.TransactionTime,
		&requestingIP, &requestURL, &b.Job.Bulk, &b.Job.RecipientPublicKey,
		&status, &b.Priority, &b.AggregatorID, &b.SubmitTime, &b.StartTime, &b.UpdateTime, &b.CompleteTime,
	)
	if err != nil {
		return nil, err
	}
	b.Status = BatchStatus(status)
	b.Job.OrganizationNPI = deref(orgNPI)
	b.Job.ProviderNPI = deref(providerNPI)
	b.Job.RequestingIP = deref(requestingIP)
	b.Job.RequestURL = deref(requestURL)
	return &b, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (q *PGQueue) CreateJob(ctx context.Context, job Job, patients []string) ([]uuid.UUID, error) {
	if err := ValidateJob(job); err != nil {
		return nil, err
	}
	batches := SplitBatches(job, patients, q.batchSize, q.now())
	ids := make([]uuid.UUID, 0, len(batches))

	err := db.InTx(ctx, q.pool, func(ctx context.Context, tx pgx.Tx) error {
		for _, b := range batches {
			_, err := tx.Exec(ctx, `INSERT INTO job_queue_batch (
				batch_id, job_id, organization_id, organization_npi, provider_npi,
				resource_types, patients, since, transaction_time,
				requesting_ip, request_url, is_bulk, recipient_public_key,
				status, priority, submit_time)
				VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
				b.ID, job.ID, job.OrganizationID, nullIfEmpty(job.OrganizationNPI), nullIfEmpty(job.ProviderNPI),
				job.ResourceTypes, b.Patients, job.Since, job.TransactionTime,
				nullIfEmpty(job.RequestingIP), nullIfEmpty(job.RequestURL), job.Bulk, job.RecipientPublicKey,
				string(b.Status), b.Priority, b.SubmitTime,
			)
			if err != nil {
				return fmt.Errorf("insert batch %s: %w", b.ID, err)
			}
			ids = append(ids, b.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// ClaimBatch first restarts stuck batches, then takes the highest priority
// claimable batch.
func (q *PGQueue) ClaimBatch(ctx context.Context, aggregatorID uuid.UUID) (*Batch, error) {
	var claimed *Batch
	err := db.InTx(ctx, q.pool, func(ctx context.Context, tx pgx.Tx) error {
		now := q.now()
		if q.stuckTimeout > 0 {
			if _, err := tx.Exec(ctx, `UPDATE job_queue_batch
				SET status = 'QUEUED', aggregator_id = NULL, update_time = $1
				WHERE status = 'RUNNING' AND update_time < $2`,
				now, now.Add(-q.stuckTimeout)); err != nil {
				return fmt.Errorf("restart stuck batches: %w", err)
			}
		}

		row := tx.QueryRow(ctx, `WITH next AS (
				SELECT batch_id FROM job_queue_batch
				WHERE status IN ('QUEUED', 'PAUSED')
				ORDER BY priority, submit_time
				LIMIT 1
				FOR UPDATE SKIP LOCKED
			)
			UPDATE job_queue_batch b
			SET status = 'RUNNING', aggregator_id = $1,
				start_time = COALESCE(b.start_time, $2), update_time = $2
			FROM next WHERE b.batch_id = next.batch_id
			RETURNING `+batchCols, aggregatorID, now)
		b, err := scanBatch(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("claim: %w", err)
		}
		if b.Files, err = q.loadFiles(ctx, tx, b.ID); err != nil {
			return err
		}
		claimed = b
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (q *PGQueue) loadFiles(ctx context.Context, conn db.Querier, batchID uuid.UUID) ([]OutputFile, error) {
	rows, err := conn.Query(ctx, `SELECT batch_id, job_id, resource_type, sequence, file_name, count,
			COALESCE(checksum, ''), COALESCE(file_length, 0)
		FROM job_queue_batch_file WHERE batch_id = $1
		ORDER BY resource_type, sequence`, batchID)
	if err != nil {
		return nil, fmt.Errorf("query batch files: %w", err)
	}
	defer rows.Close()

	var files []OutputFile
	for rows.Next() {
		var f OutputFile
		if err := rows.Scan(&f.BatchID, &f.JobID, &f.ResourceType, &f.Sequence, &f.FileName,
			&f.Count, &f.Checksum, &f.FileLength); err != nil {
			return nil, fmt.Errorf("scan batch file: %w", err)
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

// ownershipError explains why an owner-scoped update touched no rows.
func (q *PGQueue) ownershipError(ctx context.Context, conn db.Querier, batchID uuid.UUID) error {
	var owner *uuid.UUID
	err := conn.QueryRow(ctx, `SELECT aggregator_id FROM job_queue_batch WHERE batch_id = $1`, batchID).Scan(&owner)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrBatchNotFound, batchID)
	}
	if err != nil {
		return fmt.Errorf("read batch owner: %w", err)
	}
	return fmt.Errorf("%w: batch %s", ErrWrongAggregator, batchID)
}

func (q *PGQueue) FetchNextPatient(ctx context.Context, batch *Batch, aggregatorID uuid.UUID) (string, bool, error) {
	now := q.now()
	conn := db.Conn(ctx, q.pool)
	tag, err := conn.Exec(ctx, `UPDATE job_queue_batch SET update_time = $3
		WHERE batch_id = $1 AND aggregator_id = $2 AND status = 'RUNNING'`,
		batch.ID, aggregatorID, now)
	if err != nil {
		return "", false, fmt.Errorf("touch batch: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return "", false, q.ownershipError(ctx, conn, batch.ID)
	}
	batch.UpdateTime = &now
	return batch.NextPatient(aggregatorID)
}

// persist writes next's state and files, provided aggregatorID still owns
// the batch, and then copies next into batch.
func (q *PGQueue) persist(ctx context.Context, batch, next *Batch, aggregatorID uuid.UUID) error {
	err := db.InTx(ctx, q.pool, func(ctx context.Context, tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE job_queue_batch
			SET status = $3, patient_index = $4, aggregator_id = $5, update_time = $6, complete_time = $7
			WHERE batch_id = $1 AND aggregator_id = $2`,
			next.ID, aggregatorID, string(next.Status), next.PatientIndex, next.AggregatorID,
			next.UpdateTime, next.CompleteTime)
		if err != nil {
			return fmt.Errorf("update batch: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return q.ownershipError(ctx, tx, next.ID)
		}
		for _, f := range next.Files {
			if err := upsertFile(ctx, tx, f); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	*batch = *next
	return nil
}

func upsertFile(ctx context.Context, tx db.Querier, f OutputFile) error {
	var length *int64
	if f.FileLength > 0 {
		length = &f.FileLength
	}
	_, err := tx.Exec(ctx, `INSERT INTO job_queue_batch_file
			(batch_id, job_id, resource_type, sequence, file_name, count, checksum, file_length)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (batch_id, resource_type, sequence) DO UPDATE SET
			file_name = EXCLUDED.file_name,
			count = EXCLUDED.count,
			checksum = EXCLUDED.checksum,
			file_length = EXCLUDED.file_length`,
		f.BatchID, f.JobID, f.ResourceType, f.Sequence, f.FileName, f.Count, nullIfEmpty(f.Checksum), length)
	if err != nil {
		return fmt.Errorf("upsert file %s: %w", f.FileName, err)
	}
	return nil
}

func (q *PGQueue) CompletePartialBatch(ctx context.Context, batch *Batch, aggregatorID uuid.UUID) error {
	next := batch.Clone()
	now := q.now()
	next.UpdateTime = &now
	return q.persist(ctx, batch, next, aggregatorID)
}

func (q *PGQueue) CompleteBatch(ctx context.Context, batch *Batch, aggregatorID uuid.UUID) error {
	next := batch.Clone()
	if err := next.SetCompleted(aggregatorID, q.now()); err != nil {
		return err
	}
	return q.persist(ctx, batch, next, aggregatorID)
}

func (q *PGQueue) PauseBatch(ctx context.Context, batch *Batch, aggregatorID uuid.UUID) error {
	next := batch.Clone()
	if err := next.SetPaused(aggregatorID, q.now()); err != nil {
		return err
	}
	return q.persist(ctx, batch, next, aggregatorID)
}

func (q *PGQueue) FailBatch(ctx context.Context, batch *Batch, aggregatorID uuid.UUID) error {
	next := batch.Clone()
	next.SetFailed(q.now())
	return q.persist(ctx, batch, next, aggregatorID)
}

func (q *PGQueue) GetBatch(ctx context.Context, batchID uuid.UUID) (*Batch, error) {
	conn := db.Conn(ctx, q.pool)
	b, err := scanBatch(conn.QueryRow(ctx, `SELECT `+batchCols+` FROM job_queue_batch b WHERE b.batch_id = $1`, batchID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrBatchNotFound, batchID)
	}
	if err != nil {
		return nil, fmt.Errorf("get batch: %w", err)
	}
	if b.Files, err = q.loadFiles(ctx, conn, b.ID); err != nil {
		return nil, err
	}
	return b, nil
}

func (q *PGQueue) GetJobBatches(ctx context.Context, jobID uuid.UUID) ([]*Batch, error) {
	conn := db.Conn(ctx, q.pool)
	rows, err := conn.Query(ctx, `SELECT `+batchCols+` FROM job_queue_batch b
		WHERE b.job_id = $1 ORDER BY b.submit_time, b.batch_id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query job batches: %w", err)
	}
	var batches []*Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan batch: %w", err)
		}
		batches = append(batches, b)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, b := range batches {
		if b.Files, err = q.loadFiles(ctx, conn, b.ID); err != nil {
			return nil, err
		}
	}
	return batches, nil
}

func (q *PGQueue) QueueSize(ctx context.Context) (int, error) {
	var n int
	err := db.Conn(ctx, q.pool).QueryRow(ctx,
		`SELECT COUNT(*) FROM job_queue_batch WHERE status IN ('QUEUED', 'PAUSED')`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("queue size: %w", err)
	}
	return n, nil
}

func (q *PGQueue) AssertHealthy(ctx context.Context) error {
	if err := q.pool.Ping(ctx); err != nil {
		return fmt.Errorf("queue database: %w", err)
	}
	return nil
}
