// Package queue provides the durable work queue that decouples bulk
// request submission from execution. The production implementation is a
// Postgres table claimed with FOR UPDATE SKIP LOCKED; an in-memory
// implementation backs tests and single-process development.
package queue

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/nowcrm/dal/internal/jobs"
)

// Entry is one delivery of a job to a worker.
type Entry struct {
	ID         int64
	JobID      uuid.UUID
	Kind       jobs.Kind
	Deliveries int
	EnqueuedAt time.Time
}

// Queue is the producer/consumer contract. Enqueue accepts an optional
// transaction so the caller can commit the queue entry together with
// the job record; delivery is at-least-once, to one worker at a time.
type Queue interface {
	Enqueue(ctx context.Context, tx *sql.Tx, jobID uuid.UUID, kind jobs.Kind) error
	// Claim returns the oldest deliverable entry for the given kinds,
	// or nil when the queue is empty.
	Claim(ctx context.Context, workerID string, kinds []jobs.Kind) (*Entry, error)
	// Ack marks the entry done; it will not be redelivered.
	Ack(ctx context.Context, entryID int64) error
	// Nack releases the entry for redelivery after the visibility
	// timeout.
	Nack(ctx context.Context, entryID int64, reason string) error
}

// PostgresQueue is the durable queue implementation.
type PostgresQueue struct {
	db                *sql.DB
	visibilityTimeout time.Duration
}

// NewPostgresQueue creates a queue over the dal_job_queue table.
func NewPostgresQueue(db *sql.DB, visibilityTimeout time.Duration) *PostgresQueue {
	if visibilityTimeout <= 0 {
		visibilityTimeout = 5 * time.Minute
	}
	return &PostgresQueue{db: db, visibilityTimeout: visibilityTimeout}
}

// Enqueue inserts a queue entry, inside tx when given.
func (q *PostgresQueue) Enqueue(ctx context.Context, tx *sql.Tx, jobID uuid.UUID, kind jobs.Kind) error {
	query := `
		INSERT INTO dal_job_queue (job_id, kind, status, created_at)
		VALUES ($1, $2, 'queued', NOW())
	`
	var err error
	if tx != nil {
		_, err = tx.ExecContext(ctx, query, jobID, kind)
	} else {
		_, err = q.db.ExecContext(ctx, query, jobID, kind)
	}
	if err != nil {
		return fmt.Errorf("enqueue job %s: %w", jobID, err)
	}
	return nil
}

// Claim atomically locks the oldest deliverable entry for this worker.
// An entry is deliverable when queued, or when claimed longer ago than
// the visibility timeout (its worker presumably crashed). SKIP LOCKED
// keeps concurrent workers from blocking on each other.
func (q *PostgresQueue) Claim(ctx context.Context, workerID string, kinds []jobs.Kind) (*Entry, error) {
	kindNames := make([]string, len(kinds))
	for i, k := range kinds {
		kindNames[i] = string(k)
	}

	row := q.db.QueryRowContext(ctx, `
		UPDATE dal_job_queue
		SET status = 'claimed',
		    worker_id = $1,
		    locked_at = NOW(),
		    deliveries = deliveries + 1
		WHERE id = (
			SELECT id FROM dal_job_queue
			WHERE kind = ANY($2)
			  AND (status = 'queued'
			       OR (status = 'claimed' AND locked_at < NOW() - $3::interval))
			ORDER BY id
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, job_id, kind, deliveries, created_at
	`, workerID, pq.Array(kindNames), q.visibilityTimeout.String())

	var e Entry
	err := row.Scan(&e.ID, &e.JobID, &e.Kind, &e.Deliveries, &e.EnqueuedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim queue entry: %w", err)
	}
	return &e, nil
}

// Ack marks the entry done.
func (q *PostgresQueue) Ack(ctx context.Context, entryID int64) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE dal_job_queue
		SET status = 'done', worker_id = NULL, locked_at = NULL
		WHERE id = $1
	`, entryID)
	if err != nil {
		return fmt.Errorf("ack queue entry %d: %w", entryID, err)
	}
	return nil
}

// Nack releases the entry back to queued for redelivery.
func (q *PostgresQueue) Nack(ctx context.Context, entryID int64, reason string) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE dal_job_queue
		SET status = 'queued', worker_id = NULL, locked_at = NULL,
		    last_error = $2
		WHERE id = $1
	`, entryID, reason)
	if err != nil {
		return fmt.Errorf("nack queue entry %d: %w", entryID, err)
	}
	return nil
}
