package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

var (
	// ErrNotFound is returned when a job id does not exist.
	ErrNotFound = errors.New("job not found")
)

// Store is the durable record of every submitted bulk operation.
// Jobs are never deleted by the pipeline; retention is external.
type Store struct {
	db *sql.DB
}

// NewStore creates a job record store over the given database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// execer abstracts *sql.DB and *sql.Tx so job creation can share a
// transaction with the queue insert.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// Create persists a new job record. When tx is non-nil the insert runs
// inside it, so the caller can commit the job row and its queue entry
// atomically.
func (s *Store) Create(ctx context.Context, tx *sql.Tx, job *Job) error {
	raw := job.RawPayload
	if raw == nil {
		var err error
		raw, err = EncodePayload(job.Payload)
		if err != nil {
			return err
		}
		job.RawPayload = raw
	}

	var run execer = s.db
	if tx != nil {
		run = tx
	}

	_, err := run.ExecContext(ctx, `
		INSERT INTO dal_jobs (id, kind, status, payload, filename, progress, created_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6)
	`, job.ID, job.Kind, job.Status, []byte(raw), job.Filename, job.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// Get loads a job by id, without its failed items.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, kind, status, payload, COALESCE(filename, ''), progress,
		       total_count, processed_count, succeeded_count, failed_count,
		       skipped_count, duplicate_count,
		       COALESCE(result_summary, '{}'), COALESCE(error_message, ''),
		       created_at, started_at, completed_at
		FROM dal_jobs WHERE id = $1
	`, id)
	return scanJob(row)
}

// ListFilter selects a page of job history.
type ListFilter struct {
	Kind     Kind
	Status   Status
	Page     int
	PageSize int
}

// List returns a page of jobs, newest first, and the total match count.
func (s *Store) List(ctx context.Context, f ListFilter) ([]*Job, int, error) {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PageSize < 1 || f.PageSize > 200 {
		f.PageSize = 20
	}

	where := "WHERE 1=1"
	args := []interface{}{}
	if f.Kind != "" {
		args = append(args, f.Kind)
		where += fmt.Sprintf(" AND kind = $%d", len(args))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		where += fmt.Sprintf(" AND status = $%d", len(args))
	}

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM dal_jobs "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	args = append(args, f.PageSize, (f.Page-1)*f.PageSize)
	query := fmt.Sprintf(`
		SELECT id, kind, status, payload, COALESCE(filename, ''), progress,
		       total_count, processed_count, succeeded_count, failed_count,
		       skipped_count, duplicate_count,
		       COALESCE(result_summary, '{}'), COALESCE(error_message, ''),
		       created_at, started_at, completed_at
		FROM dal_jobs %s
		ORDER BY created_at DESC
		LIMIT $%d OFFSET $%d
	`, where, len(args)-1, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, job)
	}
	return out, total, rows.Err()
}

// MarkActive transitions a queued job to active for the claiming worker.
// Re-delivery of an already-active job is a no-op (the first claim wins
// the started_at timestamp).
func (s *Store) MarkActive(ctx context.Context, id uuid.UUID, workerID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE dal_jobs
		SET status = 'active', worker_id = $2,
		    started_at = COALESCE(started_at, NOW())
		WHERE id = $1 AND status IN ('queued', 'active')
	`, id, workerID)
	if err != nil {
		return fmt.Errorf("mark job active: %w", err)
	}
	return nil
}

// SetProgress records batch progress. Progress percent and processed
// counts are monotonic: a stale writer can never move them backwards,
// and terminal jobs are never touched.
func (s *Store) SetProgress(ctx context.Context, id uuid.UUID, c Counts) error {
	progress := 0
	if c.Total > 0 {
		progress = c.Processed * 100 / c.Total
		if progress > 100 {
			progress = 100
		}
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE dal_jobs
		SET progress        = GREATEST(progress, $2),
		    total_count     = $3,
		    processed_count = GREATEST(processed_count, $4),
		    succeeded_count = GREATEST(succeeded_count, $5),
		    failed_count    = GREATEST(failed_count, $6),
		    skipped_count   = GREATEST(skipped_count, $7),
		    duplicate_count = GREATEST(duplicate_count, $8)
		WHERE id = $1 AND status NOT IN ('completed', 'failed', 'partially_failed')
	`, id, progress, c.Total, c.Processed, c.Succeeded, c.Failed, c.Skipped, c.Duplicates)
	if err != nil {
		return fmt.Errorf("set job progress: %w", err)
	}
	return nil
}

// Complete transitions a job to its terminal status exactly once. A job
// already in a terminal status is left untouched, so crash-and-redeliver
// cannot regress or double-finish it.
func (s *Store) Complete(ctx context.Context, id uuid.UUID, status Status, c Counts, result ResultSummary, errMsg string) error {
	if !status.Terminal() {
		return fmt.Errorf("complete requires a terminal status, got %q", status)
	}
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result summary: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE dal_jobs
		SET status = $2, progress = 100,
		    total_count = $3, processed_count = $4, succeeded_count = $5,
		    failed_count = $6, skipped_count = $7, duplicate_count = $8,
		    result_summary = $9, error_message = NULLIF($10, ''),
		    completed_at = NOW()
		WHERE id = $1 AND status NOT IN ('completed', 'failed', 'partially_failed')
	`, id, status, c.Total, c.Processed, c.Succeeded, c.Failed, c.Skipped, c.Duplicates, resultJSON, errMsg)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Already terminal; the first completion stands.
		return nil
	}
	return nil
}

// AppendFailedItems appends per-item failures using COPY. Entries are
// never overwritten, so partial progress survives a crash.
func (s *Store) AppendFailedItems(ctx context.Context, id uuid.UUID, items []FailedItem) error {
	if len(items) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin failed-items tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(pq.CopyIn("dal_job_failed_items", "job_id", "item_value", "reason", "created_at"))
	if err != nil {
		return fmt.Errorf("prepare COPY: %w", err)
	}

	now := time.Now().UTC()
	for _, item := range items {
		if _, err := stmt.Exec(id, item.Value, item.Reason, now); err != nil {
			stmt.Close()
			return fmt.Errorf("copy failed item: %w", err)
		}
	}
	if _, err := stmt.Exec(); err != nil {
		stmt.Close()
		return fmt.Errorf("flush COPY: %w", err)
	}
	if err := stmt.Close(); err != nil {
		return fmt.Errorf("close COPY: %w", err)
	}
	return tx.Commit()
}

// FailedItems loads a job's failed items in insertion order.
func (s *Store) FailedItems(ctx context.Context, id uuid.UUID) ([]FailedItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT item_value, reason FROM dal_job_failed_items
		WHERE job_id = $1 ORDER BY id
	`, id)
	if err != nil {
		return nil, fmt.Errorf("load failed items: %w", err)
	}
	defer rows.Close()

	var items []FailedItem
	for rows.Next() {
		var item FailedItem
		if err := rows.Scan(&item.Value, &item.Reason); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// Fail marks a job failed with a message, used for job-level errors
// (record-set resolution failure, unreachable dependency).
func (s *Store) Fail(ctx context.Context, id uuid.UUID, msg string) error {
	return s.Complete(ctx, id, StatusFailed, Counts{}, ResultSummary{}, msg)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		job        Job
		raw        []byte
		resultJSON []byte
	)
	err := row.Scan(
		&job.ID, &job.Kind, &job.Status, &raw, &job.Filename, &job.Progress,
		&job.Counts.Total, &job.Counts.Processed, &job.Counts.Succeeded,
		&job.Counts.Failed, &job.Counts.Skipped, &job.Counts.Duplicates,
		&resultJSON, &job.Error,
		&job.CreatedAt, &job.StartedAt, &job.CompletedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}

	job.RawPayload = raw
	if payload, err := DecodePayload(raw); err == nil {
		job.Payload = payload
	}
	if err := json.Unmarshal(resultJSON, &job.Result); err != nil {
		return nil, fmt.Errorf("parse result summary: %w", err)
	}
	return &job, nil
}
