package queue

import (
	"context"
	"database/sql"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/nowcrm/dal/internal/jobs"
	"github.com/nowcrm/dal/internal/pkg/distlock"
)

// Recovery reclaims queue entries whose worker crashed mid-job. Entries
// claimed longer ago than the visibility timeout go back to queued so a
// healthy worker picks them up; entries that keep failing are moved to
// dead_letter and their job is marked failed, so a structurally broken
// request cannot retry forever.
//
// Only one recovery scanner runs across all hosts; the loop takes a
// distributed lock before each pass.
type Recovery struct {
	db            *sql.DB
	store         *jobs.Store
	lock          distlock.DistLock
	interval      time.Duration
	staleAge      time.Duration
	maxDeliveries int
}

// NewRecovery creates a recovery loop with the given timing. interval
// and staleAge fall back to 2m/5m, maxDeliveries to 5.
func NewRecovery(db *sql.DB, store *jobs.Store, lock distlock.DistLock, interval, staleAge time.Duration, maxDeliveries int) *Recovery {
	if interval <= 0 {
		interval = 2 * time.Minute
	}
	if staleAge <= 0 {
		staleAge = 5 * time.Minute
	}
	if maxDeliveries <= 0 {
		maxDeliveries = 5
	}
	return &Recovery{
		db:            db,
		store:         store,
		lock:          lock,
		interval:      interval,
		staleAge:      staleAge,
		maxDeliveries: maxDeliveries,
	}
}

// Start runs the recovery loop until ctx is cancelled.
func (r *Recovery) Start(ctx context.Context) {
	log.Printf("[QueueRecovery] Starting (interval=%s, stale_age=%s, max_deliveries=%d)",
		r.interval, r.staleAge, r.maxDeliveries)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[QueueRecovery] Stopping")
			return
		case <-ticker.C:
			r.runOnce(ctx)
		}
	}
}

func (r *Recovery) runOnce(ctx context.Context) {
	acquired, err := r.lock.Acquire(ctx)
	if err != nil {
		log.Printf("[QueueRecovery] Lock error: %v", err)
		return
	}
	if !acquired {
		return // another host is scanning
	}
	defer r.lock.Release(ctx)

	scanCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	r.requeueStale(scanCtx)
	r.deadLetterExhausted(scanCtx)
}

// requeueStale releases entries whose claim outlived the visibility
// timeout and still have deliveries left.
func (r *Recovery) requeueStale(ctx context.Context) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE dal_job_queue
		SET status = 'queued', worker_id = NULL, locked_at = NULL
		WHERE status = 'claimed'
		  AND locked_at < NOW() - $1::interval
		  AND deliveries < $2
	`, r.staleAge.String(), r.maxDeliveries)
	if err != nil {
		log.Printf("[QueueRecovery] Requeue stale: %v", err)
		return
	}
	if n, _ := res.RowsAffected(); n > 0 {
		log.Printf("[QueueRecovery] Requeued %d stale entries", n)
	}
}

// deadLetterExhausted parks entries past the delivery limit and fails
// their jobs.
func (r *Recovery) deadLetterExhausted(ctx context.Context) {
	rows, err := r.db.QueryContext(ctx, `
		UPDATE dal_job_queue
		SET status = 'dead_letter', worker_id = NULL, locked_at = NULL
		WHERE status = 'claimed'
		  AND locked_at < NOW() - $1::interval
		  AND deliveries >= $2
		RETURNING job_id
	`, r.staleAge.String(), r.maxDeliveries)
	if err != nil {
		log.Printf("[QueueRecovery] Dead-letter scan: %v", err)
		return
	}
	defer rows.Close()

	var jobIDs []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			continue
		}
		jobIDs = append(jobIDs, id)
	}

	for _, id := range jobIDs {
		if err := r.store.Fail(ctx, id, "job exceeded maximum delivery attempts"); err != nil {
			log.Printf("[QueueRecovery] Fail job %s: %v", id, err)
		}
		log.Printf("[QueueRecovery] Job %s moved to dead_letter after %d deliveries", id, r.maxDeliveries)
	}
}
