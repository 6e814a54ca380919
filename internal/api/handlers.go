package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"net/http"

	"github.com/nowcrm/dal/internal/config"
	"github.com/nowcrm/dal/internal/importer"
	"github.com/nowcrm/dal/internal/jobs"
	"github.com/nowcrm/dal/internal/queue"
)

// Handlers carries the dependencies of every endpoint.
type Handlers struct {
	db      *sql.DB
	store   *jobs.Store
	queue   queue.Queue
	tracker *importer.ProgressTracker
	cfg     config.EntityStoreConfig
}

// NewHandlers wires the endpoint dependencies. tracker may be nil when
// no Redis is configured; the progress endpoint then always reports
// missing.
func NewHandlers(db *sql.DB, store *jobs.Store, q queue.Queue, tracker *importer.ProgressTracker, cfg config.EntityStoreConfig) *Handlers {
	return &Handlers{db: db, store: store, queue: q, tracker: tracker, cfg: cfg}
}

// HealthCheck reports liveness and database reachability.
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	if err := h.db.PingContext(r.Context()); err != nil {
		status = "degraded"
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": status})
}

// createAndEnqueue persists the job and its queue entry in one
// transaction. A crash between the two cannot leave an orphaned queue
// entry or an unqueued job.
func (h *Handlers) createAndEnqueue(ctx context.Context, p jobs.Payload) (*jobs.Job, error) {
	job := jobs.New(p)

	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin submission tx: %w", err)
	}
	defer tx.Rollback()

	if err := h.store.Create(ctx, tx, job); err != nil {
		return nil, err
	}
	if err := h.queue.Enqueue(ctx, tx, job.ID, job.Kind); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit submission: %w", err)
	}
	return job, nil
}

// accepted writes the queued acknowledgement. count stays 0: mutation
// counts are only final in the job record.
func accepted(w http.ResponseWriter, job *jobs.Job, message string) {
	respondJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": message,
		"data": map[string]any{
			"count":  0,
			"job_id": job.ID.String(),
		},
	})
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]any{
		"success": false,
		"message": message,
	})
}

func (h *Handlers) submit(w http.ResponseWriter, r *http.Request, p jobs.Payload, message string) {
	job, err := h.createAndEnqueue(r.Context(), p)
	if err != nil {
		log.Printf("[API] Submit %s: %v", p.JobKind(), err)
		respondError(w, http.StatusInternalServerError, "failed to queue the request")
		return
	}
	accepted(w, job, message)
}
