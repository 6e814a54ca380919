package importer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const progressKeyPrefix = "dal:import:progress:"

// Progress is the live snapshot of a running import, polled by the UI
// while the job runs. The durable counts live in the job record; this
// is a cheap read path that expires on its own.
type Progress struct {
	JobID      string    `json:"job_id"`
	Status     string    `json:"status"`
	Percent    int       `json:"percent"`
	Total      int       `json:"total"`
	Imported   int       `json:"imported"`
	Skipped    int       `json:"skipped"`
	Duplicates int       `json:"duplicates"`
	Failed     int       `json:"failed"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// ProgressTracker stores snapshots in Redis under a TTL.
type ProgressTracker struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewProgressTracker creates a tracker; ttl defaults to 24h.
func NewProgressTracker(rdb *redis.Client, ttl time.Duration) *ProgressTracker {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &ProgressTracker{rdb: rdb, ttl: ttl}
}

// Set overwrites the snapshot for a job.
func (t *ProgressTracker) Set(ctx context.Context, p Progress) error {
	p.UpdatedAt = time.Now().UTC()
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode progress: %w", err)
	}
	if err := t.rdb.Set(ctx, progressKeyPrefix+p.JobID, raw, t.ttl).Err(); err != nil {
		return fmt.Errorf("store progress for %s: %w", p.JobID, err)
	}
	return nil
}

// Get returns the snapshot for a job, or nil when none exists (expired
// or never started).
func (t *ProgressTracker) Get(ctx context.Context, jobID uuid.UUID) (*Progress, error) {
	raw, err := t.rdb.Get(ctx, progressKeyPrefix+jobID.String()).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load progress for %s: %w", jobID, err)
	}
	var p Progress
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode progress for %s: %w", jobID, err)
	}
	return &p, nil
}
