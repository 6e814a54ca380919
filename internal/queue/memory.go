package queue

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nowcrm/dal/internal/jobs"
)

// Memory is an in-process Queue for tests and single-binary development.
// It honors the same claim semantics as the Postgres queue (one worker
// at a time per entry, redelivery after Nack) without durability.
type Memory struct {
	mu      sync.Mutex
	nextID  int64
	entries []*memoryEntry
}

type memoryEntry struct {
	entry   Entry
	status  string // queued | claimed | done
	worker  string
	lastErr string
}

// NewMemory creates an empty in-memory queue.
func NewMemory() *Memory {
	return &Memory{}
}

// Enqueue appends an entry. The tx argument is accepted for interface
// compatibility and ignored.
func (m *Memory) Enqueue(_ context.Context, _ *sql.Tx, jobID uuid.UUID, kind jobs.Kind) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	m.entries = append(m.entries, &memoryEntry{
		entry: Entry{
			ID:         m.nextID,
			JobID:      jobID,
			Kind:       kind,
			EnqueuedAt: time.Now(),
		},
		status: "queued",
	})
	return nil
}

// Claim hands out the oldest queued entry matching the kinds.
func (m *Memory) Claim(_ context.Context, workerID string, kinds []jobs.Kind) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range m.entries {
		if e.status != "queued" || !kindIn(e.entry.Kind, kinds) {
			continue
		}
		e.status = "claimed"
		e.worker = workerID
		e.entry.Deliveries++
		claimed := e.entry
		return &claimed, nil
	}
	return nil, nil
}

// Ack marks the entry done.
func (m *Memory) Ack(_ context.Context, entryID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e := m.find(entryID); e != nil {
		e.status = "done"
		e.worker = ""
	}
	return nil
}

// Nack requeues the entry for redelivery.
func (m *Memory) Nack(_ context.Context, entryID int64, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e := m.find(entryID); e != nil {
		e.status = "queued"
		e.worker = ""
		e.lastErr = reason
	}
	return nil
}

// Pending reports how many entries are not yet done, used by tests.
func (m *Memory) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.entries {
		if e.status != "done" {
			n++
		}
	}
	return n
}

func (m *Memory) find(id int64) *memoryEntry {
	for _, e := range m.entries {
		if e.entry.ID == id {
			return e
		}
	}
	return nil
}

func kindIn(k jobs.Kind, kinds []jobs.Kind) bool {
	for _, kk := range kinds {
		if k == kk {
			return true
		}
	}
	return false
}
