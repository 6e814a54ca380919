// Package worker executes queued jobs. A pool of goroutines claims
// queue entries, dispatches them to the handler registered for the job
// kind and acknowledges the entry. Handlers own per-record accounting
// and the job's terminal status; a handler error fails the whole job.
package worker

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nowcrm/dal/internal/jobs"
	"github.com/nowcrm/dal/internal/queue"
)

// Handler runs one job to completion. Returning an error marks the job
// failed; per-record problems are recorded as failed items inside the
// handler instead.
type Handler interface {
	Handle(ctx context.Context, job *jobs.Job) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, job *jobs.Job) error

func (f HandlerFunc) Handle(ctx context.Context, job *jobs.Job) error { return f(ctx, job) }

// Pool manages the worker goroutines for this process.
type Pool struct {
	db           *sql.DB
	store        *jobs.Store
	queue        queue.Queue
	handlers     map[jobs.Kind]Handler
	notifier     *CompletionNotifier
	workerID     string
	numWorkers   int
	pollInterval time.Duration

	// Stats
	totalProcessed int64
	totalFailed    int64

	// Control
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	mu      sync.RWMutex
}

// NewPool creates a pool. workerID identifies this process in the
// dal_workers table and on claimed queue entries.
func NewPool(db *sql.DB, store *jobs.Store, q queue.Queue, workerID string, numWorkers int, pollInterval time.Duration) *Pool {
	if numWorkers <= 0 {
		numWorkers = 4
	}
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	return &Pool{
		db:           db,
		store:        store,
		queue:        q,
		handlers:     make(map[jobs.Kind]Handler),
		workerID:     workerID,
		numWorkers:   numWorkers,
		pollInterval: pollInterval,
	}
}

// Register installs the handler for a job kind.
func (p *Pool) Register(kind jobs.Kind, h Handler) {
	p.handlers[kind] = h
}

// SetCompletionNotifier attaches the optional completion webhook.
func (p *Pool) SetCompletionNotifier(n *CompletionNotifier) {
	p.notifier = n
}

// Start launches the workers. It refuses to start with a partial
// handler registry so an unhandled kind cannot sit claimed until it
// dead-letters.
func (p *Pool) Start() error {
	for _, kind := range jobs.AllKinds {
		if _, ok := p.handlers[kind]; !ok {
			return fmt.Errorf("no handler registered for job kind %q", kind)
		}
	}

	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = true
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.mu.Unlock()

	log.Printf("[JobWorker] Starting %d workers (poll_interval=%s)", p.numWorkers, p.pollInterval)

	p.registerWorker()
	go p.heartbeatLoop()

	for i := 0; i < p.numWorkers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	return nil
}

// Stop drains the pool and waits for in-flight jobs.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.cancel()
	p.mu.Unlock()

	log.Println("[JobWorker] Stopping workers...")
	p.wg.Wait()
	p.deregisterWorker()

	log.Printf("[JobWorker] Stopped. Total processed: %d, failed: %d",
		atomic.LoadInt64(&p.totalProcessed), atomic.LoadInt64(&p.totalFailed))
}

// Stats returns the pool's lifetime counters.
func (p *Pool) Stats() map[string]int64 {
	return map[string]int64{
		"total_processed": atomic.LoadInt64(&p.totalProcessed),
		"total_failed":    atomic.LoadInt64(&p.totalFailed),
	}
}

func (p *Pool) kinds() []jobs.Kind {
	kinds := make([]jobs.Kind, 0, len(p.handlers))
	for k := range p.handlers {
		kinds = append(kinds, k)
	}
	return kinds
}

// worker is the claim/dispatch loop.
func (p *Pool) worker(workerNum int) {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			return
		default:
			entry, err := p.queue.Claim(p.ctx, p.workerID, p.kinds())
			if err != nil {
				log.Printf("[JobWorker] Worker %d: claim error: %v", workerNum, err)
				time.Sleep(time.Second)
				continue
			}
			if entry == nil {
				time.Sleep(p.pollInterval)
				continue
			}
			p.processEntry(entry)
		}
	}
}

// processEntry runs one claimed entry. Handler errors fail the job and
// still ack the entry: a structurally broken job is retried by
// re-submission, not by redelivery. Nack is reserved for infrastructure
// trouble before any work happened.
func (p *Pool) processEntry(entry *queue.Entry) {
	job, err := p.store.Get(p.ctx, entry.JobID)
	if err == jobs.ErrNotFound {
		log.Printf("[JobWorker] Entry %d references missing job %s, dropping", entry.ID, entry.JobID)
		p.queue.Ack(p.ctx, entry.ID)
		return
	}
	if err != nil {
		log.Printf("[JobWorker] Load job %s: %v", entry.JobID, err)
		p.queue.Nack(p.ctx, entry.ID, err.Error())
		return
	}
	if job.Status.Terminal() {
		// Redelivered after the job already finished.
		p.queue.Ack(p.ctx, entry.ID)
		return
	}

	if err := p.store.MarkActive(p.ctx, job.ID, p.workerID); err != nil {
		log.Printf("[JobWorker] Mark job %s active: %v", job.ID, err)
		p.queue.Nack(p.ctx, entry.ID, err.Error())
		return
	}

	log.Printf("[JobWorker] Job %s (%s) started, delivery %d", job.ID, job.Kind, entry.Deliveries)
	start := time.Now()

	if err := p.handlers[job.Kind].Handle(p.ctx, job); err != nil {
		atomic.AddInt64(&p.totalFailed, 1)
		log.Printf("[JobWorker] Job %s (%s) failed after %s: %v", job.ID, job.Kind, time.Since(start), err)
		if ferr := p.store.Fail(p.ctx, job.ID, err.Error()); ferr != nil {
			log.Printf("[JobWorker] Record failure for job %s: %v", job.ID, ferr)
		}
	} else {
		atomic.AddInt64(&p.totalProcessed, 1)
		log.Printf("[JobWorker] Job %s (%s) finished in %s", job.ID, job.Kind, time.Since(start))
	}

	p.queue.Ack(p.ctx, entry.ID)

	if p.notifier != nil {
		p.notifier.Notify(job.ID, job.Kind)
	}
}

func (p *Pool) registerWorker() {
	p.db.Exec(`
		INSERT INTO dal_workers (id, hostname, status, num_workers, started_at, last_heartbeat_at)
		VALUES ($1, $2, 'running', $3, NOW(), NOW())
		ON CONFLICT (id) DO UPDATE SET
			status = 'running',
			started_at = NOW(),
			last_heartbeat_at = NOW()
	`, p.workerID, hostname(), p.numWorkers)
}

func (p *Pool) deregisterWorker() {
	p.db.Exec(`UPDATE dal_workers SET status = 'stopped' WHERE id = $1`, p.workerID)
}

func (p *Pool) heartbeatLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			stats := p.Stats()
			statsJSON, _ := json.Marshal(stats)
			p.db.Exec(`
				UPDATE dal_workers
				SET last_heartbeat_at = NOW(),
				    total_processed = $2,
				    total_errors = $3,
				    metadata = $4
				WHERE id = $1
			`, p.workerID, stats["total_processed"], stats["total_failed"], string(statsJSON))
		}
	}
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}
