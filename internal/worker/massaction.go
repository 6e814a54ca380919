package worker

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/nowcrm/dal/internal/entitystore"
	"github.com/nowcrm/dal/internal/jobs"
	"github.com/nowcrm/dal/internal/pkg/logger"
)

// MassActions executes the filter-driven bulk mutations. Each handler
// resolves the target set page by page through the entity store and
// applies one operation per record; a record failure becomes a failed
// item and never aborts the rest of the batch.
type MassActions struct {
	store      *jobs.Store
	es         entitystore.Client
	batchSize  int
	batchPause time.Duration
}

// NewMassActions wires the handlers. batchSize bounds both the resolve
// page size and the progress-flush granularity; batchPause is slack
// between batches so a big job does not monopolize the entity store.
func NewMassActions(store *jobs.Store, es entitystore.Client, batchSize int, batchPause time.Duration) *MassActions {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &MassActions{store: store, es: es, batchSize: batchSize, batchPause: batchPause}
}

// RegisterAll installs one handler per mass-action kind on the pool.
func (m *MassActions) RegisterAll(p *Pool) {
	p.Register(jobs.KindDelete, HandlerFunc(m.handleDelete))
	p.Register(jobs.KindUpdate, HandlerFunc(m.handleUpdate))
	p.Register(jobs.KindUpdateSubscription, HandlerFunc(m.handleSubscription))
	p.Register(jobs.KindAddToList, HandlerFunc(m.handleAddToList))
	p.Register(jobs.KindAddToOrganization, HandlerFunc(m.handleAddToOrganization))
	p.Register(jobs.KindAddToJourney, HandlerFunc(m.handleAddToJourney))
	p.Register(jobs.KindAnonymize, HandlerFunc(m.handleAnonymize))
}

// recordOp applies one action to one resolved record.
type recordOp func(ctx context.Context, rec entitystore.Record) error

func (m *MassActions) handleDelete(ctx context.Context, job *jobs.Job) error {
	p := job.Payload.(*jobs.DeletePayload)
	return m.run(ctx, job, p.MassAction, true, func(ctx context.Context, rec entitystore.Record) error {
		err := m.es.Delete(ctx, p.Entity, rec.DocumentID)
		if entitystore.IsNotFound(err) {
			// Already gone, e.g. a redelivered job.
			return nil
		}
		return err
	})
}

func (m *MassActions) handleUpdate(ctx context.Context, job *jobs.Job) error {
	p := job.Payload.(*jobs.UpdatePayload)
	if p.UpdateData.Field == "" {
		return fmt.Errorf("update action without a target field")
	}
	patch := map[string]any{p.UpdateData.Field: p.UpdateData.Value}
	return m.run(ctx, job, p.MassAction, false, func(ctx context.Context, rec entitystore.Record) error {
		return m.es.Update(ctx, p.Entity, rec.DocumentID, patch)
	})
}

func (m *MassActions) handleSubscription(ctx context.Context, job *jobs.Job) error {
	p := job.Payload.(*jobs.SubscriptionPayload)
	return m.run(ctx, job, p.MassAction, false, func(ctx context.Context, rec entitystore.Record) error {
		return m.es.SetSubscription(ctx, rec.DocumentID, p.ChannelID, p.IsSubscribe)
	})
}

func (m *MassActions) handleAddToList(ctx context.Context, job *jobs.Job) error {
	p := job.Payload.(*jobs.AddToListPayload)
	return m.run(ctx, job, p.MassAction, false, func(ctx context.Context, rec entitystore.Record) error {
		return m.es.Connect(ctx, p.Entity, rec.DocumentID, p.ListField, p.ListID)
	})
}

func (m *MassActions) handleAddToOrganization(ctx context.Context, job *jobs.Job) error {
	p := job.Payload.(*jobs.AddToOrganizationPayload)
	return m.run(ctx, job, p.MassAction, false, func(ctx context.Context, rec entitystore.Record) error {
		return m.es.Connect(ctx, p.Entity, rec.DocumentID, p.ListField, p.OrganizationID)
	})
}

func (m *MassActions) handleAddToJourney(ctx context.Context, job *jobs.Job) error {
	p := job.Payload.(*jobs.AddToJourneyPayload)
	return m.run(ctx, job, p.MassAction, false, func(ctx context.Context, rec entitystore.Record) error {
		return m.es.Connect(ctx, p.Entity, rec.DocumentID, p.ListField, p.ListID)
	})
}

// anonymizePatch blanks the identifying attributes and replaces the
// email with a unique, undeliverable placeholder so the record keeps
// satisfying uniqueness constraints without carrying personal data.
func anonymizePatch(rec entitystore.Record) map[string]any {
	return map[string]any{
		"email":      fmt.Sprintf("anon-%s@redacted.invalid", rec.DocumentID),
		"first_name": "",
		"last_name":  "",
		"phone":      "",
		"company":    "",
		"address":    "",
		"city":       "",
		"zip":        "",
		"birthday":   nil,
	}
}

func (m *MassActions) handleAnonymize(ctx context.Context, job *jobs.Job) error {
	p := job.Payload.(*jobs.AnonymizePayload)
	return m.run(ctx, job, p.MassAction, false, func(ctx context.Context, rec entitystore.Record) error {
		err := m.es.Update(ctx, p.Entity, rec.DocumentID, anonymizePatch(rec))
		if entitystore.IsNotFound(err) {
			return nil
		}
		return err
	})
}

// run walks the resolved record set and applies op to every record.
// Destructive actions shrink the result set as they go, so they drain
// page 1 until it comes back empty; everything else walks the pages
// forward. Progress and failed items flush after every batch.
func (m *MassActions) run(ctx context.Context, job *jobs.Job, action jobs.MassAction, destructive bool, op recordOp) error {
	counts := jobs.Counts{}
	page := 1

	// Failed records stay in a destructive result set, so later reads of
	// the same page serve them again. Remember every document attempted
	// and count each one exactly once.
	var attempted map[string]bool
	if destructive {
		attempted = make(map[string]bool)
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		resolved, err := m.es.Resolve(ctx, action.Entity, action.SearchMask, page, m.batchSize)
		if err != nil {
			return fmt.Errorf("resolve %s page %d: %w", action.Entity, page, err)
		}
		if counts.Total == 0 {
			counts.Total = resolved.Total
		}
		if len(resolved.Records) == 0 {
			break
		}

		var failed []jobs.FailedItem
		batchSucceeded := 0
		for _, rec := range resolved.Records {
			if destructive {
				if attempted[rec.DocumentID] {
					continue
				}
				attempted[rec.DocumentID] = true
			}
			if err := op(ctx, rec); err != nil {
				counts.Failed++
				logger.Warn("record mutation failed",
					"job_id", job.ID.String(),
					"identifier", recordIdentity(rec),
					"reason", err.Error())
				failed = append(failed, jobs.FailedItem{
					Value:  recordIdentity(rec),
					Reason: err.Error(),
				})
			} else {
				counts.Succeeded++
				batchSucceeded++
			}
			counts.Processed++
		}

		if len(failed) > 0 {
			if err := m.store.AppendFailedItems(ctx, job.ID, failed); err != nil {
				log.Printf("[MassAction] Job %s: store failed items: %v", job.ID, err)
			}
		}
		if err := m.store.SetProgress(ctx, job.ID, counts); err != nil {
			log.Printf("[MassAction] Job %s: progress: %v", job.ID, err)
		}

		if destructive {
			// Deleted records fall out of the filter, so the next read
			// of the same page is the next slice of survivors. When
			// nothing was removed the page holds only stuck records;
			// step past them instead of re-reading them forever.
			if batchSucceeded == 0 {
				page++
			}
		} else if resolved.PageCount > 0 && page >= resolved.PageCount {
			break
		} else {
			page++
		}

		if m.batchPause > 0 {
			time.Sleep(m.batchPause)
		}
	}

	status := jobs.TerminalStatus(counts.Succeeded, counts.Failed)
	result := jobs.ResultSummary{
		Message: fmt.Sprintf("%d of %d records processed", counts.Succeeded, counts.Processed),
	}
	return m.store.Complete(ctx, job.ID, status, counts, result, "")
}

// recordIdentity picks the value identifying a record in the failure
// report: the email attribute when present, otherwise the document id.
func recordIdentity(rec entitystore.Record) string {
	if email, ok := rec.Attributes["email"].(string); ok && email != "" {
		return email
	}
	return rec.DocumentID
}
