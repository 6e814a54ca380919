package worker

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/nowcrm/dal/internal/entitystore"
	"github.com/nowcrm/dal/internal/importer"
	"github.com/nowcrm/dal/internal/jobs"
	"github.com/nowcrm/dal/internal/pkg/logger"
)

// ImportCSV turns an uploaded spreadsheet into entity records: map the
// headers, validate, optionally deduplicate, then find-or-create one
// record per surviving row. Every row ends up in exactly one bucket, so
// imported + skipped + duplicates + failed always equals the row total.
type ImportCSV struct {
	store     *jobs.Store
	es        entitystore.Client
	progress  *importer.ProgressTracker
	batchSize int
}

// NewImportCSV wires the import handler. progress may be nil when no
// Redis is configured; snapshots are then skipped.
func NewImportCSV(store *jobs.Store, es entitystore.Client, progress *importer.ProgressTracker, batchSize int) *ImportCSV {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &ImportCSV{store: store, es: es, progress: progress, batchSize: batchSize}
}

func (h *ImportCSV) Handle(ctx context.Context, job *jobs.Job) error {
	p := job.Payload.(*jobs.ImportCSVPayload)

	headers, rows, err := importer.ParseCSV(strings.NewReader(p.CSV))
	if err != nil {
		return fmt.Errorf("parse %s: %w", p.Filename, err)
	}

	mapping := p.Mapping
	if len(mapping) == 0 {
		mapping = make(map[string]string, len(headers))
		for _, m := range importer.SuggestMapping(headers, importer.TemplateFields(p.Entity)) {
			mapping[m.Source] = m.Target
		}
	}
	if conflicts := importer.MappingConflicts(mapping, p.DeletedColumns); len(conflicts) > 0 {
		return fmt.Errorf("column mapping assigns %q to multiple headers", conflicts[0].Target)
	}

	counts := jobs.Counts{Total: len(rows)}

	validation := importer.ValidateRows(rows, mapping, p.RequiredColumns)
	counts.Skipped = len(validation.Skipped)
	if validation.NoRequiredFields {
		log.Printf("[ImportCSV] Job %s: no required columns configured, importing every row", job.ID)
	}
	if len(validation.Skipped) > 0 {
		skipped := make([]jobs.FailedItem, len(validation.Skipped))
		for i, s := range validation.Skipped {
			skipped[i] = jobs.FailedItem{
				Value:  fmt.Sprintf("row %d", s.Position),
				Reason: s.Reason,
			}
		}
		if err := h.store.AppendFailedItems(ctx, job.ID, skipped); err != nil {
			log.Printf("[ImportCSV] Job %s: store skipped rows: %v", job.ID, err)
		}
	}

	surviving := validation.Valid
	if p.DeduplicateByRequired {
		var dupes int
		surviving, dupes = importer.Deduplicate(surviving, mapping, p.RequiredColumns)
		counts.Duplicates = dupes
	}

	uniqueTarget, uniqueSource := h.uniqueKey(mapping, p.RequiredColumns)

	var failed []jobs.FailedItem
	for i, row := range surviving {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := h.importRow(ctx, p, mapping, uniqueTarget, uniqueSource, row); err != nil {
			counts.Failed++
			logger.Warn("import row failed",
				"job_id", job.ID.String(),
				"identifier", rowIdentity(row, uniqueSource),
				"reason", err.Error())
			failed = append(failed, jobs.FailedItem{
				Value:  rowIdentity(row, uniqueSource),
				Reason: err.Error(),
			})
		} else {
			counts.Succeeded++
		}
		counts.Processed++

		if (i+1)%h.batchSize == 0 {
			h.flush(ctx, job, counts, failed)
			failed = nil
		}
	}
	h.flush(ctx, job, counts, failed)

	status := jobs.TerminalStatus(counts.Succeeded, counts.Failed)
	result := jobs.ResultSummary{
		Message: fmt.Sprintf("%d imported, %d skipped, %d duplicates, %d failed",
			counts.Succeeded, counts.Skipped, counts.Duplicates, counts.Failed),
		ListID: p.ListID,
	}
	if err := h.store.Complete(ctx, job.ID, status, counts, result, ""); err != nil {
		return err
	}
	h.snapshot(ctx, job, string(status), counts)
	return nil
}

// uniqueKey picks the target field identifying a row in the store: the
// first required column, falling back to email when none is mapped.
func (h *ImportCSV) uniqueKey(mapping map[string]string, required []string) (target, source string) {
	target = "email"
	if len(required) > 0 {
		target = required[0]
	}
	for src, t := range mapping {
		if t == target {
			return target, src
		}
	}
	return target, ""
}

// importRow builds the attribute map for one row and find-or-creates
// the record, then wires the optional list membership.
func (h *ImportCSV) importRow(ctx context.Context, p *jobs.ImportCSVPayload, mapping map[string]string, uniqueTarget, uniqueSource string, row importer.Row) error {
	data := make(map[string]any)
	extra := make(map[string]any)

	selected := make(map[string]bool, len(p.SelectedColumns))
	for _, s := range p.SelectedColumns {
		selected[s] = true
	}
	extras := make(map[string]bool, len(p.ExtraColumns))
	for _, s := range p.ExtraColumns {
		extras[s] = true
	}

	for source, target := range mapping {
		v := row.Value(source)
		if v == "" {
			continue
		}
		switch {
		case extras[source]:
			name := strings.TrimPrefix(strings.TrimPrefix(target, "_extra"), "_")
			if name == "" {
				name = source
			}
			extra[name] = v
		case target == "":
			// unmapped and not an extra: dropped
		case len(selected) > 0 && !selected[source]:
			// deselected by the caller
		default:
			data[target] = v
		}
	}
	for _, source := range p.ExtraColumns {
		if _, mapped := mapping[source]; !mapped {
			if v := row.Value(source); v != "" {
				extra[source] = v
			}
		}
	}
	if len(extra) > 0 {
		data["extra"] = extra
	}
	if p.SubscribeAll {
		data["subscribed"] = true
	}

	value := row.Value(uniqueSource)
	if value == "" {
		return fmt.Errorf("no value for %s", uniqueTarget)
	}

	rec, _, err := h.es.FindOrCreate(ctx, p.Entity, uniqueTarget, value, data)
	if err != nil {
		return err
	}
	if p.ListID > 0 {
		if err := h.es.Connect(ctx, p.Entity, rec.DocumentID, "lists", p.ListID); err != nil {
			return fmt.Errorf("attach to list %d: %w", p.ListID, err)
		}
	}
	return nil
}

func (h *ImportCSV) flush(ctx context.Context, job *jobs.Job, counts jobs.Counts, failed []jobs.FailedItem) {
	if len(failed) > 0 {
		if err := h.store.AppendFailedItems(ctx, job.ID, failed); err != nil {
			log.Printf("[ImportCSV] Job %s: store failed items: %v", job.ID, err)
		}
	}
	if err := h.store.SetProgress(ctx, job.ID, counts); err != nil {
		log.Printf("[ImportCSV] Job %s: progress: %v", job.ID, err)
	}
	h.snapshot(ctx, job, string(jobs.StatusActive), counts)
}

func (h *ImportCSV) snapshot(ctx context.Context, job *jobs.Job, status string, counts jobs.Counts) {
	if h.progress == nil {
		return
	}
	percent := 0
	if counts.Total > 0 {
		done := counts.Processed + counts.Skipped + counts.Duplicates
		percent = done * 100 / counts.Total
	}
	err := h.progress.Set(ctx, importer.Progress{
		JobID:      job.ID.String(),
		Status:     status,
		Percent:    percent,
		Total:      counts.Total,
		Imported:   counts.Succeeded,
		Skipped:    counts.Skipped,
		Duplicates: counts.Duplicates,
		Failed:     counts.Failed,
	})
	if err != nil {
		log.Printf("[ImportCSV] Job %s: progress snapshot: %v", job.ID, err)
	}
}

func rowIdentity(row importer.Row, uniqueSource string) string {
	if v := row.Value(uniqueSource); v != "" {
		return v
	}
	return fmt.Sprintf("row %d", row.Position)
}
