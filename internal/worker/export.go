package worker

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/nowcrm/dal/internal/entitystore"
	"github.com/nowcrm/dal/internal/jobs"
	"github.com/nowcrm/dal/internal/storage"
)

// Export resolves the matching records and streams them to object
// storage as CSV. It mutates nothing; the artifact key lands in the
// job's result summary.
type Export struct {
	store     *jobs.Store
	es        entitystore.Client
	artifacts storage.ArtifactStore
	pageSize  int
}

// NewExport wires the export handler.
func NewExport(store *jobs.Store, es entitystore.Client, artifacts storage.ArtifactStore, pageSize int) *Export {
	if pageSize <= 0 {
		pageSize = 500
	}
	return &Export{store: store, es: es, artifacts: artifacts, pageSize: pageSize}
}

// Handle runs one export job. Pages stream through an io.Pipe into the
// upload so the full record set never sits in memory.
func (e *Export) Handle(ctx context.Context, job *jobs.Job) error {
	p := job.Payload.(*jobs.ExportPayload)

	first, err := e.es.Resolve(ctx, p.Entity, p.SearchMask, 1, e.pageSize)
	if err != nil {
		return fmt.Errorf("resolve %s for export: %w", p.Entity, err)
	}

	columns := exportColumns(first.Records)
	key := fmt.Sprintf("exports/%s/%s-%s.csv", p.Entity, time.Now().UTC().Format("20060102-150405"), job.ID)

	pr, pw := io.Pipe()
	done := make(chan writeResult, 1)
	go func() {
		rows, err := e.writeAllPages(ctx, job, p, first, columns, pw)
		done <- writeResult{rows: rows, err: err}
	}()

	if err := e.artifacts.Put(ctx, key, pr, "text/csv"); err != nil {
		pr.CloseWithError(err)
		<-done
		return fmt.Errorf("upload export artifact: %w", err)
	}
	res := <-done
	if res.err != nil {
		return res.err
	}

	total := first.Total
	if total == 0 {
		total = res.rows
	}
	counts := jobs.Counts{
		Total:     total,
		Processed: res.rows,
		Succeeded: res.rows,
	}
	result := jobs.ResultSummary{
		Message:     fmt.Sprintf("%d records exported", res.rows),
		ArtifactKey: key,
	}
	return e.store.Complete(ctx, job.ID, jobs.StatusCompleted, counts, result, "")
}

type writeResult struct {
	rows int
	err  error
}

// writeAllPages streams every resolved page as CSV into w, closing it
// with the first error so the uploader side unblocks. It returns the
// number of data rows written.
func (e *Export) writeAllPages(ctx context.Context, job *jobs.Job, p *jobs.ExportPayload, first *entitystore.Page, columns []string, w *io.PipeWriter) (int, error) {
	cw := csv.NewWriter(w)

	fail := func(err error) (int, error) {
		w.CloseWithError(err)
		return 0, err
	}

	if err := cw.Write(columns); err != nil {
		return fail(fmt.Errorf("write export header: %w", err))
	}

	counts := jobs.Counts{Total: first.Total}
	resolved := first
	page := 1
	for {
		for _, rec := range resolved.Records {
			row := make([]string, len(columns))
			for i, col := range columns {
				row[i] = attributeString(rec.Attributes[col])
			}
			if err := cw.Write(row); err != nil {
				return fail(fmt.Errorf("write export row: %w", err))
			}
			counts.Processed++
			counts.Succeeded++
		}
		cw.Flush()
		if err := cw.Error(); err != nil {
			return fail(fmt.Errorf("flush export page %d: %w", page, err))
		}
		e.store.SetProgress(ctx, job.ID, counts)

		if resolved.PageCount > 0 && page >= resolved.PageCount {
			break
		}
		page++
		var err error
		resolved, err = e.es.Resolve(ctx, p.Entity, p.SearchMask, page, e.pageSize)
		if err != nil {
			return fail(fmt.Errorf("resolve export page %d: %w", page, err))
		}
		if len(resolved.Records) == 0 {
			break
		}
	}

	return counts.Processed, w.Close()
}

// exportColumns derives a stable header from the first page's
// attributes, email first when present.
func exportColumns(records []entitystore.Record) []string {
	seen := make(map[string]bool)
	for _, rec := range records {
		for k := range rec.Attributes {
			seen[k] = true
		}
	}

	var columns []string
	for k := range seen {
		if k != "email" {
			columns = append(columns, k)
		}
	}
	sort.Strings(columns)
	if seen["email"] {
		columns = append([]string{"email"}, columns...)
	}
	return columns
}

func attributeString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return fmt.Sprintf("%g", t)
	case bool:
		return fmt.Sprintf("%t", t)
	default:
		return fmt.Sprintf("%v", t)
	}
}
