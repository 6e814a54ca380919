package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/nowcrm/dal/internal/importer"
	"github.com/nowcrm/dal/internal/jobs"
)

// ListJobs returns a page of job summaries, newest first.
func (h *Handlers) ListJobs(w http.ResponseWriter, r *http.Request) {
	f := jobs.ListFilter{
		Kind:     jobs.Kind(r.URL.Query().Get("kind")),
		Status:   jobs.Status(r.URL.Query().Get("status")),
		Page:     queryInt(r, "page", 1),
		PageSize: queryInt(r, "pageSize", 25),
	}

	list, total, err := h.store.List(r.Context(), f)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"data": map[string]any{
			"jobs":     list,
			"total":    total,
			"page":     f.Page,
			"pageSize": f.PageSize,
		},
	})
}

// GetJob returns one job record.
func (h *Handlers) GetJob(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid job id")
		return
	}

	job, err := h.store.Get(r.Context(), id)
	if err == jobs.ErrNotFound {
		respondError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to load job")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true, "data": job})
}

// JobFailedItemsCSV streams the job's failure report as a CSV download.
func (h *Handlers) JobFailedItemsCSV(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid job id")
		return
	}

	if _, err := h.store.Get(r.Context(), id); err == jobs.ErrNotFound {
		respondError(w, http.StatusNotFound, "job not found")
		return
	} else if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to load job")
		return
	}

	items, err := h.store.FailedItems(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to load failed items")
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="failed-%s.csv"`, id))
	if err := importer.FailedItemsCSV(items, w); err != nil {
		// Headers are already gone; nothing sensible left to send.
		return
	}
}

// ImportProgress returns the live Redis snapshot for a running import.
func (h *Handlers) ImportProgress(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid job id")
		return
	}

	if h.tracker == nil {
		respondError(w, http.StatusNotFound, "progress tracking is not configured")
		return
	}

	p, err := h.tracker.Get(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to load progress")
		return
	}
	if p == nil {
		respondError(w, http.StatusNotFound, "no progress for this job")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true, "data": p})
}

func queryInt(r *http.Request, name string, fallback int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return fallback
	}
	return n
}
