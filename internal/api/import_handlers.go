package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/nowcrm/dal/internal/importer"
	"github.com/nowcrm/dal/internal/jobs"
)

// maxUploadBytes bounds the in-memory part of a multipart upload.
const maxUploadBytes = 64 << 20

// UploadCSV accepts a multipart CSV upload and queues the import job.
// A column mapping that assigns two surviving headers to the same
// target field blocks the submission.
func (h *Handlers) UploadCSV(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		respondError(w, http.StatusBadRequest, "invalid multipart form: "+err.Error())
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		respondError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		respondError(w, http.StatusBadRequest, "could not read uploaded file")
		return
	}

	entity := r.FormValue("type")
	if entity == "" {
		respondError(w, http.StatusBadRequest, "type is required")
		return
	}
	if !h.cfg.IsMutableEntity(entity) {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("entity %q is not a mutable entity type", entity))
		return
	}

	filename := r.FormValue("filename")
	if filename == "" {
		filename = header.Filename
	}

	p := jobs.ImportCSVPayload{
		Filename:              filename,
		Entity:                entity,
		CSV:                   string(content),
		SubscribeAll:          r.FormValue("subscribeAll") == "true",
		DeduplicateByRequired: r.FormValue("deduplicateByRequired") == "true",
	}
	if err := formJSON(r, "mapping", &p.Mapping); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := formJSON(r, "requiredColumns", &p.RequiredColumns); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := formJSON(r, "selectedColumns", &p.SelectedColumns); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := formJSON(r, "extraColumns", &p.ExtraColumns); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := formJSON(r, "deletedColumns", &p.DeletedColumns); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if v := r.FormValue("listId"); v != "" {
		if _, err := fmt.Sscanf(v, "%d", &p.ListID); err != nil {
			respondError(w, http.StatusBadRequest, "listId must be a number")
			return
		}
	}

	if conflicts := importer.MappingConflicts(p.Mapping, p.DeletedColumns); len(conflicts) > 0 {
		respondJSON(w, http.StatusBadRequest, map[string]any{
			"success":   false,
			"message":   "column mapping has conflicting assignments",
			"conflicts": conflicts,
		})
		return
	}
	if missing := importer.UnmappedRequired(p.Mapping, p.RequiredColumns); len(missing) > 0 {
		respondError(w, http.StatusBadRequest,
			fmt.Sprintf("required columns are not mapped to any header: %s", strings.Join(missing, ", ")))
		return
	}

	message := "import queued"
	if len(p.RequiredColumns) == 0 {
		message = "import queued; no required columns configured, every row will be imported"
	}
	h.submit(w, r, &p, message)
}

// formJSON decodes an optional JSON-encoded form field.
func formJSON(r *http.Request, field string, dst any) error {
	v := r.FormValue(field)
	if v == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(v), dst); err != nil {
		return fmt.Errorf("%s is not valid JSON: %v", field, err)
	}
	return nil
}

// SuggestMapping proposes a header-to-field mapping for an uploaded
// header row, without creating anything.
func (h *Handlers) SuggestMapping(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Headers []string `json:"headers"`
		Entity  string   `json:"type"`
	}
	if err := decodeBody(r, &body); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(body.Headers) == 0 {
		respondError(w, http.StatusBadRequest, "headers are required")
		return
	}

	template := importer.TemplateFields(body.Entity)
	if template == nil {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("no import template for entity %q", body.Entity))
		return
	}

	matches := importer.SuggestMapping(body.Headers, template)
	mapping := make(map[string]string, len(matches))
	for _, m := range matches {
		mapping[m.Source] = m.Target
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"data": map[string]any{
			"matches":   matches,
			"conflicts": importer.MappingConflicts(mapping, nil),
			"template":  template,
		},
	})
}
