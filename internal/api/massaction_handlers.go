package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/nowcrm/dal/internal/jobs"
)

// decodeBody parses a JSON request body into dst.
func decodeBody(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

// validateMassAction checks the fields every mass action shares.
func (h *Handlers) validateMassAction(m jobs.MassAction) error {
	if m.Entity == "" {
		return fmt.Errorf("entity is required")
	}
	if !h.cfg.IsMutableEntity(m.Entity) {
		return fmt.Errorf("entity %q is not a mutable entity type", m.Entity)
	}
	if len(m.SearchMask) == 0 || string(m.SearchMask) == "null" {
		return fmt.Errorf("searchMask is required")
	}
	return nil
}

func (h *Handlers) MassDelete(w http.ResponseWriter, r *http.Request) {
	var p jobs.DeletePayload
	if err := decodeBody(r, &p); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.validateMassAction(p.MassAction); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.submit(w, r, &p, "delete queued")
}

func (h *Handlers) MassUpdate(w http.ResponseWriter, r *http.Request) {
	var p jobs.UpdatePayload
	if err := decodeBody(r, &p); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.validateMassAction(p.MassAction); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if p.UpdateData.Field == "" {
		respondError(w, http.StatusBadRequest, "update_data.field is required")
		return
	}
	h.submit(w, r, &p, "update queued")
}

func (h *Handlers) MassUpdateSubscription(w http.ResponseWriter, r *http.Request) {
	var body struct {
		jobs.MassAction
		IsSubscribe *bool `json:"isSubscribe"`
		ChannelID   int64 `json:"channelId"`
	}
	if err := decodeBody(r, &body); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.validateMassAction(body.MassAction); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if body.IsSubscribe == nil {
		respondError(w, http.StatusBadRequest, "isSubscribe is required")
		return
	}
	if body.ChannelID == 0 {
		respondError(w, http.StatusBadRequest, "channelId is required")
		return
	}
	h.submit(w, r, &jobs.SubscriptionPayload{
		MassAction:  body.MassAction,
		IsSubscribe: *body.IsSubscribe,
		ChannelID:   body.ChannelID,
	}, "subscription update queued")
}

func (h *Handlers) MassAddToList(w http.ResponseWriter, r *http.Request) {
	var p jobs.AddToListPayload
	if err := decodeBody(r, &p); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.validateMassAction(p.MassAction); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if p.ListField == "" || p.ListID == 0 {
		respondError(w, http.StatusBadRequest, "listField and listId are required")
		return
	}
	h.submit(w, r, &p, "add to list queued")
}

func (h *Handlers) MassAddToOrganization(w http.ResponseWriter, r *http.Request) {
	var p jobs.AddToOrganizationPayload
	if err := decodeBody(r, &p); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.validateMassAction(p.MassAction); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if p.ListField == "" || p.OrganizationID == 0 {
		respondError(w, http.StatusBadRequest, "listField and organization_id are required")
		return
	}
	h.submit(w, r, &p, "add to organization queued")
}

func (h *Handlers) MassAddToJourney(w http.ResponseWriter, r *http.Request) {
	var p jobs.AddToJourneyPayload
	if err := decodeBody(r, &p); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.validateMassAction(p.MassAction); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if p.ListField == "" || p.ListID == 0 {
		respondError(w, http.StatusBadRequest, "listField and listId are required")
		return
	}
	h.submit(w, r, &p, "add to journey queued")
}

func (h *Handlers) MassAnonymize(w http.ResponseWriter, r *http.Request) {
	var p jobs.AnonymizePayload
	if err := decodeBody(r, &p); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.validateMassAction(p.MassAction); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.submit(w, r, &p, "anonymize queued")
}

func (h *Handlers) MassExport(w http.ResponseWriter, r *http.Request) {
	var p jobs.ExportPayload
	if err := decodeBody(r, &p); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.validateMassAction(p.MassAction); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.submit(w, r, &p, "export queued")
}
