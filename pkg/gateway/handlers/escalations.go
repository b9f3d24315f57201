package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/urja-ai/voicedesk/pkg/gateway/live/registry"
)

// EscalationsHandler serves the agent console's REST surface:
// GET /v1/escalations lists non-resolved escalations, DELETE
// /v1/escalations/{id} removes one. Delete is idempotent.
type EscalationsHandler struct {
	Escalations *registry.EscalationStore
}

func (h EscalationsHandler) List(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeErrorJSON(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	type listResp struct {
		Escalations []registry.Escalation `json:"escalations"`
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(listResp{Escalations: h.Escalations.ListPending()})
}

func (h EscalationsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		writeErrorJSON(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeErrorJSON(w, http.StatusBadRequest, "bad_request", "escalation id is required")
		return
	}
	h.Escalations.Delete(id)
	w.WriteHeader(http.StatusNoContent)
}
