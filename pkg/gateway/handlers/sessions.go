package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/urja-ai/voicedesk/pkg/gateway/live/registry"
)

// SessionStateHandler serves GET /v1/sessions/{id}: the polling fallback for
// clients that cannot hold a websocket open. The response mirrors what the
// socket would have broadcast.
type SessionStateHandler struct {
	Sessions    *registry.SessionStore
	Escalations *registry.EscalationStore
}

func (h SessionStateHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeErrorJSON(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeErrorJSON(w, http.StatusBadRequest, "bad_request", "session id is required")
		return
	}

	sess, ok := h.Sessions.Get(id)
	if !ok {
		writeErrorJSON(w, http.StatusNotFound, "not_found", "session not found")
		return
	}

	type stateResp struct {
		Session    registry.Session     `json:"session"`
		Escalation *registry.Escalation `json:"escalation,omitempty"`
	}
	resp := stateResp{Session: sess}
	if esc, active := h.Escalations.ActiveBySession(id); active {
		resp.Escalation = &esc
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}
