package gateway

import (
	"net/http"

	"github.com/txn2/pairtalk/pkg/session"
	"github.com/txn2/pairtalk/pkg/turn"
)

type createSessionRequest struct {
	Mode      session.Mode    `json:"mode"`
	PairingID string          `json:"pairing_id,omitempty"`
	Cadence   session.Cadence `json:"cadence,omitempty"`
}

type sessionResponse struct {
	Session *session.Session `json:"session"`
}

type sessionListResponse struct {
	Sessions []*session.Session `json:"sessions"`
}

// createSession handles POST /api/v1/sessions.
func (h *Handler) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, string(turn.KindInvalidRequest), "invalid request body")
		return
	}

	sess, err := h.deps.Engine.Create(r.Context(), req.Mode, req.Cadence, req.PairingID)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sessionResponse{Session: sess})
}

// listSessions handles GET /api/v1/sessions?pairing_id=.
func (h *Handler) listSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.deps.Engine.List(r.Context(), r.URL.Query().Get("pairing_id"))
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionListResponse{Sessions: sessions})
}

// getSession handles GET /api/v1/sessions/{id}.
func (h *Handler) getSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.deps.Engine.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{Session: sess})
}

// endSession handles POST /api/v1/sessions/{id}/end. It is idempotent.
func (h *Handler) endSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.deps.Engine.End(r.Context(), r.PathValue("id"))
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{Session: sess})
}
