// Package gateway exposes sessions over an HTTP JSON API: create, read
// and end sessions, submit messages, and long-poll for new ones.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/txn2/pairtalk/pkg/audit"
	"github.com/txn2/pairtalk/pkg/longpoll"
	"github.com/txn2/pairtalk/pkg/message"
	"github.com/txn2/pairtalk/pkg/session"
	"github.com/txn2/pairtalk/pkg/turn"
)

const (
	// maxBodyBytes bounds request bodies.
	maxBodyBytes = 64 << 10

	// retryAfterSeconds is sent with STORE_UNAVAILABLE.
	retryAfterSeconds = "1"
)

// Engine is the turn engine as seen by the gateway.
type Engine interface {
	Create(ctx context.Context, mode session.Mode, cadence session.Cadence, pairingID string) (*session.Session, error)
	Get(ctx context.Context, id string) (*session.Session, error)
	Exists(ctx context.Context, id string) (bool, error)
	Submit(ctx context.Context, sub turn.Submission) (*turn.Result, error)
	End(ctx context.Context, id string) (*session.Session, error)
	List(ctx context.Context, pairingID string) ([]*session.Session, error)
}

// Waiter suspends a read until messages arrive.
type Waiter interface {
	Wait(ctx context.Context, sessionID string, after uint64, wait time.Duration, fetch longpoll.FetchFunc) ([]*message.Message, error)
}

// Deps holds the gateway's collaborators.
type Deps struct {
	Engine   Engine
	Messages message.Store
	Waiter   Waiter

	// Audit serves the admin audit routes. Nil disables them.
	Audit audit.Logger

	// AuditCounts serves the audit summary route. Nil disables it.
	AuditCounts audit.Counter

	// Authorize enforces principal rules on senders and admin routes.
	// It is set when authentication is enabled.
	Authorize bool
}

// Handler provides the session REST API.
type Handler struct {
	mux        *http.ServeMux
	deps       Deps
	authMiddle func(http.Handler) http.Handler
}

// NewHandler creates a new gateway handler.
func NewHandler(deps Deps, authMiddle func(http.Handler) http.Handler) *Handler {
	h := &Handler{
		mux:        http.NewServeMux(),
		deps:       deps,
		authMiddle: authMiddle,
	}
	h.registerRoutes()
	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.authMiddle != nil {
		h.authMiddle(h.mux).ServeHTTP(w, r)
		return
	}
	h.mux.ServeHTTP(w, r)
}

// registerRoutes registers all API routes.
func (h *Handler) registerRoutes() {
	h.mux.HandleFunc("POST /api/v1/sessions", h.createSession)
	h.mux.HandleFunc("GET /api/v1/sessions", h.listSessions)
	h.mux.HandleFunc("GET /api/v1/sessions/{id}", h.getSession)
	h.mux.HandleFunc("POST /api/v1/sessions/{id}/end", h.endSession)
	h.mux.HandleFunc("POST /api/v1/sessions/{id}/messages", h.submitMessage)
	h.mux.HandleFunc("GET /api/v1/sessions/{id}/messages", h.readMessages)

	if h.deps.Audit != nil {
		h.mux.HandleFunc("GET /api/v1/admin/audit/events", h.listAuditEvents)
	}
	if h.deps.AuditCounts != nil {
		h.mux.HandleFunc("GET /api/v1/admin/audit/summary", h.auditSummary)
	}
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
