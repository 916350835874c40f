package gateway

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/txn2/pairtalk/pkg/safety"
	"github.com/txn2/pairtalk/pkg/turn"
)

// Gateway-only error kinds.
const (
	kindForbidden = "FORBIDDEN"
	kindInternal  = "INTERNAL"
)

type errorDetail struct {
	Kind      string            `json:"kind"`
	Message   string            `json:"message"`
	Resources []safety.Resource `json:"resources,omitempty"`
}

type errorResponse struct {
	Error errorDetail `json:"error"`
}

// statusFor maps an engine outcome to an HTTP status.
func statusFor(kind turn.Kind) int {
	switch kind {
	case turn.KindTurnLocked, turn.KindBoundaryLocked, turn.KindSessionEnded:
		return http.StatusConflict
	case turn.KindSessionNotFound:
		return http.StatusNotFound
	case turn.KindInvalidRequest:
		return http.StatusBadRequest
	case turn.KindStoreUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, kind, msg string) {
	writeJSON(w, status, errorResponse{Error: errorDetail{Kind: kind, Message: msg}})
}

// writeEngineError maps err to a status and body. Non-engine errors are
// logged and reported as INTERNAL without detail.
func writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	var te *turn.Error
	if !errors.As(err, &te) {
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, kindInternal, "internal error")
		return
	}

	status := statusFor(te.Kind)
	if te.Kind == turn.KindStoreUnavailable {
		slog.Warn("store unavailable", "path", r.URL.Path, "error", err)
		w.Header().Set("Retry-After", retryAfterSeconds)
	}
	writeJSON(w, status, errorResponse{Error: errorDetail{
		Kind:      string(te.Kind),
		Message:   te.Message,
		Resources: te.Resources,
	}})
}
