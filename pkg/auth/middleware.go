package auth

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
)

// Authenticator resolves the credential stored in ctx by WithToken.
type Authenticator interface {
	Authenticate(ctx context.Context) (*Principal, error)
}

// ChainedAuthenticator tries multiple authenticators in order.
type ChainedAuthenticator struct {
	authenticators []Authenticator
	allowAnonymous bool
}

// ChainedAuthConfig configures the chained authenticator.
type ChainedAuthConfig struct {
	AllowAnonymous bool
}

// NewChainedAuthenticator creates a new chained authenticator.
func NewChainedAuthenticator(cfg ChainedAuthConfig, authenticators ...Authenticator) *ChainedAuthenticator {
	return &ChainedAuthenticator{
		authenticators: authenticators,
		allowAnonymous: cfg.AllowAnonymous,
	}
}

// Authenticate tries each authenticator in order.
func (c *ChainedAuthenticator) Authenticate(ctx context.Context) (*Principal, error) {
	var lastErr error

	if GetToken(ctx) != "" {
		for _, a := range c.authenticators {
			p, err := a.Authenticate(ctx)
			if err == nil && p != nil {
				return p, nil
			}
			if err != nil {
				lastErr = err
			}
		}
	}

	if c.allowAnonymous {
		return &Principal{Subject: "anonymous", AuthType: AuthTypeAnonymous}, nil
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, errors.New("authentication failed")
}

// Verify interface compliance.
var _ Authenticator = (*ChainedAuthenticator)(nil)

// ExtractToken returns the bearer token, falling back to X-API-Key.
func ExtractToken(r *http.Request) string {
	if after, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return strings.TrimSpace(after)
	}
	return r.Header.Get("X-API-Key")
}

// Middleware authenticates every request and stores the Principal in the
// request context. Failures get a 401 JSON error body.
func Middleware(a Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			if token := ExtractToken(r); token != "" {
				ctx = WithToken(ctx, token)
			}

			p, err := a.Authenticate(ctx)
			if err != nil {
				slog.Debug("authentication failed", "path", r.URL.Path, "error", err)
				w.Header().Set("WWW-Authenticate", "Bearer")
				writeUnauthorized(w)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithPrincipal(ctx, p)))
		})
	}
}

func writeUnauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{
			"kind":    "UNAUTHORIZED",
			"message": "missing or invalid credentials",
		},
	})
}
