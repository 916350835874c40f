// Package auth resolves bearer credentials into a Principal: the caller's
// roles and, for end users, the participant role they are bound to.
package auth

import (
	"context"
	"slices"
)

// Well-known roles.
const (
	// RoleFacilitator may post as the ai participant.
	RoleFacilitator = "facilitator"

	// RoleAdmin may read audit events.
	RoleAdmin = "admin"
)

// Authentication types reported on a Principal.
const (
	AuthTypeAPIKey    = "apikey"
	AuthTypeJWT       = "jwt"
	AuthTypeAnonymous = "anonymous"
)

// contextKey is a private type for context keys.
type contextKey int

const (
	principalContextKey contextKey = iota
	tokenContextKey
)

// Principal is an authenticated caller.
type Principal struct {
	Subject string   `json:"subject"`
	Roles   []string `json:"roles,omitempty"`

	// Participant binds the caller to one session role (userA, userB).
	// Empty means the caller is not bound.
	Participant string `json:"participant,omitempty"`

	AuthType string `json:"auth_type"`
}

// HasRole checks if the principal has a specific role.
func (p *Principal) HasRole(role string) bool {
	return slices.Contains(p.Roles, role)
}

// HasAnyRole checks if the principal has any of the specified roles.
func (p *Principal) HasAnyRole(roles ...string) bool {
	return slices.ContainsFunc(roles, p.HasRole)
}

// WithPrincipal adds the principal to the context.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalContextKey, p)
}

// GetPrincipal retrieves the principal from the context.
func GetPrincipal(ctx context.Context) *Principal {
	if p, ok := ctx.Value(principalContextKey).(*Principal); ok {
		return p
	}
	return nil
}

// WithToken adds a raw credential to the context.
func WithToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, tokenContextKey, token)
}

// GetToken retrieves the raw credential from the context.
func GetToken(ctx context.Context) string {
	if t, ok := ctx.Value(tokenContextKey).(string); ok {
		return t
	}
	return ""
}
