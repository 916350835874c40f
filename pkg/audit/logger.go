// Package audit records session outcomes for operators. Events never carry
// message content.
package audit

import (
	"context"
	"time"
)

// Logger defines the interface for audit logging.
type Logger interface {
	// Log records an audit event.
	Log(ctx context.Context, event Event) error

	// Query retrieves audit events matching the filter.
	Query(ctx context.Context, filter QueryFilter) ([]Event, error)

	// Close releases resources.
	Close() error
}

// Counter summarizes events per outcome kind. Limit and Offset in the
// filter are ignored.
type Counter interface {
	CountByKind(ctx context.Context, filter QueryFilter) (map[Kind]int, error)
}

// Kind is the outcome being audited.
type Kind string

const (
	KindTurnLocked            Kind = "TURN_LOCKED"
	KindBoundaryLocked        Kind = "BOUNDARY_LOCKED"
	KindSafetyTagged          Kind = "SAFETY_TAGGED"
	KindClassifierUnavailable Kind = "CLASSIFIER_UNAVAILABLE"
	KindSessionEnded          Kind = "SESSION_ENDED"
)

// Event represents an auditable session outcome.
type Event struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	SessionID string         `json:"session_id"`
	Kind      Kind           `json:"kind"`
	Sender    string         `json:"sender,omitempty"`
	Tags      []string       `json:"tags,omitempty"`
	Seq       uint64         `json:"seq,omitempty"`
	Detail    map[string]any `json:"detail,omitempty"`
}

// QueryFilter defines criteria for querying audit events.
type QueryFilter struct {
	SessionID string
	Kind      Kind
	StartTime *time.Time
	EndTime   *time.Time
	Limit     int
	Offset    int
}

// Config configures audit logging.
type Config struct {
	Enabled       bool
	RetentionDays int
	BufferSize    int
}
