package audit

import (
	"context"
	"log/slog"
)

// SlogLogger writes events as structured log records. Query is not
// supported and returns an empty result.
type SlogLogger struct {
	logger *slog.Logger
}

// NewSlogLogger creates a logger that writes to l, or the default logger
// when l is nil.
func NewSlogLogger(l *slog.Logger) *SlogLogger {
	if l == nil {
		l = slog.Default()
	}
	return &SlogLogger{logger: l}
}

// Log records an audit event.
func (s *SlogLogger) Log(ctx context.Context, event Event) error {
	s.logger.LogAttrs(ctx, slog.LevelInfo, "audit",
		slog.String("audit_id", event.ID),
		slog.String("session_id", event.SessionID),
		slog.String("kind", string(event.Kind)),
		slog.String("sender", event.Sender),
		slog.Any("tags", event.Tags),
		slog.Uint64("seq", event.Seq),
	)
	return nil
}

// Query returns no events.
func (*SlogLogger) Query(context.Context, QueryFilter) ([]Event, error) {
	return []Event{}, nil
}

// Close is a no-op.
func (*SlogLogger) Close() error {
	return nil
}

// Verify interface compliance.
var _ Logger = (*SlogLogger)(nil)
