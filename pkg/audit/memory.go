package audit

import (
	"context"
	"slices"
	"sync"
)

// MemoryLogger keeps events in memory. It backs development deployments
// and tests.
type MemoryLogger struct {
	mu     sync.RWMutex
	events []Event
}

// NewMemoryLogger creates an empty in-memory logger.
func NewMemoryLogger() *MemoryLogger {
	return &MemoryLogger{}
}

// Log records an audit event.
func (m *MemoryLogger) Log(_ context.Context, event Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	event.Tags = slices.Clone(event.Tags)
	m.events = append(m.events, event)
	return nil
}

// Query returns matching events, newest first.
func (m *MemoryLogger) Query(_ context.Context, filter QueryFilter) ([]Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []Event{}
	for i := len(m.events) - 1; i >= 0; i-- {
		e := m.events[i]
		if matches(e, filter) {
			out = append(out, e)
		}
	}

	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return []Event{}, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// CountByKind returns event counts per kind for the filter.
func (m *MemoryLogger) CountByKind(_ context.Context, filter QueryFilter) (map[Kind]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := make(map[Kind]int)
	for _, e := range m.events {
		if matches(e, filter) {
			counts[e.Kind]++
		}
	}
	return counts, nil
}

// Close is a no-op.
func (*MemoryLogger) Close() error {
	return nil
}

func matches(e Event, f QueryFilter) bool {
	if f.SessionID != "" && e.SessionID != f.SessionID {
		return false
	}
	if f.Kind != "" && e.Kind != f.Kind {
		return false
	}
	if f.StartTime != nil && e.Timestamp.Before(*f.StartTime) {
		return false
	}
	if f.EndTime != nil && e.Timestamp.After(*f.EndTime) {
		return false
	}
	return true
}

// NoopLogger discards events.
type NoopLogger struct{}

// Log discards the event.
func (NoopLogger) Log(context.Context, Event) error { return nil }

// Query returns no events.
func (NoopLogger) Query(context.Context, QueryFilter) ([]Event, error) { return []Event{}, nil }

// Close is a no-op.
func (NoopLogger) Close() error { return nil }

// Verify interface compliance.
var (
	_ Logger  = (*MemoryLogger)(nil)
	_ Counter = (*MemoryLogger)(nil)
	_ Logger  = NoopLogger{}
)
