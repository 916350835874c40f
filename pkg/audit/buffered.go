package audit

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultBufferSize = 256
	writeTimeout      = 5 * time.Second
)

// Buffered hands events to a background writer so callers never wait on
// the underlying sink. Events are dropped, and counted, when the buffer is
// full.
type Buffered struct {
	next    Logger
	events  chan Event
	done    chan struct{}
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
}

// NewBuffered starts a background writer in front of next.
func NewBuffered(next Logger, size int) *Buffered {
	if size <= 0 {
		size = defaultBufferSize
	}
	b := &Buffered{
		next:   next,
		events: make(chan Event, size),
		done:   make(chan struct{}),
	}
	go b.run()
	return b
}

func (b *Buffered) run() {
	defer close(b.done)
	for event := range b.events {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		if err := b.next.Log(ctx, event); err != nil {
			slog.Warn("audit write failed", "session_id", event.SessionID, "kind", string(event.Kind), "error", err)
		}
		cancel()
	}
}

// Log enqueues the event without blocking.
func (b *Buffered) Log(_ context.Context, event Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil
	}
	select {
	case b.events <- event:
	default:
		b.dropped.Add(1)
		slog.Warn("audit buffer full, dropping event", "session_id", event.SessionID, "kind", string(event.Kind))
	}
	return nil
}

// Query reads through to the underlying sink.
func (b *Buffered) Query(ctx context.Context, filter QueryFilter) ([]Event, error) {
	return b.next.Query(ctx, filter)
}

// Dropped returns the number of events discarded because the buffer was full.
func (b *Buffered) Dropped() int64 {
	return b.dropped.Load()
}

// Close flushes pending events and closes the underlying sink.
func (b *Buffered) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.events)
	b.mu.Unlock()

	<-b.done
	return b.next.Close()
}

// Verify interface compliance.
var _ Logger = (*Buffered)(nil)
