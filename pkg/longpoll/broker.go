// Package longpoll lets readers wait for new messages on a session without
// holding a persistent connection. Waiters register in a per-session
// wait-set and are woken by append notifications; a woken waiter re-reads
// the log from its own cursor, so every waiter receives the full batch.
package longpoll

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/txn2/pairtalk/pkg/message"
)

// DefaultMaxWait is the ceiling applied to caller-supplied wait durations.
const DefaultMaxWait = 30 * time.Second

// FetchFunc reads messages with Seq > after.
type FetchFunc func(ctx context.Context, after uint64) ([]*message.Message, error)

// Config configures the broker.
type Config struct {
	MaxWait time.Duration
}

// Stats is a point-in-time view of the broker.
type Stats struct {
	Sessions  int    `json:"sessions"`
	Waiters   int    `json:"waiters"`
	Woken     uint64 `json:"woken"`
	TimedOut  uint64 `json:"timed_out"`
	Cancelled uint64 `json:"cancelled"`
}

type waiter struct {
	after uint64
	wake  chan struct{}
}

type waitSet struct {
	mu      sync.Mutex
	waiters map[*waiter]struct{}

	// dead is set once the set has been removed from the registry.
	dead bool
}

// Broker holds the waiters of every session.
type Broker struct {
	maxWait time.Duration

	mu   sync.RWMutex
	sets map[string]*waitSet

	closeOnce sync.Once
	closing   chan struct{}

	woken     atomic.Uint64
	timedOut  atomic.Uint64
	cancelled atomic.Uint64
}

// NewBroker creates a broker.
func NewBroker(cfg Config) *Broker {
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = DefaultMaxWait
	}
	return &Broker{
		maxWait: cfg.MaxWait,
		sets:    make(map[string]*waitSet),
		closing: make(chan struct{}),
	}
}

// MaxWait returns the wait ceiling.
func (b *Broker) MaxWait() time.Duration {
	return b.maxWait
}

// Wait returns messages after the cursor, suspending up to wait for new
// ones. A timeout returns an empty slice and a nil error. Cancellation of
// ctx returns ctx.Err(). The waiter is deregistered on every return path.
func (b *Broker) Wait(ctx context.Context, sessionID string, after uint64, wait time.Duration, fetch FetchFunc) ([]*message.Message, error) {
	if wait > b.maxWait {
		wait = b.maxWait
	}
	if wait <= 0 || b.isClosed() {
		return fetch(ctx, after)
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	w := &waiter{after: after, wake: make(chan struct{}, 1)}
	for {
		// Register before reading so an append between the read and the
		// select still wakes us.
		ws := b.register(sessionID, w)
		msgs, err := fetch(ctx, after)
		if err != nil || len(msgs) > 0 {
			b.deregister(sessionID, ws, w)
			return msgs, err
		}

		select {
		case <-w.wake:
			b.woken.Add(1)
			b.deregister(sessionID, ws, w)
		case <-timer.C:
			b.timedOut.Add(1)
			b.deregister(sessionID, ws, w)
			return []*message.Message{}, nil
		case <-ctx.Done():
			b.cancelled.Add(1)
			b.deregister(sessionID, ws, w)
			return nil, ctx.Err()
		case <-b.closing:
			b.deregister(sessionID, ws, w)
			return []*message.Message{}, nil
		}
	}
}

// Notify wakes every waiter on the session whose cursor is behind seq.
// It never blocks on a waiter.
func (b *Broker) Notify(sessionID string, seq uint64) {
	b.mu.RLock()
	ws := b.sets[sessionID]
	b.mu.RUnlock()
	if ws == nil {
		return
	}

	ws.mu.Lock()
	for w := range ws.waiters {
		if w.after < seq {
			signal(w)
			delete(ws.waiters, w)
		}
	}
	empty := len(ws.waiters) == 0
	ws.mu.Unlock()

	if empty {
		b.prune(sessionID, ws)
	}
}

// WakeAll wakes every waiter so it re-reads the log. Relays call it after
// a reconnect, when notifications may have been missed.
func (b *Broker) WakeAll() {
	b.mu.RLock()
	sets := make([]*waitSet, 0, len(b.sets))
	for _, ws := range b.sets {
		sets = append(sets, ws)
	}
	b.mu.RUnlock()

	for _, ws := range sets {
		ws.mu.Lock()
		for w := range ws.waiters {
			signal(w)
		}
		ws.mu.Unlock()
	}
}

// Stats reports registered sessions and waiters.
func (b *Broker) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	s := Stats{
		Sessions:  len(b.sets),
		Woken:     b.woken.Load(),
		TimedOut:  b.timedOut.Load(),
		Cancelled: b.cancelled.Load(),
	}
	for _, ws := range b.sets {
		ws.mu.Lock()
		s.Waiters += len(ws.waiters)
		ws.mu.Unlock()
	}
	return s
}

// Close releases every waiter with an empty result. Later calls to Wait
// return immediately.
func (b *Broker) Close() error {
	b.closeOnce.Do(func() { close(b.closing) })
	return nil
}

func (b *Broker) isClosed() bool {
	select {
	case <-b.closing:
		return true
	default:
		return false
	}
}

func (b *Broker) register(sessionID string, w *waiter) *waitSet {
	for {
		b.mu.RLock()
		ws := b.sets[sessionID]
		b.mu.RUnlock()

		if ws == nil {
			b.mu.Lock()
			ws = b.sets[sessionID]
			if ws == nil {
				ws = &waitSet{waiters: make(map[*waiter]struct{})}
				b.sets[sessionID] = ws
			}
			b.mu.Unlock()
		}

		ws.mu.Lock()
		if ws.dead {
			ws.mu.Unlock()
			continue
		}
		ws.waiters[w] = struct{}{}
		ws.mu.Unlock()
		return ws
	}
}

func (b *Broker) deregister(sessionID string, ws *waitSet, w *waiter) {
	ws.mu.Lock()
	delete(ws.waiters, w)
	empty := len(ws.waiters) == 0
	ws.mu.Unlock()

	// Drain a wake that raced with the deregistration.
	select {
	case <-w.wake:
	default:
	}

	if empty {
		b.prune(sessionID, ws)
	}
}

// prune removes ws from the registry if it is still empty.
func (b *Broker) prune(sessionID string, ws *waitSet) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ws.mu.Lock()
	defer ws.mu.Unlock()

	if len(ws.waiters) == 0 && b.sets[sessionID] == ws {
		ws.dead = true
		delete(b.sets, sessionID)
	}
}

func signal(w *waiter) {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}
