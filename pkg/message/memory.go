package message

import (
	"context"
	"sort"
	"sync"
	"time"
)

// sessionLog is one session's ordered messages plus its idempotency index.
// messages[i].Seq == i+1.
type sessionLog struct {
	mu       sync.RWMutex
	messages []*Message
	byKey    map[string]*Message
}

// MemoryStore implements Store in memory. Each session's log has its own
// lock, so appends to different sessions do not contend.
type MemoryStore struct {
	mu   sync.RWMutex
	logs map[string]*sessionLog
	now  func() time.Time
}

// NewMemoryStore creates a new in-memory message store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		logs: make(map[string]*sessionLog),
		now:  time.Now,
	}
}

func (s *MemoryStore) lookup(sessionID string) *sessionLog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.logs[sessionID]
}

func (s *MemoryStore) lookupOrCreate(sessionID string) *sessionLog {
	if l := s.lookup(sessionID); l != nil {
		return l
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.logs[sessionID]
	if !ok {
		l = &sessionLog{byKey: make(map[string]*Message)}
		s.logs[sessionID] = l
	}
	return l
}

// Append assigns the next sequence number and stores the message.
func (s *MemoryStore) Append(_ context.Context, msg *Message) error {
	l := s.lookupOrCreate(msg.SessionID)

	l.mu.Lock()
	defer l.mu.Unlock()

	if msg.IdempotencyKey != "" {
		if _, dup := l.byKey[msg.IdempotencyKey]; dup {
			return ErrDuplicateKey
		}
	}

	msg.Seq = uint64(len(l.messages)) + 1
	msg.CreatedAt = s.now().UTC()
	// Timestamps never go backwards within a log so CursorAt can bisect.
	if n := len(l.messages); n > 0 && msg.CreatedAt.Before(l.messages[n-1].CreatedAt) {
		msg.CreatedAt = l.messages[n-1].CreatedAt
	}

	stored := msg.Clone()
	l.messages = append(l.messages, stored)
	if msg.IdempotencyKey != "" {
		l.byKey[msg.IdempotencyKey] = stored
	}
	return nil
}

// After returns every message with Seq > cursor in ascending order.
func (s *MemoryStore) After(_ context.Context, sessionID string, cursor uint64) ([]*Message, error) {
	l := s.lookup(sessionID)
	if l == nil {
		return []*Message{}, nil
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	if cursor >= uint64(len(l.messages)) {
		return []*Message{}, nil
	}
	return cloneAll(l.messages[cursor:]), nil
}

// ByIdempotencyKey returns the committed message for key, or nil, nil.
func (s *MemoryStore) ByIdempotencyKey(_ context.Context, sessionID, key string) (*Message, error) {
	l := s.lookup(sessionID)
	if l == nil {
		return nil, nil //nolint:nilnil // Store interface specifies nil,nil for not-found
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	m, ok := l.byKey[key]
	if !ok {
		return nil, nil //nolint:nilnil // Store interface specifies nil,nil for not-found
	}
	return m.Clone(), nil
}

// CursorAt returns the highest Seq whose CreatedAt is not after t.
func (s *MemoryStore) CursorAt(_ context.Context, sessionID string, t time.Time) (uint64, error) {
	l := s.lookup(sessionID)
	if l == nil {
		return 0, nil
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	i := sort.Search(len(l.messages), func(i int) bool {
		return l.messages[i].CreatedAt.After(t)
	})
	return uint64(i), nil
}

// Recent returns up to n most recent messages in ascending order.
func (s *MemoryStore) Recent(_ context.Context, sessionID string, n int) ([]*Message, error) {
	l := s.lookup(sessionID)
	if l == nil || n <= 0 {
		return []*Message{}, nil
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	start := max(len(l.messages)-n, 0)
	return cloneAll(l.messages[start:]), nil
}

// Close is a no-op for the memory store.
func (*MemoryStore) Close() error {
	return nil
}

func cloneAll(msgs []*Message) []*Message {
	out := make([]*Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Clone()
	}
	return out
}

// Verify interface compliance.
var _ Store = (*MemoryStore)(nil)
