package session

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore implements Store using an in-memory map.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewMemoryStore creates a new in-memory session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*Session),
	}
}

// Create persists a new session.
func (s *MemoryStore) Create(_ context.Context, sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions[sess.ID] = sess.Clone()
	return nil
}

// Get retrieves a session by ID. Returns nil, nil if not found.
func (s *MemoryStore) Get(_ context.Context, id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, nil //nolint:nilnil // Store interface specifies nil,nil for not-found
	}
	return sess.Clone(), nil
}

// Update persists the mutable fields of a session.
func (s *MemoryStore) Update(_ context.Context, sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.sessions[sess.ID]
	if !ok {
		return ErrNotFound
	}
	stored.BoundaryLocked = sess.BoundaryLocked
	stored.UpdatedAt = sess.UpdatedAt
	if sess.EndedAt != nil {
		t := *sess.EndedAt
		stored.EndedAt = &t
	}
	return nil
}

// List returns sessions ordered by creation time, optionally filtered by
// pairing identifier.
func (s *MemoryStore) List(_ context.Context, pairingID string) ([]*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		if pairingID != "" && sess.PairingID != pairingID {
			continue
		}
		result = append(result, sess.Clone())
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// Close is a no-op for the memory store.
func (*MemoryStore) Close() error {
	return nil
}

// Verify interface compliance.
var _ Store = (*MemoryStore)(nil)
