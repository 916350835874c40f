// Package message provides the ordered, append-only message log of a
// session. The store is the only ordering authority: it assigns each
// message a per-session sequence number atomically with the write.
package message

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/txn2/pairtalk/pkg/session"
)

// ErrDuplicateKey is returned by Append when the idempotency key was
// already committed for the session.
var ErrDuplicateKey = errors.New("idempotency key already committed")

// Message is one admitted turn. It is immutable once appended.
type Message struct {
	ID             string       `json:"id"`
	SessionID      string       `json:"session_id"`
	Sender         session.Role `json:"sender"`
	Content        string       `json:"content"`
	Seq            uint64       `json:"seq"`
	CreatedAt      time.Time    `json:"created_at"`
	Tags           []string     `json:"tags,omitempty"`
	IdempotencyKey string       `json:"idempotency_key,omitempty"`
}

// Clone returns a deep copy of the message.
func (m *Message) Clone() *Message {
	c := *m
	c.Tags = slices.Clone(m.Tags)
	return &c
}

// Store is the durable, ordered message log.
type Store interface {
	// Append assigns Seq and CreatedAt and writes the message as one unit.
	// The caller sets ID, SessionID, Sender, Content, Tags and
	// IdempotencyKey. Returns ErrDuplicateKey if the (session, key) pair
	// already exists; the message is then not written.
	Append(ctx context.Context, msg *Message) error

	// After returns every message with Seq > cursor in ascending order.
	After(ctx context.Context, sessionID string, cursor uint64) ([]*Message, error)

	// ByIdempotencyKey returns the committed message for key, or nil, nil.
	ByIdempotencyKey(ctx context.Context, sessionID, key string) (*Message, error)

	// CursorAt returns the highest Seq whose CreatedAt is not after t, or 0.
	CursorAt(ctx context.Context, sessionID string, t time.Time) (uint64, error)

	// Recent returns up to n most recent messages in ascending order.
	Recent(ctx context.Context, sessionID string, n int) ([]*Message, error)

	// Close releases resources.
	Close() error
}
