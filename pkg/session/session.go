// Package session defines the facilitated conversation session: its mode,
// its fixed participant roles, the turn-taking states, and the Store
// interface for the durable session record.
package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"
)

// Mode is the conversation mode fixed at session creation.
type Mode string

const (
	// ModeSolo is a single user talking with the facilitator.
	ModeSolo Mode = "solo"

	// ModeCouple is two users (userA, userB) talking with the facilitator.
	ModeCouple Mode = "couple"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	return m == ModeSolo || m == ModeCouple
}

// Role is a stable participant tag.
type Role string

const (
	RoleUserA Role = "userA"
	RoleUserB Role = "userB"
	RoleAI    Role = "ai"
)

// State is the turn-taking state of a session.
type State string

const (
	StateAwaitingA      State = "awaitingA"
	StateAwaitingB      State = "awaitingB"
	StateAwaitingUser   State = "awaitingUser"
	StateAIReflect      State = "ai_reflect"
	StateBoundaryLocked State = "boundary_locked"
	StateEnded          State = "ended"
)

// IsTerminal reports whether no further messages can be admitted.
func (s State) IsTerminal() bool {
	return s == StateBoundaryLocked || s == StateEnded
}

// Cadence selects when the facilitator takes a turn in couple mode.
type Cadence string

const (
	// CadencePair inserts an AI turn after each completed A/B exchange.
	CadencePair Cadence = "pair"

	// CadenceMessage inserts an AI turn after every user message.
	CadenceMessage Cadence = "message"
)

// Valid reports whether c is a known cadence.
func (c Cadence) Valid() bool {
	return c == CadencePair || c == CadenceMessage
}

// ErrNotFound is returned by stores when a session does not exist and the
// operation requires it to.
var ErrNotFound = errors.New("session not found")

// Session is one facilitated conversation.
type Session struct {
	// ID is the opaque session identifier.
	ID string `json:"id"`

	Mode      Mode    `json:"mode"`
	PairingID string  `json:"pairing_id,omitempty"`
	Cadence   Cadence `json:"cadence"`

	// Participants is fixed at creation and never changes.
	Participants []Role `json:"participants"`

	// State is derived from the message log and the durable flags below.
	// Stores do not persist it.
	State State `json:"state"`

	// Resume is the human who speaks after the current ai_reflect turn.
	Resume Role `json:"-"`

	// BoundaryLocked is set when the safety gate blocked content. It
	// survives an explicit end.
	BoundaryLocked bool `json:"boundary_locked"`

	// Violations counts warn-tagged admissions.
	Violations int `json:"-"`

	LastSeq   uint64     `json:"last_seq"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// New builds a session with the participant set implied by mode.
func New(id string, mode Mode, cadence Cadence, pairingID string, now time.Time) (*Session, error) {
	if !mode.Valid() {
		return nil, fmt.Errorf("invalid mode %q", mode)
	}
	if cadence == "" {
		cadence = CadencePair
	}
	if !cadence.Valid() {
		return nil, fmt.Errorf("invalid cadence %q", cadence)
	}
	return &Session{
		ID:           id,
		Mode:         mode,
		PairingID:    pairingID,
		Cadence:      cadence,
		Participants: ParticipantsFor(mode),
		State:        InitialState(mode),
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// ParticipantsFor returns the role set for a mode.
func ParticipantsFor(mode Mode) []Role {
	if mode == ModeCouple {
		return []Role{RoleUserA, RoleUserB, RoleAI}
	}
	return []Role{RoleUserA, RoleAI}
}

// InitialState returns the state a new session starts in.
func InitialState(mode Mode) State {
	if mode == ModeCouple {
		return StateAwaitingA
	}
	return StateAwaitingUser
}

// HasParticipant reports whether role belongs to the session.
func (s *Session) HasParticipant(role Role) bool {
	return slices.Contains(s.Participants, role)
}

// Ended reports whether the session has been explicitly ended.
func (s *Session) Ended() bool {
	return s.EndedAt != nil
}

// Clone returns a copy safe to hand to callers outside the owning lock.
func (s *Session) Clone() *Session {
	c := *s
	c.Participants = slices.Clone(s.Participants)
	if s.EndedAt != nil {
		t := *s.EndedAt
		c.EndedAt = &t
	}
	return &c
}

// Store persists the durable session record. Turn state is not persisted;
// it is rebuilt from the message log.
type Store interface {
	// Create persists a new session.
	Create(ctx context.Context, s *Session) error

	// Get retrieves a session by ID. Returns nil, nil if not found.
	Get(ctx context.Context, id string) (*Session, error)

	// Update persists the boundary flag, ended timestamp and UpdatedAt.
	// Returns ErrNotFound if the session does not exist.
	Update(ctx context.Context, s *Session) error

	// List returns sessions, optionally filtered by pairing identifier.
	List(ctx context.Context, pairingID string) ([]*Session, error)

	// Close releases resources.
	Close() error
}
