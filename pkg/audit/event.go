package audit

import (
	"slices"
	"time"

	"github.com/google/uuid"
)

// NewEvent creates a new audit event for a session outcome.
func NewEvent(sessionID string, kind Kind) *Event {
	return &Event{
		ID:        generateEventID(),
		Timestamp: time.Now().UTC(),
		SessionID: sessionID,
		Kind:      kind,
	}
}

// WithSender adds the submitting role.
func (e *Event) WithSender(sender string) *Event {
	e.Sender = sender
	return e
}

// WithTags adds classifier tags.
func (e *Event) WithTags(tags []string) *Event {
	e.Tags = slices.Clone(tags)
	return e
}

// WithSeq adds the sequence number of an admitted message.
func (e *Event) WithSeq(seq uint64) *Event {
	e.Seq = seq
	return e
}

// WithDetail adds a single detail entry. Callers must not pass content.
func (e *Event) WithDetail(key string, value any) *Event {
	if e.Detail == nil {
		e.Detail = make(map[string]any)
	}
	e.Detail[key] = value
	return e
}

func generateEventID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
