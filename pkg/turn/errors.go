package turn

import (
	"errors"
	"fmt"

	"github.com/txn2/pairtalk/pkg/safety"
)

// Kind is a stable machine-readable outcome.
type Kind string

const (
	KindTurnLocked            Kind = "TURN_LOCKED"
	KindBoundaryLocked        Kind = "BOUNDARY_LOCKED"
	KindSessionEnded          Kind = "SESSION_ENDED"
	KindDuplicateIgnored      Kind = "DUPLICATE_IGNORED"
	KindClassifierUnavailable Kind = "CLASSIFIER_UNAVAILABLE"
	KindSessionNotFound       Kind = "SESSION_NOT_FOUND"
	KindInvalidRequest        Kind = "INVALID_REQUEST"
	KindStoreUnavailable      Kind = "STORE_UNAVAILABLE"
)

// Retryable reports whether resubmitting the same request can succeed.
func (k Kind) Retryable() bool {
	return k == KindTurnLocked || k == KindStoreUnavailable
}

// Error is a rejected engine operation. DUPLICATE_IGNORED and
// CLASSIFIER_UNAVAILABLE are never returned as errors.
type Error struct {
	Kind    Kind
	Message string

	// Resources is set for BOUNDARY_LOCKED.
	Resources []safety.Resource

	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the Kind of err, or "" if err is not an *Error.
func KindOf(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return ""
}

func newError(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

func storeError(msg string, err error) *Error {
	return &Error{Kind: KindStoreUnavailable, Message: msg, Err: err}
}
