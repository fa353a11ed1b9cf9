package tutoring

import (
	"errors"
	"fmt"
)

// Common errors for the turn core and its stores.
var (
	ErrInvalidConfig     = errors.New("invalid configuration")
	ErrInvalidStoreType  = errors.New("invalid store type")
	ErrVersionConflict   = errors.New("session version conflict")
	ErrInvalidTransition = errors.New("invalid session status transition")
	ErrRecoveryExhausted = errors.New("recovery attempts exhausted")

	ErrNotFound    = errors.New("session not found")
	ErrTimeout     = errors.New("completion timed out")
	ErrUpstream    = errors.New("completion upstream failure")
	ErrPersistence = errors.New("persistence failure")
	ErrValidation  = errors.New("invalid turn input")
)

// Kind classifies a failure for callers that surface it over the wire.
type Kind string

const (
	KindNotFound    Kind = "not_found"
	KindTimeout     Kind = "timeout"
	KindUpstream    Kind = "upstream_failure"
	KindPersistence Kind = "persistence_failure"
	KindValidation  Kind = "validation_failure"
	KindInternal    Kind = "internal"
)

var kindSentinels = map[Kind]error{
	KindNotFound:    ErrNotFound,
	KindTimeout:     ErrTimeout,
	KindUpstream:    ErrUpstream,
	KindPersistence: ErrPersistence,
	KindValidation:  ErrValidation,
}

// Error carries a Kind, the failing operation and the underlying cause.
// errors.Is matches both the cause and the sentinel of its Kind.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// E builds an *Error.
func E(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is the sentinel for this error's Kind.
func (e *Error) Is(target error) bool {
	s, ok := kindSentinels[e.Kind]
	return ok && s == target
}

// KindOf returns the Kind of err, falling back to matching sentinels.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	for kind, sentinel := range kindSentinels {
		if errors.Is(err, sentinel) {
			return kind
		}
	}
	return KindInternal
}

// Retryable reports whether a fresh turn may succeed where this one failed.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTimeout, KindUpstream, KindPersistence:
		return true
	default:
		return false
	}
}
