package provider

import (
	"errors"
	"fmt"
)

// Kind classifies adapter failures so the orchestrator can decide between
// retry, abort and persist-and-stop without knowing provider specifics.
type Kind int

const (
	// KindAuth: credential invalid or expired. Retried once after a
	// credential refresh, then recorded on the account until an operator
	// intervenes.
	KindAuth Kind = iota + 1

	// KindRateLimited: provider throttling. Retried with backoff within
	// the same sync attempt.
	KindRateLimited

	// KindTransient: network-level failure. Retried with backoff.
	KindTransient

	// KindProtocol: unexpected response shape. The sync attempt is
	// aborted and the cursor left untouched.
	KindProtocol
)

func (k Kind) String() string {
	switch k {
	case KindAuth:
		return "auth"
	case KindRateLimited:
		return "rate_limited"
	case KindTransient:
		return "transient"
	case KindProtocol:
		return "protocol"
	}
	return "unknown"
}

// Error is a classified adapter error.
type Error struct {
	Kind     Kind
	Provider Name
	Op       string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s: %s: %v", e.Provider, e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Errorf builds a classified error with a formatted cause.
func Errorf(kind Kind, name Name, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Provider: name, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the classification of err, or 0 when err carries none.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return 0
}

// Retryable reports whether err may succeed if the same call is retried
// within the current sync attempt.
func Retryable(err error) bool {
	k := KindOf(err)
	return k == KindRateLimited || k == KindTransient
}
