// Package coorderr defines the sentinel errors shared across the
// coordination engine's components.
package coorderr

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidArgument marks malformed input: priority out of range,
	// an unknown enum value. Not retryable.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNotFound marks an operation whose target id does not resolve
	// to a row.
	ErrNotFound = errors.New("not found")

	// ErrStore marks any failure reported by the store adapter other
	// than the expected claim-acquisition race.
	ErrStore = errors.New("store error")

	// ErrConflict marks a request that is well-formed but cannot be
	// applied because it collides with the current graph state, e.g. a
	// dependency edge that would close a cycle. The claim-acquisition
	// race is deliberately not surfaced this way: it is reported as
	// claimed=false, not an error.
	ErrConflict = errors.New("conflict")
)

// Wrap annotates err with op context and wraps it as ErrStore, keeping
// the original cause in the chain. It never maps to ErrNotFound: callers
// that identify a missing row return NotFound, and callers that know
// the error is an argument problem return ErrInvalidArgument, instead of
// calling Wrap.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStore, err)
}

// NotFound builds an ErrNotFound for the named entity/id, e.g.
// NotFound("issue", id).
func NotFound(kind, id string) error {
	return fmt.Errorf("%s %q: %w", kind, id, ErrNotFound)
}

// Invalid builds an ErrInvalidArgument with a message.
func Invalid(msg string) error {
	return fmt.Errorf("%s: %w", msg, ErrInvalidArgument)
}

// Conflict builds an ErrConflict with a message.
func Conflict(msg string) error {
	return fmt.Errorf("%s: %w", msg, ErrConflict)
}
