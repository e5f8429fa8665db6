package store

import (
	"errors"
	"fmt"
	"strings"
)

// Kind is the closed set of error categories the core exposes to callers,
// per the coordination core's error handling design. Components recover at
// the nearest boundary that can still maintain invariants; nothing is
// swallowed silently.
type Kind int

const (
	// KindContended means a uniqueness constraint lost a race (lease or
	// reservation already held). Retried by the scheduler within its
	// reservation budget; surfaced if the budget is exhausted.
	KindContended Kind = iota
	// KindWouldCycle means a dependency edge would break hard-edge
	// acyclicity.
	KindWouldCycle
	// KindLeaseLost means a renewal found no lease owned by the caller.
	KindLeaseLost
	// KindNotFound means the referenced task, dependency, or reservation
	// does not exist.
	KindNotFound
	// KindInvariant means an internal consistency check failed. Should
	// never occur in practice; callers may treat it as fatal.
	KindInvariant
	// KindDeadline means the caller-supplied deadline elapsed before the
	// operation finished.
	KindDeadline
	// KindConflict means a file reservation conflict blocked a task
	// reservation. Paths lists the offending files.
	KindConflict
)

func (k Kind) String() string {
	switch k {
	case KindContended:
		return "Contended"
	case KindWouldCycle:
		return "WouldCycle"
	case KindLeaseLost:
		return "LeaseLost"
	case KindNotFound:
		return "NotFound"
	case KindInvariant:
		return "Invariant"
	case KindDeadline:
		return "Deadline"
	case KindConflict:
		return "Conflict"
	default:
		return "Unknown"
	}
}

// Error is the typed error value returned by store and scheduler
// operations. It wraps an underlying cause (when one exists) so callers can
// still unwrap to driver-level errors.
type Error struct {
	Kind    Kind
	Message string
	Paths   []string // populated for KindConflict
	Cause   error
}

func (e *Error) Error() string {
	if len(e.Paths) > 0 {
		return fmt.Sprintf("%s: %s [%s]", e.Kind, e.Message, strings.Join(e.Paths, ", "))
	}
	if e.Message == "" {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

func newErr(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, Cause: cause}
}

// ErrContended reports a lost race on a uniqueness constraint.
func ErrContended(msg string) error { return newErr(KindContended, msg, nil) }

// ErrWouldCycle reports a rejected dependency mutation.
func ErrWouldCycle(msg string) error { return newErr(KindWouldCycle, msg, nil) }

// ErrLeaseLost reports a renewal against a lease the caller no longer owns.
func ErrLeaseLost(msg string) error { return newErr(KindLeaseLost, msg, nil) }

// ErrNotFound reports a missing entity.
func ErrNotFound(msg string) error { return newErr(KindNotFound, msg, nil) }

// ErrInvariant reports an internal consistency violation.
func ErrInvariant(msg string) error { return newErr(KindInvariant, msg, nil) }

// ErrDeadline reports an elapsed caller deadline.
func ErrDeadline(msg string) error { return newErr(KindDeadline, msg, nil) }

// ErrConflict reports a file reservation conflict.
func ErrConflict(paths []string) error {
	e := newErr(KindConflict, "file reservation held by another agent", nil)
	e.Paths = paths
	return e
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
