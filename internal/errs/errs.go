// Package errs defines the typed error kinds the engine classifies
// every failure into, so that task workers can decide between
// retry-with-backoff and move-to-error without string matching.
package errs

import (
	"errors"
	"fmt"
)

// Kind identifies how a failure should be handled by the pipeline.
type Kind int

const (
	// KindVerify means the input failed a structural check before any
	// side effect occurred. Never retried; surfaced to the caller.
	KindVerify Kind = iota
	// KindLogical means a converter or planner rule was violated by
	// otherwise well-formed data. Never retried; the task moves to the
	// error table for manual inspection.
	KindLogical
	// KindEnv means an external dependency (DB, remote converter, NATS)
	// was unavailable. Retried with backoff.
	KindEnv
	// KindDuplicated means a write collided with an existing row under
	// the (meta, id, para, state_version) constraint. Treated as
	// success by the caller that lost the race.
	KindDuplicated
	// KindBreak stops processing of the current task without moving
	// anything to error and without retrying: the pipeline deletes the
	// task from the log.
	KindBreak
)

func (k Kind) String() string {
	switch k {
	case KindVerify:
		return "verify"
	case KindLogical:
		return "logical"
	case KindEnv:
		return "env"
	case KindDuplicated:
		return "duplicated"
	case KindBreak:
		return "break"
	default:
		return "unknown"
	}
}

// Error is the single error type every engine package returns when a
// failure needs to be classified.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

func Verify(format string, args ...any) error {
	return &Error{Kind: KindVerify, Msg: fmt.Sprintf(format, args...)}
}

func Logical(format string, args ...any) error {
	return &Error{Kind: KindLogical, Msg: fmt.Sprintf(format, args...)}
}

func Env(err error, format string, args ...any) error {
	return &Error{Kind: KindEnv, Msg: fmt.Sprintf(format, args...), Err: err}
}

func Duplicated(format string, args ...any) error {
	return &Error{Kind: KindDuplicated, Msg: fmt.Sprintf(format, args...)}
}

func Break(format string, args ...any) error {
	return &Error{Kind: KindBreak, Msg: fmt.Sprintf(format, args...)}
}

// KindOf classifies an arbitrary error, defaulting to KindEnv for
// anything not already typed — an unclassified failure is assumed
// transient so the task log retries it rather than silently dropping
// it into the error table.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindEnv
}

func Is(err error, k Kind) bool {
	return KindOf(err) == k
}
