// Package rerr implements the Core's error taxonomy: a closed set of result
// kinds returned as negative results in the original C source, modeled here
// as a Go error type so callers can errors.Is/errors.As through
// fmt.Errorf("...: %w", err) wrapping.
package rerr

import (
	"errors"
	"fmt"
)

// Kind is one entry of the fixed error taxonomy.
type Kind int

const (
	// NotFound: key/object absent. Recovery: surface to caller.
	NotFound Kind = iota
	// Exists: duplicate insertion. Recovery: surface.
	Exists
	// WouldBlock: non-blocking caller encountered contention.
	WouldBlock
	// WouldDeadlock: a low-priority lock stack was signalled.
	WouldDeadlock
	// Restart: search coord invalidated; internal, recovered by the traversal.
	Restart
	// NoSpace: allocator cannot satisfy a reservation.
	NoSpace
	// NoMemory: allocation failure.
	NoMemory
	// IO: disk error during read/write.
	IO
	// Corrupt: parse failure, impossible block number, bad checksum.
	Corrupt
	// Dying: the target is being destroyed (lock manager specific, but
	// shares the taxonomy's propagation rules).
	Dying
)

func (k Kind) String() string {
	switch k {
	case NotFound:
		return "not_found"
	case Exists:
		return "exists"
	case WouldBlock:
		return "would_block"
	case WouldDeadlock:
		return "would_deadlock"
	case Restart:
		return "restart"
	case NoSpace:
		return "no_space"
	case NoMemory:
		return "no_memory"
	case IO:
		return "io"
	case Corrupt:
		return "corrupt"
	case Dying:
		return "dying"
	default:
		return "unknown"
	}
}

// Error is a taxonomy-tagged error. It wraps an optional cause so
// errors.Unwrap keeps working through fmt.Errorf("%w", ...) chains.
type Error struct {
	Kind  Kind
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is lets errors.Is(err, rerr.Sentinel(rerr.NotFound)) work by comparing
// Kinds rather than pointer identity of *Error values.
func (e *Error) Is(target error) bool {
	k, ok := target.(kindSentinel)
	return ok && e.Kind == Kind(k)
}

type kindSentinel Kind

// Sentinel returns a comparable error value naming a Kind, usable directly
// with errors.Is(err, rerr.Sentinel(rerr.NotFound)) when callers want to
// check a kind without constructing a full *Error.
func Sentinel(k Kind) error { return kindSentinel(k) }

func (k kindSentinel) Error() string { return Kind(k).String() }

// New constructs a fresh taxonomy error with no wrapped cause.
func New(k Kind, msg string) error {
	return &Error{Kind: k, Msg: msg}
}

// Wrap attaches a taxonomy kind to an existing error, preserving it as the
// unwrap chain's cause.
func Wrap(k Kind, cause error, msg string) error {
	return &Error{Kind: k, Msg: msg, Cause: cause}
}

// Is reports whether err (or anything it wraps) carries kind k.
func Is(err error, k Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == k
	}
	return errors.Is(err, Sentinel(k))
}

// KindOf extracts the Kind of err if it (or something it wraps) is a
// taxonomy error, reporting ok=false otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}
