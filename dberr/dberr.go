// Package dberr defines the closed error taxonomy shared by every layer of
// the storage core. Callers switch on Kind rather than sentinel values so the
// taxonomy stays stable as the wrapped cause changes.
package dberr

import "fmt"

// Kind identifies the category of a storage-core error. The zero value OK is
// never returned as an error; it exists so a Kind can label success paths
// that record a result inline (e.g. in tests).
type Kind int

const (
	OK Kind = iota
	Busy
	Locked
	NoMem
	ReadOnly
	Interrupt
	IoErr
	Corrupt
	Full
	CantOpen
	Schema
	Constraint
	Mismatch
	Misuse
	NotFound
)

func (k Kind) String() string {
	switch k {
	case OK:
		return "ok"
	case Busy:
		return "busy"
	case Locked:
		return "locked"
	case NoMem:
		return "nomem"
	case ReadOnly:
		return "readonly"
	case Interrupt:
		return "interrupt"
	case IoErr:
		return "ioerr"
	case Corrupt:
		return "corrupt"
	case Full:
		return "full"
	case CantOpen:
		return "cantopen"
	case Schema:
		return "schema"
	case Constraint:
		return "constraint"
	case Mismatch:
		return "mismatch"
	case Misuse:
		return "misuse"
	case NotFound:
		return "notfound"
	}
	return "unknown"
}

// IoSubKind refines IoErr per spec; callers needing finer granularity can
// inspect it after asserting Kind == IoErr.
type IoSubKind int

const (
	IoSubKindNone IoSubKind = iota
	IoRead
	IoWrite
	IoShortRead
	IoFsync
	IoTruncate
	IoLock
	IoDelete
)

func (s IoSubKind) String() string {
	switch s {
	case IoRead:
		return "read"
	case IoWrite:
		return "write"
	case IoShortRead:
		return "short-read"
	case IoFsync:
		return "fsync"
	case IoTruncate:
		return "truncate"
	case IoLock:
		return "lock"
	case IoDelete:
		return "delete"
	}
	return "none"
}

// Error is the concrete error type returned across package boundaries. The
// message owned by the core (spec.md §7, "User-visible behavior") is
// produced by Error().
type Error struct {
	Kind   Kind
	IoSub  IoSubKind
	Msg    string
	Cause  error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		if e.Kind == IoErr && e.IoSub != IoSubKindNone {
			return fmt.Sprintf("%s (%s): %s: %v", e.Kind, e.IoSub, e.Msg, e.Cause)
		}
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Cause)
	}
	if e.Kind == IoErr && e.IoSub != IoSubKindNone {
		return fmt.Sprintf("%s (%s): %s", e.Kind, e.IoSub, e.Msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New constructs an Error of the given kind with no wrapped cause.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap constructs an Error of the given kind wrapping cause. A nil cause
// returns nil so callers can write `return dberr.Wrap(Corrupt, "...", err)`
// unconditionally in a deferred check without an extra nil guard.
func Wrap(kind Kind, msg string, cause error) error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: msg, Cause: cause}
}

// WrapIO constructs an IoErr with the given subkind.
func WrapIO(sub IoSubKind, msg string, cause error) error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: IoErr, IoSub: sub, Msg: msg, Cause: cause}
}

// Is reports whether err itself is a *Error of the given kind. It does not
// unwrap err at all, since every storage-core error boundary constructs its
// own *Error.
func Is(err error, kind Kind) bool {
	e, ok := err.(*Error)
	return ok && e.Kind == kind
}
