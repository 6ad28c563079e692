package storage

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind is the error taxonomy this package reports. It is not a Go type
// hierarchy — every failure surfaces as *Error carrying one of these
// values — so callers branch on the Kind field (via KindOf or Is)
// rather than on concrete types.
type Kind int

const (
	// Io is an underlying I/O failure (open, read, write, fsync, truncate).
	Io Kind = iota
	// InvalidPage means on-disk bytes do not parse as a valid page.
	InvalidPage
	// Encryption is an AEAD authentication failure or a sizing mismatch.
	Encryption
	// Wal is a WAL framing, header, or mid-log corruption failure.
	Wal
	// Corruption covers freelist cycles, B-tree structural violations,
	// and header salt mismatches on refresh.
	Corruption
	// TransactionMisuse is caller misuse: committing a non-active
	// transaction, double commit, etc. Its String form is "Transaction".
	TransactionMisuse
	// CommitInDoubt means the durability outcome of a commit could not
	// be determined after a partial failure at or after WAL sync.
	CommitInDoubt
	// SessionPoisoned means the session rejects further write work
	// after a CommitInDoubt incident.
	SessionPoisoned
	// UniqueViolation, Schema, and Execution are passthrough kinds: this
	// package never raises them itself, but an upstream executor can
	// wrap its own failures in *Error so callers have one taxonomy to
	// branch on.
	UniqueViolation
	Schema
	Execution
)

// String names the Kind, used in error messages.
func (k Kind) String() string {
	switch k {
	case Io:
		return "Io"
	case InvalidPage:
		return "InvalidPage"
	case Encryption:
		return "Encryption"
	case Wal:
		return "Wal"
	case Corruption:
		return "Corruption"
	case TransactionMisuse:
		return "Transaction"
	case CommitInDoubt:
		return "CommitInDoubt"
	case SessionPoisoned:
		return "SessionPoisoned"
	case UniqueViolation:
		return "UniqueViolation"
	case Schema:
		return "Schema"
	case Execution:
		return "Execution"
	default:
		return "Unknown"
	}
}

// Error is the concrete error type this package returns. It carries a
// Kind for programmatic branching, a human message, and an optional
// wrapped cause (captured with github.com/pkg/errors so the original
// stack trace survives %+v formatting).
type Error struct {
	Kind Kind
	msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.msg)
}

// Unwrap lets errors.Is/errors.As see through to the wrapped cause.
func (e *Error) Unwrap() error { return e.Err }

// NewError constructs an *Error with no wrapped cause.
func NewError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, msg: fmt.Sprintf(format, args...)}
}

// WrapError constructs an *Error wrapping cause, with a stack trace
// attached to it via github.com/pkg/errors.WithStack.
func WrapError(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, msg: fmt.Sprintf(format, args...), Err: errors.WithStack(cause)}
}

// KindOf returns the Kind of err if it (or something it wraps) is an
// *Error, and ok=false otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

// Is reports whether err is an *Error of the given kind. It exists as a
// one-liner for the common "is this kind" check in tests and the CLI.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}
