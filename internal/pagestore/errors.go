package pagestore

import (
	"errors"
	"fmt"

	"github.com/decoi-io/pagestore/internal/diag"
)

// Kind is the pager's error taxonomy (spec §7). Fallible pagestore
// operations report failures as an *Error carrying one of these,
// except transaction misuse (ErrReadOnlyTransaction,
// ErrTransactionClosed) and a failed file close in DB.Close, which
// are returned as plain errors.
type Kind string

const (
	KindInvalidArgument Kind = "invalid-argument"
	KindInvalidState    Kind = "invalid-state"
	KindNotFound        Kind = "not-found"
	KindNotAFile        Kind = "not-a-file"
	KindIsDirectory     Kind = "is-a-directory"
	KindNoSpace         Kind = "no-space"
	KindIO              Kind = "I/O"
	KindCorruption      Kind = "corruption"
)

// Error is the pager's fallible-operation error descriptor. It also
// pushes itself onto the calling goroutine's diagnostic channel at
// construction time, giving callers a traceable chain (spec §6/§9)
// without requiring them to inspect the channel explicitly.
type Error struct {
	Kind  Kind
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("pagestore: %s: %s: %v", e.Kind, e.Msg, e.Cause)
	}
	return fmt.Sprintf("pagestore: %s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// newErr constructs an *Error of the given kind and pushes it onto
// the calling goroutine's diagnostic channel, attributed to newErr's
// caller rather than this line.
func newErr(kind Kind, format string, args ...any) *Error {
	e := &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
	diag.Attach().PushErrorSkip(1, string(kind), "%s", e.Msg)
	return e
}

// wrapErr is newErr with an underlying cause attached.
func wrapErr(kind Kind, cause error, format string, args ...any) *Error {
	e := &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Cause: cause}
	diag.Attach().PushErrorSkip(1, string(kind), "%s: %v", e.Msg, cause)
	return e
}

// markErr re-marks the calling goroutine's diagnostic channel as this
// stack layer re-propagates err, per spec §7 ("re-marked at each
// stack layer that chooses to propagate").
func markErr(err error) error {
	if err != nil {
		diag.Attach().MarkErrorSkip(1)
	}
	return err
}

// IsKind reports whether err (or one of its wrapped causes) is a
// pagestore *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind == kind
	}
	return false
}

var (
	ErrReadOnlyTransaction = errors.New("pagestore: transaction is read-only")
	ErrTransactionClosed   = errors.New("pagestore: transaction is closed")
)
