// Package errs defines the structured error taxonomy shared by the daemon
// and the agent: every error that can reach a client carries a Kind drawn
// from a fixed set (see Kind below) plus enough context to act on it without
// parsing a message string.
package errs

import (
	"errors"
	"fmt"
)

// Kind is the high-level error category a client branches on. These map
// 1:1 onto the error codes clients see on the wire.
type Kind string

const (
	KindValidation     Kind = "validation"
	KindNoDebugSymbols Kind = "no-debug-symbols"
	KindSessionNotFound Kind = "session-not-found"
	KindSessionExists  Kind = "session-exists"
	KindAttachFailed   Kind = "attach-failed"
	KindInvalidPattern Kind = "invalid-pattern"
	KindNoCodeAtLine   Kind = "no-code-at-line"
	KindOptimizedOut   Kind = "optimized-out"
	KindWriteNotPaused Kind = "write-not-paused"
	KindTimeout        Kind = "timeout"
	KindInternal       Kind = "internal"
)

// Error is the structured error type returned across every package
// boundary in Strobe. It never crosses a session boundary unscoped: a
// failure in one session's request handling is always wrapped with that
// session's id before it reaches a client.
type Error struct {
	Op        string // operation that failed, e.g. "trace.install"
	Kind      Kind
	SessionID string // empty if not session-scoped
	Message   string
	Inner     error
}

func (e *Error) Error() string {
	if e.SessionID != "" {
		return fmt.Sprintf("strobe: %s (op=%s session=%s)", e.Message, e.Op, e.SessionID)
	}
	return fmt.Sprintf("strobe: %s (op=%s)", e.Message, e.Op)
}

func (e *Error) Unwrap() error { return e.Inner }

// Is supports errors.Is comparison by Kind: errors.Is(err, &errs.Error{Kind: errs.KindTimeout})
// matches any *Error with that Kind, ignoring Op/Message/Inner.
func (e *Error) Is(target error) bool {
	te, ok := target.(*Error)
	if !ok {
		return false
	}
	if te.Kind == "" {
		return false
	}
	return e.Kind == te.Kind
}

// New creates a structured error.
func New(op string, kind Kind, msg string) *Error {
	return &Error{Op: op, Kind: kind, Message: msg}
}

// NewSession creates a session-scoped structured error.
func NewSession(op, sessionID string, kind Kind, msg string) *Error {
	return &Error{Op: op, Kind: kind, SessionID: sessionID, Message: msg}
}

// Wrap wraps an existing error with Strobe context. If inner is already a
// *Error, the result is a copy of it with Op replaced: its Kind,
// SessionID, Message and Inner are kept, and kind is used only when inner
// has no Kind.
func Wrap(op string, kind Kind, inner error) *Error {
	if inner == nil {
		return nil
	}
	if se, ok := inner.(*Error); ok {
		k := se.Kind
		if k == "" {
			k = kind
		}
		return &Error{Op: op, Kind: k, SessionID: se.SessionID, Message: se.Message, Inner: se.Inner}
	}
	return &Error{Op: op, Kind: kind, Message: inner.Error(), Inner: inner}
}

// Is reports whether err is a *Error of the given kind.
func Is(err error, kind Kind) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind == kind
	}
	return false
}
