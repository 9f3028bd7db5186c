package errs

import (
	"errors"
	"fmt"
	"testing"
)

func TestStructuredError(t *testing.T) {
	err := New("trace.install", KindInvalidPattern, "pattern matched no functions")

	if err.Op != "trace.install" {
		t.Errorf("Op = %q, want trace.install", err.Op)
	}
	if err.Kind != KindInvalidPattern {
		t.Errorf("Kind = %q, want %q", err.Kind, KindInvalidPattern)
	}

	want := "strobe: pattern matched no functions (op=trace.install)"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestSessionScopedError(t *testing.T) {
	err := NewSession("session.stop", "app-0729-14h02-1", KindSessionNotFound, "no such session")

	want := "strobe: no such session (op=session.stop session=app-0729-14h02-1)"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestWrapPreservesKindAndSession(t *testing.T) {
	inner := NewSession("hook.install", "sess-1", KindTimeout, "agent did not confirm")
	wrapped := Wrap("trace.add", KindInternal, inner)

	if wrapped.Kind != KindTimeout {
		t.Errorf("Wrap should preserve inner Kind, got %q", wrapped.Kind)
	}
	if wrapped.SessionID != "sess-1" {
		t.Errorf("Wrap should preserve inner SessionID, got %q", wrapped.SessionID)
	}
}

func TestWrapPlainError(t *testing.T) {
	wrapped := Wrap("dwarf.parse", KindNoDebugSymbols, fmt.Errorf("missing .debug_info"))

	if wrapped.Kind != KindNoDebugSymbols {
		t.Errorf("Kind = %q, want %q", wrapped.Kind, KindNoDebugSymbols)
	}
	if wrapped.Inner == nil {
		t.Error("expected Inner to be set")
	}
}

func TestWrapNil(t *testing.T) {
	if Wrap("op", KindInternal, nil) != nil {
		t.Error("Wrap(nil) should return nil")
	}
}

func TestIsKind(t *testing.T) {
	err := New("breakpoint.add", KindNoCodeAtLine, "no statement at line 42")
	if !Is(err, KindNoCodeAtLine) {
		t.Error("Is should match on Kind")
	}
	if Is(err, KindTimeout) {
		t.Error("Is should not match a different Kind")
	}
}

func TestErrorsIsByKind(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", New("memory.write", KindWriteNotPaused, "thread is running"))
	if !errors.Is(err, &Error{Kind: KindWriteNotPaused}) {
		t.Error("errors.Is should match by Kind through standard wrapping")
	}
	if errors.Is(err, &Error{Kind: KindTimeout}) {
		t.Error("errors.Is should not match a different Kind")
	}
}

func TestUnwrap(t *testing.T) {
	inner := errors.New("boom")
	err := Wrap("op", KindInternal, inner)
	if errors.Unwrap(err) != inner {
		t.Error("Unwrap should return the inner error")
	}
}
