package ferrors

import (
	"errors"
	"testing"
)

func TestError_Message(t *testing.T) {
	err := New(KindConstruction, "cycle detected at step a")
	if got := err.Error(); got != "[construction] cycle detected at step a" {
		t.Errorf("unexpected message: %q", got)
	}
}

func TestWrap_UnwrapsToCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(KindStorage, "reading state", cause)

	if !errors.Is(err, cause) {
		t.Error("expected errors.Is to see through to the wrapped cause")
	}
	want := "[storage] reading state: connection refused"
	if got := err.Error(); got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestError_AsKind(t *testing.T) {
	var ferr *Error
	err := error(New(KindProtocol, "unknown worker_id"))
	if !errors.As(err, &ferr) {
		t.Fatal("expected errors.As to match *Error")
	}
	if ferr.Kind != KindProtocol {
		t.Errorf("expected KindProtocol, got %v", ferr.Kind)
	}
}
