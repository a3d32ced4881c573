package relayerr

import (
	"errors"
	"fmt"
	"io"
	"testing"
)

func TestAsKeepsClassifiedErrors(t *testing.T) {
	base := Wrap(Persist, "write failed", io.ErrShortWrite).WithDetail("name", "a.png")
	wrapped := fmt.Errorf("persist a.png: %w", base)
	got := As(wrapped)
	if got.Code != Persist {
		t.Fatalf("expected persist code, got %s", got.Code)
	}
	if got.Details["name"] != "a.png" {
		t.Fatalf("details lost: %+v", got.Details)
	}
	if !errors.Is(wrapped, io.ErrShortWrite) {
		t.Fatalf("expected cause to unwrap")
	}
	if !Is(wrapped, Persist) {
		t.Fatalf("expected Is to match")
	}
}

func TestAsClassifiesUnknownErrorsAsInternal(t *testing.T) {
	got := As(errors.New("boom"))
	if got.Code != Internal || got.Message != "internal error" {
		t.Fatalf("unexpected classification: %+v", got)
	}
	if CodeOf(nil) != "" {
		t.Fatalf("nil error should have no code")
	}
}
