package vfs

import (
	"errors"
	"io"
	"testing"
)

func TestKindOfUnwrapsEOF(t *testing.T) {
	if KindOf(io.EOF) != KindEOF {
		t.Fatalf("KindOf(io.EOF) = %v, want KindEOF", KindOf(io.EOF))
	}
}

func TestKindOfDefaultsUnwrappedErrors(t *testing.T) {
	if KindOf(errors.New("boom")) != KindBackendIO {
		t.Fatal("a plain error should default to KindBackendIO")
	}
}

func TestErrorIsMatchesKind(t *testing.T) {
	err := NewError(KindPathNotFound, "stat", "/missing", nil)
	if !errors.Is(err, KindPathNotFound) {
		t.Fatal("errors.Is should match the wrapped Kind")
	}
	if errors.Is(err, KindExists) {
		t.Fatal("errors.Is should not match an unrelated Kind")
	}
}

func TestHandleParseRoundTrip(t *testing.T) {
	h, err := NewHandle(HandleFile, "/srv/root", "a/b.txt")
	if err != nil {
		t.Fatalf("NewHandle: %v", err)
	}
	parsed, err := ParseHandle(h.String())
	if err != nil {
		t.Fatalf("ParseHandle: %v", err)
	}
	if parsed != h {
		t.Fatalf("round trip mismatch: %+v != %+v", parsed, h)
	}
	if len(h.String()) > MaxHandleLen {
		t.Fatalf("handle too long: %d bytes", len(h.String()))
	}
}

func TestHandleUniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		h, err := NewHandle(HandleFile, "/srv/root", "same/path.txt")
		if err != nil {
			t.Fatalf("NewHandle: %v", err)
		}
		if seen[h.String()] {
			t.Fatalf("duplicate handle generated: %s", h.String())
		}
		seen[h.String()] = true
	}
}
