package courier

import (
	"errors"
	"fmt"
	"testing"
)

func TestUUIDv7GeneratorVersion(t *testing.T) {
	id, err := UUIDv7Generator{}.New()
	if err != nil {
		t.Fatalf("new id: %v", err)
	}
	if id.Version() != 7 {
		t.Fatalf("expected version 7, got %d", id.Version())
	}
}

func TestNewIDOrdering(t *testing.T) {
	prev := NewID()
	for i := 0; i < 1000; i++ {
		next := NewID()
		if next.String() <= prev.String() {
			t.Fatalf("expected ids to be increasing: %s then %s", prev, next)
		}
		prev = next
	}
}

func TestErrorTaxonomy(t *testing.T) {
	base := errors.New("boom")

	perm := fmt.Errorf("handler: %w", Permanent(base))
	if !IsPermanent(perm) {
		t.Fatalf("expected wrapped permanent error to be detected")
	}
	if IsTransient(perm) {
		t.Fatalf("permanent error must not be transient")
	}
	if !errors.Is(perm, base) {
		t.Fatalf("expected permanent error to unwrap to cause")
	}

	if !IsTransient(base) {
		t.Fatalf("unmarked errors are transient")
	}
	if !IsTransient(Transient(base)) {
		t.Fatalf("expected transient marker to be detected")
	}
	if IsTransient(nil) || IsPermanent(nil) {
		t.Fatalf("nil is neither transient nor permanent")
	}
	if Permanent(nil) != nil || Transient(nil) != nil {
		t.Fatalf("marking nil must return nil")
	}
}
