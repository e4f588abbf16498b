package cronrunner

import (
	"context"
	"testing"
)

func TestAddSkipsEmptySpec(t *testing.T) {
	r := New(nil, context.Background())
	id, err := r.Add("noop", "", func(context.Context) error { return nil })
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if id != 0 || r.Entries() != 0 {
		t.Fatalf("expected no entry, got id=%d entries=%d", id, r.Entries())
	}
}

func TestAddRejectsBadSpec(t *testing.T) {
	r := New(nil, context.Background())
	if _, err := r.Add("bad", "not a spec", func(context.Context) error { return nil }); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestAddEvery(t *testing.T) {
	r := New(nil, nil)
	if _, err := r.Add("sweep", "@every 1m", func(context.Context) error { return nil }); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if r.Entries() != 1 {
		t.Fatalf("expected 1 entry, got %d", r.Entries())
	}
}
