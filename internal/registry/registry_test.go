package registry

import (
	"context"
	"errors"
	"testing"

	"gorm.io/datatypes"

	"arbiter/internal/models"
	"arbiter/internal/repository/memory"
)

type releaserStub struct {
	calls []string
}

func (s *releaserStub) ReleaseAll(_ context.Context, name, _ string) (int, error) {
	s.calls = append(s.calls, name)
	return 1, nil
}

func newRegistry(t *testing.T) (*Registry, *releaserStub) {
	t.Helper()
	rel := &releaserStub{}
	r := New(memory.New(), nil)
	r.Releaser = rel
	return r, rel
}

func TestGetUnknown(t *testing.T) {
	r, _ := newRegistry(t)
	if _, err := r.Get(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := r.GetActive(context.Background(), "nope"); !errors.Is(err, ErrUnknownStrategy) {
		t.Fatalf("expected ErrUnknownStrategy, got %v", err)
	}
}

func TestUpsertNormalizes(t *testing.T) {
	r, _ := newRegistry(t)
	ctx := context.Background()
	s := &models.Strategy{Name: " Long_Term ", Priority: 100, Active: true}
	if err := r.Upsert(ctx, s); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	got, err := r.GetActive(ctx, "long_term")
	if err != nil {
		t.Fatalf("GetActive: %v", err)
	}
	if got.Horizon != models.HorizonMedium || got.DisplayName != "long_term" || got.Persona != "general" {
		t.Fatalf("unexpected defaults: %+v", got)
	}
}

func TestUpsertRejectsInvalid(t *testing.T) {
	r, _ := newRegistry(t)
	ctx := context.Background()
	cases := []*models.Strategy{
		{Name: ""},
		{Name: "has space"},
		{Name: "ok", Horizon: "forever"},
		{Name: "ok", Config: datatypes.NewJSONType(models.StrategyConfig{MaxPositionFraction: 2})},
	}
	for _, c := range cases {
		if err := r.Upsert(ctx, c); !errors.Is(err, ErrInvalidStrategy) {
			t.Fatalf("expected ErrInvalidStrategy for %+v, got %v", c, err)
		}
	}
}

func TestDeactivateReleasesOwnership(t *testing.T) {
	r, rel := newRegistry(t)
	ctx := context.Background()
	if err := r.Upsert(ctx, &models.Strategy{Name: "trading", Priority: 50, Active: true}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := r.SetActive(ctx, "trading", false); err != nil {
		t.Fatalf("SetActive: %v", err)
	}
	if len(rel.calls) != 1 || rel.calls[0] != "trading" {
		t.Fatalf("expected release for trading, got %v", rel.calls)
	}
	if _, err := r.GetActive(ctx, "trading"); !errors.Is(err, ErrUnknownStrategy) {
		t.Fatalf("expected inactive strategy to be unknown, got %v", err)
	}
	active, _ := r.ListActive(ctx)
	if len(active) != 0 {
		t.Fatalf("expected no active strategies, got %d", len(active))
	}
}

func TestUpsertDeactivationReleases(t *testing.T) {
	r, rel := newRegistry(t)
	ctx := context.Background()
	_ = r.Upsert(ctx, &models.Strategy{Name: "dividend", Priority: 70, Active: true})
	if err := r.Upsert(ctx, &models.Strategy{Name: "dividend", Priority: 70, Active: false}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if len(rel.calls) != 1 {
		t.Fatalf("expected one release, got %v", rel.calls)
	}
}
