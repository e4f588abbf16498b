package ownership

import (
	"strings"
	"testing"
	"time"

	"arbiter/internal/models"
)

func strat(name string, priority int) *models.Strategy {
	return &models.Strategy{Name: name, Priority: priority, Active: true}
}

func primary(owner string, lockedUntil *time.Time) *models.PositionOwnership {
	return &models.PositionOwnership{ID: 1, Ticker: "AAPL", StrategyName: owner, Kind: models.OwnershipPrimary, LockedUntil: lockedUntil, Version: 1}
}

func TestDecide(t *testing.T) {
	now := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)
	future := now.Add(time.Hour)
	past := now.Add(-time.Hour)

	cases := []struct {
		name    string
		in      Input
		outcome Outcome
		res     string
		allowed bool
	}{
		{"no owner primary", Input{Acting: *strat("a", 10), RequestedKind: models.OwnershipPrimary}, OutcomeCreatePrimary, models.ResolutionAllowed, true},
		{"no owner shared", Input{Acting: *strat("a", 10), RequestedKind: models.OwnershipShared}, OutcomeUpsertShared, models.ResolutionAllowed, true},
		{"self action beats everything", Input{Acting: *strat("long_term", 1), Primary: primary("long_term", &future), Owner: strat("long_term", 1)}, OutcomeSelfAction, models.ResolutionAllowed, true},
		{"higher priority overrides", Input{Acting: *strat("long_term", 100), Primary: primary("trading", nil), Owner: strat("trading", 50)}, OutcomeOverride, models.ResolutionPriorityOverride, true},
		{"expired lock no longer blocks", Input{Acting: *strat("long_term", 100), Primary: primary("trading", &past), Owner: strat("trading", 50)}, OutcomeOverride, models.ResolutionPriorityOverride, true},
		{"active lock blocks higher priority", Input{Acting: *strat("long_term", 100), Primary: primary("trading", &future), Owner: strat("trading", 50)}, OutcomeBlockedLocked, models.ResolutionBlocked, false},
		{"tie favors incumbent", Input{Acting: *strat("b", 50), Primary: primary("a", nil), Owner: strat("a", 50)}, OutcomeBlockedPriority, models.ResolutionBlocked, false},
		{"lower priority blocked", Input{Acting: *strat("aggressive", 30), Primary: primary("long_term", nil), Owner: strat("long_term", 100)}, OutcomeBlockedPriority, models.ResolutionBlocked, false},
		{"shared against foreign primary follows priority", Input{Acting: *strat("b", 10), RequestedKind: models.OwnershipShared, Primary: primary("a", nil), Owner: strat("a", 50)}, OutcomeBlockedPriority, models.ResolutionBlocked, false},
		{"inactive incumbent is replaced", Input{Acting: *strat("b", 10), Primary: primary("a", nil), Owner: &models.Strategy{Name: "a", Priority: 90}}, OutcomeOverride, models.ResolutionPriorityOverride, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			c.in.Now = now
			c.in.Ticker = "AAPL"
			got := Decide(c.in)
			if got.Outcome != c.outcome || got.Resolution != c.res || got.Allowed != c.allowed {
				t.Fatalf("got %s/%s/%v want %s/%s/%v (%s)", got.Outcome, got.Resolution, got.Allowed, c.outcome, c.res, c.allowed, got.Reasoning)
			}
			if got.Reasoning == "" {
				t.Fatalf("expected reasoning")
			}
		})
	}
}

func TestDecideSnapshotsOwnerPriority(t *testing.T) {
	got := Decide(Input{Now: time.Now(), Ticker: "NVDA", Acting: *strat("long_term", 100), Primary: primary("trading", nil), Owner: strat("trading", 50)})
	if got.OwnerPriority == nil || *got.OwnerPriority != 50 || got.OwnerName != "trading" {
		t.Fatalf("expected owner snapshot, got %+v", got)
	}
}

func TestDecideLockReasonCitesExpiry(t *testing.T) {
	now := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)
	until := now.Add(90 * time.Minute)
	got := Decide(Input{Now: now, Ticker: "AAPL", Acting: *strat("x", 100), Primary: primary("y", &until), Owner: strat("y", 1)})
	want := until.Format(time.RFC3339)
	if !strings.Contains(got.Reasoning, want) {
		t.Fatalf("reasoning %q does not cite %s", got.Reasoning, want)
	}
}
