package guardrail

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"arbiter/internal/config"
	"arbiter/internal/models"
)

func testConfig() config.GuardrailConfig {
	return config.GuardrailConfig{
		TotalCapital:         100000,
		MaxPositionFraction:  0.10,
		WarnPositionFraction: 0.08,
		MaxDailyTrades:       10,
		MaxWeeklyTrades:      40,
		FrequencyWarnRatio:   0.8,
		MinReasoningChars:    20,
	}
}

func goodProposal() Proposal {
	conf := 0.7
	return Proposal{
		Ticker:         "AAPL",
		Action:         models.ActionBuy,
		Strategy:       "value",
		Quantity:       decimal.NewFromInt(10),
		ReferencePrice: decimal.NewFromInt(100),
		Reasoning:      "margin of safety above thirty percent",
		Confidence:     &conf,
	}
}

func goodContext() PortfolioContext {
	return PortfolioContext{TotalCapital: decimal.NewFromInt(100000), DailyTradeCount: 1, WeeklyTradeCount: 3}
}

func findArticle(res Result, article string) *Violation {
	for i := range res.Violations {
		if res.Violations[i].Article == article {
			return &res.Violations[i]
		}
	}
	return nil
}

func TestValidateCleanProposal(t *testing.T) {
	res := New(testConfig()).Validate(goodProposal(), goodContext())
	if !res.IsValid {
		t.Fatalf("expected valid, got %+v", res.Violations)
	}
	if len(res.Violations) != 0 {
		t.Fatalf("violations=%d want=0: %+v", len(res.Violations), res.Violations)
	}
}

func TestValidateRunsEveryArticle(t *testing.T) {
	p := goodProposal()
	p.Quantity = decimal.NewFromInt(500)
	p.Reasoning = ""
	p.Confidence = nil
	c := goodContext()
	c.DailyTradeCount = 10
	c.RequiresHumanApproval = true

	res := New(testConfig()).Validate(p, c)
	if res.IsValid {
		t.Fatalf("expected invalid")
	}
	for _, article := range []string{ArticleCapitalPreservation, ArticleTradeFrequency, ArticleExplainability, ArticleHumanApproval, ArticleConfidenceDisclosure} {
		if findArticle(res, article) == nil {
			t.Fatalf("missing finding for %s: %+v", article, res.Violations)
		}
	}
	if res.OnlyApprovalBlocking() {
		t.Fatalf("approval should not be the only blocker")
	}
}

func TestCapitalPreservation(t *testing.T) {
	v := New(testConfig())

	p := goodProposal()
	p.Quantity = decimal.NewFromInt(101) // 10100 > 10000
	res := v.Validate(p, goodContext())
	got := findArticle(res, ArticleCapitalPreservation)
	if got == nil || got.Severity != SeverityBlocking {
		t.Fatalf("over limit: %+v", got)
	}

	p.Quantity = decimal.NewFromInt(90) // 9000, above the 8000 warning level
	res = v.Validate(p, goodContext())
	got = findArticle(res, ArticleCapitalPreservation)
	if got == nil || got.Severity != SeverityWarning || !res.IsValid {
		t.Fatalf("warning level: %+v valid=%v", got, res.IsValid)
	}

	p.Quantity = decimal.NewFromInt(100) // exactly at the limit
	res = v.Validate(p, goodContext())
	if got := findArticle(res, ArticleCapitalPreservation); got == nil || got.Severity != SeverityWarning {
		t.Fatalf("at limit should only warn: %+v", got)
	}
}

func TestCapitalPreservationStrategyOverride(t *testing.T) {
	p := goodProposal()
	p.Quantity = decimal.NewFromInt(30) // 3000
	p.StrategyConfig.MaxPositionFraction = 0.02
	res := New(testConfig()).Validate(p, goodContext())
	got := findArticle(res, ArticleCapitalPreservation)
	if got == nil || got.Severity != SeverityBlocking {
		t.Fatalf("strategy override not applied: %+v", got)
	}
}

func TestCapitalPreservationUnverifiable(t *testing.T) {
	v := New(testConfig())

	p := goodProposal()
	p.ReferencePrice = decimal.Zero
	if got := findArticle(v.Validate(p, goodContext()), ArticleCapitalPreservation); got == nil || got.Severity != SeverityBlocking {
		t.Fatalf("missing price: %+v", got)
	}

	c := goodContext()
	c.TotalCapital = decimal.Zero
	if got := findArticle(v.Validate(goodProposal(), c), ArticleCapitalPreservation); got == nil || got.Severity != SeverityBlocking {
		t.Fatalf("missing capital: %+v", got)
	}
}

func TestTradeFrequency(t *testing.T) {
	v := New(testConfig())

	c := goodContext()
	c.DailyTradeCount = 8 // ceil(10*0.8)
	res := v.Validate(goodProposal(), c)
	if got := findArticle(res, ArticleTradeFrequency); got == nil || got.Severity != SeverityWarning {
		t.Fatalf("daily warning: %+v", got)
	}

	c.DailyTradeCount = 2
	c.WeeklyTradeCount = 40
	res = v.Validate(goodProposal(), c)
	if got := findArticle(res, ArticleTradeFrequency); got == nil || got.Severity != SeverityBlocking {
		t.Fatalf("weekly ceiling: %+v", got)
	}

	cfg := testConfig()
	cfg.MaxDailyTrades = 0
	cfg.MaxWeeklyTrades = 0
	c.DailyTradeCount = 1000
	c.WeeklyTradeCount = 1000
	if got := findArticle(New(cfg).Validate(goodProposal(), c), ArticleTradeFrequency); got != nil {
		t.Fatalf("disabled ceilings should not fire: %+v", got)
	}
}

func TestExplainability(t *testing.T) {
	v := New(testConfig())

	p := goodProposal()
	p.Reasoning = "cheap"
	res := v.Validate(p, goodContext())
	if got := findArticle(res, ArticleExplainability); got == nil || got.Severity != SeverityWarning || !res.IsValid {
		t.Fatalf("short reasoning: %+v", got)
	}

	p.Reasoning = ""
	if got := findArticle(v.Validate(p, goodContext()), ArticleExplainability); got == nil || got.Severity != SeverityBlocking {
		t.Fatalf("empty reasoning: %+v", got)
	}
}

func TestHumanApprovalGate(t *testing.T) {
	v := New(testConfig())
	c := goodContext()
	c.RequiresHumanApproval = true

	res := v.Validate(goodProposal(), c)
	if res.IsValid {
		t.Fatalf("expected approval block")
	}
	if !res.OnlyApprovalBlocking() {
		t.Fatalf("approval should be the only blocker: %+v", res.Violations)
	}

	p := goodProposal()
	p.PreApproved = true
	res = v.Validate(p, c)
	if !res.IsValid {
		t.Fatalf("pre-approved should pass: %+v", res.Violations)
	}
	if got := findArticle(res, ArticleHumanApproval); got == nil || got.Severity != SeverityInfo {
		t.Fatalf("pre-approved should leave an info note: %+v", got)
	}
}

func TestHumanApprovalTriggers(t *testing.T) {
	cfg := testConfig()
	cfg.ApprovalConfidenceBelow = 0.6
	cfg.ApprovalNotionalAbove = 500
	v := New(cfg)

	low := 0.4
	p := goodProposal()
	p.Confidence = &low
	p.Quantity = decimal.NewFromInt(1)
	if got := findArticle(v.Validate(p, goodContext()), ArticleHumanApproval); got == nil || got.Severity != SeverityBlocking {
		t.Fatalf("low confidence: %+v", got)
	}

	p = goodProposal()
	p.Quantity = decimal.NewFromInt(6) // 600 > 500
	if got := findArticle(v.Validate(p, goodContext()), ArticleHumanApproval); got == nil || got.Severity != SeverityBlocking {
		t.Fatalf("large notional: %+v", got)
	}

	p = goodProposal()
	p.Quantity = decimal.NewFromInt(1)
	p.StrategyConfig.RequireApproval = true
	if got := findArticle(v.Validate(p, goodContext()), ArticleHumanApproval); got == nil || got.Severity != SeverityBlocking {
		t.Fatalf("strategy flag: %+v", got)
	}

	p.StrategyConfig.RequireApproval = false
	if got := findArticle(v.Validate(p, goodContext()), ArticleHumanApproval); got != nil {
		t.Fatalf("no trigger expected: %+v", got)
	}
}

func TestConfidenceDisclosure(t *testing.T) {
	v := New(testConfig())
	p := goodProposal()
	bad := 1.5
	p.Confidence = &bad
	res := v.Validate(p, goodContext())
	if got := findArticle(res, ArticleConfidenceDisclosure); got == nil || got.Severity != SeverityInfo {
		t.Fatalf("out of range confidence: %+v", got)
	}
	if !res.IsValid {
		t.Fatalf("confidence disclosure must not block")
	}
}

func TestToModel(t *testing.T) {
	out := ToModel([]Violation{{Article: ArticleExplainability, Severity: SeverityWarning, Description: "short"}})
	if len(out) != 1 || out[0].Article != ArticleExplainability || out[0].Severity != "warning" {
		t.Fatalf("unexpected %+v", out)
	}
}

type countingCounter struct {
	calls  int
	counts map[time.Time]int64
	since  []time.Time
}

func (c *countingCounter) CountOrdersSentSince(_ context.Context, since time.Time) (int64, error) {
	c.calls++
	c.since = append(c.since, since)
	return c.counts[since], nil
}

func TestWindowsStartMondayUTC(t *testing.T) {
	// Thursday 2026-10-15 13:45 UTC
	now := time.Date(2026, 10, 15, 13, 45, 0, 0, time.UTC)
	day, week := windows(now)
	if !day.Equal(time.Date(2026, 10, 15, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("day=%s", day)
	}
	if !week.Equal(time.Date(2026, 10, 12, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("week=%s", week)
	}

	sunday := time.Date(2026, 10, 18, 23, 0, 0, 0, time.UTC)
	_, week = windows(sunday)
	if !week.Equal(time.Date(2026, 10, 12, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("sunday week=%s", week)
	}
}

func TestContextProviderSnapshot(t *testing.T) {
	now := time.Date(2026, 10, 15, 13, 45, 0, 0, time.UTC)
	day, week := windows(now)
	counter := &countingCounter{counts: map[time.Time]int64{day: 2, week: 7}}
	p := &ContextProvider{Counter: counter, Config: testConfig(), Now: func() time.Time { return now }, CacheTTL: time.Minute}

	snap, err := p.Snapshot(context.Background(), Overrides{RequiresHumanApproval: true})
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.DailyTradeCount != 2 || snap.WeeklyTradeCount != 7 {
		t.Fatalf("counts daily=%d weekly=%d", snap.DailyTradeCount, snap.WeeklyTradeCount)
	}
	if !snap.TotalCapital.Equal(decimal.NewFromInt(100000)) || !snap.RequiresHumanApproval {
		t.Fatalf("unexpected snapshot %+v", snap)
	}

	capital := decimal.NewFromInt(5000)
	snap, err = p.Snapshot(context.Background(), Overrides{TotalCapital: &capital})
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if !snap.TotalCapital.Equal(capital) {
		t.Fatalf("capital override ignored: %s", snap.TotalCapital)
	}
	if counter.calls != 2 {
		t.Fatalf("calls=%d want=2 (second snapshot cached)", counter.calls)
	}
}
