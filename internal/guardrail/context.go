package guardrail

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"arbiter/internal/config"
)

// TradeCounter counts orders that reached the broker since a point in time.
type TradeCounter interface {
	CountOrdersSentSince(ctx context.Context, since time.Time) (int64, error)
}

// Overrides are per-proposal context inputs supplied by the caller.
type Overrides struct {
	TotalCapital          *decimal.Decimal
	RequiresHumanApproval bool
}

// ContextProvider assembles the PortfolioContext from configuration and the
// order history. Daily windows start at UTC midnight, weekly on UTC Monday.
type ContextProvider struct {
	Counter TradeCounter
	Config  config.GuardrailConfig
	Now     func() time.Time
	// CacheTTL > 0 reuses counts for that long.
	CacheTTL time.Duration

	mu       sync.Mutex
	cachedAt time.Time
	daily    int
	weekly   int
}

func (p *ContextProvider) Snapshot(ctx context.Context, o Overrides) (PortfolioContext, error) {
	capital := decimal.NewFromFloat(p.Config.TotalCapital)
	if o.TotalCapital != nil {
		capital = *o.TotalCapital
	}
	daily, weekly, err := p.counts(ctx)
	if err != nil {
		return PortfolioContext{}, err
	}
	return PortfolioContext{
		TotalCapital:          capital,
		DailyTradeCount:       daily,
		WeeklyTradeCount:      weekly,
		RequiresHumanApproval: o.RequiresHumanApproval,
	}, nil
}

func (p *ContextProvider) counts(ctx context.Context) (int, int, error) {
	if p.Counter == nil {
		return 0, 0, nil
	}
	now := p.now()
	p.mu.Lock()
	if p.CacheTTL > 0 && !p.cachedAt.IsZero() && now.Sub(p.cachedAt) < p.CacheTTL {
		d, w := p.daily, p.weekly
		p.mu.Unlock()
		return d, w, nil
	}
	p.mu.Unlock()

	dayStart, weekStart := windows(now)
	daily, err := p.Counter.CountOrdersSentSince(ctx, dayStart)
	if err != nil {
		return 0, 0, err
	}
	weekly, err := p.Counter.CountOrdersSentSince(ctx, weekStart)
	if err != nil {
		return 0, 0, err
	}

	p.mu.Lock()
	p.cachedAt = now
	p.daily = int(daily)
	p.weekly = int(weekly)
	p.mu.Unlock()
	return int(daily), int(weekly), nil
}

func windows(now time.Time) (time.Time, time.Time) {
	now = now.UTC()
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	offset := (int(day.Weekday()) + 6) % 7
	return day, day.AddDate(0, 0, -offset)
}

func (p *ContextProvider) now() time.Time {
	if p.Now != nil {
		return p.Now().UTC()
	}
	return time.Now().UTC()
}
