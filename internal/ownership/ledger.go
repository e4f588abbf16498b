package ownership

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"arbiter/internal/models"
	"arbiter/internal/notifier"
	"arbiter/internal/repository"
)

// Primary returns the current primary row for ticker, nil when unowned.
func (r *Resolver) Primary(ctx context.Context, ticker string) (*models.PositionOwnership, error) {
	return r.Repo.GetPrimaryOwnership(ctx, NormalizeTicker(ticker))
}

func (r *Resolver) List(ctx context.Context, params repository.ListOwnershipsParams) ([]models.PositionOwnership, int64, error) {
	items, err := r.Repo.ListOwnerships(ctx, params)
	if err != nil {
		return nil, 0, err
	}
	total, err := r.Repo.CountOwnerships(ctx, params)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

// Release drops every row strategyName holds on ticker. It returns how many
// rows were removed.
func (r *Resolver) Release(ctx context.Context, ticker, strategyName, reason string) (int, error) {
	ticker = NormalizeTicker(ticker)
	strategyName = strings.ToLower(strings.TrimSpace(strategyName))
	if ticker == "" || strategyName == "" {
		return 0, fmt.Errorf("%w: ticker and strategy are required", ErrInvalidRequest)
	}
	unlock, err := r.lock(ctx, ticker)
	if err != nil {
		return 0, err
	}
	defer unlock()

	var released []models.PositionOwnership
	err = r.Repo.InTx(ctx, func(tx repository.Repository) error {
		items, err := tx.ListOwnerships(ctx, repository.ListOwnershipsParams{
			Ticker:       &ticker,
			StrategyName: &strategyName,
			Limit:        500,
		})
		if err != nil {
			return err
		}
		for _, item := range items {
			if err := tx.DeleteOwnership(ctx, item.ID, item.Version); err != nil {
				return err
			}
		}
		released = items
		return nil
	})
	if err != nil {
		r.logConcurrency(err, "release", ticker, strategyName)
		return 0, err
	}
	for _, item := range released {
		r.publishRelease(ctx, item, reason)
	}
	return len(released), nil
}

// ReleaseAll drops every ownership strategyName holds, ticker by ticker.
func (r *Resolver) ReleaseAll(ctx context.Context, strategyName, reason string) (int, error) {
	strategyName = strings.ToLower(strings.TrimSpace(strategyName))
	items, err := r.Repo.ListOwnerships(ctx, repository.ListOwnershipsParams{StrategyName: &strategyName, Limit: 500})
	if err != nil {
		return 0, err
	}
	seen := map[string]struct{}{}
	total := 0
	for _, item := range items {
		if _, ok := seen[item.Ticker]; ok {
			continue
		}
		seen[item.Ticker] = struct{}{}
		n, err := r.Release(ctx, item.Ticker, strategyName, reason)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// SweepExpired deletes primary rows whose lock ended more than
// Config.ReleaseLapsedAfter ago. A zero setting disables the sweep; expired
// locks then only stop blocking.
func (r *Resolver) SweepExpired(ctx context.Context) (int, error) {
	if r.Config.ReleaseLapsedAfter <= 0 {
		return 0, nil
	}
	cutoff := r.now().Add(-r.Config.ReleaseLapsedAfter)
	items, err := r.Repo.ListOwnerships(ctx, repository.ListOwnershipsParams{LockExpiredBefore: &cutoff, Limit: 200})
	if err != nil {
		return 0, err
	}
	released := 0
	for _, item := range items {
		ok, err := r.releaseIfStillLapsed(ctx, item)
		if err != nil {
			return released, err
		}
		if ok {
			released++
		}
	}
	return released, nil
}

func (r *Resolver) releaseIfStillLapsed(ctx context.Context, item models.PositionOwnership) (bool, error) {
	unlock, err := r.lock(ctx, item.Ticker)
	if err != nil {
		return false, err
	}
	defer unlock()

	var gone *models.PositionOwnership
	err = r.Repo.InTx(ctx, func(tx repository.Repository) error {
		cur, err := tx.GetPrimaryOwnership(ctx, item.Ticker)
		if err != nil || cur == nil {
			return err
		}
		// A renewal since the listing moved the lock or the owner.
		if cur.ID != item.ID || cur.Version != item.Version {
			return nil
		}
		if err := tx.DeleteOwnership(ctx, cur.ID, cur.Version); err != nil {
			return err
		}
		gone = cur
		return nil
	})
	if err != nil {
		r.logConcurrency(err, "sweep", item.Ticker, item.StrategyName)
		return false, err
	}
	if gone == nil {
		return false, nil
	}
	r.publishRelease(ctx, *gone, "lock lapsed without renewal")
	return true, nil
}

func (r *Resolver) publishRelease(ctx context.Context, item models.PositionOwnership, reason string) {
	if r.Logger != nil {
		r.Logger.Info("ownership released",
			zap.String("ticker", item.Ticker),
			zap.String("strategy", item.StrategyName),
			zap.String("kind", item.Kind),
			zap.String("reason", reason),
		)
	}
	if r.Events == nil {
		return
	}
	r.Events.Publish(ctx, notifier.Event{
		Type:          notifier.TypeOwnershipChanged,
		Ticker:        item.Ticker,
		OwnerStrategy: item.StrategyName,
		Reasoning:     reason,
		Data: map[string]any{
			"ownership_id": item.ID,
			"kind":         item.Kind,
			"released":     true,
		},
	})
}

func (r *Resolver) logConcurrency(err error, op, ticker, strategy string) {
	if r.Logger == nil || !errors.Is(err, repository.ErrConcurrencyViolation) {
		return
	}
	r.Logger.Error("ownership write lost serialization",
		zap.String("op", op),
		zap.String("ticker", ticker),
		zap.String("strategy", strategy),
		zap.Error(err),
	)
}
