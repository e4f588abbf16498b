package orderflow

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"arbiter/internal/models"
	"arbiter/internal/repository"
)

const sweepBatch = 200

// RetryDue moves failed orders whose backoff has elapsed back to
// order_pending and dispatches them.
func (m *Machine) RetryDue(ctx context.Context) (int, error) {
	now := m.now()
	manual := false
	asc := true
	items, err := m.Repo.ListOrders(ctx, repository.ListOrdersParams{
		States:       []string{string(StateFailed)},
		RetryDue:     &now,
		ManualReview: &manual,
		Asc:          &asc,
		Limit:        sweepBatch,
	})
	if err != nil {
		return 0, err
	}
	retried := 0
	for _, item := range items {
		o, err := m.withOrder(ctx, item.ID, func(o *models.Order) error {
			if State(o.State) != StateFailed || o.NextRetryAt == nil || o.NextRetryAt.After(now) || o.RetryCount >= m.maxRetries() {
				return errSkip
			}
			reason := fmt.Sprintf("retry %d of %d", o.RetryCount+1, m.maxRetries())
			return m.move(ctx, o, StateOrderPending, actorSystem, reason, func(n *models.Order) {
				n.RetryCount++
				n.NextRetryAt = nil
			})
		})
		if errors.Is(err, errSkip) {
			continue
		}
		if err != nil {
			return retried, err
		}
		retried++
		m.schedule(ctx, o.ID)
	}
	return retried, nil
}

// ExpireApprovals rejects orders left at the approval gate longer than the
// approval timeout.
func (m *Machine) ExpireApprovals(ctx context.Context) (int, error) {
	if m.Config.ApprovalTimeout <= 0 {
		return 0, nil
	}
	cutoff := m.now().Add(-m.Config.ApprovalTimeout)
	reason := fmt.Sprintf("approval timed out after %s", m.Config.ApprovalTimeout)
	return m.sweepStale(ctx, []State{StatePendingHumanApproval}, cutoff, func(o *models.Order) error {
		return m.move(ctx, o, StateRejected, actorSystem, reason, nil)
	})
}

// ExpireAcks fails orders that saw no broker progress within the ack timeout.
func (m *Machine) ExpireAcks(ctx context.Context) (int, error) {
	if m.Config.AckTimeout <= 0 {
		return 0, nil
	}
	cutoff := m.now().Add(-m.Config.AckTimeout)
	reason := fmt.Sprintf("no broker acknowledgment within %s", m.Config.AckTimeout)
	return m.sweepStale(ctx, []State{StateOrderPending, StateOrderSent}, cutoff, func(o *models.Order) error {
		return m.fail(ctx, o, reason)
	})
}

func (m *Machine) sweepStale(ctx context.Context, states []State, cutoff time.Time, apply func(o *models.Order) error) (int, error) {
	names := make([]string, 0, len(states))
	for _, s := range states {
		names = append(names, string(s))
	}
	asc := true
	items, err := m.Repo.ListOrders(ctx, repository.ListOrdersParams{
		States:        names,
		UpdatedBefore: &cutoff,
		Asc:           &asc,
		Limit:         sweepBatch,
	})
	if err != nil {
		return 0, err
	}
	swept := 0
	for _, item := range items {
		_, err := m.withOrder(ctx, item.ID, func(o *models.Order) error {
			if !slices.Contains(names, o.State) || !o.UpdatedAt.Before(cutoff) {
				return errSkip
			}
			return apply(o)
		})
		if errors.Is(err, errSkip) {
			continue
		}
		if err != nil {
			if m.Logger != nil {
				m.Logger.Warn("order sweep failed", zap.Uint64("order_id", item.ID), zap.Error(err))
			}
			continue
		}
		swept++
	}
	return swept, nil
}

var errSkip = errors.New("skip")
