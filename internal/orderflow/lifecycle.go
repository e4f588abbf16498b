package orderflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"arbiter/internal/broker"
	"arbiter/internal/models"
	"arbiter/internal/ownership"
)

const (
	EventAccepted    = "accepted"
	EventRejected    = "rejected"
	EventPartialFill = "partial_fill"
	EventFullFill    = "full_fill"
	EventTimeout     = "timeout"
)

// ExecutionEvent is a broker outcome for one order. FilledQuantity on a
// partial fill is the increment, not the running total.
type ExecutionEvent struct {
	OrderID        uint64
	Event          string
	FilledQuantity decimal.Decimal
	BrokerOrderID  string
	BrokerMessage  string
}

// Dispatch submits an order_pending order to the broker. A broker error or
// timeout becomes a failed transition, not an error of the call.
func (m *Machine) Dispatch(ctx context.Context, id uint64) (*models.Order, error) {
	unlock, err := m.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	o, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if State(o.State) != StateOrderPending {
		return o, fmt.Errorf("%w: dispatch order %d in %s", ErrIllegalTransition, id, o.State)
	}
	if m.Broker == nil {
		return o, nil
	}

	sctx, cancel := context.WithTimeout(ctx, m.submitTimeout())
	ack, err := m.Broker.Submit(sctx, broker.SubmitRequest{
		ClientOrderID: o.ClientOrderID,
		Ticker:        o.Ticker,
		Action:        o.Action,
		Quantity:      o.RemainingQuantity(),
		Price:         o.ReferencePrice,
	})
	cancel()
	if err != nil {
		reason := "broker submit failed: " + err.Error()
		if errors.Is(err, context.DeadlineExceeded) {
			reason = fmt.Sprintf("broker submit timed out after %s", m.submitTimeout())
		}
		return o, m.fail(ctx, o, reason)
	}

	if err := m.accept(ctx, o, ack.BrokerOrderID, "broker accepted order"); err != nil {
		return o, err
	}
	if ack.FilledQuantity.IsPositive() {
		if err := m.fill(ctx, o, ack.FilledQuantity, "broker filled on submit"); err != nil {
			return o, err
		}
	}
	return o, nil
}

// HandleExecution applies a broker outcome. Events for terminal orders are
// refused with ErrIllegalTransition.
func (m *Machine) HandleExecution(ctx context.Context, ev ExecutionEvent) (*models.Order, error) {
	kind, ok := normalizeEvent(ev.Event)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidEvent, ev.Event)
	}
	if kind == EventPartialFill && !ev.FilledQuantity.IsPositive() {
		return nil, fmt.Errorf("%w: partial fill needs a positive quantity", ErrInvalidEvent)
	}

	unlock, err := m.lock(ctx, ev.OrderID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	o, err := m.load(ctx, ev.OrderID)
	if err != nil {
		return nil, err
	}
	st := State(o.State)
	if st.Terminal() {
		return o, fmt.Errorf("%w: %s event for order %d in terminal state %s", ErrIllegalTransition, kind, o.ID, st)
	}

	note := kind
	if msg := strings.TrimSpace(ev.BrokerMessage); msg != "" {
		note = kind + ": " + msg
	}

	switch kind {
	case EventAccepted:
		switch st {
		case StateOrderSent, StatePartialFilled:
			return o, nil
		}
		return o, m.accept(ctx, o, ev.BrokerOrderID, note)

	case EventRejected, EventTimeout:
		if st != StateOrderPending && st != StateOrderSent {
			return o, fmt.Errorf("%w: %s event for order %d in %s", ErrIllegalTransition, kind, o.ID, st)
		}
		return o, m.fail(ctx, o, "broker "+note)

	case EventPartialFill, EventFullFill:
		if st == StateOrderPending {
			if err := m.accept(ctx, o, ev.BrokerOrderID, "fill implies acceptance"); err != nil {
				return o, err
			}
		}
		if s := State(o.State); s != StateOrderSent && s != StatePartialFilled {
			return o, fmt.Errorf("%w: %s event for order %d in %s", ErrIllegalTransition, kind, o.ID, s)
		}
		qty := ev.FilledQuantity
		if kind == EventFullFill {
			qty = o.RemainingQuantity()
		}
		return o, m.fill(ctx, o, qty, note)
	}
	return o, nil
}

// Approve releases an order parked at the approval gate. Ownership is
// arbitrated again first since the ticker may have changed hands while the
// order waited; an order that lost its ticker is rejected.
func (m *Machine) Approve(ctx context.Context, id uint64, approver string) (*models.Order, error) {
	approver = operatorName(approver)
	released := false
	o, err := m.withOrder(ctx, id, func(o *models.Order) error {
		if State(o.State) != StatePendingHumanApproval {
			return fmt.Errorf("%w: approve order %d in %s", ErrIllegalTransition, id, o.State)
		}
		orderID := o.ID
		verdict, err := m.Resolver.Resolve(ctx, ownership.Request{
			Ticker:     o.Ticker,
			Strategy:   o.StrategyName,
			Action:     o.Action,
			Kind:       o.OwnershipKind,
			Reasoning:  o.Reasoning,
			Confidence: o.Confidence,
			OrderID:    &orderID,
		})
		if err != nil {
			return fmt.Errorf("re-arbitrate order %d: %w", id, err)
		}
		note := func(n *models.Order) {
			n.ApprovedBy = approver
			meta := cloneMeta(n)
			meta["resolution"] = verdict.Resolution
			if verdict.Audit != nil {
				meta["conflict_log_id"] = verdict.Audit.ID
			}
			n.Metadata = meta
		}
		if !verdict.Allowed {
			reason := "ownership lost before approval: " + verdict.Resolution
			if verdict.Audit != nil {
				reason = "ownership lost before approval: " + verdict.Audit.Reasoning
			}
			return m.move(ctx, o, StateRejected, actorSystem, reason, note)
		}
		released = true
		return m.move(ctx, o, StateOrderPending, approver, "approved by "+approver, note)
	})
	if err != nil || !released {
		return o, err
	}
	m.schedule(ctx, id)
	return m.refresh(ctx, o)
}

func (m *Machine) Reject(ctx context.Context, id uint64, approver, reason string) (*models.Order, error) {
	approver = operatorName(approver)
	return m.withOrder(ctx, id, func(o *models.Order) error {
		if State(o.State) != StatePendingHumanApproval {
			return fmt.Errorf("%w: reject order %d in %s", ErrIllegalTransition, id, o.State)
		}
		msg := "rejected by " + approver
		if r := strings.TrimSpace(reason); r != "" {
			msg += ": " + r
		}
		return m.move(ctx, o, StateRejected, approver, msg, func(n *models.Order) {
			n.ApprovedBy = approver
		})
	})
}

// Cancel withdraws a non-terminal order. After a partial fill only the
// remainder is cancelled at the broker; the filled quantity stands.
func (m *Machine) Cancel(ctx context.Context, id uint64, actor, reason string) (*models.Order, error) {
	actor = operatorName(actor)
	return m.withOrder(ctx, id, func(o *models.Order) error {
		st := State(o.State)
		if st.Terminal() || !CanTransition(st, StateCancelled) {
			return fmt.Errorf("%w: cancel order %d in %s", ErrIllegalTransition, id, st)
		}
		remainder := o.RemainingQuantity()
		if (st == StateOrderSent || st == StatePartialFilled) && m.Broker != nil {
			cctx, cancel := context.WithTimeout(ctx, m.submitTimeout())
			err := m.Broker.Cancel(cctx, broker.CancelRequest{
				ClientOrderID: o.ClientOrderID,
				BrokerOrderID: o.BrokerOrderID,
				Quantity:      remainder,
			})
			cancel()
			if err != nil {
				return fmt.Errorf("broker cancel order %d: %w", id, err)
			}
		}
		msg := "cancelled by " + actor
		if r := strings.TrimSpace(reason); r != "" {
			msg += ": " + r
		}
		return m.move(ctx, o, StateCancelled, actor, msg, func(n *models.Order) {
			n.NextRetryAt = nil
			meta := cloneMeta(n)
			meta["cancelled_quantity"] = remainder.String()
			n.Metadata = meta
		})
	})
}

// CloseManualReview is the operator close-out of an escalated order. The
// manual review flag stays set as history.
func (m *Machine) CloseManualReview(ctx context.Context, id uint64, operator, note string) (*models.Order, error) {
	operator = operatorName(operator)
	return m.withOrder(ctx, id, func(o *models.Order) error {
		if State(o.State) != StateNeedsManualReview {
			return fmt.Errorf("%w: close review of order %d in %s", ErrIllegalTransition, id, o.State)
		}
		msg := "manual review closed by " + operator
		if n := strings.TrimSpace(note); n != "" {
			msg += ": " + n
		}
		return m.move(ctx, o, StateCancelled, operator, msg, nil)
	})
}

func (m *Machine) withOrder(ctx context.Context, id uint64, fn func(o *models.Order) error) (*models.Order, error) {
	unlock, err := m.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()
	o, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := fn(o); err != nil {
		return o, err
	}
	return o, nil
}

func (m *Machine) refresh(ctx context.Context, o *models.Order) (*models.Order, error) {
	cur, err := m.load(ctx, o.ID)
	if err != nil {
		return o, nil
	}
	return cur, nil
}

func (m *Machine) accept(ctx context.Context, o *models.Order, brokerOrderID, reason string) error {
	now := m.now()
	return m.move(ctx, o, StateOrderSent, actorBroker, reason, func(n *models.Order) {
		if brokerOrderID != "" {
			n.BrokerOrderID = brokerOrderID
		}
		n.SentAt = &now
		n.NextRetryAt = nil
	})
}

func (m *Machine) fill(ctx context.Context, o *models.Order, qty decimal.Decimal, reason string) error {
	filled := o.FilledQuantity.Add(qty)
	to := StatePartialFilled
	if filled.GreaterThanOrEqual(o.RequestedQuantity) {
		filled = o.RequestedQuantity
		to = StateFullyFilled
	}
	return m.move(ctx, o, to, actorBroker, reason, func(n *models.Order) {
		n.FilledQuantity = filled
	})
}

// fail moves o to failed and either schedules a retry or, once the retry
// budget is spent, escalates to needs_manual_review.
func (m *Machine) fail(ctx context.Context, o *models.Order, reason string) error {
	now := m.now()
	retry := o.RetryCount < m.maxRetries()
	err := m.move(ctx, o, StateFailed, actorSystem, reason, func(n *models.Order) {
		n.LastError = reason
		n.NextRetryAt = nil
		if retry {
			at := now.Add(m.backoff(n.RetryCount))
			n.NextRetryAt = &at
		}
	})
	if err != nil {
		return err
	}
	if m.Logger != nil {
		m.Logger.Warn("order failed",
			zap.Uint64("order_id", o.ID),
			zap.String("ticker", o.Ticker),
			zap.Int("retry_count", o.RetryCount),
			zap.Bool("will_retry", retry),
			zap.String("reason", reason),
		)
	}
	if retry {
		return nil
	}
	msg := fmt.Sprintf("retries exhausted after %d attempts: %s", o.RetryCount+1, reason)
	return m.move(ctx, o, StateNeedsManualReview, actorSystem, msg, func(n *models.Order) {
		n.NeedsManualReview = true
	})
}

// backoff returns the delay before retry number attempt+1.
func (m *Machine) backoff(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.Config.BackoffInitial
	if b.InitialInterval <= 0 {
		b.InitialInterval = 2 * time.Second
	}
	b.MaxInterval = m.Config.BackoffMax
	if b.MaxInterval <= 0 {
		b.MaxInterval = time.Minute
	}
	b.Multiplier = m.Config.BackoffFactor
	if b.Multiplier < 1 {
		b.Multiplier = 2
	}
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	d := b.NextBackOff()
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}

// schedule hands an order_pending order to the dispatcher, or dispatches it
// inline when no queue is configured.
func (m *Machine) schedule(ctx context.Context, id uint64) {
	if m.Queue != nil {
		if !m.Queue.Enqueue(id) && m.Logger != nil {
			m.Logger.Warn("dispatch queue full; order left pending", zap.Uint64("order_id", id))
		}
		return
	}
	if _, err := m.Dispatch(ctx, id); err != nil && m.Logger != nil {
		m.Logger.Warn("inline dispatch failed", zap.Uint64("order_id", id), zap.Error(err))
	}
}

func (m *Machine) maxRetries() int {
	if m.Config.MaxRetries < 0 {
		return 0
	}
	return m.Config.MaxRetries
}

func (m *Machine) submitTimeout() time.Duration {
	if m.Config.SubmitTimeout <= 0 {
		return 10 * time.Second
	}
	return m.Config.SubmitTimeout
}

func normalizeEvent(s string) (string, bool) {
	switch strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "_", "") {
	case "accepted":
		return EventAccepted, true
	case "rejected":
		return EventRejected, true
	case "partialfill":
		return EventPartialFill, true
	case "fullfill":
		return EventFullFill, true
	case "timeout":
		return EventTimeout, true
	}
	return "", false
}

func operatorName(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "operator"
	}
	return s
}
