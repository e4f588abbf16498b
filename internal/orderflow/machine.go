// Package orderflow drives each proposal through the order lifecycle. It is
// the only writer of order rows and order transitions.
package orderflow

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"

	"arbiter/internal/broker"
	"arbiter/internal/config"
	"arbiter/internal/guardrail"
	"arbiter/internal/keylock"
	"arbiter/internal/models"
	"arbiter/internal/notifier"
	"arbiter/internal/ownership"
	"arbiter/internal/repository"
)

var (
	ErrIllegalTransition = errors.New("orderflow: illegal transition")
	ErrOrderNotFound     = errors.New("orderflow: order not found")
	ErrInvalidProposal   = errors.New("orderflow: invalid proposal")
	ErrInvalidEvent      = errors.New("orderflow: invalid execution event")

	// Denials. They are carried on SubmitResult, not returned by Submit.
	ErrConflictBlocked  = errors.New("orderflow: blocked by ownership conflict")
	ErrGuardrailBlocked = errors.New("orderflow: blocked by guardrail")
)

const (
	ModeParallel       = "parallel"
	ModeValidatorFirst = "validator_first"

	actorSystem = "system"
	actorBroker = "broker"
)

// Resolver arbitrates ticker ownership. Preview must not write.
type Resolver interface {
	Resolve(ctx context.Context, req ownership.Request) (ownership.Verdict, error)
	Preview(ctx context.Context, req ownership.Request) (ownership.Verdict, error)
}

type Validator interface {
	Validate(p guardrail.Proposal, c guardrail.PortfolioContext) guardrail.Result
}

type PortfolioSource interface {
	Snapshot(ctx context.Context, o guardrail.Overrides) (guardrail.PortfolioContext, error)
}

// Enqueuer hands an order_pending order to the dispatch pool. It returns
// false when the queue is full.
type Enqueuer interface {
	Enqueue(orderID uint64) bool
}

type Machine struct {
	Repo       repository.Repository
	Strategies ownership.StrategySource
	Resolver   Resolver
	Validator  Validator
	Portfolio  PortfolioSource
	// Broker nil leaves orders in order_pending until an accepted execution
	// event arrives from an external executor.
	Broker broker.Broker
	Events notifier.Publisher
	Logger *zap.Logger
	Config config.OrderMachineConfig
	// Queue nil dispatches inline on the calling goroutine.
	Queue Enqueuer
	Locks *keylock.Map
	Now   func() time.Time
}

// New builds a machine with its order locks. Portfolio, Broker, Events and
// Queue are optional and set by the caller.
func New(repo repository.Repository, strategies ownership.StrategySource, resolver Resolver, validator Validator, logger *zap.Logger, cfg config.OrderMachineConfig) *Machine {
	return &Machine{
		Repo:       repo,
		Strategies: strategies,
		Resolver:   resolver,
		Validator:  validator,
		Logger:     logger,
		Config:     cfg,
		Locks:      keylock.New(),
	}
}

type Proposal struct {
	Ticker         string
	Action         string
	Strategy       string
	Quantity       decimal.Decimal
	ReferencePrice decimal.Decimal
	Reasoning      string
	Confidence     *float64
	OwnershipKind  string
	LockFor        time.Duration
	PreApproved    bool

	RequiresHumanApproval bool
	TotalCapital          *decimal.Decimal
	Metadata              map[string]any
}

type SubmitResult struct {
	Order      *models.Order
	Validation guardrail.Result
	// Verdict is nil when the resolver was skipped.
	Verdict *ownership.Verdict
	// Denial wraps ErrConflictBlocked or ErrGuardrailBlocked for blocked orders.
	Denial error
}

// Submit records a proposal as a new order and runs it through validation and
// arbitration. Unknown or inactive strategies fail before any order exists.
func (m *Machine) Submit(ctx context.Context, p Proposal) (*SubmitResult, error) {
	if m == nil || m.Repo == nil || m.Strategies == nil || m.Resolver == nil || m.Validator == nil {
		return nil, errors.New("order machine not configured")
	}
	if err := normalizeProposal(&p); err != nil {
		return nil, err
	}
	strategy, err := m.Strategies.GetActive(ctx, p.Strategy)
	if err != nil {
		return nil, err
	}

	order := &models.Order{
		ClientOrderID:     uuid.NewString(),
		Ticker:            p.Ticker,
		Action:            p.Action,
		StrategyName:      strategy.Name,
		OwnershipKind:     p.OwnershipKind,
		RequestedQuantity: p.Quantity,
		FilledQuantity:    decimal.Zero,
		ReferencePrice:    p.ReferencePrice,
		State:             string(StateSignalReceived),
		Reasoning:         p.Reasoning,
		Confidence:        p.Confidence,
		PreApproved:       p.PreApproved,
		Violations:        datatypes.NewJSONType([]models.OrderViolation{}),
		Metadata:          datatypes.JSONMap(maps.Clone(p.Metadata)),
	}
	err = m.Repo.InTx(ctx, func(tx repository.Repository) error {
		if err := tx.InsertOrder(ctx, order); err != nil {
			return err
		}
		return tx.InsertOrderTransition(ctx, &models.OrderTransition{
			OrderID:   order.ID,
			FromState: string(StateIdle),
			ToState:   string(StateSignalReceived),
			Reason:    "proposal received",
			Actor:     strategy.Name,
		})
	})
	if err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}

	unlock, err := m.lock(ctx, order.ID)
	if err != nil {
		return nil, err
	}
	m.publish(ctx, order, StateIdle, "proposal received", strategy.Name)
	res, err := m.evaluateLocked(ctx, order, p, strategy)
	unlock()
	if err != nil {
		return nil, err
	}

	if State(res.Order.State) == StateOrderPending {
		m.schedule(ctx, res.Order.ID)
		if m.Queue == nil {
			if cur, err := m.load(ctx, res.Order.ID); err == nil {
				res.Order = cur
			}
		}
	}
	return res, nil
}

// evaluateLocked runs under the order lock. A cancel that committed between
// the insert and the lock is an outcome, not a failure.
func (m *Machine) evaluateLocked(ctx context.Context, order *models.Order, p Proposal, strategy *models.Strategy) (*SubmitResult, error) {
	cur, err := m.load(ctx, order.ID)
	if err != nil {
		return nil, err
	}
	if State(cur.State) != StateSignalReceived {
		return &SubmitResult{Order: cur}, nil
	}
	*order = *cur
	return m.evaluate(ctx, order, p, strategy)
}

func (m *Machine) evaluate(ctx context.Context, order *models.Order, p Proposal, strategy *models.Strategy) (*SubmitResult, error) {
	if err := m.move(ctx, order, StateValidating, actorSystem, "validation started", nil); err != nil {
		return nil, err
	}

	gp := guardrail.Proposal{
		Ticker:         p.Ticker,
		Action:         p.Action,
		Strategy:       strategy.Name,
		Quantity:       p.Quantity,
		ReferencePrice: p.ReferencePrice,
		Reasoning:      p.Reasoning,
		Confidence:     p.Confidence,
		PreApproved:    p.PreApproved,
		StrategyConfig: strategy.Config.Data(),
	}
	orderID := order.ID
	req := ownership.Request{
		Ticker:     p.Ticker,
		Strategy:   strategy.Name,
		Action:     p.Action,
		Kind:       p.OwnershipKind,
		LockFor:    p.LockFor,
		Reasoning:  p.Reasoning,
		Confidence: p.Confidence,
		OrderID:    &orderID,
	}

	var (
		validation guardrail.Result
		verdict    ownership.Verdict
		resolved   bool
	)
	check := func(ctx context.Context) error {
		snap, err := m.snapshot(ctx, p)
		if err != nil {
			return fmt.Errorf("portfolio context: %w", err)
		}
		validation = m.Validator.Validate(gp, snap)
		return nil
	}
	resolve := func(ctx context.Context) error {
		v, err := m.Resolver.Resolve(ctx, req)
		if err != nil {
			return err
		}
		verdict = v
		resolved = true
		return nil
	}

	// Ownership is only committed for proposals the guardrail lets through.
	// Parallel mode overlaps validation with a read-only preview, which
	// reports the likely verdict when the guardrail halts the order.
	var (
		err     error
		preview ownership.Verdict
	)
	if m.Config.ValidationMode == ModeValidatorFirst {
		err = check(ctx)
	} else {
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return check(gctx) })
		g.Go(func() error {
			v, err := m.Resolver.Preview(gctx, req)
			preview = v
			return err
		})
		err = g.Wait()
	}
	if err == nil && (validation.IsValid || validation.OnlyApprovalBlocking()) {
		err = resolve(ctx)
	}
	if err != nil {
		reason := "validation aborted: " + err.Error()
		if mvErr := m.move(ctx, order, StateCancelled, actorSystem, reason, func(o *models.Order) {
			o.LastError = reason
		}); mvErr != nil && m.Logger != nil {
			m.Logger.Error("order stuck in validating", zap.Uint64("order_id", order.ID), zap.Error(mvErr))
		}
		return nil, err
	}

	res := &SubmitResult{Order: order, Validation: validation}
	if resolved {
		res.Verdict = &verdict
	} else if m.Config.ValidationMode != ModeValidatorFirst {
		res.Verdict = &preview
	}

	var (
		to     State
		reason string
	)
	switch {
	case resolved && !verdict.Allowed:
		to = StateBlocked
		reason = verdict.Resolution
		if verdict.Audit != nil {
			reason = verdict.Audit.Reasoning
		}
		res.Denial = fmt.Errorf("%w: %s", ErrConflictBlocked, reason)
	case !validation.IsValid && !validation.OnlyApprovalBlocking():
		to = StateBlocked
		reason = describe(validation.Blocking())
		res.Denial = fmt.Errorf("%w: %s", ErrGuardrailBlocked, reason)
	case !validation.IsValid:
		to = StatePendingHumanApproval
		reason = describe(validation.Blocking())
	default:
		to = StateOrderPending
		reason = "validation passed"
		if resolved {
			reason = "validation passed; " + verdict.Resolution
		}
	}

	err = m.move(ctx, order, to, actorSystem, reason, func(o *models.Order) {
		o.Violations = datatypes.NewJSONType(guardrail.ToModel(validation.Violations))
		meta := cloneMeta(o)
		if resolved {
			meta["resolution"] = verdict.Resolution
			if verdict.Audit != nil {
				meta["conflict_log_id"] = verdict.Audit.ID
			}
		}
		o.Metadata = meta
	})
	if err != nil {
		return nil, err
	}
	if m.Logger != nil {
		m.Logger.Info("proposal evaluated",
			zap.Uint64("order_id", order.ID),
			zap.String("ticker", order.Ticker),
			zap.String("strategy", order.StrategyName),
			zap.String("state", order.State),
			zap.Int("violations", len(validation.Violations)),
			zap.Bool("resolved", resolved),
		)
	}
	return res, nil
}

func (m *Machine) snapshot(ctx context.Context, p Proposal) (guardrail.PortfolioContext, error) {
	o := guardrail.Overrides{TotalCapital: p.TotalCapital, RequiresHumanApproval: p.RequiresHumanApproval}
	if m.Portfolio == nil {
		c := guardrail.PortfolioContext{RequiresHumanApproval: o.RequiresHumanApproval}
		if o.TotalCapital != nil {
			c.TotalCapital = *o.TotalCapital
		}
		return c, nil
	}
	return m.Portfolio.Snapshot(ctx, o)
}

// Get returns the order or ErrOrderNotFound.
func (m *Machine) Get(ctx context.Context, id uint64) (*models.Order, error) {
	return m.load(ctx, id)
}

// Transitions returns the audit of an order's state changes, oldest first.
func (m *Machine) Transitions(ctx context.Context, id uint64) ([]models.OrderTransition, error) {
	if _, err := m.load(ctx, id); err != nil {
		return nil, err
	}
	return m.Repo.ListOrderTransitions(ctx, id)
}

// move applies one legal transition: order row and transition row commit
// together, then the event is published. It updates o in place on success.
func (m *Machine) move(ctx context.Context, o *models.Order, to State, actor, reason string, mutate func(*models.Order)) error {
	from := State(o.State)
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: order %d %s -> %s", ErrIllegalTransition, o.ID, from, to)
	}
	next := *o
	next.State = string(to)
	if mutate != nil {
		mutate(&next)
	}
	err := m.Repo.InTx(ctx, func(tx repository.Repository) error {
		if err := tx.UpdateOrder(ctx, &next); err != nil {
			return err
		}
		return tx.InsertOrderTransition(ctx, &models.OrderTransition{
			OrderID:   o.ID,
			FromState: string(from),
			ToState:   string(to),
			Reason:    reason,
			Actor:     actor,
		})
	})
	if err != nil {
		if errors.Is(err, repository.ErrConcurrencyViolation) && m.Logger != nil {
			m.Logger.Error("order write lost serialization",
				zap.Uint64("order_id", o.ID),
				zap.String("from", string(from)),
				zap.String("to", string(to)),
				zap.Int64("version", o.Version),
				zap.String("actor", actor),
				zap.Error(err),
			)
		}
		return fmt.Errorf("order %d %s -> %s: %w", o.ID, from, to, err)
	}
	*o = next
	if m.Logger != nil {
		m.Logger.Debug("order transition",
			zap.Uint64("order_id", o.ID),
			zap.String("from", string(from)),
			zap.String("to", string(to)),
			zap.String("reason", reason),
		)
	}
	m.publish(ctx, o, from, reason, actor)
	return nil
}

func (m *Machine) publish(ctx context.Context, o *models.Order, from State, reason, actor string) {
	if m.Events == nil || o == nil {
		return
	}
	data := map[string]any{
		"client_order_id":     o.ClientOrderID,
		"actor":               actor,
		"action":              o.Action,
		"requested_quantity":  o.RequestedQuantity.String(),
		"filled_quantity":     o.FilledQuantity.String(),
		"retry_count":         o.RetryCount,
		"needs_manual_review": o.NeedsManualReview,
		"version":             o.Version,
	}
	if o.LastError != "" {
		data["last_error"] = o.LastError
	}
	if o.BrokerOrderID != "" {
		data["broker_order_id"] = o.BrokerOrderID
	}
	m.Events.Publish(ctx, notifier.Event{
		Type:      notifier.TypeOrderTransition,
		Ticker:    o.Ticker,
		Strategy:  o.StrategyName,
		OrderID:   o.ID,
		FromState: string(from),
		ToState:   o.State,
		Reasoning: reason,
		Data:      data,
	})
}

func (m *Machine) load(ctx context.Context, id uint64) (*models.Order, error) {
	if m == nil || m.Repo == nil {
		return nil, errors.New("order machine not configured")
	}
	o, err := m.Repo.GetOrderByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if o == nil {
		return nil, fmt.Errorf("%w: %d", ErrOrderNotFound, id)
	}
	return o, nil
}

func (m *Machine) lock(ctx context.Context, id uint64) (func(), error) {
	if m.Locks == nil {
		return nil, errors.New("order machine has no order locks; build it with New")
	}
	return m.Locks.Lock(ctx, fmt.Sprintf("order:%d", id))
}

func (m *Machine) now() time.Time {
	if m.Now != nil {
		return m.Now().UTC()
	}
	return time.Now().UTC()
}

func normalizeProposal(p *Proposal) error {
	p.Ticker = ownership.NormalizeTicker(p.Ticker)
	if p.Ticker == "" {
		return fmt.Errorf("%w: ticker is required", ErrInvalidProposal)
	}
	p.Strategy = strings.ToLower(strings.TrimSpace(p.Strategy))
	if p.Strategy == "" {
		return fmt.Errorf("%w: strategy is required", ErrInvalidProposal)
	}
	p.Action = strings.ToLower(strings.TrimSpace(p.Action))
	if p.Action != models.ActionBuy && p.Action != models.ActionSell {
		return fmt.Errorf("%w: action must be buy or sell", ErrInvalidProposal)
	}
	if !p.Quantity.IsPositive() {
		return fmt.Errorf("%w: quantity must be positive", ErrInvalidProposal)
	}
	if p.ReferencePrice.IsNegative() {
		return fmt.Errorf("%w: reference price must not be negative", ErrInvalidProposal)
	}
	p.OwnershipKind = strings.ToLower(strings.TrimSpace(p.OwnershipKind))
	switch p.OwnershipKind {
	case "":
		p.OwnershipKind = models.OwnershipPrimary
	case models.OwnershipPrimary, models.OwnershipShared:
	default:
		return fmt.Errorf("%w: ownership kind must be primary or shared", ErrInvalidProposal)
	}
	if p.LockFor < 0 {
		return fmt.Errorf("%w: negative lock duration", ErrInvalidProposal)
	}
	p.Reasoning = strings.TrimSpace(p.Reasoning)
	return nil
}

func describe(items []guardrail.Violation) string {
	parts := make([]string, 0, len(items))
	for _, v := range items {
		parts = append(parts, v.Article+": "+v.Description)
	}
	return strings.Join(parts, "; ")
}

func cloneMeta(o *models.Order) datatypes.JSONMap {
	out := datatypes.JSONMap{}
	maps.Copy(out, o.Metadata)
	return out
}
