// Package ownership is the position ownership ledger and conflict resolver.
// It is the only writer of ownership rows and conflict logs.
package ownership

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"arbiter/internal/config"
	"arbiter/internal/keylock"
	"arbiter/internal/models"
	"arbiter/internal/notifier"
	"arbiter/internal/repository"
)

var ErrInvalidRequest = errors.New("ownership: invalid request")

// StrategySource resolves the acting strategy. The registry implements it.
type StrategySource interface {
	GetActive(ctx context.Context, name string) (*models.Strategy, error)
}

type Resolver struct {
	Repo       repository.Repository
	Strategies StrategySource
	Events     notifier.Publisher
	Logger     *zap.Logger
	Config     config.OwnershipConfig
	Locks      *keylock.Map
	Now        func() time.Time
}

func New(repo repository.Repository, strategies StrategySource, events notifier.Publisher, logger *zap.Logger, cfg config.OwnershipConfig) *Resolver {
	return &Resolver{
		Repo:       repo,
		Strategies: strategies,
		Events:     events,
		Logger:     logger,
		Config:     cfg,
		Locks:      keylock.New(),
	}
}

type Request struct {
	Ticker   string
	Strategy string
	Action   string
	// Kind is primary unless the strategy asks to co-own.
	Kind string
	// LockFor overrides the strategy's configured lock duration when > 0.
	LockFor    time.Duration
	Reasoning  string
	Confidence *float64
	OrderID    *uint64
}

type Verdict struct {
	Allowed        bool
	Resolution     string
	Outcome        Outcome
	OwnershipAfter *models.PositionOwnership
	Audit          *models.ConflictLog
}

// Resolve arbitrates one proposal. The read, the ownership write and the
// audit insert run under the ticker lock inside one transaction.
func (r *Resolver) Resolve(ctx context.Context, req Request) (Verdict, error) {
	if r == nil || r.Repo == nil || r.Strategies == nil {
		return Verdict{}, errors.New("resolver not configured")
	}
	if err := normalizeRequest(&req); err != nil {
		return Verdict{}, err
	}
	acting, err := r.Strategies.GetActive(ctx, req.Strategy)
	if err != nil {
		return Verdict{}, err
	}

	unlock, err := r.lock(ctx, req.Ticker)
	if err != nil {
		return Verdict{}, err
	}
	defer unlock()

	now := r.now()
	var (
		verdict  Verdict
		decision Decision
		prevHold string
	)
	err = r.Repo.InTx(ctx, func(tx repository.Repository) error {
		cur, err := tx.GetPrimaryOwnership(ctx, req.Ticker)
		if err != nil {
			return err
		}
		var owner *models.Strategy
		if cur != nil && cur.StrategyName != acting.Name {
			owner, err = tx.GetStrategyByName(ctx, cur.StrategyName)
			if err != nil {
				return err
			}
		}
		if cur != nil {
			prevHold = cur.StrategyName
		}

		decision = Decide(Input{
			Now:           now,
			Ticker:        req.Ticker,
			Acting:        *acting,
			RequestedKind: req.Kind,
			Primary:       cur,
			Owner:         owner,
		})

		after, err := r.apply(ctx, tx, decision, req, acting, cur, now)
		if err != nil {
			return err
		}
		verdict = Verdict{
			Allowed:        decision.Allowed,
			Resolution:     decision.Resolution,
			Outcome:        decision.Outcome,
			OwnershipAfter: after,
		}

		if decision.Outcome == OutcomeSelfAction && !r.Config.AuditSelfActions {
			return nil
		}
		entry := &models.ConflictLog{
			Ticker:         req.Ticker,
			ActingStrategy: acting.Name,
			OwnerStrategy:  decision.OwnerName,
			Action:         req.Action,
			RequestedKind:  req.Kind,
			Blocked:        !decision.Allowed,
			Resolution:     decision.Resolution,
			Reasoning:      auditReasoning(decision.Reasoning, req.Reasoning),
			ActingPriority: acting.Priority,
			OwnerPriority:  decision.OwnerPriority,
			Confidence:     req.Confidence,
			OrderID:        req.OrderID,
		}
		if after != nil {
			id := after.ID
			entry.OwnershipID = &id
		} else if cur != nil {
			id := cur.ID
			entry.OwnershipID = &id
		}
		if err := tx.InsertConflictLog(ctx, entry); err != nil {
			return err
		}
		verdict.Audit = entry
		return nil
	})
	if err != nil {
		if errors.Is(err, repository.ErrConcurrencyViolation) && r.Logger != nil {
			r.Logger.Error("ownership write lost serialization",
				zap.String("ticker", req.Ticker),
				zap.String("strategy", req.Strategy),
				zap.String("action", req.Action),
				zap.String("kind", req.Kind),
				zap.String("outcome", decision.Outcome.String()),
				zap.Error(err),
			)
		}
		return Verdict{}, fmt.Errorf("resolve %s for %s: %w", req.Ticker, req.Strategy, err)
	}

	r.publish(ctx, req, acting, decision, verdict, prevHold)
	return verdict, nil
}

// Preview decides a request against the current ledger without writing
// anything. The verdict carries no audit record and OwnershipAfter is the
// primary row as read. Resolve must still run to act on the decision.
func (r *Resolver) Preview(ctx context.Context, req Request) (Verdict, error) {
	if r == nil || r.Repo == nil || r.Strategies == nil {
		return Verdict{}, errors.New("resolver not configured")
	}
	if err := normalizeRequest(&req); err != nil {
		return Verdict{}, err
	}
	acting, err := r.Strategies.GetActive(ctx, req.Strategy)
	if err != nil {
		return Verdict{}, err
	}
	cur, err := r.Repo.GetPrimaryOwnership(ctx, req.Ticker)
	if err != nil {
		return Verdict{}, err
	}
	var owner *models.Strategy
	if cur != nil && cur.StrategyName != acting.Name {
		if owner, err = r.Repo.GetStrategyByName(ctx, cur.StrategyName); err != nil {
			return Verdict{}, err
		}
	}
	d := Decide(Input{
		Now:           r.now(),
		Ticker:        req.Ticker,
		Acting:        *acting,
		RequestedKind: req.Kind,
		Primary:       cur,
		Owner:         owner,
	})
	return Verdict{
		Allowed:        d.Allowed,
		Resolution:     d.Resolution,
		Outcome:        d.Outcome,
		OwnershipAfter: cur,
	}, nil
}

func (r *Resolver) apply(ctx context.Context, tx repository.Repository, d Decision, req Request, acting *models.Strategy, cur *models.PositionOwnership, now time.Time) (*models.PositionOwnership, error) {
	lockUntil := r.lockUntil(req, acting, now)
	switch d.Outcome {
	case OutcomeCreatePrimary:
		item := &models.PositionOwnership{
			Ticker:       req.Ticker,
			StrategyName: acting.Name,
			Kind:         models.OwnershipPrimary,
			LockedUntil:  lockUntil,
			Reasoning:    req.Reasoning,
		}
		if err := tx.InsertOwnership(ctx, item); err != nil {
			return nil, err
		}
		return item, nil

	case OutcomeSelfAction:
		item := *cur
		if lockUntil == nil && req.Reasoning == "" {
			return &item, nil
		}
		if lockUntil != nil {
			item.LockedUntil = lockUntil
		}
		if req.Reasoning != "" {
			item.Reasoning = req.Reasoning
		}
		if err := tx.UpdateOwnership(ctx, &item); err != nil {
			return nil, err
		}
		return &item, nil

	case OutcomeUpsertShared:
		existing, err := tx.GetOwnership(ctx, req.Ticker, acting.Name, models.OwnershipShared)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			existing.LockedUntil = lockUntil
			if req.Reasoning != "" {
				existing.Reasoning = req.Reasoning
			}
			if err := tx.UpdateOwnership(ctx, existing); err != nil {
				return nil, err
			}
			return existing, nil
		}
		item := &models.PositionOwnership{
			Ticker:       req.Ticker,
			StrategyName: acting.Name,
			Kind:         models.OwnershipShared,
			LockedUntil:  lockUntil,
			Reasoning:    req.Reasoning,
		}
		if err := tx.InsertOwnership(ctx, item); err != nil {
			return nil, err
		}
		return item, nil

	case OutcomeOverride:
		item := *cur
		item.StrategyName = acting.Name
		item.LockedUntil = lockUntil
		item.Reasoning = req.Reasoning
		if err := tx.UpdateOwnership(ctx, &item); err != nil {
			return nil, err
		}
		return &item, nil
	}

	if cur == nil {
		return nil, nil
	}
	unchanged := *cur
	return &unchanged, nil
}

func (r *Resolver) lockUntil(req Request, acting *models.Strategy, now time.Time) *time.Time {
	d := req.LockFor
	if d <= 0 {
		d = acting.Config.Data().LockDuration()
	}
	if d <= 0 {
		return nil
	}
	t := now.Add(d)
	return &t
}

func (r *Resolver) publish(ctx context.Context, req Request, acting *models.Strategy, d Decision, v Verdict, prevHolder string) {
	if r.Events == nil {
		return
	}
	var orderID uint64
	if req.OrderID != nil {
		orderID = *req.OrderID
	}
	if v.Audit != nil {
		data := map[string]any{
			"conflict_log_id": v.Audit.ID,
			"action":          req.Action,
			"requested_kind":  req.Kind,
			"acting_priority": acting.Priority,
			"blocked":         v.Audit.Blocked,
		}
		if d.OwnerPriority != nil {
			data["owner_priority"] = *d.OwnerPriority
		}
		if req.Confidence != nil {
			data["confidence"] = *req.Confidence
		}
		r.Events.Publish(ctx, notifier.Event{
			Type:          notifier.TypeConflictLogged,
			Ticker:        req.Ticker,
			Strategy:      acting.Name,
			OwnerStrategy: d.OwnerName,
			OrderID:       orderID,
			Resolution:    d.Resolution,
			Reasoning:     v.Audit.Reasoning,
			Data:          data,
		})
	}
	if d.Outcome == OutcomeCreatePrimary || d.Outcome == OutcomeOverride || d.Outcome == OutcomeUpsertShared {
		r.publishOwnership(ctx, v.OwnershipAfter, prevHolder, d.Reasoning)
	}
}

func (r *Resolver) publishOwnership(ctx context.Context, item *models.PositionOwnership, previous, reasoning string) {
	if r.Events == nil || item == nil {
		return
	}
	data := map[string]any{
		"ownership_id": item.ID,
		"kind":         item.Kind,
		"version":      item.Version,
	}
	if item.LockedUntil != nil {
		data["locked_until"] = item.LockedUntil.UTC()
	}
	r.Events.Publish(ctx, notifier.Event{
		Type:          notifier.TypeOwnershipChanged,
		Ticker:        item.Ticker,
		Strategy:      item.StrategyName,
		OwnerStrategy: previous,
		Reasoning:     reasoning,
		Data:          data,
	})
}

func (r *Resolver) lock(ctx context.Context, ticker string) (func(), error) {
	if r.Locks == nil {
		return nil, errors.New("resolver has no ticker locks; build it with New")
	}
	return r.Locks.Lock(ctx, ticker)
}

func (r *Resolver) now() time.Time {
	if r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}

func normalizeRequest(req *Request) error {
	req.Ticker = NormalizeTicker(req.Ticker)
	if req.Ticker == "" {
		return fmt.Errorf("%w: ticker is required", ErrInvalidRequest)
	}
	req.Strategy = strings.ToLower(strings.TrimSpace(req.Strategy))
	if req.Strategy == "" {
		return fmt.Errorf("%w: strategy is required", ErrInvalidRequest)
	}
	req.Action = strings.ToLower(strings.TrimSpace(req.Action))
	if req.Action != models.ActionBuy && req.Action != models.ActionSell {
		return fmt.Errorf("%w: action must be buy or sell", ErrInvalidRequest)
	}
	req.Kind = strings.ToLower(strings.TrimSpace(req.Kind))
	switch req.Kind {
	case "":
		req.Kind = models.OwnershipPrimary
	case models.OwnershipPrimary, models.OwnershipShared:
	default:
		return fmt.Errorf("%w: kind must be primary or shared", ErrInvalidRequest)
	}
	if req.LockFor < 0 {
		return fmt.Errorf("%w: negative lock duration", ErrInvalidRequest)
	}
	req.Reasoning = strings.TrimSpace(req.Reasoning)
	return nil
}

func NormalizeTicker(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

func auditReasoning(decision, proposal string) string {
	if proposal == "" {
		return decision
	}
	return decision + ". Proposal: " + proposal
}
