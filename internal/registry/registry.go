// Package registry is the sole writer of strategy records.
package registry

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"
	"gorm.io/datatypes"

	"arbiter/internal/models"
	"arbiter/internal/repository"
)

var (
	ErrNotFound        = errors.New("registry: strategy not found")
	ErrUnknownStrategy = errors.New("registry: unknown or inactive strategy")
	ErrInvalidStrategy = errors.New("registry: invalid strategy")
)

var namePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_\-]{0,49}$`)

// OwnershipReleaser drops every ownership a strategy holds. The ownership
// ledger implements it; deactivation goes through it so the ledger stays the
// only writer of ownership rows.
type OwnershipReleaser interface {
	ReleaseAll(ctx context.Context, strategyName, reason string) (int, error)
}

type Registry struct {
	Repo     repository.Repository
	Logger   *zap.Logger
	Releaser OwnershipReleaser
}

func New(repo repository.Repository, logger *zap.Logger) *Registry {
	return &Registry{Repo: repo, Logger: logger}
}

// Get returns the strategy regardless of its active flag.
func (r *Registry) Get(ctx context.Context, name string) (*models.Strategy, error) {
	if r == nil || r.Repo == nil {
		return nil, errors.New("registry not configured")
	}
	item, err := r.Repo.GetStrategyByName(ctx, strings.TrimSpace(name))
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return item, nil
}

// GetActive is Get for callers that need a strategy allowed to act.
func (r *Registry) GetActive(ctx context.Context, name string) (*models.Strategy, error) {
	item, err := r.Get(ctx, name)
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStrategy, name)
	}
	if err != nil {
		return nil, err
	}
	if !item.Active {
		return nil, fmt.Errorf("%w: %s is inactive", ErrUnknownStrategy, name)
	}
	return item, nil
}

// ListActive returns active strategies by priority desc, then creation order.
func (r *Registry) ListActive(ctx context.Context) ([]models.Strategy, error) {
	if r == nil || r.Repo == nil {
		return nil, errors.New("registry not configured")
	}
	return r.Repo.ListStrategies(ctx, repository.ListStrategiesParams{ActiveOnly: true})
}

func (r *Registry) List(ctx context.Context) ([]models.Strategy, error) {
	if r == nil || r.Repo == nil {
		return nil, errors.New("registry not configured")
	}
	return r.Repo.ListStrategies(ctx, repository.ListStrategiesParams{})
}

// Upsert creates or replaces a strategy by name. Turning an active strategy
// inactive releases its ownerships.
func (r *Registry) Upsert(ctx context.Context, item *models.Strategy) error {
	if r == nil || r.Repo == nil {
		return errors.New("registry not configured")
	}
	if item == nil {
		return fmt.Errorf("%w: nil strategy", ErrInvalidStrategy)
	}
	if err := normalize(item); err != nil {
		return err
	}
	prev, err := r.Repo.GetStrategyByName(ctx, item.Name)
	if err != nil {
		return err
	}
	if err := r.Repo.UpsertStrategy(ctx, item); err != nil {
		return err
	}
	if r.Logger != nil {
		r.Logger.Info("strategy upserted",
			zap.String("strategy", item.Name),
			zap.Int("priority", item.Priority),
			zap.Bool("active", item.Active),
		)
	}
	if prev != nil && prev.Active && !item.Active {
		return r.releaseAll(ctx, item.Name)
	}
	return nil
}

// SetActive flips the active flag. Deactivation releases every ownership the
// strategy holds.
func (r *Registry) SetActive(ctx context.Context, name string, active bool) error {
	item, err := r.Get(ctx, name)
	if err != nil {
		return err
	}
	if err := r.Repo.SetStrategyActive(ctx, item.Name, active); err != nil {
		return err
	}
	if r.Logger != nil {
		r.Logger.Info("strategy active flag changed", zap.String("strategy", item.Name), zap.Bool("active", active))
	}
	if !active {
		return r.releaseAll(ctx, item.Name)
	}
	return nil
}

func (r *Registry) releaseAll(ctx context.Context, name string) error {
	if r.Releaser == nil {
		return nil
	}
	n, err := r.Releaser.ReleaseAll(ctx, name, "strategy deactivated")
	if err != nil {
		return fmt.Errorf("release ownerships of %s: %w", name, err)
	}
	if r.Logger != nil && n > 0 {
		r.Logger.Info("released ownerships of deactivated strategy", zap.String("strategy", name), zap.Int("count", n))
	}
	return nil
}

func normalize(item *models.Strategy) error {
	item.Name = strings.ToLower(strings.TrimSpace(item.Name))
	if !namePattern.MatchString(item.Name) {
		return fmt.Errorf("%w: name %q", ErrInvalidStrategy, item.Name)
	}
	item.DisplayName = strings.TrimSpace(item.DisplayName)
	if item.DisplayName == "" {
		item.DisplayName = item.Name
	}
	item.Persona = strings.TrimSpace(item.Persona)
	if item.Persona == "" {
		item.Persona = "general"
	}
	switch strings.ToLower(strings.TrimSpace(item.Horizon)) {
	case "":
		item.Horizon = models.HorizonMedium
	case models.HorizonShort, models.HorizonMedium, models.HorizonLong:
		item.Horizon = strings.ToLower(strings.TrimSpace(item.Horizon))
	default:
		return fmt.Errorf("%w: horizon %q", ErrInvalidStrategy, item.Horizon)
	}
	cfg := item.Config.Data()
	if cfg.LockSeconds < 0 {
		return fmt.Errorf("%w: negative lock_seconds", ErrInvalidStrategy)
	}
	if cfg.MaxPositionFraction < 0 || cfg.MaxPositionFraction > 1 {
		return fmt.Errorf("%w: max_position_fraction must be within [0,1]", ErrInvalidStrategy)
	}
	item.Config = datatypes.NewJSONType(cfg)
	return nil
}
