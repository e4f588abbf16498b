package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"arbiter/internal/models"
)

// ErrConcurrencyViolation reports a write that lost an optimistic version
// check or hit a uniqueness constraint guarding the single-writer rules.
var ErrConcurrencyViolation = errors.New("repository: concurrency violation")

// Repository is the persistence contract of the arbitration core. Getters
// return (nil, nil) when the row does not exist.
type Repository interface {
	// InTx runs fn against a transactional view. Returning an error rolls back.
	InTx(ctx context.Context, fn func(tx Repository) error) error

	// Strategies
	UpsertStrategy(ctx context.Context, item *models.Strategy) error
	GetStrategyByName(ctx context.Context, name string) (*models.Strategy, error)
	ListStrategies(ctx context.Context, params ListStrategiesParams) ([]models.Strategy, error)
	SetStrategyActive(ctx context.Context, name string, active bool) error

	// Ownership ledger
	GetPrimaryOwnership(ctx context.Context, ticker string) (*models.PositionOwnership, error)
	GetOwnership(ctx context.Context, ticker, strategyName, kind string) (*models.PositionOwnership, error)
	InsertOwnership(ctx context.Context, item *models.PositionOwnership) error
	// UpdateOwnership writes item if its Version still matches the stored row
	// and bumps item.Version on success.
	UpdateOwnership(ctx context.Context, item *models.PositionOwnership) error
	DeleteOwnership(ctx context.Context, id uint64, version int64) error
	ListOwnerships(ctx context.Context, params ListOwnershipsParams) ([]models.PositionOwnership, error)
	CountOwnerships(ctx context.Context, params ListOwnershipsParams) (int64, error)

	// Conflict audit trail (append-only)
	InsertConflictLog(ctx context.Context, item *models.ConflictLog) error
	ListConflictLogs(ctx context.Context, params ListConflictLogsParams) ([]models.ConflictLog, error)
	CountConflictLogs(ctx context.Context, params ListConflictLogsParams) (int64, error)

	// Orders
	InsertOrder(ctx context.Context, item *models.Order) error
	GetOrderByID(ctx context.Context, id uint64) (*models.Order, error)
	// UpdateOrder has the same optimistic semantics as UpdateOwnership.
	UpdateOrder(ctx context.Context, item *models.Order) error
	ListOrders(ctx context.Context, params ListOrdersParams) ([]models.Order, error)
	CountOrders(ctx context.Context, params ListOrdersParams) (int64, error)
	CountOrdersSentSince(ctx context.Context, since time.Time) (int64, error)
	InsertOrderTransition(ctx context.Context, item *models.OrderTransition) error
	ListOrderTransitions(ctx context.Context, orderID uint64) ([]models.OrderTransition, error)

	// System settings
	UpsertSystemSetting(ctx context.Context, item *models.SystemSetting) error
	GetSystemSettingByKey(ctx context.Context, key string) (*models.SystemSetting, error)
	ListSystemSettings(ctx context.Context, params ListSystemSettingsParams) ([]models.SystemSetting, error)
	CountSystemSettings(ctx context.Context, params ListSystemSettingsParams) (int64, error)
}

type ListStrategiesParams struct {
	ActiveOnly bool
	Persona    *string
}

type ListOwnershipsParams struct {
	Limit        int
	Offset       int
	Ticker       *string
	StrategyName *string
	Kind         *string
	// LockExpiredBefore selects primary rows whose lock ended before this time.
	LockExpiredBefore *time.Time
}

type ListConflictLogsParams struct {
	Limit          int
	Offset         int
	Ticker         *string
	ActingStrategy *string
	Resolution     *string
	Since          *time.Time
	Asc            *bool
}

type ListOrdersParams struct {
	Limit         int
	Offset        int
	Ticker        *string
	StrategyName  *string
	States        []string
	ManualReview  *bool
	UpdatedBefore *time.Time
	RetryDue      *time.Time
	OrderBy       string
	Asc           *bool
}

type ListSystemSettingsParams struct {
	Limit   int
	Offset  int
	Prefix  *string
	OrderBy string
	Asc     *bool
}

// ConcurrencyError wraps ErrConcurrencyViolation with the entity involved.
func ConcurrencyError(entity string, id uint64) error {
	return &concurrencyError{entity: entity, id: id}
}

type concurrencyError struct {
	entity string
	id     uint64
}

func (e *concurrencyError) Error() string {
	return fmt.Sprintf("%s: %s %d", ErrConcurrencyViolation.Error(), e.entity, e.id)
}

func (e *concurrencyError) Unwrap() error { return ErrConcurrencyViolation }
