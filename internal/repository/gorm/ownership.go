package gormrepository

import (
	"context"
	"strings"

	"gorm.io/gorm"

	"arbiter/internal/models"
	"arbiter/internal/repository"
)

func (s *Store) GetPrimaryOwnership(ctx context.Context, ticker string) (*models.PositionOwnership, error) {
	return s.GetOwnership(ctx, ticker, "", models.OwnershipPrimary)
}

// GetOwnership looks a row up by ticker and kind, narrowed to strategyName
// when it is non-empty.
func (s *Store) GetOwnership(ctx context.Context, ticker, strategyName, kind string) (*models.PositionOwnership, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	ticker = strings.TrimSpace(ticker)
	if ticker == "" {
		return nil, nil
	}
	query := s.db.WithContext(ctx).Model(&models.PositionOwnership{}).
		Where("ticker = ? AND kind = ?", ticker, kind)
	if strategyName != "" {
		query = query.Where("strategy_name = ?", strategyName)
	}
	var item models.PositionOwnership
	err := query.Order("id asc").First(&item).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) InsertOwnership(ctx context.Context, item *models.PositionOwnership) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	if item.Version == 0 {
		item.Version = 1
	}
	return translate(s.db.WithContext(ctx).Create(item).Error, "position_ownership", item.ID)
}

func (s *Store) UpdateOwnership(ctx context.Context, item *models.PositionOwnership) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	now := nowUTC()
	res := s.db.WithContext(ctx).Model(&models.PositionOwnership{}).
		Where("id = ? AND version = ?", item.ID, item.Version).
		Updates(map[string]any{
			"strategy_name": item.StrategyName,
			"kind":          item.Kind,
			"locked_until":  item.LockedUntil,
			"reasoning":     item.Reasoning,
			"version":       item.Version + 1,
			"updated_at":    now,
		})
	if res.Error != nil {
		return translate(res.Error, "position_ownership", item.ID)
	}
	if res.RowsAffected == 0 {
		return repository.ConcurrencyError("position_ownership", item.ID)
	}
	item.Version++
	item.UpdatedAt = now
	return nil
}

func (s *Store) DeleteOwnership(ctx context.Context, id uint64, version int64) error {
	if s == nil || s.db == nil {
		return nil
	}
	res := s.db.WithContext(ctx).
		Where("id = ? AND version = ?", id, version).
		Delete(&models.PositionOwnership{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return repository.ConcurrencyError("position_ownership", id)
	}
	return nil
}

func (s *Store) ListOwnerships(ctx context.Context, params repository.ListOwnershipsParams) ([]models.PositionOwnership, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	query := ownershipFilters(s.db.WithContext(ctx).Model(&models.PositionOwnership{}), params)
	limit := normalizeLimit(params.Limit, 100)
	offset := normalizeOffset(params.Offset)
	var items []models.PositionOwnership
	if err := query.Order("ticker asc").Order("id asc").Limit(limit).Offset(offset).Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) CountOwnerships(ctx context.Context, params repository.ListOwnershipsParams) (int64, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	var total int64
	if err := ownershipFilters(s.db.WithContext(ctx).Model(&models.PositionOwnership{}), params).Count(&total).Error; err != nil {
		return 0, err
	}
	return total, nil
}

func ownershipFilters(query *gorm.DB, params repository.ListOwnershipsParams) *gorm.DB {
	if params.Ticker != nil && strings.TrimSpace(*params.Ticker) != "" {
		query = query.Where("ticker = ?", strings.TrimSpace(*params.Ticker))
	}
	if params.StrategyName != nil && strings.TrimSpace(*params.StrategyName) != "" {
		query = query.Where("strategy_name = ?", strings.TrimSpace(*params.StrategyName))
	}
	if params.Kind != nil && strings.TrimSpace(*params.Kind) != "" {
		query = query.Where("kind = ?", strings.TrimSpace(*params.Kind))
	}
	if params.LockExpiredBefore != nil {
		query = query.Where("kind = ? AND locked_until IS NOT NULL AND locked_until < ?", models.OwnershipPrimary, *params.LockExpiredBefore)
	}
	return query
}
