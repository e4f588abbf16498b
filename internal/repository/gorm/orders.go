package gormrepository

import (
	"context"
	"strings"
	"time"

	"gorm.io/gorm"

	"arbiter/internal/models"
	"arbiter/internal/repository"
)

func (s *Store) InsertOrder(ctx context.Context, item *models.Order) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	if item.Version == 0 {
		item.Version = 1
	}
	return translate(s.db.WithContext(ctx).Create(item).Error, "order", item.ID)
}

func (s *Store) GetOrderByID(ctx context.Context, id uint64) (*models.Order, error) {
	if s == nil || s.db == nil || id == 0 {
		return nil, nil
	}
	var item models.Order
	err := s.db.WithContext(ctx).Model(&models.Order{}).Where("id = ?", id).First(&item).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) UpdateOrder(ctx context.Context, item *models.Order) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	now := nowUTC()
	res := s.db.WithContext(ctx).Model(&models.Order{}).
		Where("id = ? AND version = ?", item.ID, item.Version).
		Updates(map[string]any{
			"broker_order_id":     item.BrokerOrderID,
			"filled_quantity":     item.FilledQuantity,
			"state":               item.State,
			"needs_manual_review": item.NeedsManualReview,
			"retry_count":         item.RetryCount,
			"next_retry_at":       item.NextRetryAt,
			"sent_at":             item.SentAt,
			"approved_by":         item.ApprovedBy,
			"last_error":          item.LastError,
			"violations":          item.Violations,
			"metadata":            item.Metadata,
			"version":             item.Version + 1,
			"updated_at":          now,
		})
	if res.Error != nil {
		return translate(res.Error, "order", item.ID)
	}
	if res.RowsAffected == 0 {
		return repository.ConcurrencyError("order", item.ID)
	}
	item.Version++
	item.UpdatedAt = now
	return nil
}

func (s *Store) ListOrders(ctx context.Context, params repository.ListOrdersParams) ([]models.Order, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	query := orderFilters(s.db.WithContext(ctx).Model(&models.Order{}), params)
	query = applyOrder(query, params.OrderBy, params.Asc, "created_at")
	limit := normalizeLimit(params.Limit, 100)
	offset := normalizeOffset(params.Offset)
	var items []models.Order
	if err := query.Order("id asc").Limit(limit).Offset(offset).Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) CountOrders(ctx context.Context, params repository.ListOrdersParams) (int64, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	var total int64
	if err := orderFilters(s.db.WithContext(ctx).Model(&models.Order{}), params).Count(&total).Error; err != nil {
		return 0, err
	}
	return total, nil
}

func (s *Store) CountOrdersSentSince(ctx context.Context, since time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	var total int64
	err := s.db.WithContext(ctx).Model(&models.Order{}).
		Where("sent_at IS NOT NULL AND sent_at >= ?", since).
		Count(&total).Error
	if err != nil {
		return 0, err
	}
	return total, nil
}

func (s *Store) InsertOrderTransition(ctx context.Context, item *models.OrderTransition) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	return s.db.WithContext(ctx).Create(item).Error
}

func (s *Store) ListOrderTransitions(ctx context.Context, orderID uint64) ([]models.OrderTransition, error) {
	if s == nil || s.db == nil || orderID == 0 {
		return nil, nil
	}
	var items []models.OrderTransition
	err := s.db.WithContext(ctx).Model(&models.OrderTransition{}).
		Where("order_id = ?", orderID).
		Order("created_at asc").Order("id asc").
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func orderFilters(query *gorm.DB, params repository.ListOrdersParams) *gorm.DB {
	if params.Ticker != nil && strings.TrimSpace(*params.Ticker) != "" {
		query = query.Where("ticker = ?", strings.TrimSpace(*params.Ticker))
	}
	if params.StrategyName != nil && strings.TrimSpace(*params.StrategyName) != "" {
		query = query.Where("strategy_name = ?", strings.TrimSpace(*params.StrategyName))
	}
	if len(params.States) > 0 {
		query = query.Where("state IN ?", params.States)
	}
	if params.ManualReview != nil {
		query = query.Where("needs_manual_review = ?", *params.ManualReview)
	}
	if params.UpdatedBefore != nil {
		query = query.Where("updated_at < ?", *params.UpdatedBefore)
	}
	if params.RetryDue != nil {
		query = query.Where("next_retry_at IS NOT NULL AND next_retry_at <= ?", *params.RetryDue)
	}
	return query
}
