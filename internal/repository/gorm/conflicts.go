package gormrepository

import (
	"context"
	"strings"

	"gorm.io/gorm"

	"arbiter/internal/models"
	"arbiter/internal/repository"
)

func (s *Store) InsertConflictLog(ctx context.Context, item *models.ConflictLog) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	return s.db.WithContext(ctx).Create(item).Error
}

func (s *Store) ListConflictLogs(ctx context.Context, params repository.ListConflictLogsParams) ([]models.ConflictLog, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	query := conflictFilters(s.db.WithContext(ctx).Model(&models.ConflictLog{}), params)
	query = applyOrder(query, "created_at", params.Asc, "created_at")
	limit := normalizeLimit(params.Limit, 100)
	offset := normalizeOffset(params.Offset)
	var items []models.ConflictLog
	if err := query.Order("id asc").Limit(limit).Offset(offset).Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) CountConflictLogs(ctx context.Context, params repository.ListConflictLogsParams) (int64, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	var total int64
	if err := conflictFilters(s.db.WithContext(ctx).Model(&models.ConflictLog{}), params).Count(&total).Error; err != nil {
		return 0, err
	}
	return total, nil
}

func conflictFilters(query *gorm.DB, params repository.ListConflictLogsParams) *gorm.DB {
	if params.Ticker != nil && strings.TrimSpace(*params.Ticker) != "" {
		query = query.Where("ticker = ?", strings.TrimSpace(*params.Ticker))
	}
	if params.ActingStrategy != nil && strings.TrimSpace(*params.ActingStrategy) != "" {
		query = query.Where("acting_strategy = ?", strings.TrimSpace(*params.ActingStrategy))
	}
	if params.Resolution != nil && strings.TrimSpace(*params.Resolution) != "" {
		query = query.Where("resolution = ?", strings.TrimSpace(*params.Resolution))
	}
	if params.Since != nil {
		query = query.Where("created_at >= ?", *params.Since)
	}
	return query
}
