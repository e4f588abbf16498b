package service

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"gorm.io/datatypes"

	"arbiter/internal/models"
	"arbiter/internal/repository"
)

const (
	FeatureProposalIntake  = "feature.proposal_intake"
	FeatureLockSweeper     = "feature.lock_sweeper"
	FeatureRetryScheduler  = "feature.retry_scheduler"
	FeatureApprovalTimeout = "feature.approval_timeout"
	FeatureAckTimeout      = "feature.ack_timeout"
)

func DefaultFeatureSwitches() map[string]bool {
	return map[string]bool{
		FeatureProposalIntake:  true,
		FeatureLockSweeper:     true,
		FeatureRetryScheduler:  true,
		FeatureApprovalTimeout: true,
		FeatureAckTimeout:      true,
	}
}

// SystemSettingsService reads and writes runtime switches stored as JSON
// booleans in system_settings.
type SystemSettingsService struct {
	Repo repository.Repository
}

// EnsureDefaultSwitches seeds missing switches. Existing values are left
// alone so an operator's choice survives restarts.
func (s *SystemSettingsService) EnsureDefaultSwitches(ctx context.Context) error {
	if s == nil || s.Repo == nil {
		return nil
	}
	now := time.Now().UTC()
	for key, enabled := range DefaultFeatureSwitches() {
		existing, err := s.Repo.GetSystemSettingByKey(ctx, key)
		if err != nil {
			return err
		}
		if existing != nil {
			continue
		}
		raw, _ := json.Marshal(enabled)
		item := &models.SystemSetting{
			Key:         key,
			Value:       datatypes.JSON(raw),
			Description: "feature switch",
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := s.Repo.UpsertSystemSetting(ctx, item); err != nil {
			return err
		}
	}
	return nil
}

func (s *SystemSettingsService) IsEnabled(ctx context.Context, key string, fallback bool) bool {
	if s == nil || s.Repo == nil {
		return fallback
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return fallback
	}
	item, err := s.Repo.GetSystemSettingByKey(ctx, key)
	if err != nil || item == nil {
		return fallback
	}
	enabled, ok := item.Bool()
	if !ok {
		return fallback
	}
	return enabled
}

func (s *SystemSettingsService) SetEnabled(ctx context.Context, key string, enabled bool) error {
	if s == nil || s.Repo == nil {
		return nil
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	raw, _ := json.Marshal(enabled)
	item := &models.SystemSetting{
		Key:         key,
		Value:       datatypes.JSON(raw),
		Description: "feature switch",
		UpdatedAt:   time.Now().UTC(),
	}
	return s.Repo.UpsertSystemSetting(ctx, item)
}
