package models

import (
	"time"

	"gorm.io/datatypes"
)

const (
	HorizonShort  = "short"
	HorizonMedium = "medium"
	HorizonLong   = "long"
)

// Strategy is an autonomous trading participant. Priority decides who wins
// ownership contests; higher wins.
type Strategy struct {
	ID          uint64 `gorm:"primaryKey;autoIncrement"`
	Name        string `gorm:"type:varchar(50);uniqueIndex;not null"`
	DisplayName string `gorm:"type:varchar(100);not null"`
	Persona     string `gorm:"type:varchar(30);not null;index"`
	Horizon     string `gorm:"type:varchar(10);not null;default:'medium'"`

	Active   bool `gorm:"default:true;index"`
	Priority int  `gorm:"default:0;index"`

	Config datatypes.JSONType[StrategyConfig] `gorm:"type:jsonb;not null"`

	CreatedAt time.Time `gorm:"type:timestamptz;autoCreateTime"`
	UpdatedAt time.Time `gorm:"type:timestamptz;autoUpdateTime"`
}

func (Strategy) TableName() string {
	return "strategies"
}

// StrategyConfig is the per-strategy policy blob. Fields the core reads are
// typed; anything else a strategy wants to carry goes into Extra.
type StrategyConfig struct {
	// LockDuration applied when this strategy takes primary ownership and the
	// proposal doesn't ask for one.
	LockSeconds int64 `json:"lock_seconds,omitempty"`
	// RequireApproval routes every proposal through a human.
	RequireApproval bool `json:"require_approval,omitempty"`
	// MaxPositionFraction overrides the global capital fraction when > 0.
	MaxPositionFraction float64        `json:"max_position_fraction,omitempty"`
	Extra               map[string]any `json:"extra,omitempty"`
}

func (c StrategyConfig) LockDuration() time.Duration {
	if c.LockSeconds <= 0 {
		return 0
	}
	return time.Duration(c.LockSeconds) * time.Second
}
