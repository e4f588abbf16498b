package models

import "time"

const (
	OwnershipPrimary = "primary"
	OwnershipShared  = "shared"
)

// PositionOwnership records which strategy controls a ticker. At most one
// primary row exists per ticker; see db.AutoMigrate for the partial index.
type PositionOwnership struct {
	ID           uint64 `gorm:"primaryKey;autoIncrement"`
	Ticker       string `gorm:"type:varchar(32);not null;uniqueIndex:ux_ownership_ticker_strategy_kind,priority:1;index"`
	StrategyName string `gorm:"type:varchar(50);not null;uniqueIndex:ux_ownership_ticker_strategy_kind,priority:2;index"`
	Kind         string `gorm:"type:varchar(10);not null;uniqueIndex:ux_ownership_ticker_strategy_kind,priority:3"`

	LockedUntil *time.Time `gorm:"type:timestamptz;index"`
	Reasoning   string     `gorm:"type:text"`
	Version     int64      `gorm:"not null;default:1"`

	CreatedAt time.Time `gorm:"type:timestamptz;autoCreateTime"`
	UpdatedAt time.Time `gorm:"type:timestamptz;autoUpdateTime"`
}

func (PositionOwnership) TableName() string {
	return "position_ownerships"
}

// Locked reports whether the lock is still in force at now.
func (p PositionOwnership) Locked(now time.Time) bool {
	return p.LockedUntil != nil && p.LockedUntil.After(now)
}
