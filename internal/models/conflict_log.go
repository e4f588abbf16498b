package models

import "time"

const (
	ResolutionAllowed          = "allowed"
	ResolutionBlocked          = "blocked"
	ResolutionPriorityOverride = "priority_override"
)

// ConflictLog is the append-only audit trail of ownership decisions. Rows
// are never updated or deleted.
type ConflictLog struct {
	ID     uint64 `gorm:"primaryKey;autoIncrement"`
	Ticker string `gorm:"type:varchar(32);not null;index:idx_conflict_ticker_created,priority:1"`

	ActingStrategy string `gorm:"type:varchar(50);not null;index"`
	OwnerStrategy  string `gorm:"type:varchar(50);index"`
	Action         string `gorm:"type:varchar(10);not null"`
	RequestedKind  string `gorm:"type:varchar(10);not null"`

	Blocked    bool   `gorm:"not null;index"`
	Resolution string `gorm:"type:varchar(20);not null;index"`
	Reasoning  string `gorm:"type:text;not null"`

	ActingPriority int      `gorm:"not null"`
	OwnerPriority  *int     `gorm:""`
	Confidence     *float64 `gorm:"type:numeric(6,4)"`

	OrderID     *uint64 `gorm:"index"`
	OwnershipID *uint64 `gorm:"index"`

	CreatedAt time.Time `gorm:"type:timestamptz;autoCreateTime;index:idx_conflict_ticker_created,priority:2"`
}

func (ConflictLog) TableName() string {
	return "conflict_logs"
}
