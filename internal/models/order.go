package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

const (
	ActionBuy  = "buy"
	ActionSell = "sell"
)

// Order is one proposal's lifecycle record. Rows are never deleted; terminal
// orders remain as history.
type Order struct {
	ID            uint64 `gorm:"primaryKey;autoIncrement"`
	ClientOrderID string `gorm:"type:varchar(64);not null;uniqueIndex"`
	BrokerOrderID string `gorm:"type:varchar(100);index"`

	Ticker        string `gorm:"type:varchar(32);not null;index"`
	Action        string `gorm:"type:varchar(10);not null"`
	StrategyName  string `gorm:"type:varchar(50);not null;index"`
	OwnershipKind string `gorm:"type:varchar(10);not null;default:'primary'"`

	RequestedQuantity decimal.Decimal `gorm:"type:numeric(30,10);not null"`
	FilledQuantity    decimal.Decimal `gorm:"type:numeric(30,10);not null;default:0"`
	ReferencePrice    decimal.Decimal `gorm:"type:numeric(20,10);not null;default:0"`

	State      string   `gorm:"type:varchar(30);not null;index"`
	Reasoning  string   `gorm:"type:text;not null"`
	Confidence *float64 `gorm:"type:numeric(6,4)"`

	PreApproved       bool `gorm:"not null;default:false"`
	NeedsManualReview bool `gorm:"not null;default:false;index"`
	RetryCount        int  `gorm:"not null;default:0"`

	NextRetryAt *time.Time `gorm:"type:timestamptz;index"`
	SentAt      *time.Time `gorm:"type:timestamptz"`
	ApprovedBy  string     `gorm:"type:varchar(100)"`
	LastError   string     `gorm:"type:text"`

	Violations datatypes.JSONType[[]OrderViolation] `gorm:"type:jsonb"`
	Metadata   datatypes.JSONMap                    `gorm:"type:jsonb"`

	Version   int64     `gorm:"not null;default:1"`
	CreatedAt time.Time `gorm:"type:timestamptz;autoCreateTime;index"`
	UpdatedAt time.Time `gorm:"type:timestamptz;autoUpdateTime;index"`
}

func (Order) TableName() string {
	return "orders"
}

// RemainingQuantity is what is still open at the broker.
func (o Order) RemainingQuantity() decimal.Decimal {
	rem := o.RequestedQuantity.Sub(o.FilledQuantity)
	if rem.IsNegative() {
		return decimal.Zero
	}
	return rem
}

// OrderViolation is a guardrail finding persisted with the order.
type OrderViolation struct {
	Article     string `json:"article"`
	Severity    string `json:"severity"`
	Description string `json:"description"`
}
