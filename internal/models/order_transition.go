package models

import "time"

// OrderTransition archives each state change of an order.
type OrderTransition struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement"`
	OrderID   uint64    `gorm:"not null;index:idx_order_transitions_order,priority:1"`
	FromState string    `gorm:"type:varchar(30);not null"`
	ToState   string    `gorm:"type:varchar(30);not null;index"`
	Reason    string    `gorm:"type:text"`
	Actor     string    `gorm:"type:varchar(100)"`
	CreatedAt time.Time `gorm:"type:timestamptz;autoCreateTime;index:idx_order_transitions_order,priority:2"`
}

func (OrderTransition) TableName() string {
	return "order_transitions"
}
