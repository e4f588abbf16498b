// Package broker is the execution port the order machine submits to.
package broker

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

// ErrRejected is returned by Submit when the venue refuses the order.
var ErrRejected = errors.New("broker: order rejected")

type SubmitRequest struct {
	ClientOrderID string
	Ticker        string
	Action        string
	Quantity      decimal.Decimal
	Price         decimal.Decimal
}

// SubmitAck is the venue acknowledgment. FilledQuantity is non-zero when the
// venue filled part or all of the order synchronously.
type SubmitAck struct {
	BrokerOrderID  string
	FilledQuantity decimal.Decimal
	Message        string
}

type CancelRequest struct {
	ClientOrderID string
	BrokerOrderID string
	// Quantity is the unfilled remainder being withdrawn.
	Quantity decimal.Decimal
}

type Broker interface {
	Submit(ctx context.Context, req SubmitRequest) (SubmitAck, error)
	Cancel(ctx context.Context, req CancelRequest) error
}
