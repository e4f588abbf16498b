package broker

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"arbiter/internal/config"
)

// Paper simulates a venue in process. With AutoFill every accepted order is
// filled in full at the reference price. RejectEvery > 0 rejects every Nth
// submission.
type Paper struct {
	Config config.BrokerConfig
	Logger *zap.Logger

	mu       sync.Mutex
	seq      int64
	orders   map[string]paperOrder
	canceled map[string]decimal.Decimal
}

type paperOrder struct {
	BrokerOrderID string
	Request       SubmitRequest
	Filled        decimal.Decimal
}

func NewPaper(cfg config.BrokerConfig, logger *zap.Logger) *Paper {
	return &Paper{
		Config:   cfg,
		Logger:   logger,
		orders:   map[string]paperOrder{},
		canceled: map[string]decimal.Decimal{},
	}
}

func (p *Paper) Submit(ctx context.Context, req SubmitRequest) (SubmitAck, error) {
	if p == nil {
		return SubmitAck{}, fmt.Errorf("paper broker not configured")
	}
	if err := ctx.Err(); err != nil {
		return SubmitAck{}, err
	}
	if !req.Quantity.IsPositive() {
		return SubmitAck{}, fmt.Errorf("%w: quantity must be positive", ErrRejected)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if existing, ok := p.orders[req.ClientOrderID]; ok {
		return SubmitAck{BrokerOrderID: existing.BrokerOrderID, FilledQuantity: existing.Filled, Message: "duplicate client order id"}, nil
	}
	p.seq++
	if p.Config.RejectEvery > 0 && p.seq%int64(p.Config.RejectEvery) == 0 {
		if p.Logger != nil {
			p.Logger.Info("paper broker rejected order", zap.String("client_order_id", req.ClientOrderID), zap.Int64("seq", p.seq))
		}
		return SubmitAck{}, fmt.Errorf("%w: simulated rejection #%d", ErrRejected, p.seq)
	}

	ack := SubmitAck{BrokerOrderID: fmt.Sprintf("paper-%d", p.seq), FilledQuantity: decimal.Zero, Message: "accepted"}
	if p.Config.AutoFill {
		ack.FilledQuantity = req.Quantity
		ack.Message = "filled"
	}
	p.orders[req.ClientOrderID] = paperOrder{BrokerOrderID: ack.BrokerOrderID, Request: req, Filled: ack.FilledQuantity}

	if p.Logger != nil {
		p.Logger.Debug("paper broker accepted order",
			zap.String("client_order_id", req.ClientOrderID),
			zap.String("broker_order_id", ack.BrokerOrderID),
			zap.String("ticker", req.Ticker),
			zap.String("action", req.Action),
			zap.String("quantity", req.Quantity.String()),
			zap.String("filled", ack.FilledQuantity.String()),
		)
	}
	return ack, nil
}

func (p *Paper) Cancel(ctx context.Context, req CancelRequest) error {
	if p == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.orders[req.ClientOrderID]; !ok {
		return fmt.Errorf("paper broker: unknown order %s", req.ClientOrderID)
	}
	p.canceled[req.ClientOrderID] = req.Quantity
	return nil
}

// Canceled reports the quantity withdrawn for an order, if any.
func (p *Paper) Canceled(clientOrderID string) (decimal.Decimal, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	q, ok := p.canceled[clientOrderID]
	return q, ok
}
