package orderflow

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Dispatcher is the worker pool that submits order_pending orders.
type Dispatcher struct {
	Machine *Machine
	Logger  *zap.Logger
	Workers int

	queue chan uint64
}

func NewDispatcher(m *Machine, logger *zap.Logger, workers, size int) *Dispatcher {
	if workers <= 0 {
		workers = 1
	}
	if size <= 0 {
		size = 64
	}
	return &Dispatcher{Machine: m, Logger: logger, Workers: workers, queue: make(chan uint64, size)}
}

func (d *Dispatcher) Enqueue(orderID uint64) bool {
	select {
	case d.queue <- orderID:
		return true
	default:
		return false
	}
}

// Run blocks until ctx is done. In-flight submissions run on a detached
// context and finish after shutdown begins.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < d.Workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case id := <-d.queue:
					d.dispatch(context.WithoutCancel(gctx), id)
				}
			}
		})
	}
	return g.Wait()
}

func (d *Dispatcher) dispatch(ctx context.Context, id uint64) {
	o, err := d.Machine.Dispatch(ctx, id)
	if d.Logger == nil {
		return
	}
	switch {
	case errors.Is(err, ErrIllegalTransition):
		d.Logger.Debug("dispatch skipped", zap.Uint64("order_id", id), zap.Error(err))
	case err != nil:
		d.Logger.Warn("dispatch failed", zap.Uint64("order_id", id), zap.Error(err))
	case o != nil:
		d.Logger.Debug("dispatched order", zap.Uint64("order_id", id), zap.String("state", o.State))
	}
}
