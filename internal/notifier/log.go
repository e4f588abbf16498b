package notifier

import (
	"context"

	"go.uber.org/zap"
)

// LogSubscriber writes one structured line per event.
type LogSubscriber struct {
	Logger *zap.Logger
}

func (s *LogSubscriber) Name() string { return "log" }

func (s *LogSubscriber) Handle(_ context.Context, e Event) error {
	if s == nil || s.Logger == nil {
		return nil
	}
	fields := []zap.Field{
		zap.String("event_id", e.ID),
		zap.String("event_type", e.Type),
		zap.Time("occurred_at", e.OccurredAt),
	}
	if e.Ticker != "" {
		fields = append(fields, zap.String("ticker", e.Ticker))
	}
	if e.Strategy != "" {
		fields = append(fields, zap.String("strategy", e.Strategy))
	}
	if e.OwnerStrategy != "" {
		fields = append(fields, zap.String("owner_strategy", e.OwnerStrategy))
	}
	if e.OrderID != 0 {
		fields = append(fields, zap.Uint64("order_id", e.OrderID))
	}
	if e.FromState != "" || e.ToState != "" {
		fields = append(fields, zap.String("from", e.FromState), zap.String("to", e.ToState))
	}
	if e.Resolution != "" {
		fields = append(fields, zap.String("resolution", e.Resolution))
	}
	if e.Reasoning != "" {
		fields = append(fields, zap.String("reasoning", e.Reasoning))
	}
	if e.Alerting() {
		s.Logger.Warn("arbiter event", fields...)
		return nil
	}
	s.Logger.Info("arbiter event", fields...)
	return nil
}
