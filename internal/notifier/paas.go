package notifier

import (
	"context"

	"arbiter/internal/paas"
)

type paasLogger interface {
	CreateLog(ctx context.Context, req paas.CreateLogRequest) error
}

// PaaSAlerter forwards alert-worthy events to the PaaS log API.
type PaaSAlerter struct {
	Client paasLogger
}

func (s *PaaSAlerter) Name() string { return "paas" }

func (s *PaaSAlerter) Handle(ctx context.Context, e Event) error {
	if s == nil || s.Client == nil || !e.Alerting() {
		return nil
	}
	level := "warn"
	if e.ToState == "needs_manual_review" {
		level = "error"
	}
	details := map[string]any{
		"event_id":    e.ID,
		"ticker":      e.Ticker,
		"strategy":    e.Strategy,
		"occurred_at": e.OccurredAt,
	}
	if e.OwnerStrategy != "" {
		details["owner_strategy"] = e.OwnerStrategy
	}
	if e.OrderID != 0 {
		details["order_id"] = e.OrderID
	}
	if e.Resolution != "" {
		details["resolution"] = e.Resolution
	}
	if e.ToState != "" {
		details["from_state"] = e.FromState
		details["to_state"] = e.ToState
	}
	if e.Reasoning != "" {
		details["reasoning"] = e.Reasoning
	}
	return s.Client.CreateLog(ctx, paas.CreateLogRequest{
		Action:   "arbiter_" + e.Type,
		Level:    level,
		Details:  details,
		Metadata: map[string]any{"data": e.Data},
	})
}
