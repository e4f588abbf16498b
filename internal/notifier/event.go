package notifier

import "time"

const (
	TypeOwnershipChanged = "ownership.changed"
	TypeConflictLogged   = "conflict.logged"
	TypeOrderTransition  = "order.transition"
)

// Event is published after the state change it describes has committed. It
// carries enough context to be rendered in an audit trail without lookups.
type Event struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`

	Ticker        string `json:"ticker,omitempty"`
	Strategy      string `json:"strategy,omitempty"`
	OwnerStrategy string `json:"owner_strategy,omitempty"`
	OrderID       uint64 `json:"order_id,omitempty"`

	FromState  string `json:"from_state,omitempty"`
	ToState    string `json:"to_state,omitempty"`
	Resolution string `json:"resolution,omitempty"`
	Reasoning  string `json:"reasoning,omitempty"`

	Data map[string]any `json:"data,omitempty"`
}

// Alerting reports whether the event deserves a human's attention.
func (e Event) Alerting() bool {
	switch e.Type {
	case TypeConflictLogged:
		return e.Resolution == "blocked" || e.Resolution == "priority_override"
	case TypeOrderTransition:
		return e.ToState == "needs_manual_review" || e.ToState == "rejected" || e.ToState == "failed"
	}
	return false
}
