package handler

import (
	"time"

	"arbiter/internal/models"
)

type strategyView struct {
	ID          uint64                `json:"id"`
	Name        string                `json:"name"`
	DisplayName string                `json:"display_name"`
	Persona     string                `json:"persona"`
	Horizon     string                `json:"horizon"`
	Active      bool                  `json:"active"`
	Priority    int                   `json:"priority"`
	Config      models.StrategyConfig `json:"config"`
	CreatedAt   time.Time             `json:"created_at"`
	UpdatedAt   time.Time             `json:"updated_at"`
}

func toStrategyView(s models.Strategy) strategyView {
	return strategyView{
		ID:          s.ID,
		Name:        s.Name,
		DisplayName: s.DisplayName,
		Persona:     s.Persona,
		Horizon:     s.Horizon,
		Active:      s.Active,
		Priority:    s.Priority,
		Config:      s.Config.Data(),
		CreatedAt:   s.CreatedAt,
		UpdatedAt:   s.UpdatedAt,
	}
}

type ownershipView struct {
	ID          uint64     `json:"id"`
	Ticker      string     `json:"ticker"`
	Strategy    string     `json:"strategy"`
	Kind        string     `json:"kind"`
	LockedUntil *time.Time `json:"locked_until,omitempty"`
	Locked      bool       `json:"locked"`
	Reasoning   string     `json:"reasoning,omitempty"`
	Version     int64      `json:"version"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

func toOwnershipView(o models.PositionOwnership, now time.Time) ownershipView {
	return ownershipView{
		ID:          o.ID,
		Ticker:      o.Ticker,
		Strategy:    o.StrategyName,
		Kind:        o.Kind,
		LockedUntil: o.LockedUntil,
		Locked:      o.Locked(now),
		Reasoning:   o.Reasoning,
		Version:     o.Version,
		CreatedAt:   o.CreatedAt,
		UpdatedAt:   o.UpdatedAt,
	}
}

type conflictView struct {
	ID             uint64    `json:"id"`
	Ticker         string    `json:"ticker"`
	ActingStrategy string    `json:"acting_strategy"`
	OwnerStrategy  string    `json:"owner_strategy,omitempty"`
	Action         string    `json:"action"`
	RequestedKind  string    `json:"requested_kind"`
	Blocked        bool      `json:"blocked"`
	Resolution     string    `json:"resolution"`
	Reasoning      string    `json:"reasoning"`
	ActingPriority int       `json:"acting_priority"`
	OwnerPriority  *int      `json:"owner_priority,omitempty"`
	Confidence     *float64  `json:"confidence,omitempty"`
	OrderID        *uint64   `json:"order_id,omitempty"`
	OwnershipID    *uint64   `json:"ownership_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

func toConflictView(l models.ConflictLog) conflictView {
	return conflictView{
		ID:             l.ID,
		Ticker:         l.Ticker,
		ActingStrategy: l.ActingStrategy,
		OwnerStrategy:  l.OwnerStrategy,
		Action:         l.Action,
		RequestedKind:  l.RequestedKind,
		Blocked:        l.Blocked,
		Resolution:     l.Resolution,
		Reasoning:      l.Reasoning,
		ActingPriority: l.ActingPriority,
		OwnerPriority:  l.OwnerPriority,
		Confidence:     l.Confidence,
		OrderID:        l.OrderID,
		OwnershipID:    l.OwnershipID,
		CreatedAt:      l.CreatedAt,
	}
}

type orderView struct {
	ID                uint64                  `json:"id"`
	ClientOrderID     string                  `json:"client_order_id"`
	BrokerOrderID     string                  `json:"broker_order_id,omitempty"`
	Ticker            string                  `json:"ticker"`
	Action            string                  `json:"action"`
	Strategy          string                  `json:"strategy"`
	OwnershipKind     string                  `json:"ownership_kind"`
	RequestedQuantity string                  `json:"requested_quantity"`
	FilledQuantity    string                  `json:"filled_quantity"`
	ReferencePrice    string                  `json:"reference_price"`
	State             string                  `json:"state"`
	Reasoning         string                  `json:"reasoning"`
	Confidence        *float64                `json:"confidence,omitempty"`
	PreApproved       bool                    `json:"pre_approved"`
	NeedsManualReview bool                    `json:"needs_manual_review"`
	RetryCount        int                     `json:"retry_count"`
	NextRetryAt       *time.Time              `json:"next_retry_at,omitempty"`
	SentAt            *time.Time              `json:"sent_at,omitempty"`
	ApprovedBy        string                  `json:"approved_by,omitempty"`
	LastError         string                  `json:"last_error,omitempty"`
	Violations        []models.OrderViolation `json:"violations"`
	Metadata          map[string]any          `json:"metadata,omitempty"`
	Version           int64                   `json:"version"`
	CreatedAt         time.Time               `json:"created_at"`
	UpdatedAt         time.Time               `json:"updated_at"`
}

func toOrderView(o *models.Order) *orderView {
	if o == nil {
		return nil
	}
	violations := o.Violations.Data()
	if violations == nil {
		violations = []models.OrderViolation{}
	}
	return &orderView{
		ID:                o.ID,
		ClientOrderID:     o.ClientOrderID,
		BrokerOrderID:     o.BrokerOrderID,
		Ticker:            o.Ticker,
		Action:            o.Action,
		Strategy:          o.StrategyName,
		OwnershipKind:     o.OwnershipKind,
		RequestedQuantity: o.RequestedQuantity.String(),
		FilledQuantity:    o.FilledQuantity.String(),
		ReferencePrice:    o.ReferencePrice.String(),
		State:             o.State,
		Reasoning:         o.Reasoning,
		Confidence:        o.Confidence,
		PreApproved:       o.PreApproved,
		NeedsManualReview: o.NeedsManualReview,
		RetryCount:        o.RetryCount,
		NextRetryAt:       o.NextRetryAt,
		SentAt:            o.SentAt,
		ApprovedBy:        o.ApprovedBy,
		LastError:         o.LastError,
		Violations:        violations,
		Metadata:          o.Metadata,
		Version:           o.Version,
		CreatedAt:         o.CreatedAt,
		UpdatedAt:         o.UpdatedAt,
	}
}

type transitionView struct {
	From   string    `json:"from"`
	To     string    `json:"to"`
	Reason string    `json:"reason,omitempty"`
	Actor  string    `json:"actor,omitempty"`
	At     time.Time `json:"at"`
}
