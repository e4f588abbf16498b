package orderflow

import "slices"

type State string

const (
	StateIdle                 State = "idle"
	StateSignalReceived       State = "signal_received"
	StateValidating           State = "validating"
	StateBlocked              State = "blocked"
	StatePendingHumanApproval State = "pending_human_approval"
	StateOrderPending         State = "order_pending"
	StateOrderSent            State = "order_sent"
	StatePartialFilled        State = "partial_filled"
	StateFullyFilled          State = "fully_filled"
	StateCancelled            State = "cancelled"
	StateRejected             State = "rejected"
	StateFailed               State = "failed"
	StateNeedsManualReview    State = "needs_manual_review"
)

var edges = map[State][]State{
	StateIdle:                 {StateSignalReceived},
	StateSignalReceived:       {StateValidating, StateCancelled},
	StateValidating:           {StateBlocked, StatePendingHumanApproval, StateOrderPending, StateCancelled},
	StatePendingHumanApproval: {StateOrderPending, StateRejected, StateCancelled},
	StateOrderPending:         {StateOrderSent, StateFailed, StateCancelled},
	StateOrderSent:            {StatePartialFilled, StateFullyFilled, StateFailed, StateCancelled},
	StatePartialFilled:        {StatePartialFilled, StateFullyFilled, StateCancelled},
	StateFailed:               {StateOrderPending, StateNeedsManualReview, StateCancelled},
	// Operator close-out only.
	StateNeedsManualReview: {StateCancelled},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to State) bool {
	return slices.Contains(edges[from], to)
}

// Terminal reports whether automation may no longer move the order.
// needs_manual_review is terminal for automation but an operator may still
// close it out.
func (s State) Terminal() bool {
	switch s {
	case StateBlocked, StateFullyFilled, StateCancelled, StateRejected, StateNeedsManualReview:
		return true
	}
	return false
}

func (s State) String() string { return string(s) }

// AllStates lists every state in lifecycle order.
func AllStates() []State {
	return []State{
		StateIdle, StateSignalReceived, StateValidating, StateBlocked, StatePendingHumanApproval,
		StateOrderPending, StateOrderSent, StatePartialFilled, StateFullyFilled,
		StateCancelled, StateRejected, StateFailed, StateNeedsManualReview,
	}
}

func ParseState(s string) (State, bool) {
	for _, st := range AllStates() {
		if string(st) == s {
			return st, true
		}
	}
	return "", false
}
