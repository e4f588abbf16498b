package ownership

import (
	"fmt"
	"time"

	"arbiter/internal/models"
)

// Outcome names the ledger mutation a decision calls for.
type Outcome int

const (
	OutcomeCreatePrimary Outcome = iota + 1
	OutcomeSelfAction
	OutcomeUpsertShared
	OutcomeOverride
	OutcomeBlockedLocked
	OutcomeBlockedPriority
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCreatePrimary:
		return "create_primary"
	case OutcomeSelfAction:
		return "self_action"
	case OutcomeUpsertShared:
		return "upsert_shared"
	case OutcomeOverride:
		return "override"
	case OutcomeBlockedLocked:
		return "blocked_locked"
	case OutcomeBlockedPriority:
		return "blocked_priority"
	}
	return "unknown"
}

// Input is everything Decide looks at. Owner is the strategy holding
// Primary, nil when it can no longer be found.
type Input struct {
	Now           time.Time
	Ticker        string
	Acting        models.Strategy
	RequestedKind string
	Primary       *models.PositionOwnership
	Owner         *models.Strategy
}

type Decision struct {
	Outcome    Outcome
	Resolution string
	Allowed    bool
	Reasoning  string
	// OwnerPriority is the incumbent's priority at decision time, if any.
	OwnerPriority *int
	OwnerName     string
}

// Decide applies the arbitration rules. It performs no I/O.
//
// Ties favor the incumbent so equal-priority strategies cannot take a ticker
// back and forth.
func Decide(in Input) Decision {
	acting := in.Acting.Name
	if in.Primary == nil {
		if in.RequestedKind == models.OwnershipShared {
			return Decision{
				Outcome:    OutcomeUpsertShared,
				Resolution: models.ResolutionAllowed,
				Allowed:    true,
				Reasoning:  fmt.Sprintf("no primary owner on %s; %s joins as shared owner", in.Ticker, acting),
			}
		}
		return Decision{
			Outcome:    OutcomeCreatePrimary,
			Resolution: models.ResolutionAllowed,
			Allowed:    true,
			Reasoning:  fmt.Sprintf("no primary owner on %s; %s takes primary ownership", in.Ticker, acting),
		}
	}

	owner := in.Primary.StrategyName
	if owner == acting {
		p := in.Acting.Priority
		return Decision{
			Outcome:       OutcomeSelfAction,
			Resolution:    models.ResolutionAllowed,
			Allowed:       true,
			Reasoning:     fmt.Sprintf("%s already holds primary ownership of %s", acting, in.Ticker),
			OwnerPriority: &p,
			OwnerName:     owner,
		}
	}

	var ownerPriority *int
	if in.Owner != nil {
		p := in.Owner.Priority
		ownerPriority = &p
	}

	if in.Primary.Locked(in.Now) {
		return Decision{
			Outcome:    OutcomeBlockedLocked,
			Resolution: models.ResolutionBlocked,
			Reasoning: fmt.Sprintf("%s holds %s under lock until %s; %s may not contest it",
				owner, in.Ticker, in.Primary.LockedUntil.UTC().Format(time.RFC3339), acting),
			OwnerPriority: ownerPriority,
			OwnerName:     owner,
		}
	}

	if in.Owner == nil || !in.Owner.Active {
		return Decision{
			Outcome:       OutcomeOverride,
			Resolution:    models.ResolutionPriorityOverride,
			Allowed:       true,
			Reasoning:     fmt.Sprintf("incumbent %s on %s is inactive or unknown; ownership passes to %s", owner, in.Ticker, acting),
			OwnerPriority: ownerPriority,
			OwnerName:     owner,
		}
	}

	if in.Acting.Priority > in.Owner.Priority {
		return Decision{
			Outcome:    OutcomeOverride,
			Resolution: models.ResolutionPriorityOverride,
			Allowed:    true,
			Reasoning: fmt.Sprintf("%s (priority %d) preempts %s (priority %d) on %s",
				acting, in.Acting.Priority, owner, in.Owner.Priority, in.Ticker),
			OwnerPriority: ownerPriority,
			OwnerName:     owner,
		}
	}

	relation := "lower than"
	if in.Acting.Priority == in.Owner.Priority {
		relation = "equal to"
	}
	return Decision{
		Outcome:    OutcomeBlockedPriority,
		Resolution: models.ResolutionBlocked,
		Reasoning: fmt.Sprintf("%s priority %d is %s owner %s priority %d on %s; incumbent keeps ownership",
			acting, in.Acting.Priority, relation, owner, in.Owner.Priority, in.Ticker),
		OwnerPriority: ownerPriority,
		OwnerName:     owner,
	}
}
