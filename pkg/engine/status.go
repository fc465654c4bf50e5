package engine

import "fmt"

// State is the lifecycle state of a build request.
type State string

const (
	StatePending          State = "pending"
	StatePlanning         State = "planning"
	StatePlanFailed       State = "plan_failed"
	StateAwaitingApproval State = "awaiting_approval"
	StateApproved         State = "approved"
	StateRejected         State = "rejected"
	StateApplying         State = "applying"
	StateCompleted        State = "completed"
	StateFailed           State = "failed"
)

// AllStates lists every state in lifecycle order.
var AllStates = []State{
	StatePending, StatePlanning, StatePlanFailed, StateAwaitingApproval,
	StateApproved, StateRejected, StateApplying, StateCompleted, StateFailed,
}

// transitions is the complete set of permitted state changes.
var transitions = map[State][]State{
	StatePending:          {StatePlanning, StateFailed},
	StatePlanning:         {StateAwaitingApproval, StatePlanFailed, StateFailed},
	StatePlanFailed:       {StatePlanning},
	StateAwaitingApproval: {StateApproved, StateRejected, StateFailed},
	StateApproved:         {StateApplying},
	StateApplying:         {StateCompleted, StateFailed},
}

// CanTransition reports whether from -> to is a permitted change.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal returns true if no further transition leaves the state.
func (s State) IsTerminal() bool {
	return len(transitions[s]) == 0
}

// IsCancellable returns true if an operator may cancel a request in this state.
func (s State) IsCancellable() bool {
	return s == StatePending || s == StatePlanning || s == StateAwaitingApproval
}

// HoldsNames returns true if VM names reserved for the request stay reserved.
func (s State) HoldsNames() bool {
	return s != StateFailed && s != StateRejected
}

// Validate checks that the state is known.
func (s State) Validate() error {
	for _, known := range AllStates {
		if s == known {
			return nil
		}
	}
	return fmt.Errorf("invalid state: %s", s)
}

// Stage names the last step of the pipeline a request completed.
type Stage string

const (
	StageSubmitted     Stage = "submitted"
	StageValidated     Stage = "validated"
	StageNamesReserved Stage = "names_reserved"
	StageAllocated     Stage = "allocated"
	StageRendered      Stage = "rendered"
	StageMaterialized  Stage = "materialized"
	StagePlanned       Stage = "planned"
	StageApproved      Stage = "approved"
	StageApplied       Stage = "applied"
)
