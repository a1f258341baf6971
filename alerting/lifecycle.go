package alerting

import (
	"fmt"
)

// validTransitions defines allowed workflow transitions for alerts.
// Escalation is not a workflow state: it increments the escalation level as a
// side channel while the primary state stays put.
var validTransitions = map[AlertStatus][]AlertStatus{
	StatusNew:          {StatusAcknowledged},
	StatusAcknowledged: {StatusInProgress, StatusClosed},
	StatusInProgress:   {StatusResolved},
	StatusResolved:     {StatusClosed},
	StatusClosed:       {}, // Final state - no transitions allowed
}

// InvalidTransitionError reports an illegal workflow move, naming the current
// and requested state.
type InvalidTransitionError struct {
	AlertID string
	From    AlertStatus
	To      AlertStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition for alert %s: %s -> %s (allowed: %v)",
		e.AlertID, e.From, e.To, validTransitions[e.From])
}

// TransitionTo validates and executes an alert state transition.
// Returns an InvalidTransitionError and leaves the alert unchanged if the
// move is not allowed.
func (a *Alert) TransitionTo(newStatus AlertStatus, actor string) error {
	if !newStatus.IsValid() {
		return fmt.Errorf("invalid alert status: %s", newStatus)
	}

	if !a.CanTransitionTo(newStatus) {
		return &InvalidTransitionError{AlertID: a.AlertID, From: a.Status, To: newStatus}
	}

	a.Status = newStatus
	if a.AssignedTo == "" && actor != "" {
		a.AssignedTo = actor
	}
	return nil
}

// CanTransitionTo checks if a transition is allowed without executing it
func (a *Alert) CanTransitionTo(newStatus AlertStatus) bool {
	for _, status := range validTransitions[a.Status] {
		if status == newStatus {
			return true
		}
	}
	return false
}

// AllowedTransitions returns all valid transitions from the current state
func (a *Alert) AllowedTransitions() []AlertStatus {
	allowed := validTransitions[a.Status]
	result := make([]AlertStatus, len(allowed))
	copy(result, allowed)
	return result
}

// IsFinalState checks if the alert is in a state with no outgoing transitions
func (a *Alert) IsFinalState() bool {
	return len(validTransitions[a.Status]) == 0
}
