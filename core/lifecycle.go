package core

import (
	"errors"
	"fmt"
)

// validTransitions defines allowed status transitions. Merged is reachable
// from every live status, because any non-merged alert can lose a dedup
// race, and is terminal once entered.
var validTransitions = map[AlertStatus][]AlertStatus{
	AlertStatusActive:        {AlertStatusMerged, AlertStatusAcknowledged, AlertStatusInvestigating, AlertStatusResolved, AlertStatusFalsePositive, AlertStatusSuppressed},
	AlertStatusAcknowledged:  {AlertStatusMerged, AlertStatusInvestigating, AlertStatusResolved, AlertStatusFalsePositive, AlertStatusSuppressed},
	AlertStatusInvestigating: {AlertStatusMerged, AlertStatusResolved, AlertStatusFalsePositive},
	AlertStatusResolved:      {AlertStatusMerged},
	AlertStatusFalsePositive: {AlertStatusMerged},
	AlertStatusSuppressed:    {AlertStatusMerged, AlertStatusActive},
	AlertStatusMerged:        {}, // Terminal, duplicates never come back
}

// TransitionTo validates and executes a status transition.
func (a *Alert) TransitionTo(newStatus AlertStatus) error {
	if newStatus == "" {
		return errors.New("new status cannot be empty")
	}
	if !newStatus.IsValid() {
		return fmt.Errorf("invalid alert status: %s", newStatus)
	}

	if !a.CanTransitionTo(newStatus) {
		return fmt.Errorf("invalid transition: %s -> %s", a.Status, newStatus)
	}

	a.Status = newStatus
	return nil
}

// CanTransitionTo checks if a transition is allowed without executing it.
func (a *Alert) CanTransitionTo(newStatus AlertStatus) bool {
	allowed, exists := validTransitions[a.Status]
	if !exists {
		return false
	}
	for _, status := range allowed {
		if status == newStatus {
			return true
		}
	}
	return false
}

// IsFinalState checks if the alert is in a state with no outgoing
// transitions.
func (a *Alert) IsFinalState() bool {
	allowed, exists := validTransitions[a.Status]
	return exists && len(allowed) == 0
}
