// Package status implements the per-driver state machine. It is a pure
// transition function: all writers of QueueEntry.status and
// DriverLocationRecord.status go through Transition, which keeps the two
// fields from ever disagreeing.
package status

import (
	"fmt"

	"github.com/example/driver-dispatch/internal/models"
)

// transitions is the legal driver status graph. waiting is the requeue
// target: an assigned driver released by cancellation, or a delivering
// driver completing an order, goes back to waiting. offline is entered from
// any state (forced logout, handled in CanTransition) and has no machine
// exit: an offline driver only comes back by declaring availability again.
var transitions = map[models.DriverStatus][]models.DriverStatus{
	models.StatusWaiting:    {models.StatusAssigned},
	models.StatusAssigned:   {models.StatusEnRoute, models.StatusWaiting},
	models.StatusEnRoute:    {models.StatusPickingUp, models.StatusWaiting},
	models.StatusPickingUp:  {models.StatusDelivering, models.StatusWaiting},
	models.StatusDelivering: {models.StatusWaiting},
}

type InvalidTransitionError struct {
	From, To models.DriverStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid driver status transition: %s -> %s", e.From, e.To)
}

// CanTransition reports whether from -> to is a legal transition.
func CanTransition(from, to models.DriverStatus) bool {
	if to == models.StatusOffline {
		return true
	}
	if from == to {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition validates from -> to and returns the new status. On an illegal
// transition it returns from unchanged and an *InvalidTransitionError; no
// state is mutated anywhere on the failure path.
func Transition(from, to models.DriverStatus) (models.DriverStatus, error) {
	if !CanTransition(from, to) {
		return from, &InvalidTransitionError{From: from, To: to}
	}
	return to, nil
}
