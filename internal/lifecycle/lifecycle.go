// Package lifecycle defines the reservation state machine: which statuses
// exist, which transitions are legal, and which statuses occupy a resource
// for conflict purposes.
package lifecycle

import (
	"fmt"
	"time"

	"github.com/reservalab/reserva-lab/api/internal/models"
)

// Action is a user-initiated transition request.
type Action string

const (
	ActionApprove Action = "approve"
	ActionReject  Action = "reject"
	ActionCancel  Action = "cancel"
	ActionStart   Action = "start"
)

// Transition is a single allowed edge in the state machine.
type Transition struct {
	From   models.ReservationStatus
	To     models.ReservationStatus
	Action Action
}

// Decisions are applied strictly: a reservation that already left PENDENTE
// cannot be re-approved or re-rejected.
var transitions = []Transition{
	{From: models.StatusPending, To: models.StatusApproved, Action: ActionApprove},
	{From: models.StatusPending, To: models.StatusRejected, Action: ActionReject},
	{From: models.StatusApproved, To: models.StatusInUse, Action: ActionStart},

	{From: models.StatusPending, To: models.StatusCancelled, Action: ActionCancel},
	{From: models.StatusApproved, To: models.StatusCancelled, Action: ActionCancel},
	{From: models.StatusInUse, To: models.StatusCancelled, Action: ActionCancel},
}

// IllegalTransitionError reports a transition attempt from a state that does
// not permit the requested action.
type IllegalTransitionError struct {
	From   models.ReservationStatus
	Action Action
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal transition: action %q not allowed from status %q", e.Action, e.From)
}

// Next returns the status resulting from applying action to current, or an
// IllegalTransitionError when no edge matches.
func Next(current models.ReservationStatus, action Action) (models.ReservationStatus, error) {
	for _, tr := range transitions {
		if tr.From == current && tr.Action == action {
			return tr.To, nil
		}
	}
	return "", &IllegalTransitionError{From: current, Action: action}
}

// Blocking reports whether a reservation in the given status occupies its
// resource for conflict detection.
func Blocking(s models.ReservationStatus) bool {
	for _, b := range models.BlockingStatuses {
		if s == b {
			return true
		}
	}
	return false
}

// CanCancel reports whether the requester may still cancel the reservation.
// A pending request is always cancellable; an approved or in-use one only
// until its end instant passes.
func CanCancel(r *models.Reservation, now time.Time) bool {
	if r.Status == models.StatusPending {
		return true
	}
	if r.Status != models.StatusApproved && r.Status != models.StatusInUse {
		return false
	}
	return r.End.After(now)
}

// Derived maps an elapsed approved/in-use reservation to the display-only
// completed status. The stored status is never rewritten.
func Derived(s models.ReservationStatus, end, now time.Time) models.ReservationStatus {
	if (s == models.StatusApproved || s == models.StatusInUse) && !end.After(now) {
		return models.StatusCompleted
	}
	return s
}
