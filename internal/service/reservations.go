package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/reservalab/reserva-lab/api/internal/lifecycle"
	"github.com/reservalab/reserva-lab/api/internal/logger"
	"github.com/reservalab/reserva-lab/api/internal/models"
	"github.com/reservalab/reserva-lab/api/internal/store"
)

// Reservation event kinds published to the notifier.
const (
	EventCreated   = "created"
	EventApproved  = "approved"
	EventRejected  = "rejected"
	EventCancelled = "cancelled"
	EventStarted   = "started"
)

// ReservationService orchestrates the reservation lifecycle: create,
// approve/reject, cancel. Every multi-step update runs inside one store
// transaction.
type ReservationService struct {
	logger           *logger.Logger
	store            store.Store
	availability     AvailabilityInvalidator
	notifier         Notifier
	clock            Clock
	minJustification int
}

func NewReservationService(log *logger.Logger, st store.Store, availability AvailabilityInvalidator, notifier Notifier, clock Clock, featureCfg *FeatureConfig) *ReservationService {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	if clock == nil {
		clock = RealClock{}
	}
	return &ReservationService{
		logger:           log,
		store:            st,
		availability:     availability,
		notifier:         notifier,
		clock:            clock,
		minJustification: featureCfg.Org.MinJustificationLen,
	}
}

// CreateReservationInput is the candidate booking submitted by the caller.
// Start and End are absolute instants; timezone composition happens at the
// boundary.
type CreateReservationInput struct {
	ResourceID    string
	Justification string
	Start         time.Time
	End           time.Time
}

func (s *ReservationService) validateCreate(in CreateReservationInput) error {
	fields := make(map[string][]string)
	if in.ResourceID == "" {
		fields["resource_id"] = append(fields["resource_id"], "Select a resource.")
	}
	if len(in.Justification) < s.minJustification {
		fields["justification"] = append(fields["justification"],
			fmt.Sprintf("The justification must be at least %d characters long.", s.minJustification))
	}
	if in.Start.IsZero() {
		fields["start"] = append(fields["start"], "The start date and time are required.")
	}
	if in.End.IsZero() {
		fields["end"] = append(fields["end"], "The end date and time are required.")
	} else if !in.End.After(in.Start) {
		fields["end"] = append(fields["end"], "The end must be after the start.")
	}
	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}

// Create validates the candidate, checks for conflicts and inserts the new
// reservation as pending, all within one transaction so two concurrent
// overlapping requests cannot both succeed.
func (s *ReservationService) Create(ctx context.Context, ident Identity, in CreateReservationInput) (*models.Reservation, error) {
	if ident.UserID == "" {
		return nil, ErrUnauthenticated
	}
	if err := s.validateCreate(in); err != nil {
		return nil, err
	}

	reservation := &models.Reservation{
		ID:            uuid.New().String(),
		ResourceID:    in.ResourceID,
		RequesterID:   ident.UserID,
		Start:         in.Start,
		End:           in.End,
		Justification: in.Justification,
		Status:        models.StatusPending,
		CreatedAt:     s.clock.Now(),
	}

	err := s.store.WithinTx(ctx, func(ctx context.Context, tx store.Store) error {
		if err := tx.LockResource(ctx, in.ResourceID); err != nil {
			return err
		}

		resource, err := tx.GetResource(ctx, in.ResourceID)
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if resource.Availability != models.ResourceAvailable {
			return newValidationError("resource_id", "This resource is not available for booking.")
		}

		conflict, err := FindConflict(ctx, tx, in.ResourceID, in.Start, in.End, "")
		if err != nil {
			return err
		}
		if conflict != nil {
			s.logger.Info("Reservation conflict",
				logger.Action("create_reservation"),
				logger.Resource(in.ResourceID),
				logger.Reason(conflict.Describe()))
			return ErrConflict
		}

		return tx.CreateReservation(ctx, reservation)
	})
	if err != nil {
		return nil, wrapTxErr(err)
	}

	s.availability.Invalidate(in.ResourceID)
	s.publish(ctx, EventCreated, reservation)
	s.logger.Info("Reservation created",
		logger.Action("create_reservation"),
		logger.Reservation(reservation.ID),
		logger.Resource(reservation.ResourceID),
		logger.TimeWindow(reservation.Start.Format(time.RFC3339)+" - "+reservation.End.Format(time.RFC3339)),
		logger.User(ident.UserID))
	return reservation, nil
}

// SetStatus applies a manager decision. Allowed targets: approved, rejected
// (pending only) and in-use (approved only). The actor must be an admin or
// a manager of the resource's lab.
func (s *ReservationService) SetStatus(ctx context.Context, ident Identity, reservationID string, newStatus models.ReservationStatus) (*models.Reservation, error) {
	if ident.UserID == "" {
		return nil, ErrUnauthenticated
	}
	if ident.Role != models.RoleAdmin && ident.Role != models.RoleManager {
		return nil, ErrForbidden
	}

	var action lifecycle.Action
	switch newStatus {
	case models.StatusApproved:
		action = lifecycle.ActionApprove
	case models.StatusRejected:
		action = lifecycle.ActionReject
	case models.StatusInUse:
		action = lifecycle.ActionStart
	default:
		return nil, newValidationError("status", "Unsupported target status.")
	}

	var updated *models.Reservation
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx store.Store) error {
		reservation, err := tx.GetReservation(ctx, reservationID)
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		resource, err := tx.GetResource(ctx, reservation.ResourceID)
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if !ident.Manages(resource.LabID) {
			return ErrForbidden
		}

		next, err := lifecycle.Next(reservation.Status, action)
		if err != nil {
			return err
		}

		if err := tx.UpdateReservationStatus(ctx, reservationID, next); err != nil {
			return err
		}
		reservation.Status = next
		updated = reservation
		return nil
	})
	if err != nil {
		return nil, wrapTxErr(err)
	}

	s.availability.Invalidate(updated.ResourceID)
	s.publish(ctx, eventForStatus(updated.Status), updated)
	s.logger.Info("Reservation status updated",
		logger.Action("set_status"),
		logger.Reservation(updated.ID),
		logger.Status(string(updated.Status)),
		logger.User(ident.UserID))
	return updated, nil
}

// Cancel is available only to the original requester. A pending request can
// always be cancelled; an approved or in-use one only until its end passes.
func (s *ReservationService) Cancel(ctx context.Context, ident Identity, reservationID string) (*models.Reservation, error) {
	if ident.UserID == "" {
		return nil, ErrUnauthenticated
	}

	var updated *models.Reservation
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx store.Store) error {
		reservation, err := tx.GetReservation(ctx, reservationID)
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if reservation.RequesterID != ident.UserID {
			return ErrForbidden
		}

		next, err := lifecycle.Next(reservation.Status, lifecycle.ActionCancel)
		if err != nil {
			return err
		}
		if !lifecycle.CanCancel(reservation, s.clock.Now()) {
			return ErrReservationEnded
		}

		if err := tx.UpdateReservationStatus(ctx, reservationID, next); err != nil {
			return err
		}
		reservation.Status = next
		updated = reservation
		return nil
	})
	if err != nil {
		return nil, wrapTxErr(err)
	}

	s.availability.Invalidate(updated.ResourceID)
	s.publish(ctx, EventCancelled, updated)
	s.logger.Info("Reservation cancelled",
		logger.Action("cancel_reservation"),
		logger.Reservation(updated.ID),
		logger.User(ident.UserID))
	return updated, nil
}

// ListForRequester returns the caller's own reservations, newest first,
// with the derived completed status applied for display.
func (s *ReservationService) ListForRequester(ctx context.Context, ident Identity) ([]*models.Reservation, error) {
	if ident.UserID == "" {
		return nil, ErrUnauthenticated
	}
	reservations, err := s.store.ListReservationsByRequester(ctx, ident.UserID)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	for _, r := range reservations {
		r.Status = lifecycle.Derived(r.Status, r.End, now)
	}
	return reservations, nil
}

// ListPendingForManager returns pending reservations within the caller's
// scope, oldest first. Admins see every lab.
func (s *ReservationService) ListPendingForManager(ctx context.Context, ident Identity) ([]*models.Reservation, error) {
	if ident.UserID == "" {
		return nil, ErrUnauthenticated
	}
	if ident.Role != models.RoleAdmin && ident.Role != models.RoleManager {
		return nil, ErrForbidden
	}
	labIDs := ident.ManagedLabIDs
	if ident.IsAdmin() {
		labIDs = nil
	} else if labIDs == nil {
		labIDs = []string{}
	}
	return s.store.ListPendingByLabs(ctx, labIDs)
}

// CountPendingForManager is the dashboard badge count; plain users get 0.
func (s *ReservationService) CountPendingForManager(ctx context.Context, ident Identity) (int, error) {
	if ident.UserID == "" || (ident.Role != models.RoleAdmin && ident.Role != models.RoleManager) {
		return 0, nil
	}
	labIDs := ident.ManagedLabIDs
	if ident.IsAdmin() {
		labIDs = nil
	} else if labIDs == nil {
		labIDs = []string{}
	}
	return s.store.CountPendingByLabs(ctx, labIDs)
}

func (s *ReservationService) publish(ctx context.Context, kind string, reservation *models.Reservation) {
	if err := s.notifier.PublishReservationEvent(ctx, kind, reservation); err != nil {
		s.logger.Warn("Failed to publish reservation event",
			logger.Reservation(reservation.ID),
			logger.F("EVENT", kind),
			logger.Error(err))
	}
}

func eventForStatus(status models.ReservationStatus) string {
	switch status {
	case models.StatusApproved:
		return EventApproved
	case models.StatusRejected:
		return EventRejected
	case models.StatusInUse:
		return EventStarted
	default:
		return string(status)
	}
}

// wrapTxErr keeps domain errors intact and wraps genuine store failures as
// TxError so callers know a retry is safe.
func wrapTxErr(err error) error {
	var validation *ValidationError
	var illegal *lifecycle.IllegalTransitionError
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrForbidden) ||
		errors.Is(err, ErrConflict) || errors.Is(err, ErrReservationEnded) ||
		errors.As(err, &validation) || errors.As(err, &illegal) {
		return err
	}
	return &TxError{Err: err}
}
