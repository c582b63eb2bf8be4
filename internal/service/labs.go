package service

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/reservalab/reserva-lab/api/internal/logger"
	"github.com/reservalab/reserva-lab/api/internal/models"
	"github.com/reservalab/reserva-lab/api/internal/store"
)

// LabService handles lab administration: creation, membership and deletion.
// Membership lives in a single relation table, so manager and member views
// are answered by query instead of keeping mirrored id lists in sync.
type LabService struct {
	logger       *logger.Logger
	store        store.Store
	availability AvailabilityInvalidator
	clock        Clock
}

func NewLabService(log *logger.Logger, st store.Store, availability AvailabilityInvalidator, clock Clock) *LabService {
	if clock == nil {
		clock = RealClock{}
	}
	return &LabService{logger: log, store: st, availability: availability, clock: clock}
}

// LabInput is the admin form payload for creating or updating a lab.
type LabInput struct {
	ID             string
	Name           string
	Description    string
	AcademicCenter string
	ManagerIDs     []string
	MemberIDs      []string
}

// Upsert creates or updates a lab and replaces its membership rows in one
// transaction; a failure anywhere rolls the whole operation back.
func (s *LabService) Upsert(ctx context.Context, ident Identity, in LabInput) (*models.Lab, error) {
	if ident.UserID == "" {
		return nil, ErrUnauthenticated
	}
	if !ident.IsAdmin() {
		return nil, ErrForbidden
	}
	if in.Name == "" {
		return nil, newValidationError("name", "The lab name is required.")
	}

	now := s.clock.Now()
	lab := &models.Lab{
		ID:             in.ID,
		Name:           in.Name,
		Description:    in.Description,
		AcademicCenter: in.AcademicCenter,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	creating := lab.ID == ""
	if creating {
		lab.ID = uuid.New().String()
	}

	members := make([]models.LabMember, 0, len(in.ManagerIDs)+len(in.MemberIDs))
	seen := make(map[string]bool)
	for _, id := range in.ManagerIDs {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		members = append(members, models.LabMember{LabID: lab.ID, UserID: id, Role: models.MemberRoleManager})
	}
	for _, id := range in.MemberIDs {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		members = append(members, models.LabMember{LabID: lab.ID, UserID: id, Role: models.MemberRoleMember})
	}

	err := s.store.WithinTx(ctx, func(ctx context.Context, tx store.Store) error {
		if !creating {
			existing, err := tx.GetLab(ctx, lab.ID)
			if errors.Is(err, store.ErrNotFound) {
				return ErrNotFound
			}
			if err != nil {
				return err
			}
			lab.CreatedAt = existing.CreatedAt
		}
		if err := tx.UpsertLab(ctx, lab); err != nil {
			return err
		}
		return tx.SetLabMembers(ctx, lab.ID, members)
	})
	if err != nil {
		return nil, wrapTxErr(err)
	}

	s.logger.Info("Lab saved",
		logger.Action("upsert_lab"),
		logger.Lab(lab.ID),
		logger.Count(len(members)),
		logger.User(ident.UserID))
	return lab, nil
}

// Delete removes a lab and everything under it, refusing while any of its
// resources still carries a blocking reservation that has not ended.
func (s *LabService) Delete(ctx context.Context, ident Identity, labID string) error {
	if ident.UserID == "" {
		return ErrUnauthenticated
	}
	if !ident.IsAdmin() {
		return ErrForbidden
	}

	var resourceIDs []string
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx store.Store) error {
		if _, err := tx.GetLab(ctx, labID); errors.Is(err, store.ErrNotFound) {
			return ErrNotFound
		} else if err != nil {
			return err
		}

		inUse, err := tx.HasFutureBlockingReservationForLab(ctx, labID, s.clock.Now())
		if err != nil {
			return err
		}
		if inUse {
			return newValidationError("lab_id", "This lab has active or future reservations and cannot be deleted.")
		}

		resources, err := tx.ListResourcesByLab(ctx, labID)
		if err != nil {
			return err
		}
		for _, r := range resources {
			resourceIDs = append(resourceIDs, r.ID)
		}

		return tx.DeleteLab(ctx, labID)
	})
	if err != nil {
		return wrapTxErr(err)
	}

	// The cascade removed the lab's resources; drop their cached windows.
	for _, id := range resourceIDs {
		s.availability.Invalidate(id)
	}

	s.logger.Info("Lab deleted", logger.Action("delete_lab"), logger.Lab(labID), logger.User(ident.UserID))
	return nil
}

// List returns all labs; admin only, matching the original admin screen.
func (s *LabService) List(ctx context.Context, ident Identity) ([]*models.Lab, error) {
	if ident.UserID == "" {
		return nil, ErrUnauthenticated
	}
	if !ident.IsAdmin() {
		return nil, ErrForbidden
	}
	return s.store.ListLabs(ctx)
}

// Members lists the membership rows of a lab.
func (s *LabService) Members(ctx context.Context, ident Identity, labID string) ([]models.LabMember, error) {
	if ident.UserID == "" {
		return nil, ErrUnauthenticated
	}
	if !ident.Manages(labID) {
		return nil, ErrForbidden
	}
	return s.store.ListLabMembers(ctx, labID)
}
