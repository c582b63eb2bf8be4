package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/reservalab/reserva-lab/api/internal/logger"
	"github.com/reservalab/reserva-lab/api/internal/models"
	"github.com/reservalab/reserva-lab/api/internal/store"
)

// ResourceService handles resource administration and block windows.
// Managers act only within their managed labs; admins bypass scoping.
type ResourceService struct {
	logger       *logger.Logger
	store        store.Store
	availability AvailabilityInvalidator
	clock        Clock
}

func NewResourceService(log *logger.Logger, st store.Store, availability AvailabilityInvalidator, clock Clock) *ResourceService {
	if clock == nil {
		clock = RealClock{}
	}
	return &ResourceService{logger: log, store: st, availability: availability, clock: clock}
}

// ResourceInput is the form payload for creating or updating a resource.
type ResourceInput struct {
	ID           string
	LabID        string
	Name         string
	Description  string
	Availability models.ResourceAvailability
	WholeSpace   bool
}

// Upsert creates or updates a resource, enforcing the one-whole-space-per-
// lab invariant inside the transaction.
func (s *ResourceService) Upsert(ctx context.Context, ident Identity, in ResourceInput) (*models.Resource, error) {
	if ident.UserID == "" {
		return nil, ErrUnauthenticated
	}
	if !ident.Manages(in.LabID) {
		return nil, ErrForbidden
	}

	fields := make(map[string][]string)
	if in.Name == "" {
		fields["name"] = append(fields["name"], "The resource name is required.")
	}
	if in.LabID == "" {
		fields["lab_id"] = append(fields["lab_id"], "Select a lab.")
	}
	switch in.Availability {
	case models.ResourceAvailable, models.ResourceUnavailable, models.ResourceMaintenance:
	case "":
		in.Availability = models.ResourceAvailable
	default:
		fields["availability"] = append(fields["availability"], "Unknown availability value.")
	}
	if len(fields) > 0 {
		return nil, &ValidationError{Fields: fields}
	}

	resource := &models.Resource{
		ID:           in.ID,
		LabID:        in.LabID,
		Name:         in.Name,
		Description:  in.Description,
		Availability: in.Availability,
		WholeSpace:   in.WholeSpace,
		CreatedAt:    s.clock.Now(),
	}
	if resource.ID == "" {
		resource.ID = uuid.New().String()
	}

	err := s.store.WithinTx(ctx, func(ctx context.Context, tx store.Store) error {
		if _, err := tx.GetLab(ctx, in.LabID); errors.Is(err, store.ErrNotFound) {
			return newValidationError("lab_id", "The selected lab does not exist.")
		} else if err != nil {
			return err
		}

		if in.WholeSpace {
			existing, err := tx.WholeSpaceResource(ctx, in.LabID)
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				return err
			}
			if existing != nil && existing.ID != resource.ID {
				return newValidationError("whole_space", "This lab already has a whole-space resource.")
			}
		}

		return tx.UpsertResource(ctx, resource)
	})
	if err != nil {
		return nil, wrapTxErr(err)
	}

	s.availability.Invalidate(resource.ID)
	s.logger.Info("Resource saved",
		logger.Action("upsert_resource"),
		logger.Resource(resource.ID),
		logger.Lab(resource.LabID),
		logger.User(ident.UserID))
	return resource, nil
}

// Delete removes a resource unless it still has active or future blocking
// reservations.
func (s *ResourceService) Delete(ctx context.Context, ident Identity, resourceID string) error {
	if ident.UserID == "" {
		return ErrUnauthenticated
	}

	err := s.store.WithinTx(ctx, func(ctx context.Context, tx store.Store) error {
		resource, err := tx.GetResource(ctx, resourceID)
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if !ident.Manages(resource.LabID) {
			return ErrForbidden
		}

		inUse, err := tx.HasFutureBlockingReservation(ctx, resourceID, s.clock.Now())
		if err != nil {
			return err
		}
		if inUse {
			return newValidationError("resource_id", "This resource has active or future reservations and cannot be deleted.")
		}

		return tx.DeleteResource(ctx, resourceID)
	})
	if err != nil {
		return wrapTxErr(err)
	}

	s.availability.Invalidate(resourceID)
	s.logger.Info("Resource deleted", logger.Action("delete_resource"), logger.Resource(resourceID), logger.User(ident.UserID))
	return nil
}

// ListByLab lists the resources of a lab. Visible to any authenticated
// member; schedules are organization-visible.
func (s *ResourceService) ListByLab(ctx context.Context, ident Identity, labID string) ([]*models.Resource, error) {
	if ident.UserID == "" {
		return nil, ErrUnauthenticated
	}
	return s.store.ListResourcesByLab(ctx, labID)
}

// BlockInput is a manager-imposed exclusion window on a resource.
type BlockInput struct {
	ResourceID string
	Start      time.Time
	End        time.Time
	Reason     string
}

// CreateBlock registers an administrative exclusion window. Blocks are hard
// occupancy: they never transition and always conflict.
func (s *ResourceService) CreateBlock(ctx context.Context, ident Identity, in BlockInput) (*models.Block, error) {
	if ident.UserID == "" {
		return nil, ErrUnauthenticated
	}

	fields := make(map[string][]string)
	if in.ResourceID == "" {
		fields["resource_id"] = append(fields["resource_id"], "Select a resource.")
	}
	if in.Reason == "" {
		fields["reason"] = append(fields["reason"], "The block reason is required.")
	}
	if !in.End.After(in.Start) {
		fields["end"] = append(fields["end"], "The end must be after the start.")
	}
	if len(fields) > 0 {
		return nil, &ValidationError{Fields: fields}
	}

	block := &models.Block{
		ID:         uuid.New().String(),
		ResourceID: in.ResourceID,
		Start:      in.Start,
		End:        in.End,
		Reason:     in.Reason,
		CreatedAt:  s.clock.Now(),
	}

	err := s.store.WithinTx(ctx, func(ctx context.Context, tx store.Store) error {
		resource, err := tx.GetResource(ctx, in.ResourceID)
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if !ident.Manages(resource.LabID) {
			return ErrForbidden
		}
		return tx.CreateBlock(ctx, block)
	})
	if err != nil {
		return nil, wrapTxErr(err)
	}

	s.availability.Invalidate(in.ResourceID)
	s.logger.Info("Block created",
		logger.Action("create_block"),
		logger.Block(block.ID),
		logger.Resource(in.ResourceID),
		logger.Reason(in.Reason),
		logger.User(ident.UserID))
	return block, nil
}

// RemoveBlock deletes an exclusion window.
func (s *ResourceService) RemoveBlock(ctx context.Context, ident Identity, blockID string) error {
	if ident.UserID == "" {
		return ErrUnauthenticated
	}

	var resourceID string
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx store.Store) error {
		block, err := tx.GetBlock(ctx, blockID)
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		resource, err := tx.GetResource(ctx, block.ResourceID)
		if err != nil {
			return err
		}
		if !ident.Manages(resource.LabID) {
			return ErrForbidden
		}
		resourceID = block.ResourceID
		return tx.DeleteBlock(ctx, blockID)
	})
	if err != nil {
		return wrapTxErr(err)
	}

	s.availability.Invalidate(resourceID)
	s.logger.Info("Block removed", logger.Action("remove_block"), logger.Block(blockID), logger.User(ident.UserID))
	return nil
}
