package service

import (
	"context"
	"time"

	"github.com/reservalab/reserva-lab/api/internal/models"
)

// Identity is the authenticated caller context passed explicitly into every
// operation. The core trusts it as already authenticated; scope decisions
// are made from the managed-lab set, never from the role alone.
type Identity struct {
	UserID        string
	Role          models.Role
	ManagedLabIDs []string
}

func (id Identity) IsAdmin() bool {
	return id.Role == models.RoleAdmin
}

// Manages reports whether the caller may act on reservations of the given
// lab. Admins bypass scoping.
func (id Identity) Manages(labID string) bool {
	if id.IsAdmin() {
		return true
	}
	if id.Role != models.RoleManager {
		return false
	}
	for _, managed := range id.ManagedLabIDs {
		if managed == labID {
			return true
		}
	}
	return false
}

// Clock abstracts the current time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// RealClock is the production clock.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// Notifier publishes reservation lifecycle events to interested consumers.
type Notifier interface {
	PublishReservationEvent(ctx context.Context, kind string, reservation *models.Reservation) error
}

// NopNotifier discards events; used when no broker is configured.
type NopNotifier struct{}

func (NopNotifier) PublishReservationEvent(ctx context.Context, kind string, reservation *models.Reservation) error {
	return nil
}

// AvailabilityInvalidator drops cached availability views for a resource
// after a mutation.
type AvailabilityInvalidator interface {
	Invalidate(resourceID string)
}
