package store

import (
	"context"
	"errors"
	"time"

	"github.com/reservalab/reserva-lab/api/internal/models"
)

// ErrNotFound is returned when a referenced entity does not exist.
var ErrNotFound = errors.New("entity not found")

// Store defines the interface for database operations. All methods are safe
// to call on the root store or on a transaction-scoped store obtained via
// WithinTx.
type Store interface {
	// User related methods
	CreateUser(ctx context.Context, user *models.User) error
	GetUser(ctx context.Context, id string) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	ListUsers(ctx context.Context) ([]*models.User, error)

	// Lab related methods
	UpsertLab(ctx context.Context, lab *models.Lab) error
	GetLab(ctx context.Context, id string) (*models.Lab, error)
	ListLabs(ctx context.Context) ([]*models.Lab, error)
	// DeleteLab removes the lab together with its membership rows, its
	// resources and their reservations and blocks. Callers guard against
	// deleting labs that still have blocking reservations.
	DeleteLab(ctx context.Context, id string) error
	SetLabMembers(ctx context.Context, labID string, members []models.LabMember) error
	ListLabMembers(ctx context.Context, labID string) ([]models.LabMember, error)
	ManagedLabIDs(ctx context.Context, userID string) ([]string, error)

	// Resource related methods
	UpsertResource(ctx context.Context, resource *models.Resource) error
	GetResource(ctx context.Context, id string) (*models.Resource, error)
	ListResourcesByLab(ctx context.Context, labID string) ([]*models.Resource, error)
	// DeleteResource removes the resource together with its reservations
	// and blocks.
	DeleteResource(ctx context.Context, id string) error
	// WholeSpaceResource returns the aggregate booking unit of a lab, or
	// ErrNotFound when the lab has none.
	WholeSpaceResource(ctx context.Context, labID string) (*models.Resource, error)

	// Reservation related methods
	CreateReservation(ctx context.Context, reservation *models.Reservation) error
	GetReservation(ctx context.Context, id string) (*models.Reservation, error)
	UpdateReservationStatus(ctx context.Context, id string, status models.ReservationStatus) error
	// FindBlockingReservation returns the first reservation on the resource
	// whose status blocks and whose interval overlaps [start, end),
	// excluding excludeID when non-empty. Returns nil when there is none.
	FindBlockingReservation(ctx context.Context, resourceID string, start, end time.Time, excludeID string) (*models.Reservation, error)
	ListBlockingReservations(ctx context.Context, resourceID string, winStart, winEnd time.Time) ([]*models.Reservation, error)
	ListReservationsByRequester(ctx context.Context, requesterID string) ([]*models.Reservation, error)
	// ListPendingByLabs lists pending reservations on resources of the given
	// labs, oldest first. A nil slice means all labs (admin view).
	ListPendingByLabs(ctx context.Context, labIDs []string) ([]*models.Reservation, error)
	CountPendingByLabs(ctx context.Context, labIDs []string) (int, error)
	// HasFutureBlockingReservation reports whether any blocking reservation
	// on the resource ends at or after now.
	HasFutureBlockingReservation(ctx context.Context, resourceID string, now time.Time) (bool, error)
	// HasFutureBlockingReservationForLab is the same check across every
	// resource of a lab; it guards lab deletion.
	HasFutureBlockingReservationForLab(ctx context.Context, labID string, now time.Time) (bool, error)

	// Block related methods
	CreateBlock(ctx context.Context, block *models.Block) error
	GetBlock(ctx context.Context, id string) (*models.Block, error)
	DeleteBlock(ctx context.Context, id string) error
	FindBlockOverlap(ctx context.Context, resourceID string, start, end time.Time) (*models.Block, error)
	ListBlocks(ctx context.Context, resourceID string, winStart, winEnd time.Time) ([]*models.Block, error)

	// WithinTx runs fn against a transaction-scoped store. The transaction
	// provides at least serializable-equivalent isolation for the
	// conflict-check-then-insert sequence; fn returning an error rolls the
	// whole transaction back.
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error
	// LockResource takes a per-resource exclusion held until the current
	// transaction ends. Backstop against concurrent overlapping inserts on
	// stores without native overlap exclusion.
	LockResource(ctx context.Context, resourceID string) error

	Close() error
}
