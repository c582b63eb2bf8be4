package service

import (
	"context"
	"fmt"
	"time"

	"github.com/reservalab/reserva-lab/api/internal/models"
	"github.com/reservalab/reserva-lab/api/internal/store"
)

// Conflict describes the occupancy that prevents a candidate booking:
// either an existing blocking reservation or an administrative block.
type Conflict struct {
	Reservation *models.Reservation
	Block       *models.Block
}

// Describe renders the conflict for logging.
func (c *Conflict) Describe() string {
	if c.Reservation != nil {
		return fmt.Sprintf("reservation %s (%s)", c.Reservation.ID, c.Reservation.Status)
	}
	if c.Block != nil {
		return fmt.Sprintf("block %s (%s)", c.Block.ID, c.Block.Reason)
	}
	return "unknown"
}

// FindConflict checks whether [start, end) on the resource collides with a
// blocking reservation or a block. It is an existence check: the first
// match wins. Must be called on a transaction-scoped store when the result
// gates an insert, so the check and the write see the same committed state.
func FindConflict(ctx context.Context, st store.Store, resourceID string, start, end time.Time, excludeReservationID string) (*Conflict, error) {
	reservation, err := st.FindBlockingReservation(ctx, resourceID, start, end, excludeReservationID)
	if err != nil {
		return nil, err
	}
	if reservation != nil {
		return &Conflict{Reservation: reservation}, nil
	}

	block, err := st.FindBlockOverlap(ctx, resourceID, start, end)
	if err != nil {
		return nil, err
	}
	if block != nil {
		return &Conflict{Block: block}, nil
	}

	return nil, nil
}
