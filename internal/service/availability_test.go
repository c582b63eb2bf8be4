package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reservalab/reserva-lab/api/internal/models"
)

func TestAvailabilityEvents(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	created, err := env.reservations.Create(ctx, env.user, env.slot(1, 3))
	require.NoError(t, err)
	_, err = env.resources.CreateBlock(ctx, env.manager1, BlockInput{
		ResourceID: "res-1",
		Start:      baseTime.Add(4 * time.Hour),
		End:        baseTime.Add(6 * time.Hour),
		Reason:     "Maintenance",
	})
	require.NoError(t, err)
	rejected, err := env.reservations.Create(ctx, env.user, env.slot(7, 8))
	require.NoError(t, err)
	_, err = env.reservations.SetStatus(ctx, env.manager1, rejected.ID, models.StatusRejected)
	require.NoError(t, err)

	winStart := baseTime
	winEnd := baseTime.Add(12 * time.Hour)
	events, err := env.availability.Events(ctx, "res-1", winStart, winEnd)
	require.NoError(t, err)

	require.Len(t, events, 2)
	assert.Equal(t, models.EventReservation, events[0].Kind)
	assert.Equal(t, "reservation-"+created.ID, events[0].ID)
	assert.Equal(t, "Circuit prototyping session", events[0].Label)
	assert.Equal(t, string(models.StatusPending), events[0].Status)
	assert.Equal(t, models.EventBlock, events[1].Kind)
	assert.Equal(t, "Blocked: Maintenance", events[1].Label)
	assert.Equal(t, "BLOQUEADO", events[1].Status)

	t.Run("events are clipped to the window", func(t *testing.T) {
		clipped, err := env.availability.Events(ctx, "res-1", baseTime.Add(2*time.Hour), baseTime.Add(5*time.Hour))
		require.NoError(t, err)
		require.Len(t, clipped, 2)
		assert.Equal(t, baseTime.Add(2*time.Hour), clipped[0].Start)
		assert.Equal(t, baseTime.Add(3*time.Hour), clipped[0].End)
		assert.Equal(t, baseTime.Add(4*time.Hour), clipped[1].Start)
		assert.Equal(t, baseTime.Add(5*time.Hour), clipped[1].End)
	})

	t.Run("invalid window", func(t *testing.T) {
		_, err := env.availability.Events(ctx, "res-1", winEnd, winStart)
		var validation *ValidationError
		assert.ErrorAs(t, err, &validation)
	})

	t.Run("reads are idempotent", func(t *testing.T) {
		again, err := env.availability.Events(ctx, "res-1", winStart, winEnd)
		require.NoError(t, err)
		assert.Equal(t, events, again)
	})
}

func TestAvailabilityCacheInvalidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	winStart := baseTime
	winEnd := baseTime.Add(12 * time.Hour)

	events, err := env.availability.Events(ctx, "res-1", winStart, winEnd)
	require.NoError(t, err)
	assert.Empty(t, events)

	// A lifecycle operation invalidates the cached window.
	_, err = env.reservations.Create(ctx, env.user, env.slot(1, 3))
	require.NoError(t, err)

	events, err = env.availability.Events(ctx, "res-1", winStart, winEnd)
	require.NoError(t, err)
	assert.Len(t, events, 1)

	// A row written behind the cache's back stays invisible until
	// Invalidate is called.
	require.NoError(t, env.store.CreateReservation(ctx, &models.Reservation{
		ID: "hidden", ResourceID: "res-1", RequesterID: "user-1",
		Start: baseTime.Add(5 * time.Hour), End: baseTime.Add(6 * time.Hour),
		Status: models.StatusApproved, CreatedAt: baseTime,
	}))
	events, err = env.availability.Events(ctx, "res-1", winStart, winEnd)
	require.NoError(t, err)
	assert.Len(t, events, 1)

	env.availability.Invalidate("res-1")
	events, err = env.availability.Events(ctx, "res-1", winStart, winEnd)
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestAvailabilityDerivedCompleted(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	created, err := env.reservations.Create(ctx, env.user, env.slot(1, 2))
	require.NoError(t, err)
	_, err = env.reservations.SetStatus(ctx, env.manager1, created.ID, models.StatusApproved)
	require.NoError(t, err)

	env.clock.Advance(3 * time.Hour)
	events, err := env.availability.Events(ctx, "res-1", baseTime, baseTime.Add(12*time.Hour))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, string(models.StatusCompleted), events[0].Status)
}
