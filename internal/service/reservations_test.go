package service

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reservalab/reserva-lab/api/internal/lifecycle"
	"github.com/reservalab/reserva-lab/api/internal/logger"
	"github.com/reservalab/reserva-lab/api/internal/models"
	"github.com/reservalab/reserva-lab/api/internal/store"
)

var baseTime = time.Date(2026, time.April, 1, 8, 0, 0, 0, time.UTC)

type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingNotifier struct {
	mu    sync.Mutex
	kinds []string
}

func (n *recordingNotifier) PublishReservationEvent(ctx context.Context, kind string, reservation *models.Reservation) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.kinds = append(n.kinds, kind)
	return nil
}

func (n *recordingNotifier) published() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.kinds...)
}

type testEnv struct {
	store        store.Store
	clock        *fixedClock
	notifier     *recordingNotifier
	availability *AvailabilityService
	reservations *ReservationService
	labs         *LabService
	resources    *ResourceService
	users        *UserService

	admin    Identity
	manager1 Identity
	manager2 Identity
	user     Identity
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	st, err := store.NewSQLiteStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, st.Close())
	})

	log := logger.NewWithWriter(io.Discard)
	clock := &fixedClock{now: baseTime}
	notifier := &recordingNotifier{}
	availability := NewAvailabilityService(st, clock)

	env := &testEnv{
		store:        st,
		clock:        clock,
		notifier:     notifier,
		availability: availability,
		reservations: NewReservationService(log, st, availability, notifier, clock, DefaultFeatureConfig()),
		labs:         NewLabService(log, st, availability, clock),
		resources:    NewResourceService(log, st, availability, clock),
		users:        NewUserService(log, st, clock),

		admin:    Identity{UserID: "admin-1", Role: models.RoleAdmin},
		manager1: Identity{UserID: "manager-1", Role: models.RoleManager, ManagedLabIDs: []string{"lab-1"}},
		manager2: Identity{UserID: "manager-2", Role: models.RoleManager, ManagedLabIDs: []string{"lab-2"}},
		user:     Identity{UserID: "user-1", Role: models.RoleUser},
	}

	ctx := context.Background()
	for _, lab := range []string{"lab-1", "lab-2"} {
		require.NoError(t, st.UpsertLab(ctx, &models.Lab{ID: lab, Name: "Lab " + lab, CreatedAt: baseTime, UpdatedAt: baseTime}))
	}
	require.NoError(t, st.UpsertResource(ctx, &models.Resource{
		ID: "res-1", LabID: "lab-1", Name: "Workbench A", Availability: models.ResourceAvailable, CreatedAt: baseTime,
	}))
	require.NoError(t, st.UpsertResource(ctx, &models.Resource{
		ID: "res-2", LabID: "lab-2", Name: "Workbench B", Availability: models.ResourceAvailable, CreatedAt: baseTime,
	}))
	return env
}

func (e *testEnv) slot(startHour, endHour int) CreateReservationInput {
	return CreateReservationInput{
		ResourceID:    "res-1",
		Justification: "Circuit prototyping session",
		Start:         baseTime.Add(time.Duration(startHour) * time.Hour),
		End:           baseTime.Add(time.Duration(endHour) * time.Hour),
	}
}

func TestCreateReservationValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	t.Run("unauthenticated", func(t *testing.T) {
		_, err := env.reservations.Create(ctx, Identity{}, env.slot(1, 2))
		assert.ErrorIs(t, err, ErrUnauthenticated)
	})

	t.Run("short justification", func(t *testing.T) {
		in := env.slot(1, 2)
		in.Justification = "too short"
		_, err := env.reservations.Create(ctx, env.user, in)
		var validation *ValidationError
		require.ErrorAs(t, err, &validation)
		assert.Contains(t, validation.Fields, "justification")
	})

	t.Run("end not after start", func(t *testing.T) {
		in := env.slot(2, 2)
		_, err := env.reservations.Create(ctx, env.user, in)
		var validation *ValidationError
		require.ErrorAs(t, err, &validation)
		assert.Contains(t, validation.Fields, "end")
	})

	t.Run("missing resource", func(t *testing.T) {
		in := env.slot(1, 2)
		in.ResourceID = "ghost"
		_, err := env.reservations.Create(ctx, env.user, in)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestCreateReservation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	created, err := env.reservations.Create(ctx, env.user, env.slot(1, 3))
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, created.Status)
	assert.Equal(t, "user-1", created.RequesterID)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, []string{EventCreated}, env.notifier.published())

	t.Run("overlap is rejected", func(t *testing.T) {
		_, err := env.reservations.Create(ctx, env.manager1, env.slot(2, 4))
		assert.ErrorIs(t, err, ErrConflict)
	})

	t.Run("adjacent slots do not conflict", func(t *testing.T) {
		_, err := env.reservations.Create(ctx, env.manager1, env.slot(3, 5))
		assert.NoError(t, err)
	})

	t.Run("other resource is independent", func(t *testing.T) {
		in := env.slot(1, 3)
		in.ResourceID = "res-2"
		_, err := env.reservations.Create(ctx, env.user, in)
		assert.NoError(t, err)
	})

	t.Run("cancelled reservation stops blocking", func(t *testing.T) {
		_, err := env.reservations.Cancel(ctx, env.user, created.ID)
		require.NoError(t, err)
		_, err = env.reservations.Create(ctx, env.manager1, env.slot(1, 3))
		assert.NoError(t, err)
	})
}

func TestCreateReservationUnavailableResource(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.store.UpsertResource(ctx, &models.Resource{
		ID: "res-down", LabID: "lab-1", Name: "Broken bench", Availability: models.ResourceMaintenance, CreatedAt: baseTime,
	}))

	in := env.slot(1, 2)
	in.ResourceID = "res-down"
	_, err := env.reservations.Create(ctx, env.user, in)
	var validation *ValidationError
	require.ErrorAs(t, err, &validation)
	assert.Contains(t, validation.Fields, "resource_id")
}

func TestCreateReservationBlockedWindow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.resources.CreateBlock(ctx, env.manager1, BlockInput{
		ResourceID: "res-1",
		Start:      baseTime.Add(2 * time.Hour),
		End:        baseTime.Add(4 * time.Hour),
		Reason:     "Calibration",
	})
	require.NoError(t, err)

	_, err = env.reservations.Create(ctx, env.user, env.slot(3, 5))
	assert.ErrorIs(t, err, ErrConflict)

	_, err = env.reservations.Create(ctx, env.user, env.slot(4, 5))
	assert.NoError(t, err)
}

func TestSetStatus(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	created, err := env.reservations.Create(ctx, env.user, env.slot(1, 2))
	require.NoError(t, err)

	t.Run("plain user cannot decide", func(t *testing.T) {
		_, err := env.reservations.SetStatus(ctx, env.user, created.ID, models.StatusApproved)
		assert.ErrorIs(t, err, ErrForbidden)
	})

	t.Run("manager of another lab cannot decide", func(t *testing.T) {
		_, err := env.reservations.SetStatus(ctx, env.manager2, created.ID, models.StatusApproved)
		assert.ErrorIs(t, err, ErrForbidden)
	})

	t.Run("unsupported target status", func(t *testing.T) {
		_, err := env.reservations.SetStatus(ctx, env.manager1, created.ID, models.StatusCancelled)
		var validation *ValidationError
		assert.ErrorAs(t, err, &validation)
	})

	t.Run("lab manager approves", func(t *testing.T) {
		updated, err := env.reservations.SetStatus(ctx, env.manager1, created.ID, models.StatusApproved)
		require.NoError(t, err)
		assert.Equal(t, models.StatusApproved, updated.Status)
	})

	t.Run("decisions are not repeatable", func(t *testing.T) {
		_, err := env.reservations.SetStatus(ctx, env.manager1, created.ID, models.StatusRejected)
		var illegal *lifecycle.IllegalTransitionError
		assert.ErrorAs(t, err, &illegal)
	})

	t.Run("approved moves to in use", func(t *testing.T) {
		updated, err := env.reservations.SetStatus(ctx, env.manager1, created.ID, models.StatusInUse)
		require.NoError(t, err)
		assert.Equal(t, models.StatusInUse, updated.Status)
	})

	t.Run("admin decides anywhere", func(t *testing.T) {
		other, err := env.reservations.Create(ctx, env.user, env.slot(5, 6))
		require.NoError(t, err)
		updated, err := env.reservations.SetStatus(ctx, env.admin, other.ID, models.StatusRejected)
		require.NoError(t, err)
		assert.Equal(t, models.StatusRejected, updated.Status)
	})

	t.Run("reservation pointing at a removed resource", func(t *testing.T) {
		require.NoError(t, env.store.CreateReservation(ctx, &models.Reservation{
			ID:            "r-orphan",
			ResourceID:    "res-gone",
			RequesterID:   env.user.UserID,
			Start:         baseTime.Add(7 * time.Hour),
			End:           baseTime.Add(8 * time.Hour),
			Justification: "Orphaned by a resource removal",
			Status:        models.StatusPending,
			CreatedAt:     env.clock.Now(),
		}))
		_, err := env.reservations.SetStatus(ctx, env.admin, "r-orphan", models.StatusApproved)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestCancel(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	t.Run("only the requester may cancel", func(t *testing.T) {
		created, err := env.reservations.Create(ctx, env.user, env.slot(1, 2))
		require.NoError(t, err)
		_, err = env.reservations.Cancel(ctx, env.manager1, created.ID)
		assert.ErrorIs(t, err, ErrForbidden)
	})

	t.Run("pending cancels even after its end", func(t *testing.T) {
		created, err := env.reservations.Create(ctx, env.user, env.slot(2, 3))
		require.NoError(t, err)
		env.clock.Advance(5 * time.Hour)
		updated, err := env.reservations.Cancel(ctx, env.user, created.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusCancelled, updated.Status)
		env.clock.Advance(-5 * time.Hour)
	})

	t.Run("approved cannot cancel after its end", func(t *testing.T) {
		created, err := env.reservations.Create(ctx, env.user, env.slot(3, 4))
		require.NoError(t, err)
		_, err = env.reservations.SetStatus(ctx, env.manager1, created.ID, models.StatusApproved)
		require.NoError(t, err)

		env.clock.Advance(6 * time.Hour)
		_, err = env.reservations.Cancel(ctx, env.user, created.ID)
		assert.ErrorIs(t, err, ErrReservationEnded)
		env.clock.Advance(-6 * time.Hour)
	})

	t.Run("rejected cannot cancel", func(t *testing.T) {
		created, err := env.reservations.Create(ctx, env.user, env.slot(5, 6))
		require.NoError(t, err)
		_, err = env.reservations.SetStatus(ctx, env.manager1, created.ID, models.StatusRejected)
		require.NoError(t, err)
		_, err = env.reservations.Cancel(ctx, env.user, created.ID)
		var illegal *lifecycle.IllegalTransitionError
		assert.ErrorAs(t, err, &illegal)
	})
}

func TestListForRequester(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	created, err := env.reservations.Create(ctx, env.user, env.slot(1, 2))
	require.NoError(t, err)
	_, err = env.reservations.SetStatus(ctx, env.manager1, created.ID, models.StatusApproved)
	require.NoError(t, err)
	_, err = env.reservations.Create(ctx, env.manager1, env.slot(3, 4))
	require.NoError(t, err)

	list, err := env.reservations.ListForRequester(ctx, env.user)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, created.ID, list[0].ID)
	assert.Equal(t, models.StatusApproved, list[0].Status)

	// Once the end passes, the approved reservation reads as completed.
	env.clock.Advance(3 * time.Hour)
	list, err = env.reservations.ListForRequester(ctx, env.user)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, models.StatusCompleted, list[0].Status)
}

func TestPendingForManager(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.reservations.Create(ctx, env.user, env.slot(1, 2))
	require.NoError(t, err)
	in := env.slot(1, 2)
	in.ResourceID = "res-2"
	_, err = env.reservations.Create(ctx, env.user, in)
	require.NoError(t, err)

	t.Run("admin sees every lab", func(t *testing.T) {
		list, err := env.reservations.ListPendingForManager(ctx, env.admin)
		require.NoError(t, err)
		assert.Len(t, list, 2)

		count, err := env.reservations.CountPendingForManager(ctx, env.admin)
		require.NoError(t, err)
		assert.Equal(t, 2, count)
	})

	t.Run("manager sees only managed labs", func(t *testing.T) {
		list, err := env.reservations.ListPendingForManager(ctx, env.manager1)
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, "res-1", list[0].ResourceID)
	})

	t.Run("manager without labs sees nothing", func(t *testing.T) {
		lone := Identity{UserID: "manager-3", Role: models.RoleManager}
		list, err := env.reservations.ListPendingForManager(ctx, lone)
		require.NoError(t, err)
		assert.Empty(t, list)
	})

	t.Run("plain user is refused the list but gets a zero badge", func(t *testing.T) {
		_, err := env.reservations.ListPendingForManager(ctx, env.user)
		assert.ErrorIs(t, err, ErrForbidden)

		count, err := env.reservations.CountPendingForManager(ctx, env.user)
		require.NoError(t, err)
		assert.Zero(t, count)
	})
}

func TestConcurrentCreateSameSlot(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	const attempts = 8
	var wg sync.WaitGroup
	results := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.reservations.Create(ctx, env.user, env.slot(10, 12))
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var successes, conflicts int
	for err := range results {
		switch {
		case err == nil:
			successes++
		case errors.Is(err, ErrConflict):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, successes)
	assert.Equal(t, attempts-1, conflicts)
}
