package handler

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reservalab/reserva-lab/api/internal/logger"
	"github.com/reservalab/reserva-lab/api/internal/models"
	"github.com/reservalab/reserva-lab/api/internal/service"
	"github.com/reservalab/reserva-lab/api/internal/store"
)

// Reservation slots sit in the future so the real clock never treats them
// as already ended.
var testBase = time.Now().UTC().Truncate(time.Second).Add(24 * time.Hour)

type stubResolver struct {
	ident service.Identity
	err   error
}

func (s *stubResolver) Resolve(r *http.Request) (service.Identity, error) {
	if s.err != nil {
		return service.Identity{}, s.err
	}
	return s.ident, nil
}

type testAPI struct {
	mux      *http.ServeMux
	resolver *stubResolver
	store    store.Store
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()

	st, err := store.NewSQLiteStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, st.Close())
	})

	log := logger.NewWithWriter(io.Discard)
	clock := service.RealClock{}
	availability := service.NewAvailabilityService(st, clock)
	resolver := &stubResolver{ident: service.Identity{UserID: "user-1", Role: models.RoleUser}}

	api := NewAPIHandler(
		log,
		resolver,
		service.NewReservationService(log, st, availability, nil, clock, service.DefaultFeatureConfig()),
		availability,
		service.NewLabService(log, st, availability, clock),
		service.NewResourceService(log, st, availability, clock),
		service.NewUserService(log, st, clock),
		time.UTC,
	)
	mux := http.NewServeMux()
	api.Register(mux)

	ctx := context.Background()
	require.NoError(t, st.UpsertLab(ctx, &models.Lab{ID: "lab-1", Name: "Robotics"}))
	require.NoError(t, st.UpsertResource(ctx, &models.Resource{
		ID: "res-1", LabID: "lab-1", Name: "Workbench", Availability: models.ResourceAvailable,
	}))

	return &testAPI{mux: mux, resolver: resolver, store: st}
}

func (a *testAPI) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	a.mux.ServeHTTP(rec, req)
	return rec
}

func TestCreateReservationEndpoint(t *testing.T) {
	api := newTestAPI(t)
	start := testBase.Add(time.Hour).Format(time.RFC3339)
	end := testBase.Add(3 * time.Hour).Format(time.RFC3339)

	t.Run("unauthenticated", func(t *testing.T) {
		api.resolver.err = service.ErrUnauthenticated
		rec := api.do(t, http.MethodPost, "/api/reservations", `{}`)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		api.resolver.err = nil
	})

	t.Run("malformed body", func(t *testing.T) {
		rec := api.do(t, http.MethodPost, "/api/reservations", `{not json`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("validation errors carry field details", func(t *testing.T) {
		rec := api.do(t, http.MethodPost, "/api/reservations",
			`{"resource_id":"res-1","justification":"short","start":"`+start+`","end":"`+end+`"}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		var result service.ActionResult
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
		assert.False(t, result.Success)
		assert.Contains(t, result.FieldErrors, "justification")
	})

	t.Run("created", func(t *testing.T) {
		rec := api.do(t, http.MethodPost, "/api/reservations",
			`{"resource_id":"res-1","justification":"Robotics club prototyping","start":"`+start+`","end":"`+end+`"}`)
		require.Equal(t, http.StatusCreated, rec.Code)

		var resp struct {
			Result      service.ActionResult `json:"result"`
			Reservation models.Reservation   `json:"reservation"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.True(t, resp.Result.Success)
		assert.Equal(t, models.StatusPending, resp.Reservation.Status)
	})

	t.Run("conflicting slot is a 409", func(t *testing.T) {
		rec := api.do(t, http.MethodPost, "/api/reservations",
			`{"resource_id":"res-1","justification":"Another overlapping session","start":"`+start+`","end":"`+end+`"}`)
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("local date and times compose in the org timezone", func(t *testing.T) {
		rec := api.do(t, http.MethodPost, "/api/reservations",
			`{"resource_id":"res-1","justification":"Evening measurement run","date":"2026-05-04","start_time":"18:00","end_time":"19:30"}`)
		require.Equal(t, http.StatusCreated, rec.Code)

		var resp struct {
			Reservation models.Reservation `json:"reservation"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, time.Date(2026, time.May, 4, 18, 0, 0, 0, time.UTC), resp.Reservation.Start.UTC())
	})
}

func TestReservationLifecycleEndpoints(t *testing.T) {
	api := newTestAPI(t)
	start := testBase.Add(time.Hour).Format(time.RFC3339)
	end := testBase.Add(2 * time.Hour).Format(time.RFC3339)

	rec := api.do(t, http.MethodPost, "/api/reservations",
		`{"resource_id":"res-1","justification":"Sensor calibration work","start":"`+start+`","end":"`+end+`"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	var created struct {
		Reservation models.Reservation `json:"reservation"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	id := created.Reservation.ID

	t.Run("plain user cannot approve", func(t *testing.T) {
		rec := api.do(t, http.MethodPost, "/api/reservations/"+id+"/status", `{"status":"APROVADA"}`)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("manager approves", func(t *testing.T) {
		api.resolver.ident = service.Identity{UserID: "manager-1", Role: models.RoleManager, ManagedLabIDs: []string{"lab-1"}}
		rec := api.do(t, http.MethodPost, "/api/reservations/"+id+"/status", `{"status":"APROVADA"}`)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("repeat decision is a conflict", func(t *testing.T) {
		rec := api.do(t, http.MethodPost, "/api/reservations/"+id+"/status", `{"status":"REJEITADA"}`)
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("pending list is scoped", func(t *testing.T) {
		rec := api.do(t, http.MethodGet, "/api/reservations/pending", "")
		require.Equal(t, http.StatusOK, rec.Code)
		var list []models.Reservation
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
		assert.Empty(t, list)
	})

	t.Run("pending badge counts in scope", func(t *testing.T) {
		rec := api.do(t, http.MethodGet, "/api/reservations/pending/count", "")
		require.Equal(t, http.StatusOK, rec.Code)
		var resp map[string]int
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Zero(t, resp["pending"])
	})

	t.Run("requester cancels", func(t *testing.T) {
		api.resolver.ident = service.Identity{UserID: "user-1", Role: models.RoleUser}
		rec := api.do(t, http.MethodPost, "/api/reservations/"+id+"/cancel", "")
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("missing reservation is a 404", func(t *testing.T) {
		rec := api.do(t, http.MethodPost, "/api/reservations/ghost/cancel", "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestResourceEventsEndpoint(t *testing.T) {
	api := newTestAPI(t)
	start := testBase.Add(time.Hour).Format(time.RFC3339)
	end := testBase.Add(2 * time.Hour).Format(time.RFC3339)

	rec := api.do(t, http.MethodPost, "/api/reservations",
		`{"resource_id":"res-1","justification":"Oscilloscope training","start":"`+start+`","end":"`+end+`"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	t.Run("bad window", func(t *testing.T) {
		rec := api.do(t, http.MethodGet, "/api/resources/res-1/events?start=nope&end="+end, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("merged calendar view", func(t *testing.T) {
		winStart := testBase.Format(time.RFC3339)
		winEnd := testBase.Add(12 * time.Hour).Format(time.RFC3339)
		rec := api.do(t, http.MethodGet, "/api/resources/res-1/events?start="+winStart+"&end="+winEnd, "")
		require.Equal(t, http.StatusOK, rec.Code)

		var events []models.Event
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &events))
		require.Len(t, events, 1)
		assert.Equal(t, models.EventReservation, events[0].Kind)
		assert.Equal(t, "Oscilloscope training", events[0].Label)
	})
}

func TestLabAdminEndpoints(t *testing.T) {
	api := newTestAPI(t)
	api.resolver.ident = service.Identity{UserID: "admin-1", Role: models.RoleAdmin}

	rec := api.do(t, http.MethodPost, "/api/labs", `{"name":"Chemistry","academic_center":"CCEN","manager_ids":["alice"]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var created struct {
		Lab models.Lab `json:"lab"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.NotEmpty(t, created.Lab.ID)

	rec = api.do(t, http.MethodGet, "/api/labs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var labs []models.Lab
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &labs))
	assert.Len(t, labs, 2)

	rec = api.do(t, http.MethodGet, "/api/labs/"+created.Lab.ID+"/members", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var members []models.LabMember
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &members))
	require.Len(t, members, 1)
	assert.Equal(t, models.MemberRoleManager, members[0].Role)

	rec = api.do(t, http.MethodDelete, "/api/labs/"+created.Lab.ID, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	t.Run("non-admin is refused", func(t *testing.T) {
		api.resolver.ident = service.Identity{UserID: "user-1", Role: models.RoleUser}
		rec := api.do(t, http.MethodPost, "/api/labs", `{"name":"Nope"}`)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})
}

func TestUserEndpoints(t *testing.T) {
	api := newTestAPI(t)
	api.resolver.ident = service.Identity{UserID: "admin-1", Role: models.RoleAdmin}

	rec := api.do(t, http.MethodPost, "/api/users",
		`{"name":"Grace","email":"grace@example.edu","password":"long-enough","role":"GESTOR"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	var created struct {
		User models.User `json:"user"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, models.RoleManager, created.User.Role)

	t.Run("login succeeds with the created credentials", func(t *testing.T) {
		rec := api.do(t, http.MethodPost, "/api/auth/login", `{"email":"grace@example.edu","password":"long-enough"}`)
		require.Equal(t, http.StatusOK, rec.Code)
		var resp struct {
			UserID string `json:"user_id"`
			Role   string `json:"role"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, created.User.ID, resp.UserID)
		assert.Equal(t, string(models.RoleManager), resp.Role)
	})

	t.Run("login with wrong password is a 401", func(t *testing.T) {
		rec := api.do(t, http.MethodPost, "/api/auth/login", `{"email":"grace@example.edu","password":"wrong"}`)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}
