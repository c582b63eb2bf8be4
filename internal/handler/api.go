package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/reservalab/reserva-lab/api/internal/lifecycle"
	"github.com/reservalab/reserva-lab/api/internal/logger"
	"github.com/reservalab/reserva-lab/api/internal/models"
	"github.com/reservalab/reserva-lab/api/internal/service"
)

// IdentityResolver extracts the authenticated caller from a request. The
// API trusts upstream authentication; the default resolver reads the user
// id set by the auth proxy.
type IdentityResolver interface {
	Resolve(r *http.Request) (service.Identity, error)
}

// HeaderIdentityResolver resolves identities from the X-User-Id header via
// the user service.
type HeaderIdentityResolver struct {
	Users *service.UserService
}

func (h *HeaderIdentityResolver) Resolve(r *http.Request) (service.Identity, error) {
	userID := r.Header.Get("X-User-Id")
	if userID == "" {
		return service.Identity{}, service.ErrUnauthenticated
	}
	return h.Users.IdentityForUserID(r.Context(), userID)
}

// APIHandler wires the HTTP boundary to the services.
type APIHandler struct {
	logger       *logger.Logger
	identity     IdentityResolver
	reservations *service.ReservationService
	availability *service.AvailabilityService
	labs         *service.LabService
	resources    *service.ResourceService
	users        *service.UserService
	orgLocation  *time.Location
}

func NewAPIHandler(
	log *logger.Logger,
	identity IdentityResolver,
	reservations *service.ReservationService,
	availability *service.AvailabilityService,
	labs *service.LabService,
	resources *service.ResourceService,
	users *service.UserService,
	orgLocation *time.Location,
) *APIHandler {
	if orgLocation == nil {
		orgLocation = time.UTC
	}
	return &APIHandler{
		logger:       log,
		identity:     identity,
		reservations: reservations,
		availability: availability,
		labs:         labs,
		resources:    resources,
		users:        users,
		orgLocation:  orgLocation,
	}
}

// Register mounts every route on the mux.
func (h *APIHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/reservations", h.CreateReservation)
	mux.HandleFunc("GET /api/reservations", h.ListMyReservations)
	mux.HandleFunc("GET /api/reservations/pending", h.ListPendingReservations)
	mux.HandleFunc("GET /api/reservations/pending/count", h.CountPendingReservations)
	mux.HandleFunc("POST /api/reservations/{id}/status", h.SetReservationStatus)
	mux.HandleFunc("POST /api/reservations/{id}/cancel", h.CancelReservation)
	mux.HandleFunc("GET /api/resources/{id}/events", h.ResourceEvents)
	mux.HandleFunc("GET /api/labs", h.ListLabs)
	mux.HandleFunc("POST /api/labs", h.UpsertLab)
	mux.HandleFunc("DELETE /api/labs/{id}", h.DeleteLab)
	mux.HandleFunc("GET /api/labs/{id}/resources", h.ListLabResources)
	mux.HandleFunc("GET /api/labs/{id}/members", h.ListLabMembers)
	mux.HandleFunc("POST /api/resources", h.UpsertResource)
	mux.HandleFunc("DELETE /api/resources/{id}", h.DeleteResource)
	mux.HandleFunc("POST /api/blocks", h.CreateBlock)
	mux.HandleFunc("DELETE /api/blocks/{id}", h.DeleteBlock)
	mux.HandleFunc("POST /api/users", h.CreateUser)
	mux.HandleFunc("POST /api/auth/login", h.Login)
}

type createUserRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

func (h *APIHandler) CreateUser(w http.ResponseWriter, r *http.Request) {
	ident, err := h.identity.Resolve(r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	var req createUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}

	user, err := h.users.Create(r.Context(), ident, service.UserInput{
		Name:     req.Name,
		Email:    req.Email,
		Password: req.Password,
		Role:     models.Role(req.Role),
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, map[string]any{
		"result": service.ActionResult{Success: true, Message: "User created."},
		"user":   user,
	})
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Login verifies credentials and returns the caller identity. Session
// issuance is handled by the fronting proxy.
func (h *APIHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}

	ident, err := h.users.Authenticate(r.Context(), req.Email, req.Password)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"user_id":         ident.UserID,
		"role":            ident.Role,
		"managed_lab_ids": ident.ManagedLabIDs,
	})
}

type createReservationRequest struct {
	ResourceID    string `json:"resource_id"`
	Justification string `json:"justification"`
	Start         string `json:"start"`
	End           string `json:"end"`
	// Alternative local form: date + times composed in the organizational
	// timezone.
	Date      string `json:"date"`
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
}

func (h *APIHandler) CreateReservation(w http.ResponseWriter, r *http.Request) {
	ident, err := h.identity.Resolve(r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	var req createReservationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}
	defer func() {
		if cerr := r.Body.Close(); cerr != nil {
			h.logger.Warn("Failed to close request body", logger.Error(cerr))
		}
	}()

	start, end, err := h.composeInterval(req)
	if err != nil {
		h.writeError(w, err)
		return
	}

	reservation, err := h.reservations.Create(r.Context(), ident, service.CreateReservationInput{
		ResourceID:    req.ResourceID,
		Justification: req.Justification,
		Start:         start,
		End:           end,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, map[string]any{
		"result":      service.ActionResult{Success: true, Message: "Reservation requested. Awaiting approval."},
		"reservation": reservation,
	})
}

// composeInterval accepts either absolute RFC3339 instants or a local
// date + time pair interpreted in the organizational timezone.
func (h *APIHandler) composeInterval(req createReservationRequest) (time.Time, time.Time, error) {
	if req.Start != "" || req.End != "" {
		start, err := time.Parse(time.RFC3339, req.Start)
		if err != nil {
			return time.Time{}, time.Time{}, &service.ValidationError{Fields: map[string][]string{"start": {"Invalid start format; RFC3339 expected."}}}
		}
		end, err := time.Parse(time.RFC3339, req.End)
		if err != nil {
			return time.Time{}, time.Time{}, &service.ValidationError{Fields: map[string][]string{"end": {"Invalid end format; RFC3339 expected."}}}
		}
		return start, end, nil
	}

	start, err := time.ParseInLocation("2006-01-02 15:04", req.Date+" "+req.StartTime, h.orgLocation)
	if err != nil {
		return time.Time{}, time.Time{}, &service.ValidationError{Fields: map[string][]string{"start": {"Invalid date or start time."}}}
	}
	end, err := time.ParseInLocation("2006-01-02 15:04", req.Date+" "+req.EndTime, h.orgLocation)
	if err != nil {
		return time.Time{}, time.Time{}, &service.ValidationError{Fields: map[string][]string{"end": {"Invalid date or end time."}}}
	}
	return start, end, nil
}

func (h *APIHandler) ListMyReservations(w http.ResponseWriter, r *http.Request) {
	ident, err := h.identity.Resolve(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	reservations, err := h.reservations.ListForRequester(r.Context(), ident)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, reservations)
}

func (h *APIHandler) ListPendingReservations(w http.ResponseWriter, r *http.Request) {
	ident, err := h.identity.Resolve(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	reservations, err := h.reservations.ListPendingForManager(r.Context(), ident)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, reservations)
}

// CountPendingReservations backs the dashboard badge; callers outside the
// manager scope simply get zero.
func (h *APIHandler) CountPendingReservations(w http.ResponseWriter, r *http.Request) {
	ident, err := h.identity.Resolve(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	count, err := h.reservations.CountPendingForManager(r.Context(), ident)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]int{"pending": count})
}

type setStatusRequest struct {
	Status string `json:"status"`
}

func (h *APIHandler) SetReservationStatus(w http.ResponseWriter, r *http.Request) {
	ident, err := h.identity.Resolve(r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	var req setStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}

	reservation, err := h.reservations.SetStatus(r.Context(), ident, r.PathValue("id"), models.ReservationStatus(req.Status))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"result":      service.ActionResult{Success: true, Message: "Reservation " + string(reservation.Status) + "."},
		"reservation": reservation,
	})
}

func (h *APIHandler) CancelReservation(w http.ResponseWriter, r *http.Request) {
	ident, err := h.identity.Resolve(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	reservation, err := h.reservations.Cancel(r.Context(), ident, r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"result":      service.ActionResult{Success: true, Message: "Reservation cancelled."},
		"reservation": reservation,
	})
}

func (h *APIHandler) ResourceEvents(w http.ResponseWriter, r *http.Request) {
	if _, err := h.identity.Resolve(r); err != nil {
		h.writeError(w, err)
		return
	}

	query := r.URL.Query()
	winStart, err := time.Parse(time.RFC3339, query.Get("start"))
	if err != nil {
		h.writeError(w, &service.ValidationError{Fields: map[string][]string{"start": {"Invalid start format; RFC3339 expected."}}})
		return
	}
	winEnd, err := time.Parse(time.RFC3339, query.Get("end"))
	if err != nil {
		h.writeError(w, &service.ValidationError{Fields: map[string][]string{"end": {"Invalid end format; RFC3339 expected."}}})
		return
	}

	events, err := h.availability.Events(r.Context(), r.PathValue("id"), winStart, winEnd)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, events)
}

func (h *APIHandler) ListLabs(w http.ResponseWriter, r *http.Request) {
	ident, err := h.identity.Resolve(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	labs, err := h.labs.List(r.Context(), ident)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, labs)
}

type labRequest struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Description    string   `json:"description"`
	AcademicCenter string   `json:"academic_center"`
	ManagerIDs     []string `json:"manager_ids"`
	MemberIDs      []string `json:"member_ids"`
}

func (h *APIHandler) UpsertLab(w http.ResponseWriter, r *http.Request) {
	ident, err := h.identity.Resolve(r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	var req labRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}

	lab, err := h.labs.Upsert(r.Context(), ident, service.LabInput{
		ID:             req.ID,
		Name:           req.Name,
		Description:    req.Description,
		AcademicCenter: req.AcademicCenter,
		ManagerIDs:     req.ManagerIDs,
		MemberIDs:      req.MemberIDs,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"result": service.ActionResult{Success: true, Message: "Lab saved."},
		"lab":    lab,
	})
}

func (h *APIHandler) DeleteLab(w http.ResponseWriter, r *http.Request) {
	ident, err := h.identity.Resolve(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if err := h.labs.Delete(r.Context(), ident, r.PathValue("id")); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, service.ActionResult{Success: true, Message: "Lab deleted."})
}

func (h *APIHandler) ListLabResources(w http.ResponseWriter, r *http.Request) {
	ident, err := h.identity.Resolve(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	resources, err := h.resources.ListByLab(r.Context(), ident, r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, resources)
}

func (h *APIHandler) ListLabMembers(w http.ResponseWriter, r *http.Request) {
	ident, err := h.identity.Resolve(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	members, err := h.labs.Members(r.Context(), ident, r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, members)
}

type resourceRequest struct {
	ID           string `json:"id"`
	LabID        string `json:"lab_id"`
	Name         string `json:"name"`
	Description  string `json:"description"`
	Availability string `json:"availability"`
	WholeSpace   bool   `json:"whole_space"`
}

func (h *APIHandler) UpsertResource(w http.ResponseWriter, r *http.Request) {
	ident, err := h.identity.Resolve(r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	var req resourceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}

	resource, err := h.resources.Upsert(r.Context(), ident, service.ResourceInput{
		ID:           req.ID,
		LabID:        req.LabID,
		Name:         req.Name,
		Description:  req.Description,
		Availability: models.ResourceAvailability(req.Availability),
		WholeSpace:   req.WholeSpace,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"result":   service.ActionResult{Success: true, Message: "Resource saved."},
		"resource": resource,
	})
}

func (h *APIHandler) DeleteResource(w http.ResponseWriter, r *http.Request) {
	ident, err := h.identity.Resolve(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if err := h.resources.Delete(r.Context(), ident, r.PathValue("id")); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, service.ActionResult{Success: true, Message: "Resource deleted."})
}

type blockRequest struct {
	ResourceID string `json:"resource_id"`
	Start      string `json:"start"`
	End        string `json:"end"`
	Reason     string `json:"reason"`
}

func (h *APIHandler) CreateBlock(w http.ResponseWriter, r *http.Request) {
	ident, err := h.identity.Resolve(r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	var req blockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}

	start, err := time.Parse(time.RFC3339, req.Start)
	if err != nil {
		h.writeError(w, &service.ValidationError{Fields: map[string][]string{"start": {"Invalid start format; RFC3339 expected."}}})
		return
	}
	end, err := time.Parse(time.RFC3339, req.End)
	if err != nil {
		h.writeError(w, &service.ValidationError{Fields: map[string][]string{"end": {"Invalid end format; RFC3339 expected."}}})
		return
	}

	block, err := h.resources.CreateBlock(r.Context(), ident, service.BlockInput{
		ResourceID: req.ResourceID,
		Start:      start,
		End:        end,
		Reason:     req.Reason,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, map[string]any{
		"result": service.ActionResult{Success: true, Message: "Block created."},
		"block":  block,
	})
}

func (h *APIHandler) DeleteBlock(w http.ResponseWriter, r *http.Request) {
	ident, err := h.identity.Resolve(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if err := h.resources.RemoveBlock(r.Context(), ident, r.PathValue("id")); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, service.ActionResult{Success: true, Message: "Block removed."})
}

func (h *APIHandler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to encode response", logger.Error(err))
	}
}

func (h *APIHandler) writeError(w http.ResponseWriter, err error) {
	var validation *service.ValidationError
	var illegal *lifecycle.IllegalTransitionError
	var txErr *service.TxError

	status := http.StatusInternalServerError
	switch {
	case errors.As(err, &validation):
		status = http.StatusBadRequest
	case errors.Is(err, service.ErrUnauthenticated):
		status = http.StatusUnauthorized
	case errors.Is(err, service.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, service.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, service.ErrConflict), errors.Is(err, service.ErrReservationEnded), errors.As(err, &illegal):
		status = http.StatusConflict
	case errors.As(err, &txErr):
		h.logger.Error("Transaction failed", logger.Error(err))
	default:
		h.logger.Error("Unhandled error", logger.Error(err))
	}

	result := service.ResultFromError(err)
	if illegal != nil {
		result = service.ActionResult{Success: false, Message: "This reservation can no longer be updated to that status."}
	}
	h.writeJSON(w, status, result)
}
