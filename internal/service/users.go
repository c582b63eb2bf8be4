package service

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/reservalab/reserva-lab/api/internal/logger"
	"github.com/reservalab/reserva-lab/api/internal/models"
	"github.com/reservalab/reserva-lab/api/internal/store"
)

const minPasswordLength = 8

// UserService manages user records and credential checks. Session transport
// lives outside the core; Authenticate only turns credentials into an
// Identity.
type UserService struct {
	logger *logger.Logger
	store  store.Store
	clock  Clock
}

func NewUserService(log *logger.Logger, st store.Store, clock Clock) *UserService {
	if clock == nil {
		clock = RealClock{}
	}
	return &UserService{logger: log, store: st, clock: clock}
}

// UserInput is the admin payload for creating a user.
type UserInput struct {
	Name     string
	Email    string
	Password string
	Role     models.Role
}

// Create registers a user with a bcrypt-hashed password. Admin only.
func (s *UserService) Create(ctx context.Context, ident Identity, in UserInput) (*models.User, error) {
	if ident.UserID == "" {
		return nil, ErrUnauthenticated
	}
	if !ident.IsAdmin() {
		return nil, ErrForbidden
	}

	fields := make(map[string][]string)
	if in.Name == "" {
		fields["name"] = append(fields["name"], "The name is required.")
	}
	if !strings.Contains(in.Email, "@") {
		fields["email"] = append(fields["email"], "A valid email address is required.")
	}
	if len(in.Password) < minPasswordLength {
		fields["password"] = append(fields["password"], "The password must be at least 8 characters long.")
	}
	switch in.Role {
	case models.RoleUser, models.RoleManager, models.RoleAdmin:
	case "":
		in.Role = models.RoleUser
	default:
		fields["role"] = append(fields["role"], "Unknown role.")
	}
	if len(fields) > 0 {
		return nil, &ValidationError{Fields: fields}
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	user := &models.User{
		ID:           uuid.New().String(),
		Name:         in.Name,
		Email:        strings.ToLower(in.Email),
		PasswordHash: string(hash),
		Role:         in.Role,
		CreatedAt:    s.clock.Now(),
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		return nil, err
	}

	s.logger.Info("User created",
		logger.Action("create_user"),
		logger.User(user.ID),
		logger.F("ROLE", string(user.Role)))
	return user, nil
}

// Authenticate checks credentials and builds the caller Identity, loading
// the managed-lab scope from the membership relation.
func (s *UserService) Authenticate(ctx context.Context, email, password string) (Identity, error) {
	user, err := s.store.GetUserByEmail(ctx, strings.ToLower(email))
	if errors.Is(err, store.ErrNotFound) {
		return Identity{}, ErrUnauthenticated
	}
	if err != nil {
		return Identity{}, err
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return Identity{}, ErrUnauthenticated
	}

	return s.IdentityFor(ctx, user)
}

// IdentityFor builds the Identity for an already-verified user.
func (s *UserService) IdentityFor(ctx context.Context, user *models.User) (Identity, error) {
	managed, err := s.store.ManagedLabIDs(ctx, user.ID)
	if err != nil {
		return Identity{}, err
	}
	return Identity{UserID: user.ID, Role: user.Role, ManagedLabIDs: managed}, nil
}

// IdentityForUserID resolves a user id (e.g. from an upstream session) into
// an Identity.
func (s *UserService) IdentityForUserID(ctx context.Context, userID string) (Identity, error) {
	user, err := s.store.GetUser(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return Identity{}, ErrUnauthenticated
	}
	if err != nil {
		return Identity{}, err
	}
	return s.IdentityFor(ctx, user)
}
