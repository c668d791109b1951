package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// Service provides local account operations.
type Service struct {
	userRepo   UserRepository
	bcryptCost int
	dummyHash  []byte
}

// NewService creates a new auth Service.
func NewService(userRepo UserRepository, bcryptCost int) *Service {
	if bcryptCost < bcrypt.MinCost {
		bcryptCost = bcrypt.DefaultCost
	}
	// Compared against when the email is unknown so both failure paths cost one bcrypt run.
	dummy, _ := bcrypt.GenerateFromPassword([]byte("ethixai-dummy-password"), bcryptCost)
	return &Service{
		userRepo:   userRepo,
		bcryptCost: bcryptCost,
		dummyHash:  dummy,
	}
}

// Register creates a local user with the default role.
func (s *Service) Register(ctx context.Context, email, password string) (*User, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.bcryptCost)
	if err != nil {
		return nil, fmt.Errorf("hashing password: %w", err)
	}
	h := string(hash)

	u := &User{
		Email:        email,
		PasswordHash: &h,
		Role:         RoleUser,
	}
	if err := s.userRepo.Create(ctx, u); err != nil {
		if errors.Is(err, ErrDuplicateEmail) {
			return nil, err
		}
		return nil, fmt.Errorf("creating user: %w", err)
	}

	slog.Info("user registered", "userId", u.ID)
	return u, nil
}

// Authenticate verifies local credentials. Unknown email and wrong password
// both return ErrInvalidCredentials.
func (s *Service) Authenticate(ctx context.Context, email, password string) (*User, error) {
	u, err := s.userRepo.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			_ = bcrypt.CompareHashAndPassword(s.dummyHash, []byte(password))
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("finding user: %w", err)
	}

	if u.PasswordHash == nil {
		_ = bcrypt.CompareHashAndPassword(s.dummyHash, []byte(password))
		return nil, ErrInvalidCredentials
	}

	if bcrypt.CompareHashAndPassword([]byte(*u.PasswordHash), []byte(password)) != nil {
		return nil, ErrInvalidCredentials
	}

	return u, nil
}

// ProvisionFederated maps a verified federated identity onto a local user.
// The local role is authoritative; claimRole only seeds a newly created user
// and falls back to RoleUser when absent or invalid.
func (s *Service) ProvisionFederated(ctx context.Context, subject, email string, claimRole Role) (*User, error) {
	if subject == "" || email == "" {
		return nil, fmt.Errorf("%w: subject and email are required", ErrFederatedVerificationFailed)
	}

	seed := claimRole
	if !seed.IsValid() {
		seed = RoleUser
	}

	u, err := s.userRepo.UpsertFederated(ctx, subject, email, seed)
	if err != nil {
		if errors.Is(err, ErrDuplicateEmail) {
			return nil, fmt.Errorf("%w: email already linked to another subject", ErrFederatedVerificationFailed)
		}
		return nil, fmt.Errorf("provisioning federated user: %w", err)
	}
	return u, nil
}

// GetUser returns the user with the given id.
func (s *Service) GetUser(ctx context.Context, id uuid.UUID) (*User, error) {
	return s.userRepo.GetByID(ctx, id)
}

// SetRole updates the local role of a user. The local store is the source of truth.
func (s *Service) SetRole(ctx context.Context, id uuid.UUID, role Role) (*User, error) {
	if !role.IsValid() {
		return nil, ErrInvalidRole
	}
	u, err := s.userRepo.UpdateRole(ctx, id, role)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("updating role: %w", err)
	}
	slog.Info("user role updated", "userId", id, "role", role)
	return u, nil
}

// Promote sets the role of the user with email, creating the user when none
// exists. A created user has no password and signs in through federation.
func (s *Service) Promote(ctx context.Context, email string, role Role) (*User, error) {
	if !role.IsValid() {
		return nil, ErrInvalidRole
	}
	email = NormalizeEmail(email)
	if email == "" {
		return nil, fmt.Errorf("promoting user: email is required")
	}
	u, err := s.userRepo.SetRoleByEmail(ctx, email, role)
	if err != nil {
		return nil, fmt.Errorf("promoting user: %w", err)
	}
	slog.Info("user promoted", "userId", u.ID, "role", role)
	return u, nil
}

// CurrentRole returns the stored role for subjectID. It satisfies the token
// package's RoleResolver so rotated access tokens carry the current role.
func (s *Service) CurrentRole(ctx context.Context, subjectID string) (Role, error) {
	id, err := uuid.Parse(subjectID)
	if err != nil {
		return "", ErrUserNotFound
	}
	u, err := s.userRepo.GetByID(ctx, id)
	if err != nil {
		return "", err
	}
	return u.Role, nil
}
