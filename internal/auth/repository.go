package auth

import (
	"context"

	"github.com/google/uuid"
)

// UserRepository provides operations on the users table.
type UserRepository interface {
	Create(ctx context.Context, user *User) error
	GetByID(ctx context.Context, id uuid.UUID) (*User, error)
	GetByEmail(ctx context.Context, email string) (*User, error)
	GetByFederatedSubject(ctx context.Context, subject string) (*User, error)
	UpdateRole(ctx context.Context, id uuid.UUID, role Role) (*User, error)
	LinkFederatedSubject(ctx context.Context, id uuid.UUID, subject string) error
	// UpsertFederated returns the user linked to subject, linking an existing
	// user with the same email or creating one with defaultRole when neither exists.
	UpsertFederated(ctx context.Context, subject, email string, defaultRole Role) (*User, error)
	// SetRoleByEmail sets the role of the user with email, creating a
	// password-less user when none exists.
	SetRoleByEmail(ctx context.Context, email string, role Role) (*User, error)
}
