package accessrequest

import (
	"context"

	"github.com/google/uuid"

	"github.com/ethixai/ethixai/internal/auth"
)

// Repository persists access requests. Approve applies the decision and the
// role grant atomically.
type Repository interface {
	Create(ctx context.Context, req *AccessRequest) error
	Get(ctx context.Context, id uuid.UUID) (*AccessRequest, error)
	List(ctx context.Context, filter ListFilter) (*ListResult, error)
	Approve(ctx context.Context, id uuid.UUID, d Decision) (*AccessRequest, *auth.User, error)
	Reject(ctx context.Context, id uuid.UUID, d Decision) (*AccessRequest, error)
}
