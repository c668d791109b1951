package token

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a refresh token record does not exist.
var ErrNotFound = errors.New("refresh token not found")

// ErrNotActive is returned by conditional updates when the record was already
// revoked or expired at the time of the update.
var ErrNotActive = errors.New("refresh token not active")

// Store persists refresh token records.
type Store interface {
	Create(ctx context.Context, rec *Record) error
	Get(ctx context.Context, id uuid.UUID) (*Record, error)
	// Rotate revokes oldID with ReasonRotated and inserts successor as one atomic
	// step. The revocation is conditional on oldID being active at now; when it
	// is not, nothing is written and ErrNotActive is returned.
	Rotate(ctx context.Context, oldID uuid.UUID, successor *Record, now time.Time) error
	// Revoke revokes id if it is still unrevoked. Returns ErrNotActive otherwise.
	Revoke(ctx context.Context, id uuid.UUID, reason string, now time.Time) error
	// RevokeFamily revokes every unrevoked token in the rotation chain.
	RevokeFamily(ctx context.Context, familyID uuid.UUID, reason string, now time.Time) (int64, error)
	// SweepExpired marks expired, unrevoked tokens revoked with ReasonExpired.
	SweepExpired(ctx context.Context, now time.Time) (int64, error)
}
