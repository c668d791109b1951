package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const recordColumns = `id, subject_id, family_id, parent_id, device_label, token_hash,
	issued_at, expires_at, revoked_at, revoked_reason`

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a Store backed by the given connection pool.
func NewPostgresStore(pool *pgxpool.Pool) Store {
	return &PostgresStore{pool: pool}
}

const insertRecord = `
	INSERT INTO refresh_tokens (id, subject_id, family_id, parent_id, device_label, token_hash, issued_at, expires_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

// Create inserts a new refresh token record.
func (s *PostgresStore) Create(ctx context.Context, rec *Record) error {
	_, err := s.pool.Exec(ctx, insertRecord,
		rec.ID, rec.SubjectID, rec.FamilyID, rec.ParentID, rec.DeviceLabel,
		rec.TokenHash, rec.IssuedAt, rec.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("inserting refresh token: %w", err)
	}
	return nil
}

// Get retrieves a refresh token record by id.
func (s *PostgresStore) Get(ctx context.Context, id uuid.UUID) (*Record, error) {
	var rec Record
	var reason *string
	err := s.pool.QueryRow(ctx, `SELECT `+recordColumns+` FROM refresh_tokens WHERE id = $1`, id).Scan(
		&rec.ID, &rec.SubjectID, &rec.FamilyID, &rec.ParentID, &rec.DeviceLabel, &rec.TokenHash,
		&rec.IssuedAt, &rec.ExpiresAt, &rec.RevokedAt, &reason,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying refresh token: %w", err)
	}
	if reason != nil {
		rec.RevokedReason = *reason
	}
	return &rec, nil
}

// Rotate revokes oldID and inserts successor in one transaction. The
// conditional UPDATE takes the row lock, so of two concurrent rotations of
// the same token exactly one sees RowsAffected() == 1.
func (s *PostgresStore) Rotate(ctx context.Context, oldID uuid.UUID, successor *Record, now time.Time) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	result, err := tx.Exec(ctx, `
		UPDATE refresh_tokens
		SET revoked_at = $2, revoked_reason = $3
		WHERE id = $1 AND revoked_at IS NULL AND expires_at > $2`,
		oldID, now, ReasonRotated,
	)
	if err != nil {
		return fmt.Errorf("revoking rotated refresh token: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotActive
	}

	_, err = tx.Exec(ctx, insertRecord,
		successor.ID, successor.SubjectID, successor.FamilyID, successor.ParentID, successor.DeviceLabel,
		successor.TokenHash, successor.IssuedAt, successor.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("inserting successor refresh token: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing rotation: %w", err)
	}
	return nil
}

// Revoke revokes a single token if it is still unrevoked.
func (s *PostgresStore) Revoke(ctx context.Context, id uuid.UUID, reason string, now time.Time) error {
	result, err := s.pool.Exec(ctx, `
		UPDATE refresh_tokens
		SET revoked_at = $2, revoked_reason = $3
		WHERE id = $1 AND revoked_at IS NULL`,
		id, now, reason,
	)
	if err != nil {
		return fmt.Errorf("revoking refresh token: %w", err)
	}

	if result.RowsAffected() == 0 {
		var exists bool
		err := s.pool.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM refresh_tokens WHERE id = $1)", id).Scan(&exists)
		if err != nil {
			return fmt.Errorf("checking refresh token existence: %w", err)
		}
		if !exists {
			return ErrNotFound
		}
		return ErrNotActive
	}
	return nil
}

// RevokeFamily revokes every unrevoked token sharing familyID.
func (s *PostgresStore) RevokeFamily(ctx context.Context, familyID uuid.UUID, reason string, now time.Time) (int64, error) {
	result, err := s.pool.Exec(ctx, `
		UPDATE refresh_tokens
		SET revoked_at = $2, revoked_reason = $3
		WHERE family_id = $1 AND revoked_at IS NULL`,
		familyID, now, reason,
	)
	if err != nil {
		return 0, fmt.Errorf("revoking refresh token family: %w", err)
	}
	return result.RowsAffected(), nil
}

// SweepExpired marks expired, unrevoked tokens revoked.
func (s *PostgresStore) SweepExpired(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.pool.Exec(ctx, `
		UPDATE refresh_tokens
		SET revoked_at = $1, revoked_reason = $2
		WHERE revoked_at IS NULL AND expires_at <= $1`,
		now, ReasonExpired,
	)
	if err != nil {
		return 0, fmt.Errorf("sweeping expired refresh tokens: %w", err)
	}
	return result.RowsAffected(), nil
}
