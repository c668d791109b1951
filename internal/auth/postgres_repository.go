package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// UserColumns is the users column list in ScanUser order.
const UserColumns = `id, email, password_hash, federated_subject, role, created_at, updated_at`

// PostgresRepository implements UserRepository using pgxpool.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new UserRepository backed by the given connection pool.
func NewRepository(pool *pgxpool.Pool) UserRepository {
	return &PostgresRepository{pool: pool}
}

// Create inserts a new user record. Emails are stored lower-cased.
func (r *PostgresRepository) Create(ctx context.Context, u *User) error {
	u.Email = NormalizeEmail(u.Email)
	if u.Role == "" {
		u.Role = RoleUser
	}

	query := `
		INSERT INTO users (email, password_hash, federated_subject, role)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at, updated_at`

	err := r.pool.QueryRow(ctx, query,
		u.Email,
		u.PasswordHash,
		u.FederatedSubject,
		string(u.Role),
	).Scan(&u.ID, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateEmail
		}
		return fmt.Errorf("inserting user: %w", err)
	}

	return nil
}

// GetByID retrieves a single user by its UUID.
func (r *PostgresRepository) GetByID(ctx context.Context, id uuid.UUID) (*User, error) {
	return r.scanOne(ctx, `SELECT `+UserColumns+` FROM users WHERE id = $1`, id)
}

// GetByEmail retrieves a single user by email (case-insensitive).
func (r *PostgresRepository) GetByEmail(ctx context.Context, email string) (*User, error) {
	return r.scanOne(ctx, `SELECT `+UserColumns+` FROM users WHERE email = $1`, NormalizeEmail(email))
}

// GetByFederatedSubject retrieves the user linked to the given IdP subject.
func (r *PostgresRepository) GetByFederatedSubject(ctx context.Context, subject string) (*User, error) {
	return r.scanOne(ctx, `SELECT `+UserColumns+` FROM users WHERE federated_subject = $1`, subject)
}

// UpdateRole sets the role of a user and returns the updated record.
func (r *PostgresRepository) UpdateRole(ctx context.Context, id uuid.UUID, role Role) (*User, error) {
	query := `
		UPDATE users
		SET role = $2, updated_at = NOW()
		WHERE id = $1
		RETURNING ` + UserColumns

	return r.scanOne(ctx, query, id, string(role))
}

// LinkFederatedSubject records the IdP subject for a user that has none yet.
// An existing link is left untouched.
func (r *PostgresRepository) LinkFederatedSubject(ctx context.Context, id uuid.UUID, subject string) error {
	query := `
		UPDATE users
		SET federated_subject = $2, updated_at = NOW()
		WHERE id = $1 AND federated_subject IS NULL`

	result, err := r.pool.Exec(ctx, query, id, subject)
	if err != nil {
		return fmt.Errorf("linking federated subject: %w", err)
	}

	if result.RowsAffected() == 0 {
		var exists bool
		err := r.pool.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM users WHERE id = $1)", id).Scan(&exists)
		if err != nil {
			return fmt.Errorf("checking user existence: %w", err)
		}
		if !exists {
			return ErrUserNotFound
		}
	}

	return nil
}

// UpsertFederated resolves a federated subject to a local user inside one transaction.
func (r *PostgresRepository) UpsertFederated(ctx context.Context, subject, email string, defaultRole Role) (*User, error) {
	email = NormalizeEmail(email)

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	u, err := ScanUser(tx.QueryRow(ctx, `SELECT `+UserColumns+` FROM users WHERE federated_subject = $1`, subject))
	if err == nil {
		return u, tx.Commit(ctx)
	}
	if !errors.Is(err, ErrUserNotFound) {
		return nil, fmt.Errorf("querying user by subject: %w", err)
	}

	if email != "" {
		u, err = ScanUser(tx.QueryRow(ctx, `
			UPDATE users
			SET federated_subject = $1, updated_at = NOW()
			WHERE email = $2 AND federated_subject IS NULL
			RETURNING `+UserColumns, subject, email))
		if err == nil {
			return u, tx.Commit(ctx)
		}
		if !errors.Is(err, ErrUserNotFound) {
			return nil, fmt.Errorf("linking user by email: %w", err)
		}
	}

	u, err = ScanUser(tx.QueryRow(ctx, `
		INSERT INTO users (email, federated_subject, role)
		VALUES ($1, $2, $3)
		RETURNING `+UserColumns, email, subject, string(defaultRole)))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrDuplicateEmail
		}
		return nil, fmt.Errorf("inserting federated user: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing transaction: %w", err)
	}
	return u, nil
}

// SetRoleByEmail upserts on the email unique key.
func (r *PostgresRepository) SetRoleByEmail(ctx context.Context, email string, role Role) (*User, error) {
	u, err := ScanUser(r.pool.QueryRow(ctx, `
		INSERT INTO users (email, role)
		VALUES ($1, $2)
		ON CONFLICT (email) DO UPDATE SET role = EXCLUDED.role, updated_at = NOW()
		RETURNING `+UserColumns, NormalizeEmail(email), string(role)))
	if err != nil {
		return nil, fmt.Errorf("setting role by email: %w", err)
	}
	return u, nil
}

func (r *PostgresRepository) scanOne(ctx context.Context, query string, args ...any) (*User, error) {
	u, err := ScanUser(r.pool.QueryRow(ctx, query, args...))
	if err != nil && !errors.Is(err, ErrUserNotFound) {
		return nil, fmt.Errorf("querying user: %w", err)
	}
	return u, err
}

// ScanUser scans a UserColumns row, mapping pgx.ErrNoRows to ErrUserNotFound.
func ScanUser(row pgx.Row) (*User, error) {
	var u User
	var role string
	err := row.Scan(
		&u.ID, &u.Email, &u.PasswordHash, &u.FederatedSubject,
		&role, &u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	u.Role = Role(role)
	return &u, nil
}

// NormalizeEmail trims and lower-cases an email address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
