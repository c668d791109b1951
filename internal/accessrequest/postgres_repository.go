package accessrequest

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ethixai/ethixai/internal/auth"
)

const columns = `id, requester_id, email, name, reason, requested_role, status,
		       created_at, decided_by, decided_at, email_user`

// PostgresRepository implements Repository using pgxpool.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new Repository backed by the given connection pool.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &PostgresRepository{pool: pool}
}

// Create inserts a new pending request.
func (r *PostgresRepository) Create(ctx context.Context, req *AccessRequest) error {
	req.Email = auth.NormalizeEmail(req.Email)
	if req.RequestedRole == "" {
		req.RequestedRole = auth.RoleAdmin
	}
	req.Status = StatusPending

	query := `
		INSERT INTO access_requests (requester_id, email, name, reason, requested_role, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at`

	err := r.pool.QueryRow(ctx, query,
		req.RequesterID,
		req.Email,
		req.Name,
		req.Reason,
		string(req.RequestedRole),
		string(req.Status),
	).Scan(&req.ID, &req.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting access request: %w", err)
	}
	return nil
}

// Get retrieves a single request by its UUID.
func (r *PostgresRepository) Get(ctx context.Context, id uuid.UUID) (*AccessRequest, error) {
	req, err := scanRequest(r.pool.QueryRow(ctx, `SELECT `+columns+` FROM access_requests WHERE id = $1`, id))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("querying access request: %w", err)
	}
	return req, err
}

// List retrieves a paginated list of requests, newest first.
func (r *PostgresRepository) List(ctx context.Context, filter ListFilter) (*ListResult, error) {
	filter.normalize()

	var conditions []string
	var args []any
	argIdx := 1

	if filter.Status != nil {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argIdx))
		args = append(args, string(*filter.Status))
		argIdx++
	}

	whereClause := ""
	if len(conditions) > 0 {
		whereClause = "WHERE " + strings.Join(conditions, " AND ")
	}

	var total int
	err := r.pool.QueryRow(ctx, fmt.Sprintf("SELECT COUNT(*) FROM access_requests %s", whereClause), args...).Scan(&total)
	if err != nil {
		return nil, fmt.Errorf("counting access requests: %w", err)
	}

	offset := (filter.Page - 1) * filter.Limit
	dataQuery := fmt.Sprintf(`
		SELECT %s
		FROM access_requests
		%s
		ORDER BY created_at DESC
		LIMIT $%d OFFSET $%d`, columns, whereClause, argIdx, argIdx+1)
	args = append(args, filter.Limit, offset)

	rows, err := r.pool.Query(ctx, dataQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("listing access requests: %w", err)
	}
	defer rows.Close()

	requests := []AccessRequest{}
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning access request row: %w", err)
		}
		requests = append(requests, *req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating access request rows: %w", err)
	}

	return &ListResult{
		Requests: requests,
		Total:    total,
		Page:     filter.Page,
		Limit:    filter.Limit,
	}, nil
}

// Approve marks a pending request approved and grants the requested role to
// the user with the request's email, creating the user if needed. Both happen
// in one transaction.
func (r *PostgresRepository) Approve(ctx context.Context, id uuid.UUID, d Decision) (*AccessRequest, *auth.User, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	req, err := decide(ctx, tx, id, StatusApproved, d)
	if err != nil {
		return nil, nil, err
	}

	u, err := auth.ScanUser(tx.QueryRow(ctx, `
		INSERT INTO users (email, role)
		VALUES ($1, $2)
		ON CONFLICT (email) DO UPDATE SET role = EXCLUDED.role, updated_at = NOW()
		RETURNING `+auth.UserColumns, req.Email, string(req.RequestedRole)))
	if err != nil {
		return nil, nil, fmt.Errorf("granting role: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, fmt.Errorf("committing transaction: %w", err)
	}
	return req, u, nil
}

// Reject marks a pending request rejected.
func (r *PostgresRepository) Reject(ctx context.Context, id uuid.UUID, d Decision) (*AccessRequest, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	req, err := decide(ctx, tx, id, StatusRejected, d)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing transaction: %w", err)
	}
	return req, nil
}

// decide transitions a pending request with a conditional update. When no row
// matches, it distinguishes a missing request from one already decided.
func decide(ctx context.Context, tx pgx.Tx, id uuid.UUID, to Status, d Decision) (*AccessRequest, error) {
	req, err := scanRequest(tx.QueryRow(ctx, `
		UPDATE access_requests
		SET status = $2, decided_by = $3, decided_at = NOW(), email_user = $4
		WHERE id = $1 AND status = 'pending'
		RETURNING `+columns, id, string(to), d.DecidedBy, d.EmailUser))
	if err == nil {
		return req, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("deciding access request: %w", err)
	}

	var exists bool
	if err := tx.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM access_requests WHERE id = $1)", id).Scan(&exists); err != nil {
		return nil, fmt.Errorf("checking access request existence: %w", err)
	}
	if !exists {
		return nil, ErrNotFound
	}
	return nil, ErrAlreadyDecided
}

func scanRequest(row pgx.Row) (*AccessRequest, error) {
	var req AccessRequest
	var role, status string
	err := row.Scan(
		&req.ID, &req.RequesterID, &req.Email, &req.Name, &req.Reason,
		&role, &status, &req.CreatedAt, &req.DecidedBy, &req.DecidedAt, &req.EmailUser,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	req.RequestedRole = auth.Role(role)
	req.Status = Status(status)
	return &req, nil
}
