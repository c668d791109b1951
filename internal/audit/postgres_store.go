package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore appends events to the audit_events table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a PostgresStore backed by the given pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Emit inserts ev. Rows are never updated or deleted.
func (s *PostgresStore) Emit(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("encoding audit payload: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO audit_events (occurred_at, actor_id, kind, payload)
		VALUES ($1, $2, $3, $4)`,
		ev.Timestamp, ev.ActorID, ev.Kind, payload,
	)
	if err != nil {
		return fmt.Errorf("inserting audit event: %w", err)
	}
	return nil
}
