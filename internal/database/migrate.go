package database

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"slices"
	"strings"

	"github.com/jackc/pgx/v5"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migrate applies every embedded *.up.sql file not yet recorded in
// schema_migrations, in file name order. Each file runs in its own
// transaction together with its bookkeeping row.
func (db *DB) Migrate(ctx context.Context) ([]string, error) {
	if _, err := db.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`); err != nil {
		return nil, fmt.Errorf("creating schema_migrations: %w", err)
	}

	versions, err := upMigrations()
	if err != nil {
		return nil, err
	}

	// Serialise concurrent replicas starting at the same time.
	conn, err := db.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquiring connection: %w", err)
	}
	defer conn.Release()
	if _, err := conn.Exec(ctx, "SELECT pg_advisory_lock(hashtext('ethixai_migrations'))"); err != nil {
		return nil, fmt.Errorf("taking migration lock: %w", err)
	}
	defer func() {
		_, _ = conn.Exec(context.WithoutCancel(ctx), "SELECT pg_advisory_unlock(hashtext('ethixai_migrations'))")
	}()

	var applied []string
	for _, version := range versions {
		ok, err := apply(ctx, conn.Conn(), version)
		if err != nil {
			return applied, err
		}
		if ok {
			slog.Info("migration applied", "version", version)
			applied = append(applied, version)
		}
	}
	return applied, nil
}

func upMigrations() ([]string, error) {
	names, err := fs.Glob(migrationFiles, "migrations/*.up.sql")
	if err != nil {
		return nil, fmt.Errorf("listing migrations: %w", err)
	}
	versions := make([]string, len(names))
	for i, name := range names {
		versions[i] = strings.TrimSuffix(strings.TrimPrefix(name, "migrations/"), ".up.sql")
	}
	slices.Sort(versions)
	return versions, nil
}

func apply(ctx context.Context, conn *pgx.Conn, version string) (bool, error) {
	tx, err := conn.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("beginning migration %s: %w", version, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, "INSERT INTO schema_migrations (version) VALUES ($1) ON CONFLICT DO NOTHING", version)
	if err != nil {
		return false, fmt.Errorf("recording migration %s: %w", version, err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	body, err := migrationFiles.ReadFile("migrations/" + version + ".up.sql")
	if err != nil {
		return false, fmt.Errorf("reading migration %s: %w", version, err)
	}
	if _, err := tx.Exec(ctx, string(body)); err != nil {
		return false, fmt.Errorf("applying migration %s: %w", version, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("committing migration %s: %w", version, err)
	}
	return true, nil
}
