// Package postgres implements the MetaStore on PostgreSQL via pgx.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DB wraps a PostgreSQL connection pool
type DB struct {
	Pool *pgxpool.Pool
}

// New creates a new PostgreSQL connection pool
func New(ctx context.Context, databaseURL string) (*DB, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Verify connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{Pool: pool}, nil
}

// Migrate creates the documents table when it does not exist yet.
func (db *DB) Migrate(ctx context.Context) error {
	const ddl = `
		CREATE TABLE IF NOT EXISTS documents (
			doc_id        TEXT PRIMARY KEY,
			tenant_id     TEXT NOT NULL,
			scope         TEXT NOT NULL,
			workspace_id  TEXT,
			principal_id  TEXT,
			filename      TEXT NOT NULL,
			content_type  TEXT NOT NULL,
			storage_path  TEXT NOT NULL,
			status        TEXT NOT NULL,
			stage         TEXT NOT NULL,
			progress      INT NOT NULL DEFAULT 0,
			error_message TEXT,
			chunk_count   INT NOT NULL DEFAULT 0,
			entity_count  INT NOT NULL DEFAULT 0,
			created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS documents_tenant_status_idx
			ON documents (tenant_id, status);
	`
	if _, err := db.Pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("failed to migrate documents table: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (db *DB) Ping(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

// Close closes the connection pool
func (db *DB) Close() {
	db.Pool.Close()
}
