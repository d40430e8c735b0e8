// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DB is the subset of *pgxpool.Pool the stores use. pgxmock pools satisfy it
// in tests.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// Connect opens a pool and verifies it with a ping.
func Connect(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	poolCfg.MaxConnLifetime = 30 * time.Minute
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS records (
	id          TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	seq         BIGSERIAL,
	code        TEXT NOT NULL UNIQUE,
	entity      TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	year        INTEGER NOT NULL DEFAULT 0,
	amount      DOUBLE PRECISION NOT NULL DEFAULT 0,
	object_type TEXT NOT NULL DEFAULT '',
	category    TEXT NOT NULL DEFAULT '',
	department  TEXT NOT NULL DEFAULT '',
	province    TEXT NOT NULL DEFAULT '',
	district    TEXT NOT NULL DEFAULT '',
	source_url  TEXT NOT NULL DEFAULT '',
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_records_seq ON records(seq);
CREATE INDEX IF NOT EXISTS idx_records_uncategorized ON records(seq) WHERE category = '';

CREATE TABLE IF NOT EXISTS operation_runs (
	operation_id  TEXT PRIMARY KEY,
	kind          TEXT NOT NULL,
	started_at    TIMESTAMPTZ NOT NULL,
	finished_at   TIMESTAMPTZ,
	status        TEXT NOT NULL,
	error_message TEXT
);
CREATE INDEX IF NOT EXISTS idx_operation_runs_status ON operation_runs(status);

CREATE TABLE IF NOT EXISTS operation_events (
	id               BIGSERIAL PRIMARY KEY,
	operation_id     TEXT NOT NULL,
	type             TEXT NOT NULL,
	at               TIMESTAMPTZ NOT NULL,
	step             INTEGER NOT NULL DEFAULT 0,
	total            INTEGER NOT NULL DEFAULT 0,
	percentage       INTEGER NOT NULL DEFAULT 0,
	message          TEXT NOT NULL DEFAULT '',
	credential_alias TEXT NOT NULL DEFAULT '',
	payload          JSONB
);
CREATE INDEX IF NOT EXISTS idx_operation_events_op ON operation_events(operation_id, id);

CREATE TABLE IF NOT EXISTS credential_usage (
	id            BIGSERIAL PRIMARY KEY,
	credential_id TEXT NOT NULL,
	at            TIMESTAMPTZ NOT NULL,
	kind          TEXT NOT NULL DEFAULT '',
	outcome       TEXT NOT NULL,
	message       TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_credential_usage_cred ON credential_usage(credential_id, at DESC);
`

// Migrate creates the tables the stores need. It is idempotent.
func Migrate(ctx context.Context, db DB) error {
	if _, err := db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}
