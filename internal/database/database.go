package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Connect opens a pgx connection pool using the provided DSN.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	cfg.MaxConns = 8
	cfg.MaxConnIdleTime = 5 * time.Minute
	return pgxpool.NewWithConfig(ctx, cfg)
}

// EnsureSchema creates the build pipeline tables if needed. Keeping the
// migration in code lets docker-compose bootstrap a working stack.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	const stmt = `
CREATE TABLE IF NOT EXISTS builds (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	platform TEXT NOT NULL,
	app_name TEXT NOT NULL,
	package_id TEXT,
	version_name TEXT,
	version_code INT NOT NULL DEFAULT 1,
	target_url TEXT NOT NULL,
	privacy_policy TEXT,
	status TEXT NOT NULL,
	progress INT NOT NULL DEFAULT 0,
	error_message TEXT,
	output_file_path TEXT,
	download_url TEXT,
	icon_url TEXT,
	github_run_id BIGINT,
	github_artifact_url TEXT,
	syncing_since TIMESTAMPTZ,
	expires_at TIMESTAMPTZ NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_builds_user ON builds(user_id);
CREATE INDEX IF NOT EXISTS idx_builds_status ON builds(status);
CREATE INDEX IF NOT EXISTS idx_builds_expires ON builds(expires_at);

CREATE TABLE IF NOT EXISTS user_wallets (
	user_id TEXT PRIMARY KEY,
	daily_builds_limit INT NOT NULL,
	daily_builds_used INT NOT NULL DEFAULT 0,
	daily_builds_reset_at TEXT NOT NULL,
	file_retention_days INT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS build_shares (
	code TEXT PRIMARY KEY,
	build_id TEXT NOT NULL REFERENCES builds(id) ON DELETE CASCADE,
	password_hash TEXT,
	access_count INT NOT NULL DEFAULT 0,
	expires_at TIMESTAMPTZ NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);`
	if _, err := pool.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
