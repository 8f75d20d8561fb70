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

// EnsureSchema creates the pipeline tables if needed. The uniqueness
// constraints on external_id and post_id are the source of truth for
// idempotency: concurrent duplicate attempts fail safely at the storage
// layer instead of racing in memory.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	const stmt = `
CREATE TABLE IF NOT EXISTS items (
	id TEXT PRIMARY KEY,
	external_id TEXT NOT NULL UNIQUE,
	title TEXT NOT NULL,
	community TEXT NOT NULL,
	score BIGINT NOT NULL DEFAULT 0,
	posted_at TIMESTAMPTZ,
	body TEXT NOT NULL DEFAULT '',
	summary TEXT NOT NULL DEFAULT '',
	tags TEXT[],
	analysis TEXT NOT NULL DEFAULT '',
	content_hash TEXT NOT NULL DEFAULT '',
	post_id TEXT UNIQUE,
	post_url TEXT,
	post_slug TEXT,
	status TEXT NOT NULL,
	removal_status TEXT NOT NULL DEFAULT 'active',
	finalize_after TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_items_status ON items(status);
CREATE INDEX IF NOT EXISTS idx_items_removal ON items(removal_status, finalize_after);
CREATE TABLE IF NOT EXISTS processing_records (
	id BIGSERIAL PRIMARY KEY,
	item_id TEXT,
	stage TEXT NOT NULL,
	outcome TEXT NOT NULL,
	error_detail TEXT NOT NULL DEFAULT '',
	duration_ms BIGINT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_records_stage_created ON processing_records(stage, created_at);
CREATE TABLE IF NOT EXISTS takedown_audits (
	id BIGSERIAL PRIMARY KEY,
	item_id TEXT NOT NULL,
	contact TEXT NOT NULL DEFAULT '',
	reason TEXT NOT NULL DEFAULT '',
	transition TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audits_item ON takedown_audits(item_id);`
	_, err := pool.Exec(ctx, stmt)
	if err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
