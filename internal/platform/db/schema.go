package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// schema is applied idempotently on startup. The relay owns exactly one
// table; anything larger belongs to the main application's migrations.
const schema = `
CREATE TABLE IF NOT EXISTS usage_record (
    id UUID PRIMARY KEY,
    session_id VARCHAR(64) NOT NULL,
    owner_id VARCHAR(64) NOT NULL,
    consumer_kind VARCHAR(32) NOT NULL,
    input_tokens INTEGER NOT NULL DEFAULT 0,
    output_tokens INTEGER NOT NULL DEFAULT 0,
    total_tokens INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_usage_record_session ON usage_record (session_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_usage_record_owner ON usage_record (owner_id, created_at DESC);
`

// EnsureSchema creates the usage accounting table and its indexes if they do
// not already exist.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure usage schema: %w", err)
	}
	return nil
}
