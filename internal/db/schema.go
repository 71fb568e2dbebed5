package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS market_cache (
		id              BIGSERIAL PRIMARY KEY,
		normalized_name TEXT        NOT NULL UNIQUE,
		payload         JSONB       NOT NULL,
		cached_at       TIMESTAMPTZ NOT NULL,
		expires_at      TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_market_cache_expires_at ON market_cache (expires_at)`,
	`CREATE TABLE IF NOT EXISTS quota_ledger (
		date  DATE    PRIMARY KEY,
		count INTEGER NOT NULL DEFAULT 0 CHECK (count >= 0)
	)`,
}

// Migrate creates the tables the origin service needs. Safe to run on every
// start.
func Migrate(ctx context.Context, p *pgxpool.Pool) error {
	for i, stmt := range migrations {
		if _, err := p.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
	}
	return nil
}
