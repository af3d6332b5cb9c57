package storage

import (
	"context"
	"fmt"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS price_samples (
        id          BIGSERIAL PRIMARY KEY,
        asset       TEXT        NOT NULL,
        price       NUMERIC     NOT NULL CHECK (price >= 0),
        market_cap  NUMERIC     NOT NULL CHECK (market_cap >= 0),
        change_24h  NUMERIC     NOT NULL,
        observed_at TIMESTAMPTZ NOT NULL,
        source      TEXT        NOT NULL DEFAULT '',
        created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
    );`,
	`CREATE INDEX IF NOT EXISTS price_samples_asset_observed_idx
        ON price_samples (asset, observed_at DESC);`,
	`CREATE TABLE IF NOT EXISTS ingestion_runs (
        run_id      TEXT        PRIMARY KEY,
        trigger     TEXT        NOT NULL,
        started_at  TIMESTAMPTZ NOT NULL,
        duration_ms BIGINT      NOT NULL,
        succeeded   TEXT[]      NOT NULL DEFAULT '{}',
        failed      JSONB       NOT NULL DEFAULT '{}'::jsonb,
        created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
    );`,
}

// EnsureSchema creates the tables the worker reads and writes when they are missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	for _, stmt := range schemaStatements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
