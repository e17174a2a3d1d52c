// Package store is the analytical store: Postgres via pgx/v5, holding
// enriched ticks, bars, curves, the reference table, and the served
// projection tables. Grounded in the teacher's database/migrate.go
// (a hand-rolled, sql.DB-based migration runner) and tickstore's
// sqlite_store.go (a concrete store implementation with
// prepared-statement CRUD); rebuilt here on pgxpool because the
// teacher's own deployment target (TimescaleDB/Postgres, per
// storage.go's comments) calls for a real Postgres driver rather than
// database/sql plus lib/pq or a sqlite file store.
package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store bundles a connection pool and the bootstrap/migration surface
// every sub-store (Ticks, Bars, Curves, Reference, Projections) shares.
type Store struct {
	Pool *pgxpool.Pool
}

func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening analytical store: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging analytical store: %w", err)
	}
	return &Store{Pool: pool}, nil
}

func (s *Store) Close() { s.Pool.Close() }

// schemaStatements mirrors the teacher's Migrator in spirit — an
// ordered list of idempotent DDL statements applied at startup — but
// trimmed to CREATE TABLE IF NOT EXISTS/CREATE INDEX IF NOT EXISTS,
// since this pipeline owns a handful of tables rather than the
// teacher's full brokerage schema and doesn't need version tracking,
// dry-run, or rollback SQL.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS silver_ticks (
		tenant_id      TEXT NOT NULL,
		instrument_id  TEXT NOT NULL,
		event_time     TIMESTAMPTZ NOT NULL,
		source_id      TEXT NOT NULL,
		price          NUMERIC NOT NULL,
		volume         NUMERIC NOT NULL,
		quality_flags  TEXT[] NOT NULL,
		metadata       JSONB NOT NULL DEFAULT '{}',
		received_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (tenant_id, instrument_id, event_time, source_id)
	)`,

	`CREATE TABLE IF NOT EXISTS enriched_ticks (
		tenant_id      TEXT NOT NULL,
		instrument_id  TEXT NOT NULL,
		event_time     TIMESTAMPTZ NOT NULL,
		source_id      TEXT NOT NULL,
		price          NUMERIC NOT NULL,
		volume         NUMERIC NOT NULL,
		quality_flags  TEXT[] NOT NULL,
		commodity_tier TEXT NOT NULL,
		region_tier    TEXT NOT NULL,
		product_tier   TEXT NOT NULL,
		confidence     DOUBLE PRECISION NOT NULL,
		received_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (tenant_id, instrument_id, event_time, source_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_enriched_ticks_instrument_time
		ON enriched_ticks (tenant_id, instrument_id, event_time DESC)`,

	`CREATE TABLE IF NOT EXISTS bars (
		tenant_id      TEXT NOT NULL,
		instrument_id  TEXT NOT NULL,
		interval_ms    BIGINT NOT NULL,
		window_start   TIMESTAMPTZ NOT NULL,
		open           NUMERIC NOT NULL,
		high           NUMERIC NOT NULL,
		low            NUMERIC NOT NULL,
		close          NUMERIC NOT NULL,
		volume         NUMERIC NOT NULL,
		trade_count    BIGINT NOT NULL,
		revision       INT NOT NULL,
		closed_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (tenant_id, instrument_id, interval_ms, window_start)
	)`,

	`CREATE TABLE IF NOT EXISTS curve_points (
		tenant_id   TEXT NOT NULL,
		curve_id    TEXT NOT NULL,
		as_of_date  DATE NOT NULL,
		tenor       TEXT NOT NULL,
		price       NUMERIC NOT NULL,
		updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (tenant_id, curve_id, as_of_date, tenor)
	)`,

	`CREATE TABLE IF NOT EXISTS reference_records (
		tenant_id     TEXT NOT NULL,
		instrument_id TEXT NOT NULL,
		commodity     TEXT NOT NULL,
		region        TEXT NOT NULL,
		product_tier  TEXT NOT NULL,
		unit          TEXT NOT NULL,
		contract_size NUMERIC NOT NULL,
		tick_size     NUMERIC NOT NULL,
		updated_at    TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (tenant_id, instrument_id)
	)`,

	`CREATE TABLE IF NOT EXISTS latest_prices (
		tenant_id     TEXT NOT NULL,
		instrument_id TEXT NOT NULL,
		price         NUMERIC NOT NULL,
		volume        NUMERIC NOT NULL,
		event_time    TIMESTAMPTZ NOT NULL,
		source        TEXT NOT NULL,
		quality_flags TEXT[] NOT NULL,
		snapshot_at   TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (tenant_id, instrument_id)
	)`,

	// served_latest: the append-only change-log spec §6 lists
	// alongside served_latest_current (latest_prices above) — every
	// accepted OnBar write is recorded here too, monotonic rule or
	// not, so an operator can replay the history of a served value.
	`CREATE TABLE IF NOT EXISTS latest_price_changes (
		id            BIGSERIAL PRIMARY KEY,
		tenant_id     TEXT NOT NULL,
		instrument_id TEXT NOT NULL,
		price         NUMERIC NOT NULL,
		volume        NUMERIC NOT NULL,
		event_time    TIMESTAMPTZ NOT NULL,
		source        TEXT NOT NULL,
		quality_flags TEXT[] NOT NULL,
		snapshot_at   TIMESTAMPTZ NOT NULL,
		recorded_at   TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_latest_price_changes_key
		ON latest_price_changes (tenant_id, instrument_id, recorded_at DESC)`,

	`CREATE TABLE IF NOT EXISTS curve_snapshots (
		tenant_id            TEXT NOT NULL,
		instrument_id        TEXT NOT NULL,
		horizon              TEXT NOT NULL,
		points               JSONB NOT NULL,
		interpolation_method TEXT NOT NULL,
		snapshot_at          TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (tenant_id, instrument_id, horizon)
	)`,
}

// Bootstrap applies schemaStatements, matching the teacher's
// Migrator.Initialize/ApplyAll pair but collapsed into one
// idempotent pass since there is no prior schema history to reconcile.
func (s *Store) Bootstrap(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.Pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("applying schema statement: %w", err)
		}
	}
	return nil
}
