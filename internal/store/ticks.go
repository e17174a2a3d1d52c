package store

import (
	"context"
	"fmt"
	"time"

	"github.com/govalues/decimal"
	"github.com/jackc/pgx/v5"

	"github.com/254CARBON/data-processing-sub000/internal/model"
)

// TickStore writes enriched ticks, batched by the shared runtime
// writer (spec §4.1's "commit offsets only after a successful write"
// discipline).
type TickStore struct{ db *Store }

func NewTickStore(db *Store) *TickStore { return &TickStore{db: db} }

// InsertBatch upserts ticks idempotently on their natural key, so a
// redelivered message (at-least-once delivery, spec §3) is a no-op
// rather than a duplicate row.
func (t *TickStore) InsertBatch(ctx context.Context, ticks []model.EnrichedTick) error {
	if len(ticks) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, tick := range ticks {
		flags := make([]string, len(tick.QualityFlags))
		for i, f := range tick.QualityFlags {
			flags[i] = string(f)
		}
		batch.Queue(`
			INSERT INTO enriched_ticks
				(tenant_id, instrument_id, event_time, source_id, price, volume,
				 quality_flags, commodity_tier, region_tier, product_tier, confidence)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
			ON CONFLICT (tenant_id, instrument_id, event_time, source_id) DO NOTHING
		`,
			tick.TenantID, tick.InstrumentID, tick.EventTime, tick.SourceID,
			tick.Price.String(), tick.Volume.String(), flags,
			tick.CommodityTier, tick.RegionTier, tick.ProductTier, tick.Confidence,
		)
	}
	br := t.db.Pool.SendBatch(ctx, batch)
	defer br.Close()
	for range ticks {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("inserting enriched tick batch: %w", err)
		}
	}
	return nil
}

// Since returns every enriched tick at or after since, ordered by
// (event_time, source_id) across every tenant and instrument — used
// by the Aggregator's Recover to rebuild window state for windows that
// were still open, or reopened by a late arrival, when the process
// last stopped (spec §4.4's "Determinism and restart" clause).
func (t *TickStore) Since(ctx context.Context, since time.Time) ([]model.EnrichedTick, error) {
	rows, err := t.db.Pool.Query(ctx, `
		SELECT tenant_id, instrument_id, event_time, source_id, price, volume,
		       quality_flags, commodity_tier, region_tier, product_tier, confidence
		FROM enriched_ticks
		WHERE event_time >= $1
		ORDER BY event_time, source_id
	`, since)
	if err != nil {
		return nil, fmt.Errorf("querying ticks since cutoff: %w", err)
	}
	defer rows.Close()

	var out []model.EnrichedTick
	for rows.Next() {
		var priceStr, volumeStr string
		var flags []string
		tick := model.EnrichedTick{}
		if err := rows.Scan(&tick.TenantID, &tick.InstrumentID, &tick.EventTime, &tick.SourceID,
			&priceStr, &volumeStr, &flags, &tick.CommodityTier, &tick.RegionTier, &tick.ProductTier, &tick.Confidence); err != nil {
			return nil, fmt.Errorf("scanning replayed tick: %w", err)
		}
		price, err := decimal.Parse(priceStr)
		if err != nil {
			return nil, fmt.Errorf("parsing stored price: %w", err)
		}
		volume, err := decimal.Parse(volumeStr)
		if err != nil {
			return nil, fmt.Errorf("parsing stored volume: %w", err)
		}
		tick.Price = price
		tick.Volume = volume
		tick.QualityFlags = make(model.FlagSet, len(flags))
		for i, f := range flags {
			tick.QualityFlags[i] = model.QualityFlag(f)
		}
		out = append(out, tick)
	}
	return out, rows.Err()
}

// Latest returns the most recent enriched tick for an instrument, or nil
// if none is stored.
func (t *TickStore) Latest(ctx context.Context, tenantID, instrumentID string) (*model.EnrichedTick, error) {
	row := t.db.Pool.QueryRow(ctx, `
		SELECT tenant_id, instrument_id, event_time, source_id, price, volume,
		       quality_flags, commodity_tier, region_tier, product_tier, confidence
		FROM enriched_ticks
		WHERE tenant_id = $1 AND instrument_id = $2
		ORDER BY event_time DESC
		LIMIT 1
	`, tenantID, instrumentID)

	var priceStr, volumeStr string
	var flags []string
	tick := model.EnrichedTick{}
	if err := row.Scan(&tick.TenantID, &tick.InstrumentID, &tick.EventTime, &tick.SourceID,
		&priceStr, &volumeStr, &flags, &tick.CommodityTier, &tick.RegionTier, &tick.ProductTier, &tick.Confidence); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("querying latest tick: %w", err)
	}
	price, err := decimal.Parse(priceStr)
	if err != nil {
		return nil, fmt.Errorf("parsing stored price: %w", err)
	}
	volume, err := decimal.Parse(volumeStr)
	if err != nil {
		return nil, fmt.Errorf("parsing stored volume: %w", err)
	}
	tick.Price = price
	tick.Volume = volume
	tick.QualityFlags = make(model.FlagSet, len(flags))
	for i, f := range flags {
		tick.QualityFlags[i] = model.QualityFlag(f)
	}
	return &tick, nil
}
