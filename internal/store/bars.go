package store

import (
	"context"
	"fmt"

	"github.com/govalues/decimal"
	"github.com/jackc/pgx/v5"

	"github.com/254CARBON/data-processing-sub000/internal/model"
)

// BarStore persists aggregation-window bars with revision-aware
// upsert: a late-arrival recompute (spec §4.4) only overwrites a
// stored bar if its Revision is strictly greater, so a redelivered
// stale revision can never regress a bar already advanced by a newer
// one.
type BarStore struct{ db *Store }

func NewBarStore(db *Store) *BarStore { return &BarStore{db: db} }

func (b *BarStore) Upsert(ctx context.Context, bar model.Bar) error {
	_, err := b.db.Pool.Exec(ctx, `
		INSERT INTO bars
			(tenant_id, instrument_id, interval_ms, window_start, open, high, low, close,
			 volume, trade_count, revision)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (tenant_id, instrument_id, interval_ms, window_start) DO UPDATE SET
			open = EXCLUDED.open,
			high = EXCLUDED.high,
			low = EXCLUDED.low,
			close = EXCLUDED.close,
			volume = EXCLUDED.volume,
			trade_count = EXCLUDED.trade_count,
			revision = EXCLUDED.revision,
			closed_at = now()
		WHERE bars.revision < EXCLUDED.revision
	`,
		bar.Key.TenantID, bar.Key.InstrumentID, bar.Key.Interval.Milliseconds(), bar.Key.WindowStart,
		bar.Open.String(), bar.High.String(), bar.Low.String(), bar.Close.String(),
		bar.Volume.String(), bar.TradeCount, bar.Revision,
	)
	if err != nil {
		return fmt.Errorf("upserting bar: %w", err)
	}
	return nil
}

// Get returns the stored bar for key, or nil if none exists yet —
// used by the Aggregator to recover its revision counter after a
// restart.
func (b *BarStore) Get(ctx context.Context, key model.WindowKey) (*model.Bar, error) {
	row := b.db.Pool.QueryRow(ctx, `
		SELECT open, high, low, close, volume, trade_count, revision
		FROM bars
		WHERE tenant_id = $1 AND instrument_id = $2 AND interval_ms = $3 AND window_start = $4
	`, key.TenantID, key.InstrumentID, key.Interval.Milliseconds(), key.WindowStart)

	var openStr, highStr, lowStr, closeStr, volumeStr string
	bar := model.Bar{Key: key}
	if err := row.Scan(&openStr, &highStr, &lowStr, &closeStr, &volumeStr, &bar.TradeCount, &bar.Revision); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("querying bar: %w", err)
	}
	var err error
	if bar.Open, err = decimal.Parse(openStr); err != nil {
		return nil, err
	}
	if bar.High, err = decimal.Parse(highStr); err != nil {
		return nil, err
	}
	if bar.Low, err = decimal.Parse(lowStr); err != nil {
		return nil, err
	}
	if bar.Close, err = decimal.Parse(closeStr); err != nil {
		return nil, err
	}
	if bar.Volume, err = decimal.Parse(volumeStr); err != nil {
		return nil, err
	}
	return &bar, nil
}
