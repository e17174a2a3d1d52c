package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/govalues/decimal"
	"github.com/jackc/pgx/v5"

	"github.com/254CARBON/data-processing-sub000/internal/model"
)

// ProjectionStore persists the Projector's served, monotonic-write
// projections (spec §4.5): latest price per instrument and curve
// snapshots per (instrument, horizon).
type ProjectionStore struct{ db *Store }

func NewProjectionStore(db *Store) *ProjectionStore { return &ProjectionStore{db: db} }

// WriteLatestPrice upserts only if the incoming EventTime is not
// older than what's stored — the monotonic-write invariant from spec
// §4.5 enforced at the SQL layer so a redelivered stale event can
// never regress the served value.
func (p *ProjectionStore) WriteLatestPrice(ctx context.Context, lp model.LatestPrice) error {
	flags := make([]string, len(lp.QualityFlags))
	for i, f := range lp.QualityFlags {
		flags[i] = string(f)
	}
	_, err := p.db.Pool.Exec(ctx, `
		INSERT INTO latest_prices
			(tenant_id, instrument_id, price, volume, event_time, source, quality_flags, snapshot_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (tenant_id, instrument_id) DO UPDATE SET
			price = EXCLUDED.price,
			volume = EXCLUDED.volume,
			event_time = EXCLUDED.event_time,
			source = EXCLUDED.source,
			quality_flags = EXCLUDED.quality_flags,
			snapshot_at = EXCLUDED.snapshot_at
		WHERE latest_prices.event_time <= EXCLUDED.event_time
	`, lp.TenantID, lp.InstrumentID, lp.Price.String(), lp.Volume.String(), lp.EventTime, lp.Source, flags, lp.SnapshotAt)
	if err != nil {
		return fmt.Errorf("writing latest price: %w", err)
	}

	if _, err := p.db.Pool.Exec(ctx, `
		INSERT INTO latest_price_changes
			(tenant_id, instrument_id, price, volume, event_time, source, quality_flags, snapshot_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, lp.TenantID, lp.InstrumentID, lp.Price.String(), lp.Volume.String(), lp.EventTime, lp.Source, flags, lp.SnapshotAt); err != nil {
		return fmt.Errorf("writing latest price change-log row: %w", err)
	}
	return nil
}

func (p *ProjectionStore) GetLatestPrice(ctx context.Context, tenantID, instrumentID string) (*model.LatestPrice, error) {
	row := p.db.Pool.QueryRow(ctx, `
		SELECT price, volume, event_time, source, quality_flags, snapshot_at
		FROM latest_prices
		WHERE tenant_id = $1 AND instrument_id = $2
	`, tenantID, instrumentID)

	lp := model.LatestPrice{TenantID: tenantID, InstrumentID: instrumentID}
	var priceStr, volumeStr string
	var flags []string
	if err := row.Scan(&priceStr, &volumeStr, &lp.EventTime, &lp.Source, &flags, &lp.SnapshotAt); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("querying latest price: %w", err)
	}
	var err error
	if lp.Price, err = decimal.Parse(priceStr); err != nil {
		return nil, err
	}
	if lp.Volume, err = decimal.Parse(volumeStr); err != nil {
		return nil, err
	}
	lp.QualityFlags = make(model.FlagSet, len(flags))
	for i, f := range flags {
		lp.QualityFlags[i] = model.QualityFlag(f)
	}
	return &lp, nil
}

// WriteCurveSnapshot upserts only if SnapshotAt is not older than
// what's stored, the same monotonic-write discipline as latest price.
func (p *ProjectionStore) WriteCurveSnapshot(ctx context.Context, snap model.CurveSnapshot) error {
	points, err := json.Marshal(snap.CurvePoints)
	if err != nil {
		return fmt.Errorf("encoding curve snapshot points: %w", err)
	}
	_, err = p.db.Pool.Exec(ctx, `
		INSERT INTO curve_snapshots
			(tenant_id, instrument_id, horizon, points, interpolation_method, snapshot_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (tenant_id, instrument_id, horizon) DO UPDATE SET
			points = EXCLUDED.points,
			interpolation_method = EXCLUDED.interpolation_method,
			snapshot_at = EXCLUDED.snapshot_at
		WHERE curve_snapshots.snapshot_at <= EXCLUDED.snapshot_at
	`, snap.TenantID, snap.InstrumentID, snap.Horizon, points, snap.InterpolationMethod, snap.SnapshotAt)
	if err != nil {
		return fmt.Errorf("writing curve snapshot: %w", err)
	}
	return nil
}

func (p *ProjectionStore) GetCurveSnapshot(ctx context.Context, tenantID, instrumentID, horizon string) (*model.CurveSnapshot, error) {
	row := p.db.Pool.QueryRow(ctx, `
		SELECT points, interpolation_method, snapshot_at
		FROM curve_snapshots
		WHERE tenant_id = $1 AND instrument_id = $2 AND horizon = $3
	`, tenantID, instrumentID, horizon)

	snap := model.CurveSnapshot{TenantID: tenantID, InstrumentID: instrumentID, Horizon: horizon}
	var raw []byte
	if err := row.Scan(&raw, &snap.InterpolationMethod, &snap.SnapshotAt); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("querying curve snapshot: %w", err)
	}
	if err := json.Unmarshal(raw, &snap.CurvePoints); err != nil {
		return nil, fmt.Errorf("decoding curve snapshot points: %w", err)
	}
	return &snap, nil
}
