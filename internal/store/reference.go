package store

import (
	"context"
	"fmt"

	"github.com/govalues/decimal"
	"github.com/jackc/pgx/v5"

	"github.com/254CARBON/data-processing-sub000/internal/model"
)

// ReferenceStore is the system-of-record the Enricher's two-tier cache
// (internal/cache.ReferenceLookup) falls back to on a full miss.
// Implements cache.ReferenceSource.
type ReferenceStore struct{ db *Store }

func NewReferenceStore(db *Store) *ReferenceStore { return &ReferenceStore{db: db} }

func (r *ReferenceStore) GetReference(ctx context.Context, tenantID, instrumentID string) (*model.ReferenceRecord, error) {
	row := r.db.Pool.QueryRow(ctx, `
		SELECT commodity, region, product_tier, unit, contract_size, tick_size, updated_at
		FROM reference_records
		WHERE tenant_id = $1 AND instrument_id = $2
	`, tenantID, instrumentID)

	var rec model.ReferenceRecord
	rec.InstrumentID = instrumentID
	var contractStr, tickStr string
	if err := row.Scan(&rec.Commodity, &rec.Region, &rec.ProductTier, &rec.Unit, &contractStr, &tickStr, &rec.UpdatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("querying reference record: %w", err)
	}
	var err error
	if rec.ContractSize, err = decimal.Parse(contractStr); err != nil {
		return nil, err
	}
	if rec.TickSize, err = decimal.Parse(tickStr); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Upsert writes/updates a reference record, used by the reference
// ingestion path (spec §4.3's "metadata changes propagate") and by
// tests seeding fixtures.
func (r *ReferenceStore) Upsert(ctx context.Context, tenantID string, rec model.ReferenceRecord) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO reference_records
			(tenant_id, instrument_id, commodity, region, product_tier, unit, contract_size, tick_size, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (tenant_id, instrument_id) DO UPDATE SET
			commodity = EXCLUDED.commodity,
			region = EXCLUDED.region,
			product_tier = EXCLUDED.product_tier,
			unit = EXCLUDED.unit,
			contract_size = EXCLUDED.contract_size,
			tick_size = EXCLUDED.tick_size,
			updated_at = EXCLUDED.updated_at
	`, tenantID, rec.InstrumentID, rec.Commodity, rec.Region, rec.ProductTier, rec.Unit,
		rec.ContractSize.String(), rec.TickSize.String(), rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upserting reference record: %w", err)
	}
	return nil
}
