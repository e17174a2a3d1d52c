package store

import (
	"context"
	"fmt"
	"time"

	"github.com/govalues/decimal"
	"github.com/jackc/pgx/v5"

	"github.com/254CARBON/data-processing-sub000/internal/model"
)

// CurveStore persists per-tenor curve points. Within one (tenant,
// curve_id, as_of_date) the latest received write wins per tenor
// (spec §4.4's CurveUpdate contract), so upsert is unconditional.
type CurveStore struct{ db *Store }

func NewCurveStore(db *Store) *CurveStore { return &CurveStore{db: db} }

func (c *CurveStore) UpsertPoints(ctx context.Context, tenantID string, points []model.CurvePoint) error {
	batch := &pgx.Batch{}
	for _, p := range points {
		batch.Queue(`
			INSERT INTO curve_points (tenant_id, curve_id, as_of_date, tenor, price, updated_at)
			VALUES ($1,$2,$3,$4,$5, now())
			ON CONFLICT (tenant_id, curve_id, as_of_date, tenor) DO UPDATE SET
				price = EXCLUDED.price,
				updated_at = now()
		`, tenantID, p.CurveID, p.AsOfDate, p.Tenor, p.Price.String())
	}
	br := c.db.Pool.SendBatch(ctx, batch)
	defer br.Close()
	for range points {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("upserting curve point: %w", err)
		}
	}
	return nil
}

// Points reads back every tenor stored for one (tenant, curve, as-of
// date) — the merged base curve, including tenors contributed by
// earlier incremental updates, not just the most recent message.
func (c *CurveStore) Points(ctx context.Context, tenantID, curveID string, asOfDate time.Time) ([]model.CurvePoint, error) {
	rows, err := c.db.Pool.Query(ctx, `
		SELECT curve_id, as_of_date, tenor, price
		FROM curve_points
		WHERE tenant_id = $1 AND curve_id = $2 AND as_of_date = $3
		ORDER BY tenor
	`, tenantID, curveID, asOfDate)
	if err != nil {
		return nil, fmt.Errorf("querying curve points: %w", err)
	}
	defer rows.Close()

	var out []model.CurvePoint
	for rows.Next() {
		var p model.CurvePoint
		var priceStr string
		if err := rows.Scan(&p.CurveID, &p.AsOfDate, &p.Tenor, &priceStr); err != nil {
			return nil, fmt.Errorf("scanning curve point: %w", err)
		}
		price, err := decimal.Parse(priceStr)
		if err != nil {
			return nil, err
		}
		p.Price = price
		out = append(out, p)
	}
	return out, rows.Err()
}
