package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/254CARBON/data-processing-sub000/internal/model"
)

// SilverTickStore writes the Normalizer's output table (spec §2's
// "Analytical: silver ticks") — canonical ticks before taxonomy
// enrichment.
type SilverTickStore struct{ db *Store }

func NewSilverTickStore(db *Store) *SilverTickStore { return &SilverTickStore{db: db} }

func (s *SilverTickStore) InsertBatch(ctx context.Context, ticks []model.Tick) error {
	if len(ticks) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, tick := range ticks {
		flags := make([]string, len(tick.QualityFlags))
		for i, f := range tick.QualityFlags {
			flags[i] = string(f)
		}
		metadata, err := json.Marshal(tick.Metadata)
		if err != nil {
			return fmt.Errorf("encoding tick metadata: %w", err)
		}
		batch.Queue(`
			INSERT INTO silver_ticks
				(tenant_id, instrument_id, event_time, source_id, price, volume, quality_flags, metadata)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
			ON CONFLICT (tenant_id, instrument_id, event_time, source_id) DO NOTHING
		`, tick.TenantID, tick.InstrumentID, tick.EventTime, tick.SourceID,
			tick.Price.String(), tick.Volume.String(), flags, metadata)
	}
	br := s.db.Pool.SendBatch(ctx, batch)
	defer br.Close()
	for range ticks {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("inserting silver tick batch: %w", err)
		}
	}
	return nil
}
