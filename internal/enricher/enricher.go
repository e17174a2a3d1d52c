package enricher

import (
	"context"

	pipelineerrors "github.com/254CARBON/data-processing-sub000/internal/errors"
	"github.com/254CARBON/data-processing-sub000/internal/cache"
	"github.com/254CARBON/data-processing-sub000/internal/model"
)

// Enricher implements spec §4.3's Enrich operation: look up reference
// data through the two-tier cache, then classify via the rule set.
// A reference-store miss or a quarantined key yields the sentinel
// unknown tiers with zero confidence, flagged MISSING_METADATA,
// rather than failing the tick.
type Enricher struct {
	Lookup *cache.ReferenceLookup
	Rules  *RuleSet
}

// Enrich never returns a fatal error for a reference-data problem —
// only a Transient error when the caller (the runtime retry helper)
// should retry before giving up and falling through to
// MISSING_METADATA. A nil error with MISSING_METADATA set on the
// returned tick means the lookup produced no record: the instrument
// is unknown upstream (possibly negative-cached) or its key is
// quarantined.
func (e *Enricher) Enrich(ctx context.Context, tick model.Tick) (model.EnrichedTick, error) {
	if tick.InstrumentID == "" {
		return model.EnrichedTick{}, &pipelineerrors.SchemaViolation{Source: tick.SourceID, Reason: "empty instrument_id"}
	}

	ref, err := e.Lookup.Lookup(ctx, tick.TenantID, tick.InstrumentID)
	if err != nil {
		return model.EnrichedTick{}, err
	}

	if ref == nil {
		return model.EnrichedTick{
			Tick:          withMissingMetadata(tick),
			CommodityTier: model.TierUnknown,
			RegionTier:    model.TierUnknown,
			ProductTier:   model.TierUnknown,
			Confidence:    0,
		}, nil
	}

	values := fieldValues{
		"instrument_id": tick.InstrumentID,
		"source_id":     tick.SourceID,
		"commodity":     ref.Commodity,
		"region":        ref.Region,
	}
	classification := e.Rules.Classify(values)

	return model.EnrichedTick{
		Tick:          tick,
		CommodityTier: firstNonEmpty(classification.Commodity, ref.Commodity),
		RegionTier:    firstNonEmpty(classification.Region, ref.Region),
		ProductTier:   firstNonEmpty(classification.ProductTier, ref.ProductTier),
		Confidence:    classification.Confidence,
	}, nil
}

// Fallback builds the MISSING_METADATA pass-through tick spec §4.3
// calls for once the runtime's retry budget for a Transient lookup
// error is exhausted: the tick is still emitted, just with unknown
// tiers and zero confidence, instead of being dead-lettered.
func Fallback(tick model.Tick) model.EnrichedTick {
	return model.EnrichedTick{
		Tick:          withMissingMetadata(tick),
		CommodityTier: model.TierUnknown,
		RegionTier:    model.TierUnknown,
		ProductTier:   model.TierUnknown,
		Confidence:    0,
	}
}

func withMissingMetadata(tick model.Tick) model.Tick {
	tick.QualityFlags = model.NormalizeFlags(tick.QualityFlags.Add(model.FlagMissingMetadata))
	return tick
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return model.TierUnknown
}
