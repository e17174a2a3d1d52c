// Package model holds the canonical data types shared by every pipeline
// stage: ticks, enriched ticks, bars, curve points, and the served
// projection entries.
package model

import (
	"time"

	"github.com/govalues/decimal"
)

// QualityFlag is drawn from a closed vocabulary; a tick always carries
// at least one flag.
type QualityFlag string

const (
	FlagValid            QualityFlag = "VALID"
	FlagPriceNegative    QualityFlag = "PRICE_NEGATIVE"
	FlagPriceOutOfRange  QualityFlag = "PRICE_OUT_OF_RANGE"
	FlagVolumeSpike      QualityFlag = "VOLUME_SPIKE"
	FlagLateArrival      QualityFlag = "LATE_ARRIVAL"
	FlagMissingMetadata  QualityFlag = "MISSING_METADATA"
	FlagDuplicate        QualityFlag = "DUPLICATE"
)

// FlagSet is a small ordered set of quality flags. Order is preserved
// for deterministic serialization; membership checks are O(n) but n is
// always tiny (the vocabulary has 7 members).
type FlagSet []QualityFlag

func (s FlagSet) Has(f QualityFlag) bool {
	for _, existing := range s {
		if existing == f {
			return true
		}
	}
	return false
}

// Add appends f if not already present, and returns the result. Add
// itself never drops VALID; NormalizeFlags drops it when any non-VALID
// flag is present and implies it when none is.
func (s FlagSet) Add(f QualityFlag) FlagSet {
	if s.Has(f) {
		return s
	}
	return append(s, f)
}

// NormalizeFlags enforces the invariant that absence of non-VALID flags
// implies VALID, and that VALID never coexists with another flag.
func NormalizeFlags(s FlagSet) FlagSet {
	nonValid := make(FlagSet, 0, len(s))
	for _, f := range s {
		if f != FlagValid {
			nonValid = append(nonValid, f)
		}
	}
	if len(nonValid) == 0 {
		return FlagSet{FlagValid}
	}
	return nonValid
}

// Tick is the canonical tick produced by the Normalizer. It is immutable
// downstream: (TenantID, InstrumentID, EventTime, SourceID) uniquely
// identifies a tick across the pipeline.
type Tick struct {
	TenantID     string
	InstrumentID string
	EventTime    time.Time // millisecond precision, UTC
	Price        decimal.Decimal
	Volume       decimal.Decimal
	SourceID     string
	QualityFlags FlagSet
	Metadata     map[string]string
}

// IdempotencyKey is the tuple that identifies a tick uniquely across the
// pipeline; it is used both for dedup and for upsert-by-key at sinks.
func (t Tick) IdempotencyKey() string {
	return t.TenantID + "|" + t.InstrumentID + "|" + t.EventTime.Format(time.RFC3339Nano) + "|" + t.SourceID
}

const (
	TierUnknown = "unknown"
)

// EnrichedTick is a canonical tick plus taxonomy classification.
type EnrichedTick struct {
	Tick
	CommodityTier string
	RegionTier    string
	ProductTier   string
	Confidence    float64 // 0..1
}

// ReferenceRecord is owned by the external reference store; the
// enricher caches snapshots of it with an age bound.
type ReferenceRecord struct {
	InstrumentID string
	Commodity    string
	Region       string
	ProductTier  string
	Unit         string
	ContractSize decimal.Decimal
	TickSize     decimal.Decimal
	UpdatedAt    time.Time
}
