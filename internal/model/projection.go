package model

import (
	"time"

	"github.com/govalues/decimal"
)

// LatestPrice is the served "latest price" projection entry, keyed by
// (tenant_id, instrument_id). It is monotonic in EventTime: a received
// event older than the stored EventTime does not overwrite.
type LatestPrice struct {
	TenantID     string
	InstrumentID string
	Price        decimal.Decimal
	Volume       decimal.Decimal
	EventTime    time.Time
	Source       string
	QualityFlags FlagSet
	SnapshotAt   time.Time
}

// CurveSnapshot is the served curve-snapshot projection entry, keyed by
// (tenant_id, instrument_id, horizon). It is monotonic in SnapshotAt.
type CurveSnapshot struct {
	TenantID          string
	InstrumentID      string
	Horizon           string
	CurvePoints       []ComputedCurvePoint
	InterpolationMethod string
	SnapshotAt        time.Time
}
