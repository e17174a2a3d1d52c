package model

import (
	"time"

	"github.com/govalues/decimal"
)

// CurvePoint is one tenor's price within a forward curve.
type CurvePoint struct {
	CurveID string
	AsOfDate time.Time
	Tenor    string
	Price    decimal.Decimal
}

// CurveUpdate carries a full or incremental set of points for one
// (curve_id, as_of_date). Within one (tenant, curve_id, as_of_date) the
// latest received write wins per tenor.
type CurveUpdate struct {
	TenantID string
	CurveID  string
	AsOfDate time.Time
	Points   []CurvePoint
	EventID  string
	SourceID string
}

// ComputedCurvePoint is the output of a CurveInterpolator: a point plus
// the confidence of the interpolation that produced it.
type ComputedCurvePoint struct {
	CurvePoint
	Confidence float64
}
