package aggregator

import (
	"sort"

	"github.com/govalues/decimal"

	"github.com/254CARBON/data-processing-sub000/internal/model"
)

// CurveInterpolator fills in tenors missing from a curve update with a
// computed value and confidence, per spec §4.4's "pluggable
// interpolation strategy" requirement — one of the supplemented
// strategy-pattern features from SPEC_FULL.md §D, modeled on the
// registry-of-parsers idiom used for venues.
type CurveInterpolator interface {
	Interpolate(points []model.CurvePoint, tenorOrder []string) []model.ComputedCurvePoint
}

// LinearByOrdinal is the default interpolator: tenors are placed on an
// ordinal axis (their index in tenorOrder), and any tenor missing a
// direct quote is linearly interpolated between the nearest quoted
// neighbors on that axis. A tenor outside the quoted range is held
// flat at the nearest edge with reduced confidence.
type LinearByOrdinal struct{}

var _ CurveInterpolator = LinearByOrdinal{}

func (LinearByOrdinal) Interpolate(points []model.CurvePoint, tenorOrder []string) []model.ComputedCurvePoint {
	ordinal := make(map[string]int, len(tenorOrder))
	for i, t := range tenorOrder {
		ordinal[t] = i
	}

	quoted := make(map[int]decimal.Decimal)
	for _, p := range points {
		if idx, ok := ordinal[p.Tenor]; ok {
			quoted[idx] = p.Price
		}
	}

	quotedIdx := make([]int, 0, len(quoted))
	for idx := range quoted {
		quotedIdx = append(quotedIdx, idx)
	}
	sort.Ints(quotedIdx)

	out := make([]model.ComputedCurvePoint, 0, len(tenorOrder))
	for i, tenor := range tenorOrder {
		if price, ok := quoted[i]; ok {
			out = append(out, model.ComputedCurvePoint{
				CurvePoint: model.CurvePoint{Tenor: tenor, Price: price},
				Confidence: 1.0,
			})
			continue
		}

		lo, hi, found := bracket(quotedIdx, i)
		if !found {
			out = append(out, model.ComputedCurvePoint{
				CurvePoint: model.CurvePoint{Tenor: tenor},
				Confidence: 0,
			})
			continue
		}
		if lo == hi {
			out = append(out, model.ComputedCurvePoint{
				CurvePoint: model.CurvePoint{Tenor: tenor, Price: quoted[lo]},
				Confidence: 0.5,
			})
			continue
		}

		price, err := interpolateLinear(quoted[lo], quoted[hi], lo, hi, i)
		if err != nil {
			price = quoted[lo]
		}
		out = append(out, model.ComputedCurvePoint{
			CurvePoint: model.CurvePoint{Tenor: tenor, Price: price},
			Confidence: 0.8,
		})
	}
	return out
}

// bracket finds the nearest quoted ordinals surrounding i. If i is
// outside the quoted range, both lo and hi are the nearest edge.
func bracket(quotedIdx []int, i int) (lo, hi int, found bool) {
	if len(quotedIdx) == 0 {
		return 0, 0, false
	}
	if i <= quotedIdx[0] {
		return quotedIdx[0], quotedIdx[0], true
	}
	if i >= quotedIdx[len(quotedIdx)-1] {
		last := quotedIdx[len(quotedIdx)-1]
		return last, last, true
	}
	for k := 0; k < len(quotedIdx)-1; k++ {
		if quotedIdx[k] <= i && i <= quotedIdx[k+1] {
			return quotedIdx[k], quotedIdx[k+1], true
		}
	}
	return 0, 0, false
}

func interpolateLinear(lowPrice, highPrice decimal.Decimal, loIdx, hiIdx, i int) (decimal.Decimal, error) {
	span, err := highPrice.Sub(lowPrice)
	if err != nil {
		return lowPrice, err
	}
	weight, err := decimal.New(int64(i-loIdx), 0)
	if err != nil {
		return lowPrice, err
	}
	denom, err := decimal.New(int64(hiIdx-loIdx), 0)
	if err != nil {
		return lowPrice, err
	}
	fraction, err := weight.Quo(denom)
	if err != nil {
		return lowPrice, err
	}
	delta, err := span.Mul(fraction)
	if err != nil {
		return lowPrice, err
	}
	return lowPrice.Add(delta)
}
