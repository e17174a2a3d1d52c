package normalizer

import (
	"fmt"
	"time"

	"github.com/govalues/decimal"

	"github.com/254CARBON/data-processing-sub000/internal/config"
	"github.com/254CARBON/data-processing-sub000/internal/model"
)

// validate runs the ordered rule set from spec §4.2 steps 2-5 against
// already-parsed fields, building up the tick's flag set. It never
// returns an error: every non-schema problem is a flag, not a
// failure. Schema problems (missing/mistyped fields, unparsable
// price/volume) are caught earlier by the Parser and by Process's
// decimal parsing, both of which surface as SchemaViolation.
func validate(cfg config.ValidationConfig, instrumentID string, eventTime time.Time, price decimal.Decimal, now time.Time) model.FlagSet {
	var flags model.FlagSet

	if price.Sign() < 0 {
		flags = flags.Add(model.FlagPriceNegative)
	}
	band := cfg.BandFor(instrumentID)
	if out, err := outsideBand(price, band); err == nil && out {
		flags = flags.Add(model.FlagPriceOutOfRange)
	}

	if eventTime.After(now.Add(cfg.MaxClockSkew())) {
		// A tick timestamped implausibly far in the future is treated
		// the same as an out-of-range price: flagged, not rejected,
		// since a clock-skewed upstream source is a quality signal,
		// not a parse failure.
		flags = flags.Add(model.FlagPriceOutOfRange)
	}
	if now.Sub(eventTime) > cfg.LatenessBound() {
		flags = flags.Add(model.FlagLateArrival)
	}

	return model.NormalizeFlags(flags)
}

func outsideBand(price decimal.Decimal, band config.PriceBand) (bool, error) {
	if band.Min == "" && band.Max == "" {
		return false, nil
	}
	if band.Min != "" {
		min, err := decimal.Parse(band.Min)
		if err != nil {
			return false, fmt.Errorf("parsing band min %q: %w", band.Min, err)
		}
		if price.Cmp(min) < 0 {
			return true, nil
		}
	}
	if band.Max != "" {
		max, err := decimal.Parse(band.Max)
		if err != nil {
			return false, fmt.Errorf("parsing band max %q: %w", band.Max, err)
		}
		if price.Cmp(max) > 0 {
			return true, nil
		}
	}
	return false, nil
}

// checkVolume adds VOLUME_SPIKE if volume is negative, per spec §4.2
// step 3 ("volume ≥ 0; else add VOLUME_SPIKE"). Despite the name, a
// literal spike-detection heuristic isn't specified; this models
// exactly the documented rule.
func checkVolume(flags model.FlagSet, volume decimal.Decimal) model.FlagSet {
	if volume.Sign() < 0 {
		flags = flags.Add(model.FlagVolumeSpike)
	}
	return model.NormalizeFlags(flags)
}
