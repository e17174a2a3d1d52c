package normalizer

import (
	"fmt"
	"time"

	"github.com/govalues/decimal"

	"github.com/254CARBON/data-processing-sub000/internal/config"
	pipelineerrors "github.com/254CARBON/data-processing-sub000/internal/errors"
	"github.com/254CARBON/data-processing-sub000/internal/model"
)

// Processor implements spec §4.2's Normalize operation: parse via the
// venue's registered Parser, run the fixed validation pipeline, dedup,
// and return a canonical Tick. A non-nil error from Process is always
// a fatal SchemaViolation — callers route it straight to the DLQ; any
// other outcome is an accepted (possibly flagged) tick.
type Processor struct {
	cfg    config.ValidationConfig
	dedupe *Deduper
	now    func() time.Time
}

func NewProcessor(cfg config.ValidationConfig, dedupe *Deduper) *Processor {
	return &Processor{cfg: cfg, dedupe: dedupe, now: time.Now}
}

func (p *Processor) Process(raw RawEvent) (model.Tick, error) {
	parser, err := Lookup(raw.Venue)
	if err != nil {
		return model.Tick{}, &pipelineerrors.SchemaViolation{Source: raw.Venue, Reason: err.Error()}
	}

	fields, err := parser.Parse(raw)
	if err != nil {
		return model.Tick{}, &pipelineerrors.SchemaViolation{Source: raw.Venue, Reason: err.Error()}
	}
	if fields.InstrumentID == "" {
		return model.Tick{}, &pipelineerrors.SchemaViolation{Source: raw.Venue, Reason: "missing instrument_id"}
	}

	// decimal.Parse itself is the finiteness check: govalues/decimal
	// has no representation for NaN/Inf, so a successful parse is
	// always a finite value per spec §4.2 step 2.
	price, err := decimal.Parse(fields.Price)
	if err != nil {
		return model.Tick{}, &pipelineerrors.SchemaViolation{Source: raw.Venue, Reason: fmt.Sprintf("unparsable price %q", fields.Price)}
	}
	volume, err := decimal.Parse(fields.Volume)
	if err != nil {
		return model.Tick{}, &pipelineerrors.SchemaViolation{Source: raw.Venue, Reason: fmt.Sprintf("unparsable volume %q", fields.Volume)}
	}

	eventTime := time.UnixMilli(fields.EventTime).UTC()
	now := p.now()

	flags := validate(p.cfg, fields.InstrumentID, eventTime, price, now)
	flags = checkVolume(flags, volume)

	tick := model.Tick{
		TenantID:     raw.TenantID,
		InstrumentID: fields.InstrumentID,
		EventTime:    eventTime,
		Price:        price,
		Volume:       volume,
		SourceID:     raw.SourceID,
		QualityFlags: flags,
		Metadata:     fields.Metadata,
	}

	if p.dedupe.Check(tick.IdempotencyKey()) {
		tick.QualityFlags = model.NormalizeFlags(tick.QualityFlags.Add(model.FlagDuplicate))
	}

	return tick, nil
}

// Accepted reports whether tick should be emitted downstream: spec
// §4.2's failure semantics only withhold emission for a DUPLICATE
// tick, not for any other flag combination.
func Accepted(tick model.Tick) bool {
	return !tick.QualityFlags.Has(model.FlagDuplicate)
}
