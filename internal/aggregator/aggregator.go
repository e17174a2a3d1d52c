package aggregator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/254CARBON/data-processing-sub000/internal/bus"
	"github.com/254CARBON/data-processing-sub000/internal/logging"
	"github.com/254CARBON/data-processing-sub000/internal/model"
)

// BarRepository is what the Aggregator needs from the analytical
// store's bar table; *store.BarStore satisfies it. A narrow interface
// here (rather than depending on *store.BarStore directly) lets tests
// exercise window-closing and emission logic against a fake instead of
// a live Postgres connection.
type BarRepository interface {
	Upsert(ctx context.Context, bar model.Bar) error
	Get(ctx context.Context, key model.WindowKey) (*model.Bar, error)
}

// TickReplaySource is what Recover needs to rebuild window state at
// startup; *store.TickStore satisfies it via its gold enriched-tick
// table.
type TickReplaySource interface {
	Since(ctx context.Context, since time.Time) ([]model.EnrichedTick, error)
}

// CurveRepository is what the Aggregator needs from the analytical
// store's curve table; *store.CurveStore satisfies it. Points reads
// back the full, merged point set for one (tenant, curve, as-of
// date) after an upsert — a CurveUpdate can be incremental (spec §3),
// so interpolation must run over everything accumulated in the base
// curve table, not just the points carried by the triggering message.
type CurveRepository interface {
	UpsertPoints(ctx context.Context, tenantID string, points []model.CurvePoint) error
	Points(ctx context.Context, tenantID, curveID string, asOfDate time.Time) ([]model.CurvePoint, error)
}

// Aggregator wires WindowTable to the bus and the analytical store:
// HandleTick folds ticks; Sweep persists and emits closed bars; HandleCurveUpdate
// upserts curve points and produces a computed curve via Interpolator.
type Aggregator struct {
	Windows      *WindowTable
	Intervals    []time.Duration
	Bars         BarRepository
	Curves       CurveRepository
	Replay       TickReplaySource
	Producer     bus.Producer
	BarTopic     string
	CurveTopic   string
	Interpolator CurveInterpolator
	TenorOrder   []string
	Synthesis    []SynthesisRule
	Log          *logging.ContextLogger
}

// SynthesisRule is the resolved, duration-keyed form of a
// config.CurveSynthesisRule: whenever a bar closes for
// (InstrumentID, Interval), its close price becomes CurveID's Tenor
// point, per spec §9's "curve snapshots can be derived from bars"
// open question.
type SynthesisRule struct {
	InstrumentID string
	Interval     time.Duration
	CurveID      string
	Tenor        string
}

// HandleTick folds one enriched tick into every configured interval's
// window and logs any interval where the tick was beyond lookback. It
// does not close, persist or emit bars: a window (including one
// reopened by a late-arrival recompute) is closed and emitted by the
// next Sweep.
func (a *Aggregator) HandleTick(ctx context.Context, tick model.EnrichedTick) error {
	outcomes := a.Windows.OnTick(tick, a.Intervals)
	for _, outcome := range outcomes {
		if outcome.Skipped && a.Log != nil {
			a.Log.Warn("late tick beyond lookback, accepted to silver only",
				logging.InstrumentID(tick.InstrumentID),
				logging.Any("interval_ms", outcome.Interval.Milliseconds()))
		}
	}
	return nil
}

// Recover rebuilds window state for any window that may still have
// been open — or reopened by a late arrival but not yet re-persisted —
// when the process last stopped, per spec §4.4's "Determinism and
// restart" clause. The runtime loop acks a tick's bus message as soon
// as it's folded into in-memory window state, well before the window
// closes, so a crash between those two points would otherwise lose
// the fold for good; replaying from the gold enriched-tick table
// (written durably by the Enricher ahead of publish) makes the fold
// itself replayable.
//
// since bounds how far back to read; callers derive it from the
// longest configured interval plus max_out_of_order and grace, since
// anything older could not still be open.
func (a *Aggregator) Recover(ctx context.Context, since time.Time) error {
	if a.Replay == nil {
		return nil
	}
	ticks, err := a.Replay.Since(ctx, since)
	if err != nil {
		return err
	}
	if len(ticks) == 0 {
		return nil
	}

	byKey := make(map[model.WindowKey][]model.EnrichedTick)
	for _, tick := range ticks {
		for _, interval := range a.Intervals {
			key := model.WindowKey{
				TenantID:     tick.TenantID,
				InstrumentID: tick.InstrumentID,
				Interval:     interval,
				WindowStart:  model.FloorToInterval(tick.EventTime, interval),
			}
			byKey[key] = append(byKey[key], tick)
		}
	}

	for key, keyTicks := range byKey {
		revision := 1
		if a.Bars != nil {
			persisted, err := a.Bars.Get(ctx, key)
			if err != nil {
				return err
			}
			if persisted != nil {
				// The window already closed at least once before the
				// process stopped; replaying it is itself a recompute,
				// so the next close must outrank what's already stored.
				revision = persisted.Revision + 1
			}
		}
		a.Windows.Seed(key, keyTicks, revision)
	}
	if a.Log != nil {
		a.Log.Info("recovered window state from gold ticks", logging.Any("window_count", len(byKey)), logging.Any("tick_count", len(ticks)))
	}
	return nil
}

// Sweep closes eligible windows (watermark past window_end+grace) and
// evicts long-closed state, matching the teacher's ticking
// barClosingWorker cadence.
func (a *Aggregator) Sweep(ctx context.Context, now time.Time) error {
	for _, bar := range a.Windows.Closeable(now) {
		if err := a.emitBar(ctx, bar); err != nil {
			return err
		}
	}
	a.Windows.Evict(now)
	return nil
}

func (a *Aggregator) emitBar(ctx context.Context, bar model.Bar) error {
	if err := a.Bars.Upsert(ctx, bar); err != nil {
		return err
	}
	payload, err := json.Marshal(bar)
	if err != nil {
		return err
	}
	env := bus.NewEnvelope(bar.Key.TenantID, "aggregator", bus.SchemaVersionBar, bar.Key.InstrumentID, payload)
	if err := a.Producer.Publish(ctx, a.BarTopic, env); err != nil {
		return err
	}
	return a.synthesizeCurvePoints(ctx, bar)
}

// synthesizeCurvePoints folds bar's close price into any curve whose
// synthesis rule names this (instrument, interval) pair, as an
// alternative to waiting for an external producer on
// pricing.curve.updates.v1.
func (a *Aggregator) synthesizeCurvePoints(ctx context.Context, bar model.Bar) error {
	for _, rule := range a.Synthesis {
		if rule.InstrumentID != bar.Key.InstrumentID || rule.Interval != bar.Key.Interval {
			continue
		}
		update := model.CurveUpdate{
			TenantID: bar.Key.TenantID,
			CurveID:  rule.CurveID,
			AsOfDate: bar.CloseTime,
			Points: []model.CurvePoint{{
				CurveID:  rule.CurveID,
				AsOfDate: bar.CloseTime,
				Tenor:    rule.Tenor,
				Price:    bar.Close,
			}},
			SourceID: "aggregator.synthesis",
		}
		if err := a.HandleCurveUpdate(ctx, update); err != nil {
			return err
		}
	}
	return nil
}

// HandleCurveUpdate upserts the received points and publishes the
// interpolated curve, per spec §4.4's curve-builder operation. Because
// a CurveUpdate can be incremental, interpolation runs over the full
// merged point set read back from the base curve table, not just the
// points carried by this message — otherwise every tenor the message
// didn't mention would look unquoted to the interpolator even though
// the base table already has a value for it.
func (a *Aggregator) HandleCurveUpdate(ctx context.Context, update model.CurveUpdate) error {
	// The update-level CurveID/AsOfDate are canonical; stamp them onto
	// every point so a point that arrived without its own copy of
	// either still upserts and reads back under the right key.
	points := make([]model.CurvePoint, len(update.Points))
	for i, p := range update.Points {
		p.CurveID = update.CurveID
		p.AsOfDate = update.AsOfDate
		points[i] = p
	}

	if err := a.Curves.UpsertPoints(ctx, update.TenantID, points); err != nil {
		return err
	}

	merged, err := a.Curves.Points(ctx, update.TenantID, update.CurveID, update.AsOfDate)
	if err != nil {
		return err
	}

	computed := a.Interpolator.Interpolate(merged, a.TenorOrder)
	payload, err := json.Marshal(struct {
		TenantID string                      `json:"tenant_id"`
		CurveID  string                      `json:"curve_id"`
		AsOfDate time.Time                   `json:"as_of_date"`
		Points   []model.ComputedCurvePoint `json:"points"`
	}{update.TenantID, update.CurveID, update.AsOfDate, computed})
	if err != nil {
		return err
	}
	env := bus.NewEnvelope(update.TenantID, "aggregator", bus.SchemaVersionCurveUpdate, update.CurveID, payload)
	return a.Producer.Publish(ctx, a.CurveTopic, env)
}
