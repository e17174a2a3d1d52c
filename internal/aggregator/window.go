// Package aggregator builds OHLC bars per (tenant, instrument,
// interval) and maintains forward-curve tables (spec §4.4). Grounded
// directly on the teacher's OHLCEngine (ohlc_engine.go):
// activeBars/getOrCreateBar/alignTimestamp/barClosingWorker all carry
// over in shape, generalized from a fixed six-Timeframe slice to
// config.window.intervals, from immediate close-on-period-change to
// watermark-gated close with a grace period, and with revision
// tracking added for late-arrival recompute (the teacher drops late
// ticks silently — spec §4.4 requires a bounded recompute instead).
package aggregator

import (
	"sort"
	"sync"
	"time"

	"github.com/254CARBON/data-processing-sub000/internal/model"
)

// windowState is the in-progress fold for one WindowKey: the ticks
// seen so far (kept so a late-arrival recompute can re-derive OHLC
// deterministically), whether the window has closed, and the revision
// its next close carries. The instrument's watermark is tracked on
// WindowTable, not here.
type windowState struct {
	key    model.WindowKey
	ticks  []model.EnrichedTick
	closed bool
	revision int
}

// foldedBar recomputes the OHLC values from ticks ordered by
// (event_time, source_id), per spec §4.4's determinism rule.
func (w *windowState) foldedBar() model.Bar {
	ordered := append([]model.EnrichedTick(nil), w.ticks...)
	sort.Slice(ordered, func(i, j int) bool {
		if !ordered[i].EventTime.Equal(ordered[j].EventTime) {
			return ordered[i].EventTime.Before(ordered[j].EventTime)
		}
		return ordered[i].SourceID < ordered[j].SourceID
	})

	bar := model.Bar{
		Key:       w.key,
		Revision:  w.revision,
		OpenTime:  w.key.WindowStart,
		CloseTime: w.key.WindowStart.Add(w.key.Interval),
	}
	for i, tick := range ordered {
		if i == 0 {
			bar.Open = tick.Price
			bar.High = tick.Price
			bar.Low = tick.Price
		}
		if tick.Price.Cmp(bar.High) > 0 {
			bar.High = tick.Price
		}
		if tick.Price.Cmp(bar.Low) < 0 {
			bar.Low = tick.Price
		}
		bar.Close = tick.Price
		sum, err := bar.Volume.Add(tick.Volume)
		if err == nil {
			bar.Volume = sum
		}
		bar.TradeCount++
	}
	return bar
}

// WindowTable is the per-worker-instance map[WindowKey]*windowState
// plus per-instrument watermark tracking — the Aggregator's mutable
// state. It is reconstructible at startup via Seed, which Recover
// (aggregator.go) drives from the gold enriched-tick table, per spec
// §4.4's "Determinism and restart" clause.
type WindowTable struct {
	mu          sync.Mutex
	windows     map[model.WindowKey]*windowState
	watermarks  map[string]time.Time // (tenant|instrument) -> watermark
	maxOutOfOrder time.Duration
	grace       time.Duration
	lateLookback time.Duration
}

func NewWindowTable(maxOutOfOrder, grace, lateLookback time.Duration) *WindowTable {
	return &WindowTable{
		windows:      make(map[model.WindowKey]*windowState),
		watermarks:   make(map[string]time.Time),
		maxOutOfOrder: maxOutOfOrder,
		grace:        grace,
		lateLookback: lateLookback,
	}
}

func instrumentKey(tenantID, instrumentID string) string { return tenantID + "|" + instrumentID }

// OnTick folds tick into every configured interval's window and
// advances the instrument's watermark. It returns, for each interval,
// whether the tick was folded live, was a recomputed late-arrival, or
// exceeded lookback and was skipped (LATE_ARRIVAL, not folded).
type FoldOutcome struct {
	Interval time.Duration
	Late     bool
	Skipped  bool
}

func (t *WindowTable) OnTick(tick model.EnrichedTick, intervals []time.Duration) []FoldOutcome {
	t.mu.Lock()
	defer t.mu.Unlock()

	ik := instrumentKey(tick.TenantID, tick.InstrumentID)
	watermark := tick.EventTime.Add(-t.maxOutOfOrder)
	if current, ok := t.watermarks[ik]; !ok || watermark.After(current) {
		t.watermarks[ik] = watermark
	}
	currentWatermark := t.watermarks[ik]

	outcomes := make([]FoldOutcome, 0, len(intervals))
	for _, interval := range intervals {
		key := model.WindowKey{
			TenantID:     tick.TenantID,
			InstrumentID: tick.InstrumentID,
			Interval:     interval,
			WindowStart:  model.FloorToInterval(tick.EventTime, interval),
		}

		ws, exists := t.windows[key]
		if !exists {
			if tick.EventTime.Before(currentWatermark) {
				// The window this tick belongs to would already be
				// closeable; treat as a fresh late-arrival recompute
				// rather than silently starting a window that should
				// already have closed.
				if currentWatermark.Sub(tick.EventTime) > t.lateLookback {
					outcomes = append(outcomes, FoldOutcome{Interval: interval, Late: true, Skipped: true})
					continue
				}
				ws = &windowState{key: key, revision: 1}
				t.windows[key] = ws
				ws.ticks = append(ws.ticks, tick)
				outcomes = append(outcomes, FoldOutcome{Interval: interval, Late: true})
				continue
			}
			ws = &windowState{key: key, revision: 1}
			t.windows[key] = ws
		}

		if ws.closed {
			if currentWatermark.Sub(tick.EventTime) > t.lateLookback {
				outcomes = append(outcomes, FoldOutcome{Interval: interval, Late: true, Skipped: true})
				continue
			}
			ws.closed = false
			ws.revision++
			ws.ticks = append(ws.ticks, tick)
			outcomes = append(outcomes, FoldOutcome{Interval: interval, Late: true})
			continue
		}

		ws.ticks = append(ws.ticks, tick)
		outcomes = append(outcomes, FoldOutcome{Interval: interval})
	}
	return outcomes
}

// Closeable returns bars for every window whose watermark has passed
// window_end + grace and that hasn't already been marked closed —
// called on a ticker, mirroring the teacher's barClosingWorker. The
// watermark used here is the later of the instrument's tick watermark
// and now minus max_out_of_order, so a window still closes once
// wall-clock time has moved past it even if its instrument receives no
// further ticks.
func (t *WindowTable) Closeable(now time.Time) []model.Bar {
	t.mu.Lock()
	defer t.mu.Unlock()

	var bars []model.Bar
	for key, ws := range t.windows {
		if ws.closed {
			continue
		}
		ik := instrumentKey(key.TenantID, key.InstrumentID)
		watermark := now.Add(-t.maxOutOfOrder)
		if tickWatermark, ok := t.watermarks[ik]; ok && tickWatermark.After(watermark) {
			watermark = tickWatermark
		}
		windowEnd := key.WindowStart.Add(key.Interval)
		if watermark.Before(windowEnd.Add(t.grace)) {
			continue
		}
		ws.closed = true
		bars = append(bars, ws.foldedBar())
	}
	return bars
}

// Seed reconstructs window state for key directly from previously
// persisted ticks, bypassing the live out-of-order classification in
// OnTick. Recover calls this once at startup, before the live consumer
// loop starts, to rebuild windows that may have been open — or
// mid-recompute — when the process last stopped.
//
// revision is the count the next close must use; the caller derives
// it from the persisted bar's stored revision (0 if none exists yet)
// so a recomputed close after restart always outranks whatever was
// last durably written, per BarStore.Upsert's revision-must-increase
// guard.
func (t *WindowTable) Seed(key model.WindowKey, ticks []model.EnrichedTick, revision int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ws, exists := t.windows[key]
	if !exists {
		ws = &windowState{key: key, revision: revision}
		t.windows[key] = ws
	} else if revision > ws.revision {
		ws.revision = revision
	}
	ws.ticks = append(ws.ticks, ticks...)

	ik := instrumentKey(key.TenantID, key.InstrumentID)
	for _, tick := range ticks {
		watermark := tick.EventTime.Add(-t.maxOutOfOrder)
		if current, ok := t.watermarks[ik]; !ok || watermark.After(current) {
			t.watermarks[ik] = watermark
		}
	}
}

// Evict removes fully-closed windows whose lookback has elapsed, so
// memory doesn't grow without bound for instruments that stop
// trading. Safe to call periodically alongside Closeable.
func (t *WindowTable) Evict(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key, ws := range t.windows {
		if ws.closed && now.Sub(key.WindowStart.Add(key.Interval)) > t.lateLookback {
			delete(t.windows, key)
		}
	}
}
