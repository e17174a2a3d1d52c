package aggregator

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/254CARBON/data-processing-sub000/internal/bus"
	"github.com/254CARBON/data-processing-sub000/internal/model"
)

// fakeProducer records every published envelope in memory, standing
// in for the Redis Streams producer.
type fakeProducer struct {
	mu   sync.Mutex
	msgs []bus.Envelope
	byTopic map[string][]bus.Envelope
}

func newFakeProducer() *fakeProducer {
	return &fakeProducer{byTopic: make(map[string][]bus.Envelope)}
}

func (f *fakeProducer) Publish(ctx context.Context, topic string, env bus.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, env)
	f.byTopic[topic] = append(f.byTopic[topic], env)
	return nil
}
func (f *fakeProducer) Close() error { return nil }

// fakeBarRepository records upserted bars in memory.
type fakeBarRepository struct {
	mu   sync.Mutex
	bars []model.Bar
}

func (f *fakeBarRepository) Upsert(ctx context.Context, bar model.Bar) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bars = append(f.bars, bar)
	return nil
}

func (f *fakeBarRepository) Get(ctx context.Context, key model.WindowKey) (*model.Bar, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.bars) - 1; i >= 0; i-- {
		if f.bars[i].Key == key {
			bar := f.bars[i]
			return &bar, nil
		}
	}
	return nil, nil
}

// fakeCurveRepository records upserted curve points in memory and, like
// the real CurveStore, merges by (curve_id, as_of_date, tenor) so a
// later incremental update's Points read reflects everything
// accumulated so far rather than only the last message.
type fakeCurveRepository struct {
	mu     sync.Mutex
	points []model.CurvePoint
	byKey  map[string]model.CurvePoint
}

func curvePointKey(tenantID string, p model.CurvePoint) string {
	return tenantID + "|" + p.CurveID + "|" + p.AsOfDate.String() + "|" + p.Tenor
}

func (f *fakeCurveRepository) UpsertPoints(ctx context.Context, tenantID string, points []model.CurvePoint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.byKey == nil {
		f.byKey = make(map[string]model.CurvePoint)
	}
	f.points = append(f.points, points...)
	for _, p := range points {
		f.byKey[curvePointKey(tenantID, p)] = p
	}
	return nil
}

func (f *fakeCurveRepository) Points(ctx context.Context, tenantID, curveID string, asOfDate time.Time) ([]model.CurvePoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.CurvePoint
	for _, p := range f.byKey {
		if p.CurveID == curveID && p.AsOfDate.Equal(asOfDate) {
			out = append(out, p)
		}
	}
	return out, nil
}

func newTestAggregator() (*Aggregator, *fakeBarRepository, *fakeCurveRepository, *fakeProducer) {
	bars := &fakeBarRepository{}
	curves := &fakeCurveRepository{}
	producer := newFakeProducer()
	agg := &Aggregator{
		Windows:      NewWindowTable(0, time.Second, 5*time.Minute),
		Intervals:    []time.Duration{time.Minute},
		Bars:         bars,
		Curves:       curves,
		Producer:     producer,
		BarTopic:     "aggregated.bars.v1",
		CurveTopic:   "computed.curve.v1",
		Interpolator: LinearByOrdinal{},
		TenorOrder:   tenorOrder,
	}
	return agg, bars, curves, producer
}

func TestAggregatorSweepPersistsAndPublishesClosedBars(t *testing.T) {
	agg, bars, _, producer := newTestAggregator()
	base := time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC)

	require.NoError(t, agg.HandleTick(context.Background(), tickAt(t, base.Add(10*time.Second), "a", "10", "1")))
	require.NoError(t, agg.Sweep(context.Background(), base.Add(time.Minute+2*time.Second)))

	bars.mu.Lock()
	defer bars.mu.Unlock()
	require.Len(t, bars.bars, 1)
	assert.Equal(t, 0, bars.bars[0].Close.Cmp(price(t, "10")))

	producer.mu.Lock()
	defer producer.mu.Unlock()
	assert.Len(t, producer.byTopic["aggregated.bars.v1"], 1)
}

func TestAggregatorSynthesizesCurvePointFromBarClose(t *testing.T) {
	agg, _, curves, producer := newTestAggregator()
	agg.Synthesis = []SynthesisRule{{InstrumentID: "NG", Interval: time.Minute, CurveID: "NG-CURVE", Tenor: "1M"}}
	base := time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC)

	require.NoError(t, agg.HandleTick(context.Background(), tickAt(t, base.Add(10*time.Second), "a", "10", "1")))
	require.NoError(t, agg.Sweep(context.Background(), base.Add(time.Minute+2*time.Second)))

	curves.mu.Lock()
	require.Len(t, curves.points, 1)
	assert.Equal(t, "1M", curves.points[0].Tenor)
	assert.Equal(t, 0, curves.points[0].Price.Cmp(price(t, "10")))
	curves.mu.Unlock()

	producer.mu.Lock()
	defer producer.mu.Unlock()
	assert.Len(t, producer.byTopic["computed.curve.v1"], 1, "synthesis must also publish the computed curve")
}

func TestAggregatorHandleCurveUpdateUpsertsAndPublishes(t *testing.T) {
	agg, _, curves, producer := newTestAggregator()
	update := model.CurveUpdate{
		TenantID: "t1",
		CurveID:  "NG-CURVE",
		AsOfDate: time.Now().UTC(),
		Points:   []model.CurvePoint{curvePoint(t, "1M", "3.0"), curvePoint(t, "1Y", "4.0")},
		SourceID: "external",
	}
	require.NoError(t, agg.HandleCurveUpdate(context.Background(), update))

	curves.mu.Lock()
	assert.Len(t, curves.points, 2)
	curves.mu.Unlock()

	producer.mu.Lock()
	defer producer.mu.Unlock()
	assert.Len(t, producer.byTopic["computed.curve.v1"], 1)
}

func TestAggregatorHandleCurveUpdateInterpolatesOverMergedPoints(t *testing.T) {
	agg, _, _, producer := newTestAggregator()
	asOf := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)

	// First, incremental update only quotes 1M.
	require.NoError(t, agg.HandleCurveUpdate(context.Background(), model.CurveUpdate{
		TenantID: "t1",
		CurveID:  "NG-CURVE",
		AsOfDate: asOf,
		Points:   []model.CurvePoint{curvePoint(t, "1M", "2.0")},
		SourceID: "external",
	}))

	// Second, incremental update only quotes 1Y — it must not erase the
	// previously-quoted 1M point from the merged interpolation input.
	require.NoError(t, agg.HandleCurveUpdate(context.Background(), model.CurveUpdate{
		TenantID: "t1",
		CurveID:  "NG-CURVE",
		AsOfDate: asOf,
		Points:   []model.CurvePoint{curvePoint(t, "1Y", "6.0")},
		SourceID: "external",
	}))

	published := producer.byTopic["computed.curve.v1"]
	require.Len(t, published, 2)

	var computed struct {
		Points []model.ComputedCurvePoint `json:"points"`
	}
	require.NoError(t, json.Unmarshal(published[1].Payload, &computed))

	// 3M sits between the 1M (2.0) and 1Y (6.0) quotes — only possible
	// if the second update's interpolation saw both, not just 1Y.
	var threeMonth model.ComputedCurvePoint
	for _, p := range computed.Points {
		if p.Tenor == "3M" {
			threeMonth = p
		}
	}
	assert.Equal(t, 0.8, threeMonth.Confidence, "3M must be interpolated, not left unquoted")
}

// fakeReplaySource stands in for the gold enriched-tick table.
type fakeReplaySource struct {
	ticks []model.EnrichedTick
}

func (f *fakeReplaySource) Since(ctx context.Context, since time.Time) ([]model.EnrichedTick, error) {
	var out []model.EnrichedTick
	for _, tick := range f.ticks {
		if !tick.EventTime.Before(since) {
			out = append(out, tick)
		}
	}
	return out, nil
}

// TestAggregatorRecoverRebuildsOpenWindowFromReplay proves a window
// that was folded but never closed before a (simulated) restart is not
// lost: a fresh Aggregator with empty in-memory state recovers the
// fold from the replay source and still closes the bar correctly.
func TestAggregatorRecoverRebuildsOpenWindowFromReplay(t *testing.T) {
	base := time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC)
	replay := &fakeReplaySource{ticks: []model.EnrichedTick{
		tickAt(t, base.Add(10*time.Second), "a", "10", "1"),
		tickAt(t, base.Add(40*time.Second), "b", "14", "1"),
	}}

	agg, bars, _, producer := newTestAggregator()
	agg.Replay = replay

	require.NoError(t, agg.Recover(context.Background(), base.Add(-time.Hour)))
	require.NoError(t, agg.Sweep(context.Background(), base.Add(time.Minute+2*time.Second)))

	bars.mu.Lock()
	defer bars.mu.Unlock()
	require.Len(t, bars.bars, 1, "the never-closed window must still close after recovery")
	assert.Equal(t, 1, bars.bars[0].Revision)
	assert.Equal(t, 0, bars.bars[0].Close.Cmp(price(t, "14")))

	producer.mu.Lock()
	defer producer.mu.Unlock()
	assert.Len(t, producer.byTopic["aggregated.bars.v1"], 1)
}

// TestAggregatorRecoverOutranksPersistedRevision proves that recovering
// a window whose bar already closed once before restart seeds a
// revision that will still pass BarStore's revision-must-increase
// guard when it closes again.
func TestAggregatorRecoverOutranksPersistedRevision(t *testing.T) {
	base := time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC)
	key := model.WindowKey{TenantID: "t1", InstrumentID: "NG", Interval: time.Minute, WindowStart: base}

	agg, bars, _, _ := newTestAggregator()
	bars.bars = append(bars.bars, model.Bar{Key: key, Revision: 1, Close: price(t, "10")})

	replay := &fakeReplaySource{ticks: []model.EnrichedTick{
		tickAt(t, base.Add(10*time.Second), "a", "10", "1"),
		tickAt(t, base.Add(5*time.Second), "z", "99", "1"),
	}}
	agg.Replay = replay

	require.NoError(t, agg.Recover(context.Background(), base.Add(-time.Hour)))
	require.NoError(t, agg.Sweep(context.Background(), base.Add(time.Minute+2*time.Second)))

	bars.mu.Lock()
	defer bars.mu.Unlock()
	require.Len(t, bars.bars, 2)
	assert.Equal(t, 2, bars.bars[1].Revision, "recovered close must outrank the already-persisted revision")
}

func TestAggregatorDoesNotSynthesizeForUnmatchedRule(t *testing.T) {
	agg, _, curves, _ := newTestAggregator()
	agg.Synthesis = []SynthesisRule{{InstrumentID: "WTI", Interval: time.Minute, CurveID: "WTI-CURVE", Tenor: "1M"}}
	base := time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC)

	require.NoError(t, agg.HandleTick(context.Background(), tickAt(t, base.Add(10*time.Second), "a", "10", "1")))
	require.NoError(t, agg.Sweep(context.Background(), base.Add(time.Minute+2*time.Second)))

	curves.mu.Lock()
	defer curves.mu.Unlock()
	assert.Empty(t, curves.points, "synthesis rule for a different instrument must not fire")
}
