package projector

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/govalues/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/254CARBON/data-processing-sub000/internal/bus"
	"github.com/254CARBON/data-processing-sub000/internal/model"
)

// fakeCache is an in-memory CacheStore, round-tripping values through
// JSON the same way the real Redis-backed Shared cache does, so tests
// exercise the same (de)serialization path.
type fakeCache struct {
	mu    sync.Mutex
	items map[string][]byte
}

func newFakeCache() *fakeCache { return &fakeCache{items: make(map[string][]byte)} }

func (f *fakeCache) Get(ctx context.Context, key string, dest interface{}) (bool, error) {
	f.mu.Lock()
	raw, ok := f.items[key]
	f.mu.Unlock()
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, dest)
}

func (f *fakeCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.items[key] = data
	f.mu.Unlock()
	return nil
}

func (f *fakeCache) Delete(ctx context.Context, key string) error {
	f.mu.Lock()
	delete(f.items, key)
	f.mu.Unlock()
	return nil
}

func (f *fakeCache) ScanKeys(ctx context.Context, pattern string, limit int64) ([]string, error) {
	prefix := strings.TrimSuffix(pattern, "*")
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys []string
	for k := range f.items {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
			if int64(len(keys)) >= limit {
				break
			}
		}
	}
	return keys, nil
}

// fakeProjectionRepository is an in-memory ProjectionRepository
// standing in for the Postgres-backed served tables.
type fakeProjectionRepository struct {
	mu     sync.Mutex
	prices map[string]model.LatestPrice
	curves map[string]model.CurveSnapshot
}

func newFakeProjectionRepository() *fakeProjectionRepository {
	return &fakeProjectionRepository{prices: make(map[string]model.LatestPrice), curves: make(map[string]model.CurveSnapshot)}
}

func priceKey(tenantID, instrumentID string) string { return tenantID + ":" + instrumentID }
func curveKey(tenantID, instrumentID, horizon string) string {
	return tenantID + ":" + instrumentID + ":" + horizon
}

func (f *fakeProjectionRepository) GetLatestPrice(ctx context.Context, tenantID, instrumentID string) (*model.LatestPrice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	lp, ok := f.prices[priceKey(tenantID, instrumentID)]
	if !ok {
		return nil, nil
	}
	return &lp, nil
}

func (f *fakeProjectionRepository) WriteLatestPrice(ctx context.Context, lp model.LatestPrice) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prices[priceKey(lp.TenantID, lp.InstrumentID)] = lp
	return nil
}

func (f *fakeProjectionRepository) GetCurveSnapshot(ctx context.Context, tenantID, instrumentID, horizon string) (*model.CurveSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cs, ok := f.curves[curveKey(tenantID, instrumentID, horizon)]
	if !ok {
		return nil, nil
	}
	return &cs, nil
}

func (f *fakeProjectionRepository) WriteCurveSnapshot(ctx context.Context, snap model.CurveSnapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.curves[curveKey(snap.TenantID, snap.InstrumentID, snap.Horizon)] = snap
	return nil
}

// fakeProducer records published envelopes, mirroring the aggregator
// package's test double for the same bus.Producer interface.
type fakeProducer struct {
	mu   sync.Mutex
	msgs []bus.Envelope
}

func (f *fakeProducer) Publish(ctx context.Context, topic string, env bus.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, env)
	return nil
}
func (f *fakeProducer) Close() error { return nil }

func newTestProjector() (*Projector, *fakeCache, *fakeProjectionRepository, *fakeProducer) {
	cache := newFakeCache()
	store := newFakeProjectionRepository()
	producer := &fakeProducer{}
	p := &Projector{
		Cache:       cache,
		Store:       store,
		Producer:    producer,
		LatestTopic: "served.market.latest_prices.v1",
		TTL:         time.Minute,
	}
	return p, cache, store, producer
}

func mustDecimal(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.Parse(s)
	require.NoError(t, err)
	return d
}

func barAt(t *testing.T, closeTime time.Time, closePrice string) model.Bar {
	return model.Bar{
		Key:       model.WindowKey{TenantID: "t1", InstrumentID: "NG", Interval: time.Minute},
		Close:     mustDecimal(t, closePrice),
		Volume:    mustDecimal(t, "10"),
		CloseTime: closeTime,
	}
}

func TestProjectorOnBarWritesFirstPrice(t *testing.T) {
	p, _, store, producer := newTestProjector()
	now := time.Date(2026, 7, 31, 10, 1, 0, 0, time.UTC)

	require.NoError(t, p.OnBar(context.Background(), barAt(t, now, "10.0")))

	stored, err := store.GetLatestPrice(context.Background(), "t1", "NG")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, 0, stored.Price.Cmp(mustDecimal(t, "10.0")))

	producer.mu.Lock()
	defer producer.mu.Unlock()
	assert.Len(t, producer.msgs, 1)
}

func TestProjectorOnBarIsMonotonicInEventTime(t *testing.T) {
	p, _, store, _ := newTestProjector()
	base := time.Date(2026, 7, 31, 10, 1, 0, 0, time.UTC)

	require.NoError(t, p.OnBar(context.Background(), barAt(t, base, "10.0")))
	// An older bar close must not overwrite the newer projection.
	require.NoError(t, p.OnBar(context.Background(), barAt(t, base.Add(-time.Minute), "999.0")))

	stored, err := store.GetLatestPrice(context.Background(), "t1", "NG")
	require.NoError(t, err)
	assert.Equal(t, 0, stored.Price.Cmp(mustDecimal(t, "10.0")), "stale bar must not overwrite the monotonic projection")
}

func TestProjectorOnBarAcceptsNewerEventTime(t *testing.T) {
	p, _, store, _ := newTestProjector()
	base := time.Date(2026, 7, 31, 10, 1, 0, 0, time.UTC)

	require.NoError(t, p.OnBar(context.Background(), barAt(t, base, "10.0")))
	require.NoError(t, p.OnBar(context.Background(), barAt(t, base.Add(time.Minute), "20.0")))

	stored, err := store.GetLatestPrice(context.Background(), "t1", "NG")
	require.NoError(t, err)
	assert.Equal(t, 0, stored.Price.Cmp(mustDecimal(t, "20.0")))
}

func TestProjectorOnInvalidateIsIdempotent(t *testing.T) {
	p, cache, store, _ := newTestProjector()
	base := time.Date(2026, 7, 31, 10, 1, 0, 0, time.UTC)
	require.NoError(t, p.OnBar(context.Background(), barAt(t, base, "10.0")))

	inv := Invalidation{TenantID: "t1", InstrumentID: "NG"}
	require.NoError(t, p.OnInvalidate(context.Background(), inv))
	var first model.LatestPrice
	found, err := cache.Get(context.Background(), "latest_price:t1:NG", &first)
	require.NoError(t, err)
	require.True(t, found)

	// Repeating the invalidation must re-derive the same rebuilt value.
	require.NoError(t, p.OnInvalidate(context.Background(), inv))
	var second model.LatestPrice
	found, err = cache.Get(context.Background(), "latest_price:t1:NG", &second)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 0, first.Price.Cmp(second.Price))

	stored, err := store.GetLatestPrice(context.Background(), "t1", "NG")
	require.NoError(t, err)
	assert.Equal(t, 0, stored.Price.Cmp(mustDecimal(t, "10.0")))
}

func TestProjectorOnInvalidateWithNoStoredValueLeavesCacheEmpty(t *testing.T) {
	p, cache, _, _ := newTestProjector()
	require.NoError(t, p.OnInvalidate(context.Background(), Invalidation{TenantID: "t1", InstrumentID: "UNKNOWN"}))

	var dest model.LatestPrice
	found, err := cache.Get(context.Background(), "latest_price:t1:UNKNOWN", &dest)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestProjectorOnCurveUpdateIsMonotonicInSnapshotAt(t *testing.T) {
	p, _, store, _ := newTestProjector()
	base := time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC)

	newer := model.CurveSnapshot{TenantID: "t1", InstrumentID: "NG", Horizon: "1M", SnapshotAt: base}
	older := model.CurveSnapshot{TenantID: "t1", InstrumentID: "NG", Horizon: "1M", SnapshotAt: base.Add(-time.Hour)}

	require.NoError(t, p.OnCurveUpdate(context.Background(), newer))
	require.NoError(t, p.OnCurveUpdate(context.Background(), older))

	stored, err := store.GetCurveSnapshot(context.Background(), "t1", "NG", "1M")
	require.NoError(t, err)
	assert.True(t, stored.SnapshotAt.Equal(base), "older snapshot must not overwrite the newer one")
}
