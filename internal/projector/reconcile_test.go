package projector

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/254CARBON/data-processing-sub000/internal/model"
)

func TestReconcileOnceRepairsDriftedCacheEntry(t *testing.T) {
	p, cache, store, _ := newTestProjector()
	base := time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC)

	require.NoError(t, store.WriteLatestPrice(context.Background(), model.LatestPrice{
		TenantID: "t1", InstrumentID: "NG", Price: mustDecimal(t, "42"), EventTime: base,
	}))
	require.NoError(t, cache.Set(context.Background(), "latest_price:t1:NG", model.LatestPrice{
		TenantID: "t1", InstrumentID: "NG", Price: mustDecimal(t, "1"), EventTime: base.Add(-time.Hour),
	}, time.Minute))

	var driftCount int
	require.NoError(t, p.reconcileOnce(context.Background(), ReconcileConfig{SampleRate: 1.0, Limit: 100}, func() { driftCount++ }))

	assert.Equal(t, 1, driftCount)
	var repaired model.LatestPrice
	found, err := cache.Get(context.Background(), "latest_price:t1:NG", &repaired)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 0, repaired.Price.Cmp(mustDecimal(t, "42")))
}

func TestReconcileOnceIsNoopWhenCacheAlreadyMatchesStore(t *testing.T) {
	p, cache, store, _ := newTestProjector()
	base := time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC)

	require.NoError(t, store.WriteLatestPrice(context.Background(), model.LatestPrice{
		TenantID: "t1", InstrumentID: "NG", Price: mustDecimal(t, "42"), EventTime: base,
	}))
	require.NoError(t, cache.Set(context.Background(), "latest_price:t1:NG", model.LatestPrice{
		TenantID: "t1", InstrumentID: "NG", Price: mustDecimal(t, "42"), EventTime: base,
	}, time.Minute))

	var driftCount int
	require.NoError(t, p.reconcileOnce(context.Background(), ReconcileConfig{SampleRate: 1.0, Limit: 100}, func() { driftCount++ }))
	assert.Zero(t, driftCount)
}

func TestParseLatestPriceKeyRoundTrips(t *testing.T) {
	tenantID, instrumentID, ok := parseLatestPriceKey(latestPriceCacheKey("tenant-a", "NG-HH"))
	require.True(t, ok)
	assert.Equal(t, "tenant-a", tenantID)
	assert.Equal(t, "NG-HH", instrumentID)
}

func TestParseLatestPriceKeyRejectsUnrelatedKey(t *testing.T) {
	_, _, ok := parseLatestPriceKey("curve_snapshot:t1:NG:1M")
	assert.False(t, ok)
}
