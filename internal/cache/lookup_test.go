package cache

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/254CARBON/data-processing-sub000/internal/model"
)

// fakeSource is an in-memory ReferenceSource stand-in for the
// analytical store's reference table.
type fakeSource struct {
	records map[string]*model.ReferenceRecord
	calls   int
	failN   int // fail the first failN calls with a non-nil error
}

func (f *fakeSource) GetReference(ctx context.Context, tenantID, instrumentID string) (*model.ReferenceRecord, error) {
	f.calls++
	if f.calls <= f.failN {
		return nil, assert.AnError
	}
	return f.records[tenantID+":"+instrumentID], nil
}

// deadShared returns a *Shared wrapping a client pointed at an
// unreachable address, so every call fails fast with a connection
// error instead of blocking — letting ReferenceLookup's three-tier
// fallthrough run deterministically without a live Redis server.
func deadShared() *Shared {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
	})
	return NewShared(client, "ref")
}

func TestReferenceLookupFallsThroughToSourceOnCacheMiss(t *testing.T) {
	rec := &model.ReferenceRecord{InstrumentID: "NG", Commodity: "natural_gas", Region: "us"}
	source := &fakeSource{records: map[string]*model.ReferenceRecord{"t1:NG": rec}}
	lookup := NewReferenceLookup(NewLRU(100), deadShared(), source, time.Minute, time.Minute, time.Minute, time.Minute)

	got, err := lookup.Lookup(context.Background(), "t1", "NG")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "natural_gas", got.Commodity)
	assert.Equal(t, 1, source.calls)
}

func TestReferenceLookupServesFromLocalCacheOnSecondCall(t *testing.T) {
	rec := &model.ReferenceRecord{InstrumentID: "NG", Commodity: "natural_gas"}
	source := &fakeSource{records: map[string]*model.ReferenceRecord{"t1:NG": rec}}
	lookup := NewReferenceLookup(NewLRU(100), deadShared(), source, time.Minute, time.Minute, time.Minute, time.Minute)

	_, err := lookup.Lookup(context.Background(), "t1", "NG")
	require.NoError(t, err)
	_, err = lookup.Lookup(context.Background(), "t1", "NG")
	require.NoError(t, err)

	assert.Equal(t, 1, source.calls, "second lookup should be served from the local tier, not hit the source again")
}

func TestReferenceLookupNegativeCachesGenuineMiss(t *testing.T) {
	source := &fakeSource{records: map[string]*model.ReferenceRecord{}}
	lookup := NewReferenceLookup(NewLRU(100), deadShared(), source, time.Minute, time.Minute, time.Minute, time.Minute)

	got, err := lookup.Lookup(context.Background(), "t1", "UNKNOWN")
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = lookup.Lookup(context.Background(), "t1", "UNKNOWN")
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Equal(t, 1, source.calls, "negative-cached miss should not hit the source again")
}

func TestReferenceLookupReturnsTransientErrorOnSourceFailure(t *testing.T) {
	source := &fakeSource{records: map[string]*model.ReferenceRecord{}, failN: 10}
	lookup := NewReferenceLookup(NewLRU(100), deadShared(), source, time.Minute, time.Minute, time.Minute, time.Hour)

	_, err := lookup.Lookup(context.Background(), "t1", "NG")
	assert.Error(t, err)
}

func TestReferenceLookupQuarantinesAfterRepeatedFailures(t *testing.T) {
	source := &fakeSource{records: map[string]*model.ReferenceRecord{}, failN: 100}
	lookup := NewReferenceLookup(NewLRU(100), deadShared(), source, time.Minute, time.Minute, time.Minute, time.Hour)

	// errors.QuarantineThreshold consecutive failures trip the cooldown.
	for i := 0; i < 5; i++ {
		_, err := lookup.Lookup(context.Background(), "t1", "NG")
		assert.Error(t, err)
	}

	// Now quarantined: Lookup returns (nil, nil) without calling the
	// source again, instead of a sixth Transient error.
	callsBefore := source.calls
	got, err := lookup.Lookup(context.Background(), "t1", "NG")
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Equal(t, callsBefore, source.calls)
}

func TestReferenceLookupInvalidateClearsLocalTier(t *testing.T) {
	rec := &model.ReferenceRecord{InstrumentID: "NG", Commodity: "natural_gas"}
	source := &fakeSource{records: map[string]*model.ReferenceRecord{"t1:NG": rec}}
	lookup := NewReferenceLookup(NewLRU(100), deadShared(), source, time.Minute, time.Minute, time.Minute, time.Minute)

	_, err := lookup.Lookup(context.Background(), "t1", "NG")
	require.NoError(t, err)
	lookup.Invalidate(context.Background(), "t1", "NG")

	_, err = lookup.Lookup(context.Background(), "t1", "NG")
	require.NoError(t, err)
	assert.Equal(t, 2, source.calls, "invalidated key must be re-fetched from the source")
}
