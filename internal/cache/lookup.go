package cache

import (
	"context"
	"sync"
	"time"

	"github.com/254CARBON/data-processing-sub000/internal/errors"
	"github.com/254CARBON/data-processing-sub000/internal/model"
)

// ReferenceSource is the system of record a ReferenceLookup falls
// back to on a two-tier cache miss — the analytical store's reference
// table in production, a fake in tests.
type ReferenceSource interface {
	GetReference(ctx context.Context, tenantID, instrumentID string) (*model.ReferenceRecord, error)
}

// ReferenceLookup implements the Enricher's two-tier cache (spec
// §4.3): process-local LRU first, then the shared Redis cache, then
// the reference source. A miss all the way down is remembered as a
// negative-cache entry so a storm of events for an unknown instrument
// doesn't repeatedly hit the source. Consecutive source errors for
// the same key trip a quarantine cooldown (errors.QuarantineThreshold)
// so a persistently failing lookup doesn't retry on every message.
type ReferenceLookup struct {
	local       *LRU
	shared      *Shared
	source      ReferenceSource
	localTTL    time.Duration
	sharedTTL   time.Duration
	negativeTTL time.Duration

	mu          sync.Mutex
	failures    map[string]int
	quarantined map[string]time.Time
	cooldown    time.Duration
}

func NewReferenceLookup(local *LRU, shared *Shared, source ReferenceSource, localTTL, sharedTTL, negativeTTL, cooldown time.Duration) *ReferenceLookup {
	return &ReferenceLookup{
		local:       local,
		shared:      shared,
		source:      source,
		localTTL:    localTTL,
		sharedTTL:   sharedTTL,
		negativeTTL: negativeTTL,
		failures:    make(map[string]int),
		quarantined: make(map[string]time.Time),
		cooldown:    cooldown,
	}
}

func refKey(tenantID, instrumentID string) string { return tenantID + ":" + instrumentID }

// Lookup returns the reference record for (tenantID, instrumentID),
// or nil with a MISSING_METADATA-worthy nil/nil result if genuinely
// absent upstream. err is non-nil only for a live, non-quarantined
// failure the caller should classify and possibly retry.
func (r *ReferenceLookup) Lookup(ctx context.Context, tenantID, instrumentID string) (*model.ReferenceRecord, error) {
	key := refKey(tenantID, instrumentID)

	if v, negative, ok := r.local.Get(key); ok {
		if negative {
			return nil, nil
		}
		return v.(*model.ReferenceRecord), nil
	}

	var rec model.ReferenceRecord
	if found, err := r.shared.Get(ctx, key, &rec); err == nil && found {
		r.local.Set(key, &rec, r.localTTL)
		return &rec, nil
	}

	if r.isQuarantined(key) {
		return nil, nil
	}

	record, err := r.source.GetReference(ctx, tenantID, instrumentID)
	if err != nil {
		r.recordFailure(key)
		return nil, &errors.Transient{Op: "reference_lookup", Err: err}
	}
	r.clearFailure(key)

	if record == nil {
		r.local.SetNegative(key, r.negativeTTL)
		return nil, nil
	}

	r.local.Set(key, record, r.localTTL)
	_ = r.shared.Set(ctx, key, record, r.sharedTTL)
	return record, nil
}

// Invalidate drops key from both cache tiers, used when the reference
// source reports a metadata change.
func (r *ReferenceLookup) Invalidate(ctx context.Context, tenantID, instrumentID string) {
	key := refKey(tenantID, instrumentID)
	r.local.Invalidate(key)
	_ = r.shared.Delete(ctx, key)
}

func (r *ReferenceLookup) isQuarantined(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	until, ok := r.quarantined[key]
	if !ok {
		return false
	}
	if time.Now().After(until) {
		delete(r.quarantined, key)
		return false
	}
	return true
}

func (r *ReferenceLookup) recordFailure(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures[key]++
	if r.failures[key] >= errors.QuarantineThreshold {
		r.quarantined[key] = time.Now().Add(r.cooldown)
		r.failures[key] = 0
	}
}

func (r *ReferenceLookup) clearFailure(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.failures, key)
}
