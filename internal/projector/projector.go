// Package projector maintains the hot "served" views and propagates
// invalidations (spec §4.5): monotonic latest-price and curve-snapshot
// writes, cache write-through with TTL, and a reconciliation sweep.
// Grounded on the teacher's StorageManager (storage.go) for the
// cache-write-with-TTL shape, and DataMonitor.healthCheckWorker
// (monitor.go) for the reconciliation sweep's ticking-background-task
// idiom.
package projector

import (
	"context"
	"encoding/json"
	"time"

	"github.com/254CARBON/data-processing-sub000/internal/bus"
	"github.com/254CARBON/data-processing-sub000/internal/logging"
	"github.com/254CARBON/data-processing-sub000/internal/model"
)

// CacheStore is what the Projector needs from the hot cache;
// *cache.Shared satisfies it. Narrowed to an interface (rather than
// depending on *cache.Shared directly) so the monotonic-write and
// invalidation logic can be tested against a fake instead of a live
// Redis connection.
type CacheStore interface {
	Get(ctx context.Context, key string, dest interface{}) (bool, error)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	ScanKeys(ctx context.Context, pattern string, limit int64) ([]string, error)
}

// ProjectionRepository is what the Projector needs from the
// analytical store's served tables; *store.ProjectionStore satisfies
// it.
type ProjectionRepository interface {
	GetLatestPrice(ctx context.Context, tenantID, instrumentID string) (*model.LatestPrice, error)
	WriteLatestPrice(ctx context.Context, lp model.LatestPrice) error
	GetCurveSnapshot(ctx context.Context, tenantID, instrumentID, horizon string) (*model.CurveSnapshot, error)
	WriteCurveSnapshot(ctx context.Context, snap model.CurveSnapshot) error
}

type Projector struct {
	Cache       CacheStore
	Store       ProjectionRepository
	Producer    bus.Producer
	LatestTopic string
	TTL         time.Duration
	Log         *logging.ContextLogger
}

func latestPriceCacheKey(tenantID, instrumentID string) string {
	return "latest_price:" + tenantID + ":" + instrumentID
}

func curveSnapshotCacheKey(tenantID, instrumentID, horizon string) string {
	return "curve_snapshot:" + tenantID + ":" + instrumentID + ":" + horizon
}

// OnBar derives a candidate latest price from a closed bar and applies
// the monotonic write rule (spec §4.5 step 3): write iff bar.CloseTime
// is not older than the existing projection's EventTime.
func (p *Projector) OnBar(ctx context.Context, bar model.Bar) error {
	var cached model.LatestPrice
	found, err := p.Cache.Get(ctx, latestPriceCacheKey(bar.Key.TenantID, bar.Key.InstrumentID), &cached)
	if err != nil {
		return err
	}
	if !found {
		existing, err := p.Store.GetLatestPrice(ctx, bar.Key.TenantID, bar.Key.InstrumentID)
		if err != nil {
			return err
		}
		if existing != nil {
			cached = *existing
			found = true
		}
	}

	if found && bar.CloseTime.Before(cached.EventTime) {
		return nil
	}

	candidate := model.LatestPrice{
		TenantID:     bar.Key.TenantID,
		InstrumentID: bar.Key.InstrumentID,
		Price:        bar.Close,
		Volume:       bar.Volume,
		EventTime:    bar.CloseTime,
		Source:       "aggregator",
		SnapshotAt:   time.Now().UTC(),
	}
	return p.writeLatestPrice(ctx, candidate)
}

func (p *Projector) writeLatestPrice(ctx context.Context, lp model.LatestPrice) error {
	if err := p.Store.WriteLatestPrice(ctx, lp); err != nil {
		return err
	}
	if err := p.Cache.Set(ctx, latestPriceCacheKey(lp.TenantID, lp.InstrumentID), lp, p.TTL); err != nil {
		return err
	}
	payload, err := json.Marshal(lp)
	if err != nil {
		return err
	}
	env := bus.NewEnvelope(lp.TenantID, "projector", bus.SchemaVersionLatestPrice, lp.InstrumentID, payload)
	return p.Producer.Publish(ctx, p.LatestTopic, env)
}

// OnCurveUpdate applies the same monotonic discipline keyed by
// SnapshotAt, per (tenant, instrument, horizon).
func (p *Projector) OnCurveUpdate(ctx context.Context, snap model.CurveSnapshot) error {
	var cached model.CurveSnapshot
	found, err := p.Cache.Get(ctx, curveSnapshotCacheKey(snap.TenantID, snap.InstrumentID, snap.Horizon), &cached)
	if err != nil {
		return err
	}
	if !found {
		existing, err := p.Store.GetCurveSnapshot(ctx, snap.TenantID, snap.InstrumentID, snap.Horizon)
		if err != nil {
			return err
		}
		if existing != nil {
			cached = *existing
			found = true
		}
	}
	if found && snap.SnapshotAt.Before(cached.SnapshotAt) {
		return nil
	}

	if err := p.Store.WriteCurveSnapshot(ctx, snap); err != nil {
		return err
	}
	return p.Cache.Set(ctx, curveSnapshotCacheKey(snap.TenantID, snap.InstrumentID, snap.Horizon), snap, p.TTL)
}

// Invalidation is the payload of projection.invalidate.instrument.v1.
type Invalidation struct {
	TenantID     string `json:"tenant_id"`
	InstrumentID string `json:"instrument_id"`
}

// OnInvalidate drops the cache entry and rebuilds it from the
// analytical store's most recent value. Idempotent: repeated
// invalidations just re-derive the same rebuild, per spec §4.5.
func (p *Projector) OnInvalidate(ctx context.Context, inv Invalidation) error {
	key := latestPriceCacheKey(inv.TenantID, inv.InstrumentID)
	if err := p.Cache.Delete(ctx, key); err != nil {
		return err
	}
	existing, err := p.Store.GetLatestPrice(ctx, inv.TenantID, inv.InstrumentID)
	if err != nil {
		return err
	}
	if existing == nil {
		return nil
	}
	return p.Cache.Set(ctx, key, *existing, p.TTL)
}
