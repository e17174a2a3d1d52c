package projector

import (
	"context"
	"math/rand"
	"strings"
	"time"

	"github.com/254CARBON/data-processing-sub000/internal/logging"
	"github.com/254CARBON/data-processing-sub000/internal/model"
)

// ReconcileConfig bounds the sampled sweep (spec §4.5's reconciliation
// sweep), grounded on DataMonitor.healthCheckWorker's ticking-sweep
// idiom (monitor.go) generalized from feed-health polling to
// cache/store drift detection.
type ReconcileConfig struct {
	Interval   time.Duration
	SampleRate float64
	Limit      int64
}

// RunReconciliation ticks at cfg.Interval, sampling a fraction of
// cached latest-price keys and comparing each entry's EventTime against
// the analytical store; on any difference it counts drift and
// overwrites the cache entry with the stored value. Blocks until ctx is
// cancelled.
func (p *Projector) RunReconciliation(ctx context.Context, cfg ReconcileConfig, driftCounter func()) error {
	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := p.reconcileOnce(ctx, cfg, driftCounter); err != nil && p.Log != nil {
				p.Log.Warn("reconciliation sweep failed", logging.Any("error", err.Error()))
			}
		}
	}
}

func (p *Projector) reconcileOnce(ctx context.Context, cfg ReconcileConfig, driftCounter func()) error {
	keys, err := p.Cache.ScanKeys(ctx, "latest_price:*", cfg.Limit)
	if err != nil {
		return err
	}

	for _, key := range keys {
		if rand.Float64() > cfg.SampleRate {
			continue
		}
		tenantID, instrumentID, ok := parseLatestPriceKey(key)
		if !ok {
			continue
		}
		if err := p.reconcileOne(ctx, tenantID, instrumentID, driftCounter); err != nil && p.Log != nil {
			p.Log.Warn("reconciliation repair failed", logging.Any("error", err.Error()),
				logging.InstrumentID(instrumentID))
		}
	}
	return nil
}

func (p *Projector) reconcileOne(ctx context.Context, tenantID, instrumentID string, driftCounter func()) error {
	stored, err := p.Store.GetLatestPrice(ctx, tenantID, instrumentID)
	if err != nil || stored == nil {
		return err
	}

	key := latestPriceCacheKey(tenantID, instrumentID)
	var fromCache model.LatestPrice
	found, err := p.Cache.Get(ctx, key, &fromCache)
	if err != nil {
		return err
	}
	if found && fromCache.EventTime.Equal(stored.EventTime) {
		return nil
	}

	if driftCounter != nil {
		driftCounter()
	}
	return p.Cache.Set(ctx, key, *stored, p.TTL)
}

// parseLatestPriceKey reverses latestPriceCacheKey's "latest_price:" +
// tenant + ":" + instrument encoding. instrumentID itself never
// contains ":", matching the rest of the pipeline's key conventions.
func parseLatestPriceKey(key string) (tenantID, instrumentID string, ok bool) {
	const prefix = "latest_price:"
	if !strings.HasPrefix(key, prefix) {
		return "", "", false
	}
	rest := strings.TrimPrefix(key, prefix)
	idx := strings.LastIndex(rest, ":")
	if idx < 0 {
		return "", "", false
	}
	return rest[:idx], rest[idx+1:], true
}
