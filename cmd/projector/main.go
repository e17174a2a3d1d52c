// Command projector runs the Projector worker: maintain the hot
// "served" latest-price and curve-snapshot views from bar/curve
// events, apply invalidations, and periodically reconcile the cache
// against the analytical store.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/254CARBON/data-processing-sub000/internal/bus"
	"github.com/254CARBON/data-processing-sub000/internal/cache"
	"github.com/254CARBON/data-processing-sub000/internal/config"
	"github.com/254CARBON/data-processing-sub000/internal/logging"
	"github.com/254CARBON/data-processing-sub000/internal/metrics"
	"github.com/254CARBON/data-processing-sub000/internal/model"
	"github.com/254CARBON/data-processing-sub000/internal/projector"
	"github.com/254CARBON/data-processing-sub000/internal/runtime"
	"github.com/254CARBON/data-processing-sub000/internal/store"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load("projector", *configPath)
	if err != nil {
		os.Stderr.WriteString("projector: " + err.Error() + "\n")
		os.Exit(1)
	}

	log := logging.New(logging.INFO)
	ctx, cancel := runtime.WithSignalCancel(context.Background())
	defer cancel()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal("projector exited", err)
	}
}

func run(ctx context.Context, cfg *config.Config, log *logging.Logger) error {
	redisClient := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	defer redisClient.Close()

	db, err := store.Open(ctx, cfg.Postgres.DSN)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.Bootstrap(ctx); err != nil {
		return err
	}
	projectionStore := store.NewProjectionStore(db)

	producer := bus.NewStreamProducer(redisClient, cfg.Bus.Shards)
	defer producer.Close()

	shards := make([]int, cfg.Bus.Shards)
	for i := range shards {
		shards[i] = i
	}
	barConsumer, err := bus.NewStreamConsumer(redisClient, bus.StreamConsumerConfig{
		Topic:     cfg.Bus.InputTopic,
		Shards:    shards,
		Group:     cfg.Bus.ConsumerGroup,
		Consumer:  cfg.Bus.ConsumerName,
		ClaimIdle: cfg.Bus.ClaimIdle(),
	})
	if err != nil {
		return err
	}
	defer barConsumer.Close()

	var curveConsumer bus.Consumer
	if cfg.Bus.SecondaryTopic != "" {
		curveConsumer, err = bus.NewStreamConsumer(redisClient, bus.StreamConsumerConfig{
			Topic:     cfg.Bus.SecondaryTopic,
			Shards:    shards,
			Group:     cfg.Bus.ConsumerGroup,
			Consumer:  cfg.Bus.ConsumerName,
			ClaimIdle: cfg.Bus.ClaimIdle(),
		})
		if err != nil {
			return err
		}
		defer curveConsumer.Close()
	}

	var invalidateConsumer bus.Consumer
	if cfg.Bus.TertiaryTopic != "" {
		invalidateConsumer, err = bus.NewStreamConsumer(redisClient, bus.StreamConsumerConfig{
			Topic:     cfg.Bus.TertiaryTopic,
			Shards:    shards,
			Group:     cfg.Bus.ConsumerGroup,
			Consumer:  cfg.Bus.ConsumerName,
			ClaimIdle: cfg.Bus.ClaimIdle(),
		})
		if err != nil {
			return err
		}
		defer invalidateConsumer.Close()
	}

	promReg := prometheus.NewRegistry()
	m := metrics.NewRegistry("projector", promReg)
	m.SetReady(metrics.PingReady(ctx,
		func(c context.Context) error { return redisClient.Ping(c).Err() },
		func(c context.Context) error { return db.Pool.Ping(c) },
	))
	healthSrv := metrics.NewServer(cfg.HealthAddr, promReg, m)

	tp := metrics.NewTracerProvider("projector")
	defer func() { _ = tp.Shutdown(ctx) }()

	shared := cache.NewShared(redisClient, "served")
	contextLog := log.ForContext(ctx)
	proj := &projector.Projector{
		Cache:       shared,
		Store:       projectionStore,
		Producer:    producer,
		LatestTopic: cfg.Bus.OutputTopic,
		TTL:         cfg.Projection.TTL(),
		Log:         contextLog,
	}

	barLoop := runtime.NewLoop(barConsumer, producer, runtime.WorkerConfig{
		Stage:       "projector",
		MaxBatch:    cfg.Consumer.MaxPollRecords,
		PollTimeout: 5 * time.Second,
		Concurrency: 8,
	}, barHandler(proj, m), contextLog)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return barLoop.Run(gctx) })
	g.Go(func() error {
		return proj.RunReconciliation(gctx, projector.ReconcileConfig{
			Interval:   cfg.Reconcile.Interval(),
			SampleRate: cfg.Reconcile.SampleRate,
			Limit:      1000,
		}, m.ReconcileDrift.Inc)
	})
	if curveConsumer != nil {
		curveLoop := runtime.NewLoop(curveConsumer, producer, runtime.WorkerConfig{
			Stage:       "projector",
			MaxBatch:    cfg.Consumer.MaxPollRecords,
			PollTimeout: 5 * time.Second,
			Concurrency: 4,
		}, curveHandler(proj, m), contextLog)
		g.Go(func() error { return curveLoop.Run(gctx) })
	}
	if invalidateConsumer != nil {
		invalidateLoop := runtime.NewLoop(invalidateConsumer, producer, runtime.WorkerConfig{
			Stage:       "projector",
			MaxBatch:    cfg.Consumer.MaxPollRecords,
			PollTimeout: 5 * time.Second,
			Concurrency: 4,
		}, invalidateHandler(proj, m), contextLog)
		g.Go(func() error { return invalidateLoop.Run(gctx) })
	}
	g.Go(func() error { return healthSrv.Run(gctx) })

	return g.Wait()
}

func barHandler(proj *projector.Projector, m *metrics.Registry) runtime.Handler {
	return func(ctx context.Context, msg bus.Message) error {
		start := time.Now()
		defer m.ObserveLatency(msg.Topic, start)

		var bar model.Bar
		if err := json.Unmarshal(msg.Envelope.Payload, &bar); err != nil {
			m.Failed.WithLabelValues(msg.Topic, "decode").Inc()
			return err
		}
		if err := proj.OnBar(ctx, bar); err != nil {
			m.Failed.WithLabelValues(msg.Topic, "project").Inc()
			return err
		}
		m.Processed.WithLabelValues(msg.Topic).Inc()
		return nil
	}
}

// computedCurveMessage mirrors the payload shape Aggregator.HandleCurveUpdate
// publishes to pricing.curve.updates.v1 (internal/aggregator/aggregator.go):
// a full interpolated point set for one (tenant, curve, as-of date).
type computedCurveMessage struct {
	TenantID string                     `json:"tenant_id"`
	CurveID  string                     `json:"curve_id"`
	AsOfDate time.Time                  `json:"as_of_date"`
	Points   []model.ComputedCurvePoint `json:"points"`
}

// curveHandler derives a served curve snapshot from the Aggregator's
// computed curve (spec §4.5 "OnCurveUpdate"). The curve, not a single
// instrument, is the served key here: CurveID stands in for
// InstrumentID and the as-of date stands in for Horizon, since a
// forward curve's snapshot is naturally keyed by (curve, as-of-date)
// rather than by a single instrument (spec §9 leaves curve-snapshot
// keying an open question; this is the resolution).
func curveHandler(proj *projector.Projector, m *metrics.Registry) runtime.Handler {
	return func(ctx context.Context, msg bus.Message) error {
		start := time.Now()
		defer m.ObserveLatency(msg.Topic, start)

		var computed computedCurveMessage
		if err := json.Unmarshal(msg.Envelope.Payload, &computed); err != nil {
			m.Failed.WithLabelValues(msg.Topic, "decode").Inc()
			return err
		}

		snap := model.CurveSnapshot{
			TenantID:            computed.TenantID,
			InstrumentID:        computed.CurveID,
			Horizon:             computed.AsOfDate.Format("2006-01-02"),
			CurvePoints:         computed.Points,
			InterpolationMethod: "linear_by_ordinal",
			SnapshotAt:          time.Now().UTC(),
		}
		if err := proj.OnCurveUpdate(ctx, snap); err != nil {
			m.Failed.WithLabelValues(msg.Topic, "project_curve").Inc()
			return err
		}
		m.Processed.WithLabelValues(msg.Topic).Inc()
		return nil
	}
}

func invalidateHandler(proj *projector.Projector, m *metrics.Registry) runtime.Handler {
	return func(ctx context.Context, msg bus.Message) error {
		start := time.Now()
		defer m.ObserveLatency(msg.Topic, start)

		var inv projector.Invalidation
		if err := json.Unmarshal(msg.Envelope.Payload, &inv); err != nil {
			m.Failed.WithLabelValues(msg.Topic, "decode").Inc()
			return err
		}
		if err := proj.OnInvalidate(ctx, inv); err != nil {
			m.Failed.WithLabelValues(msg.Topic, "invalidate").Inc()
			return err
		}
		m.Processed.WithLabelValues(msg.Topic).Inc()
		return nil
	}
}
