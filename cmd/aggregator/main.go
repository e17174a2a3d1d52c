// Command aggregator runs the Aggregator worker: fold enriched ticks
// into per-(tenant, instrument, interval) OHLC windows, close and
// persist bars on watermark advance, and maintain forward-curve
// tables from a secondary consumer on pricing.curve.updates.v1.
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

	"github.com/254CARBON/data-processing-sub000/internal/aggregator"
	"github.com/254CARBON/data-processing-sub000/internal/bus"
	"github.com/254CARBON/data-processing-sub000/internal/config"
	pipelineerrors "github.com/254CARBON/data-processing-sub000/internal/errors"
	"github.com/254CARBON/data-processing-sub000/internal/logging"
	"github.com/254CARBON/data-processing-sub000/internal/metrics"
	"github.com/254CARBON/data-processing-sub000/internal/model"
	"github.com/254CARBON/data-processing-sub000/internal/runtime"
	"github.com/254CARBON/data-processing-sub000/internal/store"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load("aggregator", *configPath)
	if err != nil {
		os.Stderr.WriteString("aggregator: " + err.Error() + "\n")
		os.Exit(1)
	}

	log := logging.New(logging.INFO)
	ctx, cancel := runtime.WithSignalCancel(context.Background())
	defer cancel()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal("aggregator exited", err)
	}
}

// longestInterval bounds how far back Recover needs to read: a window
// older than its own interval plus the out-of-order/grace allowance
// could not still be open, so there is no point replaying it.
func longestInterval(intervals []time.Duration) time.Duration {
	var longest time.Duration
	for _, i := range intervals {
		if i > longest {
			longest = i
		}
	}
	return longest
}

func resolveSynthesisRules(rules []config.CurveSynthesisRule) ([]aggregator.SynthesisRule, error) {
	out := make([]aggregator.SynthesisRule, 0, len(rules))
	for _, r := range rules {
		interval, err := config.ParseInterval(r.Interval)
		if err != nil {
			return nil, err
		}
		out = append(out, aggregator.SynthesisRule{
			InstrumentID: r.InstrumentID,
			Interval:     interval,
			CurveID:      r.CurveID,
			Tenor:        r.Tenor,
		})
	}
	return out, nil
}

func run(ctx context.Context, cfg *config.Config, log *logging.Logger) error {
	intervals, err := cfg.Window.ParsedIntervals()
	if err != nil {
		return &pipelineerrors.Configuration{Field: "window.intervals", Reason: err.Error()}
	}
	synthesis, err := resolveSynthesisRules(cfg.Curve.Synthesis)
	if err != nil {
		return &pipelineerrors.Configuration{Field: "curve.synthesis", Reason: err.Error()}
	}

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
	bars := store.NewBarStore(db)
	curves := store.NewCurveStore(db)
	ticks := store.NewTickStore(db)

	producer := bus.NewStreamProducer(redisClient, cfg.Bus.Shards)
	defer producer.Close()

	shards := make([]int, cfg.Bus.Shards)
	for i := range shards {
		shards[i] = i
	}
	tickConsumer, err := bus.NewStreamConsumer(redisClient, bus.StreamConsumerConfig{
		Topic:     cfg.Bus.InputTopic,
		Shards:    shards,
		Group:     cfg.Bus.ConsumerGroup,
		Consumer:  cfg.Bus.ConsumerName,
		ClaimIdle: cfg.Bus.ClaimIdle(),
	})
	if err != nil {
		return err
	}
	defer tickConsumer.Close()

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

	promReg := prometheus.NewRegistry()
	m := metrics.NewRegistry("aggregator", promReg)
	m.SetReady(metrics.PingReady(ctx,
		func(c context.Context) error { return redisClient.Ping(c).Err() },
		func(c context.Context) error { return db.Pool.Ping(c) },
	))
	healthSrv := metrics.NewServer(cfg.HealthAddr, promReg, m)

	tp := metrics.NewTracerProvider("aggregator")
	defer func() { _ = tp.Shutdown(ctx) }()

	windows := aggregator.NewWindowTable(cfg.Window.MaxOutOfOrder(), cfg.Window.Grace(), cfg.Window.LateLookback())
	agg := &aggregator.Aggregator{
		Windows:      windows,
		Intervals:    intervals,
		Bars:         bars,
		Curves:       curves,
		Replay:       ticks,
		Producer:     producer,
		BarTopic:     cfg.Bus.OutputTopic,
		CurveTopic:   "pricing.curve.updates.v1",
		Interpolator: aggregator.LinearByOrdinal{},
		TenorOrder:   cfg.Curve.TenorOrder,
		Synthesis:    synthesis,
		Log:          log.ForContext(ctx),
	}

	recoverSince := time.Now().UTC().Add(-(longestInterval(intervals) + cfg.Window.MaxOutOfOrder() + cfg.Window.Grace()))
	if err := agg.Recover(ctx, recoverSince); err != nil {
		return err
	}

	contextLog := log.ForContext(ctx)
	tickLoop := runtime.NewLoop(tickConsumer, producer, runtime.WorkerConfig{
		Stage:       "aggregator",
		MaxBatch:    cfg.Consumer.MaxPollRecords,
		PollTimeout: 5 * time.Second,
		Concurrency: 8,
	}, tickHandler(agg, m), contextLog)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return tickLoop.Run(gctx) })
	g.Go(func() error { return runSweeper(gctx, agg, cfg.Window.Grace()) })
	if curveConsumer != nil {
		curveLoop := runtime.NewLoop(curveConsumer, producer, runtime.WorkerConfig{
			Stage:       "aggregator",
			MaxBatch:    cfg.Consumer.MaxPollRecords,
			PollTimeout: 5 * time.Second,
			Concurrency: 4,
		}, curveHandler(agg, m), contextLog)
		g.Go(func() error { return curveLoop.Run(gctx) })
	}
	g.Go(func() error { return healthSrv.Run(gctx) })

	return g.Wait()
}

// runSweeper periodically closes eligible windows, mirroring the
// teacher's barClosingWorker ticker cadence (spec §4.4).
func runSweeper(ctx context.Context, agg *aggregator.Aggregator, grace time.Duration) error {
	interval := grace
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			if err := agg.Sweep(ctx, now.UTC()); err != nil {
				return err
			}
		}
	}
}

func tickHandler(agg *aggregator.Aggregator, m *metrics.Registry) runtime.Handler {
	return func(ctx context.Context, msg bus.Message) error {
		start := time.Now()
		defer m.ObserveLatency(msg.Topic, start)

		var tick model.EnrichedTick
		if err := json.Unmarshal(msg.Envelope.Payload, &tick); err != nil {
			m.Failed.WithLabelValues(msg.Topic, "decode").Inc()
			return err
		}
		if err := agg.HandleTick(ctx, tick); err != nil {
			m.Failed.WithLabelValues(msg.Topic, "fold").Inc()
			return err
		}
		m.Processed.WithLabelValues(msg.Topic).Inc()
		return nil
	}
}

func curveHandler(agg *aggregator.Aggregator, m *metrics.Registry) runtime.Handler {
	return func(ctx context.Context, msg bus.Message) error {
		start := time.Now()
		defer m.ObserveLatency(msg.Topic, start)

		var update model.CurveUpdate
		if err := json.Unmarshal(msg.Envelope.Payload, &update); err != nil {
			m.Failed.WithLabelValues(msg.Topic, "decode").Inc()
			return err
		}
		if err := agg.HandleCurveUpdate(ctx, update); err != nil {
			m.Failed.WithLabelValues(msg.Topic, "curve").Inc()
			return err
		}
		m.Processed.WithLabelValues(msg.Topic).Inc()
		return nil
	}
}
