// Command normalizer runs the Normalizer worker: parse per-venue raw
// payloads into canonical ticks, quality-flag them, dedup, persist to
// the silver ticks table, and emit to normalized.market.ticks.v1.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/254CARBON/data-processing-sub000/internal/bus"
	"github.com/254CARBON/data-processing-sub000/internal/config"
	"github.com/254CARBON/data-processing-sub000/internal/logging"
	"github.com/254CARBON/data-processing-sub000/internal/metrics"
	"github.com/254CARBON/data-processing-sub000/internal/model"
	"github.com/254CARBON/data-processing-sub000/internal/normalizer"
	"github.com/254CARBON/data-processing-sub000/internal/runtime"
	"github.com/254CARBON/data-processing-sub000/internal/store"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load("normalizer", *configPath)
	if err != nil {
		os.Stderr.WriteString("normalizer: " + err.Error() + "\n")
		os.Exit(1)
	}

	log := logging.New(logging.INFO)
	ctx, cancel := runtime.WithSignalCancel(context.Background())
	defer cancel()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal("normalizer exited", err)
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
	silver := store.NewSilverTickStore(db)

	producer := bus.NewStreamProducer(redisClient, cfg.Bus.Shards)
	defer producer.Close()

	shards := make([]int, cfg.Bus.Shards)
	for i := range shards {
		shards[i] = i
	}
	consumer, err := bus.NewStreamConsumer(redisClient, bus.StreamConsumerConfig{
		Topic:     cfg.Bus.InputTopic,
		Shards:    shards,
		Group:     cfg.Bus.ConsumerGroup,
		Consumer:  cfg.Bus.ConsumerName,
		ClaimIdle: cfg.Bus.ClaimIdle(),
	})
	if err != nil {
		return err
	}
	defer consumer.Close()

	promReg := prometheus.NewRegistry()
	m := metrics.NewRegistry("normalizer", promReg)
	m.SetReady(metrics.PingReady(ctx,
		func(c context.Context) error { return redisClient.Ping(c).Err() },
		func(c context.Context) error { return db.Pool.Ping(c) },
	))
	healthSrv := metrics.NewServer(cfg.HealthAddr, promReg, m)

	tp := metrics.NewTracerProvider("normalizer")
	defer func() { _ = tp.Shutdown(ctx) }()

	dedupe := normalizer.NewDeduper(cfg.Validation.DedupWindow(), cfg.Validation.DedupSweep())
	processor := normalizer.NewProcessor(cfg.Validation, dedupe)

	writer := runtime.NewBatchWriter[model.Tick](cfg.Batch.MaxSize, cfg.Batch.MaxInterval(), silver.InsertBatch)

	contextLog := log.ForContext(ctx)
	loop := runtime.NewLoop(consumer, producer, runtime.WorkerConfig{
		Stage:       "normalizer",
		MaxBatch:    cfg.Consumer.MaxPollRecords,
		PollTimeout: 5 * time.Second,
		Concurrency: 8,
	}, handler(processor, writer, producer, cfg.Bus.OutputTopic, m), contextLog)

	go dedupe.Run(ctx.Done(), cfg.Validation.DedupSweep())
	go writer.RunTicker(ctx)
	go func() {
		if err := healthSrv.Run(ctx); err != nil {
			log.Error("health server stopped", err)
		}
	}()

	return loop.Run(ctx)
}

func handler(processor *normalizer.Processor, writer *runtime.BatchWriter[model.Tick], producer bus.Producer, outputTopic string, m *metrics.Registry) runtime.Handler {
	return func(ctx context.Context, msg bus.Message) error {
		start := time.Now()
		defer m.ObserveLatency(msg.Topic, start)

		var raw normalizer.RawEvent
		if err := json.Unmarshal(msg.Envelope.Payload, &raw); err != nil {
			m.Failed.WithLabelValues(msg.Topic, "decode").Inc()
			return err
		}
		raw.TenantID = msg.Envelope.TenantID
		raw.SourceID = msg.Envelope.Source

		tick, err := processor.Process(raw)
		if err != nil {
			m.Failed.WithLabelValues(msg.Topic, "process").Inc()
			return err
		}

		if err := writer.Add(ctx, tick); err != nil {
			m.Failed.WithLabelValues(msg.Topic, "persist").Inc()
			return err
		}

		if !normalizer.Accepted(tick) {
			m.Processed.WithLabelValues(msg.Topic).Inc()
			return nil
		}

		payload, err := json.Marshal(tick)
		if err != nil {
			return err
		}
		env := bus.NewEnvelope(tick.TenantID, "normalizer", bus.SchemaVersionTick, tick.InstrumentID, payload)
		if err := producer.Publish(ctx, outputTopic, env); err != nil {
			m.Failed.WithLabelValues(msg.Topic, "publish").Inc()
			return err
		}
		m.Processed.WithLabelValues(msg.Topic).Inc()
		return nil
	}
}
