// Command enricher runs the Enricher worker: attach taxonomy and
// reference metadata to normalized ticks via the two-tier cache, then
// persist to the gold ticks table and emit to enriched.market.ticks.v1.
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
	"github.com/254CARBON/data-processing-sub000/internal/cache"
	"github.com/254CARBON/data-processing-sub000/internal/config"
	"github.com/254CARBON/data-processing-sub000/internal/enricher"
	pipelineerrors "github.com/254CARBON/data-processing-sub000/internal/errors"
	"github.com/254CARBON/data-processing-sub000/internal/logging"
	"github.com/254CARBON/data-processing-sub000/internal/metrics"
	"github.com/254CARBON/data-processing-sub000/internal/model"
	"github.com/254CARBON/data-processing-sub000/internal/runtime"
	"github.com/254CARBON/data-processing-sub000/internal/store"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	rulesPath := flag.String("rules", "", "path to YAML classification rules file")
	flag.Parse()

	cfg, err := config.Load("enricher", *configPath)
	if err != nil {
		os.Stderr.WriteString("enricher: " + err.Error() + "\n")
		os.Exit(1)
	}

	log := logging.New(logging.INFO)
	ctx, cancel := runtime.WithSignalCancel(context.Background())
	defer cancel()

	if err := run(ctx, cfg, *rulesPath, log); err != nil {
		log.Fatal("enricher exited", err)
	}
}

func run(ctx context.Context, cfg *config.Config, rulesPath string, log *logging.Logger) error {
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
	gold := store.NewTickStore(db)
	refStore := store.NewReferenceStore(db)

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
	m := metrics.NewRegistry("enricher", promReg)
	m.SetReady(metrics.PingReady(ctx,
		func(c context.Context) error { return redisClient.Ping(c).Err() },
		func(c context.Context) error { return db.Pool.Ping(c) },
	))
	healthSrv := metrics.NewServer(cfg.HealthAddr, promReg, m)

	tp := metrics.NewTracerProvider("enricher")
	defer func() { _ = tp.Shutdown(ctx) }()

	local := cache.NewLRU(cfg.Cache.LocalCapacity)
	shared := cache.NewShared(redisClient, "refcache")
	lookup := cache.NewReferenceLookup(local, shared, refStore,
		cfg.Cache.LocalTTL(), cfg.Cache.SharedTTL(), cfg.Cache.NegativeTTL(), 60*time.Second)

	rules, err := loadRules(rulesPath)
	if err != nil {
		return &pipelineerrors.Configuration{Field: "rules", Reason: err.Error()}
	}

	e := &enricher.Enricher{Lookup: lookup, Rules: enricher.NewRuleSet(rules)}
	writer := runtime.NewBatchWriter[model.EnrichedTick](cfg.Batch.MaxSize, cfg.Batch.MaxInterval(), gold.InsertBatch)
	retry := runtime.RetryPolicy{MaxAttempts: cfg.Retry.MaxAttempts, BaseDelay: cfg.Retry.BackoffBase(), MaxDelay: cfg.Retry.BackoffMax()}

	contextLog := log.ForContext(ctx)
	loop := runtime.NewLoop(consumer, producer, runtime.WorkerConfig{
		Stage:       "enricher",
		MaxBatch:    cfg.Consumer.MaxPollRecords,
		PollTimeout: 5 * time.Second,
		Concurrency: 8,
	}, handler(e, writer, producer, retry, cfg.Bus.OutputTopic, m, contextLog), contextLog)

	go writer.RunTicker(ctx)
	go func() {
		if err := healthSrv.Run(ctx); err != nil {
			log.Error("health server stopped", err)
		}
	}()

	return loop.Run(ctx)
}

func handler(e *enricher.Enricher, writer *runtime.BatchWriter[model.EnrichedTick], producer bus.Producer,
	retry runtime.RetryPolicy, outputTopic string, m *metrics.Registry, log *logging.ContextLogger) runtime.Handler {
	return func(ctx context.Context, msg bus.Message) error {
		start := time.Now()
		defer m.ObserveLatency(msg.Topic, start)

		var tick model.Tick
		if err := json.Unmarshal(msg.Envelope.Payload, &tick); err != nil {
			m.Failed.WithLabelValues(msg.Topic, "decode").Inc()
			return err
		}

		var enriched model.EnrichedTick
		err := retry.Do(ctx, log, "enrich", func(ctx context.Context) error {
			var enrichErr error
			enriched, enrichErr = e.Enrich(ctx, tick)
			return enrichErr
		})
		if err != nil {
			// Retry budget exhausted on a transient reference-store
			// error: per spec §4.3, fall through with MISSING_METADATA
			// rather than failing the tick.
			if _, fatal, _ := pipelineerrors.Classify(err); fatal {
				m.Failed.WithLabelValues(msg.Topic, "schema").Inc()
				return err
			}
			enriched = enricher.Fallback(tick)
		}

		if err := writer.Add(ctx, enriched); err != nil {
			m.Failed.WithLabelValues(msg.Topic, "persist").Inc()
			return err
		}

		payload, err := json.Marshal(enriched)
		if err != nil {
			return err
		}
		env := bus.NewEnvelope(enriched.TenantID, "enricher", bus.SchemaVersionEnrichedTick, enriched.InstrumentID, payload)
		if err := producer.Publish(ctx, outputTopic, env); err != nil {
			m.Failed.WithLabelValues(msg.Topic, "publish").Inc()
			return err
		}
		m.Processed.WithLabelValues(msg.Topic).Inc()
		return nil
	}
}

func loadRules(path string) ([]enricher.Rule, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return enricher.ParseRulesYAML(data)
}
