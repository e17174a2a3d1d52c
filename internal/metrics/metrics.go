// Package metrics provides the Prometheus counters/histograms each
// worker exposes plus the health/metrics HTTP surface (spec §1's
// "health/metrics" ambient concern, carried forward regardless of the
// Non-goal excluding a broader HTTP admin API). Grounded in the
// teacher's DataMonitor (monitor.go, FeedHealth/HealthSummary
// tracking) and APIHandler (api.go, http.ServeMux route registration)
// — trimmed to the health/metrics endpoints spec §1 keeps in scope,
// and rebuilt on prometheus/client_golang instead of hand-rolled
// counters guarded by sync.Mutex.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles the counters/histograms shared by every stage.
// Each worker's main constructs one with its own component label.
type Registry struct {
	Processed   *prometheus.CounterVec
	Failed      *prometheus.CounterVec
	DLQd        *prometheus.CounterVec
	Latency     *prometheus.HistogramVec
	QueueDepth  *prometheus.GaugeVec
	WindowCount prometheus.Gauge
	ReconcileDrift prometheus.Counter

	ready func() bool
}

func NewRegistry(component string, reg *prometheus.Registry) *Registry {
	factory := promauto.With(reg)
	labels := prometheus.Labels{"component": component}

	return &Registry{
		Processed: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "pipeline_messages_processed_total",
			Help:        "Messages successfully processed, by stage.",
			ConstLabels: labels,
		}, []string{"topic"}),
		Failed: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "pipeline_messages_failed_total",
			Help:        "Messages that failed processing, by stage.",
			ConstLabels: labels,
		}, []string{"topic", "reason"}),
		DLQd: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "pipeline_messages_dlqd_total",
			Help:        "Messages routed to the dead-letter topic, by stage.",
			ConstLabels: labels,
		}, []string{"topic"}),
		Latency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "pipeline_stage_latency_seconds",
			Help:        "End-to-end per-message processing latency, by stage.",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"topic"}),
		QueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "pipeline_queue_depth",
			Help:        "Approximate pending message count, by topic.",
			ConstLabels: labels,
		}, []string{"topic"}),
		WindowCount: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "pipeline_aggregator_open_windows",
			Help:        "Number of open aggregation windows held in memory.",
			ConstLabels: labels,
		}),
		ReconcileDrift: factory.NewCounter(prometheus.CounterOpts{
			Name:        "pipeline_reconciliation_drift_total",
			Help:        "Projections repaired by the reconciliation sweep.",
			ConstLabels: labels,
		}),
	}
}

// ObserveLatency records the time elapsed since start in the Latency
// histogram for topic, for `defer r.ObserveLatency(topic, time.Now())`-style call sites.
func (r *Registry) ObserveLatency(topic string, start time.Time) {
	r.Latency.WithLabelValues(topic).Observe(time.Since(start).Seconds())
}

// SetReady installs the readiness probe function used by
// /health/ready; until called, readiness reports false.
func (r *Registry) SetReady(fn func() bool) { r.ready = fn }

// PingReady builds a readiness probe from one or more dependency
// checks (a Redis PING, a Postgres pool Ping, ...), satisfying spec
// §6's "all dependencies healthy" definition of /health/ready. Each
// scrape runs every check against a short-lived child context so a
// single wedged dependency can't block the probe indefinitely; any
// check failing marks the worker not-ready.
func PingReady(parent context.Context, checks ...func(context.Context) error) func() bool {
	return func() bool {
		ctx, cancel := context.WithTimeout(parent, 2*time.Second)
		defer cancel()
		for _, check := range checks {
			if err := check(ctx); err != nil {
				return false
			}
		}
		return true
	}
}

// Server is the per-worker health/metrics HTTP surface: /health/live,
// /health/ready, /metrics. This is the entire HTTP surface this
// pipeline exposes — spec §1 excludes any broader "HTTP admin surface
// beyond health/metrics" (the teacher's quote/OHLC query REST API is
// explicitly out of scope).
type Server struct {
	addr string
	reg  *prometheus.Registry
	metrics *Registry
	srv  *http.Server
}

func NewServer(addr string, reg *prometheus.Registry, metrics *Registry) *Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/health/live", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/health/ready", func(w http.ResponseWriter, r *http.Request) {
		if metrics.ready == nil || !metrics.ready() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	return &Server{
		addr: addr,
		reg:  reg,
		metrics: metrics,
		srv: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}
}

func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}
