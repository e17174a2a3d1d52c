// Package runtime provides the shared consumer-compute-produce worker
// loop every stage (Normalizer, Enricher, Aggregator, Projector) is
// built on: poll a batch from the bus, process each message with
// bounded concurrency via errgroup, commit offsets only after every
// message in the batch has either succeeded or been routed to the
// DLQ, and respect a rate limit for backpressure. Grounded in the
// teacher's MarketDataPipeline.Start/wirePipeline orchestration
// (pipeline.go) and DataIngester's buffered-channel worker pool
// (ingester.go), redesigned per spec §9 to replace ad hoc goroutines
// and unbounded channels with errgroup.WithContext and x/time/rate.
package runtime

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/254CARBON/data-processing-sub000/internal/bus"
	pipelineerrors "github.com/254CARBON/data-processing-sub000/internal/errors"
	"github.com/254CARBON/data-processing-sub000/internal/logging"
	"github.com/254CARBON/data-processing-sub000/internal/metrics"
)

// Handler processes one message. A nil error acknowledges it; a
// non-nil error is classified by errors.Classify to decide whether
// the message is retried (handled inside Handler via RetryPolicy.Do),
// dead-lettered, or treated as fatal.
type Handler func(ctx context.Context, msg bus.Message) error

// WorkerConfig bounds how a Loop pulls and processes batches.
type WorkerConfig struct {
	// Stage names the worker for dead-letter routing: failed messages
	// are published to processing.deadletter.<Stage>.v1 (spec §4.1/§6).
	Stage         string
	MaxBatch      int
	PollTimeout   time.Duration
	Concurrency   int
	RateLimit     rate.Limit // messages/sec, 0 disables limiting
	RateBurst     int
}

// Loop is the shared run loop: poll, fan out to Handler with bounded
// concurrency, route handler failures to the DLQ, ack every message
// that succeeded or was dead-lettered (a message whose DLQ publish
// fails stays unacked), repeat until ctx is cancelled.
type Loop struct {
	consumer bus.Consumer
	dlq      bus.Producer
	cfg      WorkerConfig
	handle   Handler
	log      *logging.ContextLogger
	limiter  *rate.Limiter
}

func NewLoop(consumer bus.Consumer, dlq bus.Producer, cfg WorkerConfig, handle Handler, log *logging.ContextLogger) *Loop {
	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(cfg.RateLimit, cfg.RateBurst)
	}
	return &Loop{consumer: consumer, dlq: dlq, cfg: cfg, handle: handle, log: log, limiter: limiter}
}

// Run blocks until ctx is cancelled or a fatal error is returned by a
// handler, in which case Run stops the loop and returns that error so
// main() can exit non-zero — matching spec §7's "configuration and
// schema-registry errors are fatal at startup" posture extended to
// the run loop.
func (l *Loop) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		pollCtx, cancel := context.WithTimeout(ctx, l.cfg.PollTimeout)
		msgs, err := l.consumer.Poll(pollCtx, l.cfg.MaxBatch)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			l.log.Warn("poll failed", logging.Any("error", err.Error()))
			continue
		}
		if len(msgs) == 0 {
			continue
		}

		if err := l.processBatch(ctx, msgs); err != nil {
			return err
		}
	}
}

func (l *Loop) processBatch(ctx context.Context, msgs []bus.Message) error {
	concurrency := l.cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	for _, msg := range msgs {
		msg := msg
		g.Go(func() error {
			if l.limiter != nil {
				if err := l.limiter.Wait(gctx); err != nil {
					return nil
				}
			}
			return l.handleOne(ctx, msg)
		})
	}
	return g.Wait()
}

// handleOne never returns an error unless the handler reports a fatal
// condition: transient failures are expected to have already been
// retried inside handle (via RetryPolicy), and anything left over is
// routed to the DLQ rather than propagated, so one poisoned message
// can't stall the whole batch's offset commit.
//
// Every message gets its own span (component = l.cfg.Stage) and, per
// spec §9's "implicit global state for metrics and logging" rewrite,
// its own correlation context: the span's trace ID is threaded through
// logging.WithCorrelation alongside the message's tenant/routing key,
// so log lines for one message's handling — including a DLQ failure —
// all carry the same correlation_id a trace backend would also key on.
func (l *Loop) handleOne(ctx context.Context, msg bus.Message) error {
	spanCtx, traceID, span := metrics.StartSpan(ctx, l.cfg.Stage, "handle_message")
	defer span.End()

	msgCtx := logging.WithCorrelation(spanCtx, traceID, msg.Envelope.TenantID, msg.Envelope.RoutingKey)
	msgLog := l.log
	if msgLog != nil {
		msgLog = msgLog.WithContext(msgCtx)
	}

	err := l.handle(msgCtx, msg)
	if err == nil {
		return l.consumer.Ack(msgCtx, msg)
	}

	if ferr := l.toFatal(err); ferr != nil {
		return ferr
	}

	if dlqErr := l.sendToDLQ(msgCtx, msg, err); dlqErr != nil {
		if msgLog != nil {
			msgLog.Error("failed to route message to DLQ", dlqErr,
				logging.EventID(msg.Envelope.EventID))
		}
		return nil
	}
	return l.consumer.Ack(msgCtx, msg)
}

// deadLetterTopic builds the literal processing.deadletter.<stage>.v1
// topic name spec §4.1/§6 require, derived from the worker's
// configured stage rather than the source topic (so a normalizer's
// DLQ is one topic regardless of how many venue topics feed it).
func (l *Loop) deadLetterTopic() string {
	return fmt.Sprintf("processing.deadletter.%s.v1", l.cfg.Stage)
}

func (l *Loop) sendToDLQ(ctx context.Context, msg bus.Message, cause error) error {
	env := msg.Envelope
	if env.Headers == nil {
		env.Headers = map[string]string{}
	}
	env.Headers["dlq_reason"] = cause.Error()
	env.Headers["dlq_source_topic"] = msg.Topic
	env.Headers["error_class"] = pipelineerrors.ClassName(cause)
	env.Headers["traceback_token"] = uuid.NewString()
	return l.dlq.Publish(ctx, l.deadLetterTopic(), env)
}

// toFatal is a narrow seam: handlers that want to abort the whole
// worker (e.g. an irrecoverable config/schema-registry error surfacing
// mid-run) return errors already classified fatal by
// internal/errors.Classify, and the loop surfaces those instead of
// dead-lettering them.
func (l *Loop) toFatal(err error) error {
	_, fatal, _ := pipelineerrors.Classify(err)
	if fatal {
		return err
	}
	return nil
}
