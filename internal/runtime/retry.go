package runtime

import (
	"context"
	"math/rand"
	"time"

	pipelineerrors "github.com/254CARBON/data-processing-sub000/internal/errors"
	"github.com/254CARBON/data-processing-sub000/internal/logging"
)

// RetryPolicy configures the shared exponential-backoff-with-jitter
// retry helper, grounded in the teacher's retry/backoff constants in
// config.go generalized into a reusable function instead of being
// inlined per call site.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Do runs fn, retrying while errors.Classify marks the returned error
// retryable, up to MaxAttempts. A fatal classification stops retrying
// immediately and returns the error to the caller, who is expected to
// shut the worker down. A dlq classification also stops immediately —
// callers are expected to route the original message to the DLQ
// themselves, since Do has no access to it.
func (p RetryPolicy) Do(ctx context.Context, log *logging.ContextLogger, op string, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		retry, fatal, dlq := pipelineerrors.Classify(err)
		if fatal || dlq || !retry {
			return err
		}
		if attempt == p.MaxAttempts {
			break
		}

		delay := p.backoff(attempt)
		if log != nil {
			log.Warn("retrying after transient error",
				logging.Any("op", op),
				logging.Any("attempt", attempt),
				logging.Any("delay_ms", delay.Milliseconds()),
			)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return lastErr
}

// backoff computes attempt-th exponential delay with +/-20% jitter,
// capped at MaxDelay.
func (p RetryPolicy) backoff(attempt int) time.Duration {
	d := p.BaseDelay << uint(attempt-1)
	if d <= 0 || d > p.MaxDelay {
		d = p.MaxDelay
	}
	jitter := time.Duration(rand.Int63n(int64(d) / 5 * 2 + 1)) - time.Duration(int64(d)/5)
	d += jitter
	if d < 0 {
		d = p.BaseDelay
	}
	return d
}
