// Package errors models the error taxonomy of the pipeline: every
// error a worker can encounter is classified as retryable, fatal, or
// destined for the dead-letter queue, so the shared retry helper and
// the run loop's DLQ routing (both in internal/runtime) have one place
// to ask "what do I do with this." Grounded in the teacher's errors.go,
// which distinguished recoverable "TRADE_"/"ORDER_" failures from
// fatal ones via an ErrorTracker; here the alerting/threshold part of
// that tracker is dropped in favor of Prometheus counters in
// internal/metrics plus the Projector's own reconciliation-drift
// signal, which already cover "too many errors of kind X" alerting
// without a second global in-memory tracker.
package errors

import (
	"errors"
	"fmt"
)

// SchemaViolation means a message could not be parsed into a known
// wire shape for its declared source. Always fatal for that message:
// it is routed to the DLQ and never retried.
type SchemaViolation struct {
	Source string
	Reason string
}

func (e *SchemaViolation) Error() string {
	return fmt.Sprintf("schema violation from %s: %s", e.Source, e.Reason)
}

// Transient wraps a dependency failure (cache, store, bus) that is
// expected to succeed on retry: connection resets, timeouts, and
// similar.
type Transient struct {
	Op  string
	Err error
}

func (e *Transient) Error() string { return fmt.Sprintf("transient error in %s: %v", e.Op, e.Err) }
func (e *Transient) Unwrap() error { return e.Err }

// Configuration means startup configuration failed validation.
// Always fatal; never reaches the retry path because it is raised
// before a worker's run loop starts.
type Configuration struct {
	Field  string
	Reason string
}

func (e *Configuration) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Reason)
}

// Classify reports how the shared retry helper (internal/runtime)
// should handle err: retry it in place, treat it as fatal (stop the
// worker), or route the originating message straight to the DLQ
// without retrying. A quality-flag outcome is never represented as an
// error at all — see model.QualityFlag — so Classify only ever sees
// genuine failures.
func Classify(err error) (retry, fatal, dlq bool) {
	if err == nil {
		return false, false, false
	}

	var schemaErr *SchemaViolation
	if errors.As(err, &schemaErr) {
		return false, false, true
	}

	var cfgErr *Configuration
	if errors.As(err, &cfgErr) {
		return false, true, false
	}

	var transientErr *Transient
	if errors.As(err, &transientErr) {
		return true, false, false
	}

	// Unrecognized errors are treated as transient: conservative,
	// since the alternative is silently dropping a message on the
	// floor because of a bug in taxonomy coverage.
	return true, false, false
}

// ClassName labels err for the dead-letter envelope's error_class
// header (spec §4.1's "original payload, the error class, and a
// traceback token") — a stable, small vocabulary distinct from the
// free-text Error() string, so operator tooling can filter DLQ
// entries by kind.
func ClassName(err error) string {
	if err == nil {
		return ""
	}

	var schemaErr *SchemaViolation
	if errors.As(err, &schemaErr) {
		return "SchemaViolation"
	}

	var cfgErr *Configuration
	if errors.As(err, &cfgErr) {
		return "Configuration"
	}

	var transientErr *Transient
	if errors.As(err, &transientErr) {
		return "Transient"
	}

	return "Unknown"
}

// QuarantineThreshold is the number of consecutive transient errors
// for a single reference-store lookup key (spec §4.3) after which the
// Enricher's quarantine cooldown engages, skipping lookups for that
// key for a cooldown window instead of retrying on every message.
const QuarantineThreshold = 5
