// Package bus implements the shared event-bus abstraction used by every
// worker: topics are Redis Streams, partitions are modeled as distinct
// stream keys (topic + shard), and consumer groups give at-least-once
// delivery with explicit acknowledgement — the offset-commit discipline
// spec §4.1 requires. This is grounded on the teacher's own use of
// redis/go-redis (pub/sub and sorted sets in distributor.go/storage.go),
// generalized from fire-and-forget pub/sub to Streams so commits,
// retries, and dead-lettering have something durable to act on.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Schema versions for each payload type an envelope can carry. These
// are distinct from the topic name: the topic can be rotated (e.g. a
// new interval suffix) without bumping the payload schema, and a
// payload schema can be revised without renaming the topic.
const (
	SchemaVersionTick         = "tick.v1"
	SchemaVersionEnrichedTick = "enriched_tick.v1"
	SchemaVersionBar          = "bar.v1"
	SchemaVersionCurveUpdate  = "curve_update.v1"
	SchemaVersionLatestPrice  = "latest_price.v1"
	SchemaVersionInvalidation = "invalidation.v1"
)

// Envelope is the wire format every event on every topic carries,
// matching spec §6's common envelope fields.
type Envelope struct {
	EventID       string            `json:"event_id"`
	EventTime     time.Time         `json:"event_time"`
	TenantID      string            `json:"tenant_id"`
	Source        string            `json:"source"`
	SchemaVersion string            `json:"schema_version"`
	RoutingKey    string            `json:"routing_key"`
	Payload       []byte            `json:"payload"`
	Headers       map[string]string `json:"headers,omitempty"`
}

// NewEnvelope stamps a fresh event id and timestamp.
func NewEnvelope(tenantID, source, schemaVersion, routingKey string, payload []byte) Envelope {
	return Envelope{
		EventID:       uuid.NewString(),
		EventTime:     time.Now().UTC(),
		TenantID:      tenantID,
		Source:        source,
		SchemaVersion: schemaVersion,
		RoutingKey:    routingKey,
		Payload:       payload,
	}
}

// Message is a delivered envelope plus the stream-specific position
// information needed to acknowledge or reject it.
type Message struct {
	Envelope Envelope
	Topic    string
	Shard    string
	ID       string // stream entry ID, used for XACK/XCLAIM
	Attempt  int
}

// Producer publishes envelopes to a topic, pinning them to a shard by
// routing key so that a single worker instance observes all events for
// that key (spec §4.1's partition-assignment contract).
type Producer interface {
	Publish(ctx context.Context, topic string, env Envelope) error
	Close() error
}

// Consumer polls a topic's shards assigned to this worker instance.
// Poll blocks until at least one message is available, ctx is
// cancelled, or the per-call deadline elapses.
type Consumer interface {
	Poll(ctx context.Context, maxMessages int) ([]Message, error)
	Ack(ctx context.Context, msg Message) error
	Close() error
}

// ShardFor deterministically maps a routing key to one of n shards.
func ShardFor(routingKey string, n int) int {
	if n <= 1 {
		return 0
	}
	var h uint32 = 2166136261
	for i := 0; i < len(routingKey); i++ {
		h ^= uint32(routingKey[i])
		h *= 16777619
	}
	return int(h % uint32(n))
}
