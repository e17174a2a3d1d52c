package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// StreamProducer publishes envelopes via XADD, one Redis Stream per
// (topic, shard). Grounded in the teacher's QuoteDistributor, which
// already talks to go-redis for pub/sub broadcast (distributor.go);
// here the transport is generalized from ephemeral pub/sub to durable
// Streams so a crashed consumer can resume instead of losing events.
type StreamProducer struct {
	client   *redis.Client
	shards   int
}

func NewStreamProducer(client *redis.Client, shards int) *StreamProducer {
	if shards <= 0 {
		shards = 1
	}
	return &StreamProducer{client: client, shards: shards}
}

func (p *StreamProducer) Publish(ctx context.Context, topic string, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	shard := ShardFor(env.RoutingKey, p.shards)
	key := streamKey(topic, shard)
	return p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		Values: map[string]interface{}{"envelope": data},
	}).Err()
}

func (p *StreamProducer) Close() error { return p.client.Close() }

func streamKey(topic string, shard int) string {
	return fmt.Sprintf("stream:%s:%d", topic, shard)
}

// StreamConsumer reads via XREADGROUP from a fixed set of (topic,
// shard) stream keys assigned to this worker instance, and
// periodically claims pending entries idle past ClaimIdle so a
// crashed peer's unacked work is picked up by someone else — the
// at-least-once delivery contract of spec §4.1.
type StreamConsumer struct {
	client    *redis.Client
	topic     string
	shards    []int
	group     string
	consumer  string
	claimIdle time.Duration
}

type StreamConsumerConfig struct {
	Topic     string
	Shards    []int
	Group     string
	Consumer  string
	ClaimIdle time.Duration
}

func NewStreamConsumer(client *redis.Client, cfg StreamConsumerConfig) (*StreamConsumer, error) {
	ctx := context.Background()
	for _, shard := range cfg.Shards {
		key := streamKey(cfg.Topic, shard)
		err := client.XGroupCreateMkStream(ctx, key, cfg.Group, "0").Err()
		if err != nil && !isBusyGroupErr(err) {
			return nil, fmt.Errorf("creating consumer group for %s: %w", key, err)
		}
	}
	claimIdle := cfg.ClaimIdle
	if claimIdle <= 0 {
		claimIdle = 30 * time.Second
	}
	return &StreamConsumer{
		client:    client,
		topic:     cfg.Topic,
		shards:    cfg.Shards,
		group:     cfg.Group,
		consumer:  cfg.Consumer,
		claimIdle: claimIdle,
	}, nil
}

func isBusyGroupErr(err error) bool {
	return err != nil && err.Error() == "BUSYGROUP Consumer Group name already exists"
}

func (c *StreamConsumer) Poll(ctx context.Context, maxMessages int) ([]Message, error) {
	if reclaimed, err := c.reclaimPending(ctx, maxMessages); err != nil {
		return nil, err
	} else if len(reclaimed) > 0 {
		return reclaimed, nil
	}

	streams := make([]string, 0, len(c.shards)*2)
	for _, shard := range c.shards {
		streams = append(streams, streamKey(c.topic, shard))
	}
	ids := make([]string, len(streams))
	for i := range ids {
		ids[i] = ">"
	}
	streams = append(streams, ids...)

	res, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.group,
		Consumer: c.consumer,
		Streams:  streams,
		Count:    int64(maxMessages),
		Block:    0,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	return toMessages(res, c.topic)
}

func (c *StreamConsumer) reclaimPending(ctx context.Context, maxMessages int) ([]Message, error) {
	var out []Message
	for _, shard := range c.shards {
		key := streamKey(c.topic, shard)
		claimed, _, err := c.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   key,
			Group:    c.group,
			Consumer: c.consumer,
			MinIdle:  c.claimIdle,
			Start:    "0",
			Count:    int64(maxMessages),
		}).Result()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			return nil, fmt.Errorf("reclaiming pending for %s: %w", key, err)
		}
		for _, entry := range claimed {
			msg, err := fromStreamEntry(c.topic, key, entry)
			if err != nil {
				continue
			}
			msg.Attempt = 2
			out = append(out, msg)
		}
		if len(out) >= maxMessages {
			break
		}
	}
	return out, nil
}

// Ack acknowledges msg against the stream key it was delivered from.
// msg.Shard carries the full Redis stream key (see fromStreamEntry),
// not a bare shard index, so no reconstruction is needed here.
func (c *StreamConsumer) Ack(ctx context.Context, msg Message) error {
	return c.client.XAck(ctx, msg.Shard, c.group, msg.ID).Err()
}

func (c *StreamConsumer) Close() error { return nil }

func toMessages(streams []redis.XStream, topic string) ([]Message, error) {
	var out []Message
	for _, stream := range streams {
		for _, entry := range stream.Messages {
			msg, err := fromStreamEntry(topic, stream.Stream, entry)
			if err != nil {
				continue
			}
			out = append(out, msg)
		}
	}
	return out, nil
}

func fromStreamEntry(topic, key string, entry redis.XMessage) (Message, error) {
	raw, ok := entry.Values["envelope"].(string)
	if !ok {
		return Message{}, fmt.Errorf("stream entry %s missing envelope field", entry.ID)
	}
	var env Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return Message{}, fmt.Errorf("unmarshal envelope: %w", err)
	}
	return Message{
		Envelope: env,
		Topic:    topic,
		Shard:    key,
		ID:       entry.ID,
		Attempt:  1,
	}, nil
}

