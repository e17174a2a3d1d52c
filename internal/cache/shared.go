package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Shared is the Redis-backed second tier shared by every Enricher
// instance, and also the Projector's hot read path for latest-price
// and curve-snapshot projections (spec §4.5). Grounded in the
// teacher's StorageManager (storage.go), generalized from
// tick-specific sorted sets to a generic get/set/scan surface so both
// the Enricher's reference cache and the Projector's projection cache
// can use the same type.
type Shared struct {
	client *redis.Client
	prefix string
}

func NewShared(client *redis.Client, prefix string) *Shared {
	return &Shared{client: client, prefix: prefix}
}

func (s *Shared) key(k string) string { return fmt.Sprintf("%s:%s", s.prefix, k) }

// Get unmarshals the cached JSON value for key into dest. ok is false
// on a cache miss; err is non-nil only for unexpected Redis/decode
// failures.
func (s *Shared) Get(ctx context.Context, key string, dest interface{}) (ok bool, err error) {
	raw, err := s.client.Get(ctx, s.key(key)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return false, nil
		}
		return false, fmt.Errorf("cache get %s: %w", key, err)
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return false, fmt.Errorf("cache decode %s: %w", key, err)
	}
	return true, nil
}

// Set stores value marshaled as JSON under key with ttl.
func (s *Shared) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache encode %s: %w", key, err)
	}
	if err := s.client.Set(ctx, s.key(key), data, ttl).Err(); err != nil {
		return fmt.Errorf("cache set %s: %w", key, err)
	}
	return nil
}

// Delete invalidates key, used on reference-metadata change and on
// projection writes that must not serve a stale monotonic value.
func (s *Shared) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.key(key)).Err()
}

// ScanKeys returns up to limit keys under this cache's prefix matching
// pattern, with the prefix stripped so callers can pass the result
// straight back into Get/Set/Delete. Used by the Projector's
// reconciliation sweep (spec §4.5) to sample a fraction of cached
// projections against the analytical store.
func (s *Shared) ScanKeys(ctx context.Context, pattern string, limit int64) ([]string, error) {
	var keys []string
	trimPrefix := s.prefix + ":"
	iter := s.client.Scan(ctx, 0, s.key(pattern), limit).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), trimPrefix))
		if int64(len(keys)) >= limit {
			break
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("cache scan %s: %w", pattern, err)
	}
	return keys, nil
}
