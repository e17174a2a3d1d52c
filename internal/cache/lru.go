package cache

import (
	"container/list"
	"sync"
	"time"
)

// lruEntry is one slot in the process-local cache.
type lruEntry struct {
	key       string
	value     interface{}
	expiresAt time.Time
	negative  bool
}

// LRU is a fixed-capacity, TTL-aware, process-local cache: the first
// tier of the Enricher's two-tier reference lookup (spec §4.3). Not
// safe to share across processes — that's what the Redis-backed
// Shared cache is for.
type LRU struct {
	mu       sync.Mutex
	capacity int
	items    map[string]*list.Element
	order    *list.List
}

func NewLRU(capacity int) *LRU {
	if capacity <= 0 {
		capacity = 1
	}
	return &LRU{
		capacity: capacity,
		items:    make(map[string]*list.Element, capacity),
		order:    list.New(),
	}
}

// Get returns the cached value, whether it was a negative-cache
// entry, and whether it was found and still live.
func (l *LRU) Get(key string) (value interface{}, negative bool, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	el, found := l.items[key]
	if !found {
		return nil, false, false
	}
	entry := el.Value.(*lruEntry)
	if time.Now().After(entry.expiresAt) {
		l.order.Remove(el)
		delete(l.items, key)
		return nil, false, false
	}
	l.order.MoveToFront(el)
	return entry.value, entry.negative, true
}

// Set stores value under key with the given TTL.
func (l *LRU) Set(key string, value interface{}, ttl time.Duration) {
	l.set(key, value, ttl, false)
}

// SetNegative records that key is known to miss upstream, so repeated
// lookups for it skip the shared cache and store until ttl elapses.
func (l *LRU) SetNegative(key string, ttl time.Duration) {
	l.set(key, nil, ttl, true)
}

func (l *LRU) set(key string, value interface{}, ttl time.Duration, negative bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	expiresAt := time.Now().Add(ttl)
	if el, ok := l.items[key]; ok {
		entry := el.Value.(*lruEntry)
		entry.value, entry.expiresAt, entry.negative = value, expiresAt, negative
		l.order.MoveToFront(el)
		return
	}

	entry := &lruEntry{key: key, value: value, expiresAt: expiresAt, negative: negative}
	el := l.order.PushFront(entry)
	l.items[key] = el

	if l.order.Len() > l.capacity {
		oldest := l.order.Back()
		if oldest != nil {
			l.order.Remove(oldest)
			delete(l.items, oldest.Value.(*lruEntry).key)
		}
	}
}

// Invalidate removes key, used when the reference store reports a
// metadata change for an instrument already cached.
func (l *LRU) Invalidate(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if el, ok := l.items[key]; ok {
		l.order.Remove(el)
		delete(l.items, key)
	}
}
