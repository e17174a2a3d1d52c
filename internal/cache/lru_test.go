package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLRUSetAndGet(t *testing.T) {
	l := NewLRU(2)
	l.Set("a", "value-a", time.Minute)

	v, negative, ok := l.Get("a")
	require.True(t, ok)
	assert.False(t, negative)
	assert.Equal(t, "value-a", v)
}

func TestLRUGetMissReturnsNotOK(t *testing.T) {
	l := NewLRU(2)
	_, _, ok := l.Get("missing")
	assert.False(t, ok)
}

func TestLRUEvictsLeastRecentlyUsed(t *testing.T) {
	l := NewLRU(2)
	l.Set("a", 1, time.Minute)
	l.Set("b", 2, time.Minute)
	// touch "a" so "b" becomes the least recently used entry
	_, _, _ = l.Get("a")
	l.Set("c", 3, time.Minute)

	_, _, ok := l.Get("b")
	assert.False(t, ok, "b should have been evicted")
	_, _, ok = l.Get("a")
	assert.True(t, ok)
	_, _, ok = l.Get("c")
	assert.True(t, ok)
}

func TestLRUExpiresEntriesPastTTL(t *testing.T) {
	l := NewLRU(4)
	l.Set("a", 1, time.Millisecond)
	time.Sleep(5 * time.Millisecond)

	_, _, ok := l.Get("a")
	assert.False(t, ok)
}

func TestLRUSetNegativeMarksMiss(t *testing.T) {
	l := NewLRU(4)
	l.SetNegative("missing-instrument", time.Minute)

	v, negative, ok := l.Get("missing-instrument")
	require.True(t, ok)
	assert.True(t, negative)
	assert.Nil(t, v)
}

func TestLRUInvalidateRemovesEntry(t *testing.T) {
	l := NewLRU(4)
	l.Set("a", 1, time.Minute)
	l.Invalidate("a")

	_, _, ok := l.Get("a")
	assert.False(t, ok)
}
