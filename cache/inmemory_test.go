package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMemory(t *testing.T, opts ...Option) Backend {
	t.Helper()
	b, err := NewInMemory(context.Background(), opts...)
	require.NoError(t, err)
	require.NoError(t, b.Initialize(context.Background()))
	t.Cleanup(func() { _ = b.Shutdown(context.Background()) })
	return b
}

func TestInMemoryRoundTripAllPolicies(t *testing.T) {
	ctx := context.Background()
	for _, policy := range []EvictionPolicy{LRU, LFU, FIFO, TTL, Random} {
		t.Run(string(policy), func(t *testing.T) {
			b := newTestMemory(t, WithEvictionPolicy(policy))
			require.NoError(t, b.Set(ctx, "key", "value", time.Minute, nil, ""))
			entry, err := b.Get(ctx, "key")
			require.NoError(t, err)
			require.NotNil(t, entry)
			assert.Equal(t, "value", entry.Value)
			assert.Equal(t, int64(1), entry.AccessCount)
		})
	}
}

func TestInMemoryInvalidPolicy(t *testing.T) {
	_, err := NewInMemory(context.Background(), WithEvictionPolicy("lifo"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestInMemoryLRUScenario(t *testing.T) {
	// set(a); set(b); get(a); set(c) at capacity 2 must evict b.
	ctx := context.Background()
	b := newTestMemory(t, WithEvictionPolicy(LRU), WithMaxSize(2))
	require.NoError(t, b.Set(ctx, "a", 1, time.Minute, nil, ""))
	require.NoError(t, b.Set(ctx, "b", 2, time.Minute, nil, ""))
	entry, err := b.Get(ctx, "a")
	require.NoError(t, err)
	require.NotNil(t, entry)
	require.NoError(t, b.Set(ctx, "c", 3, time.Minute, nil, ""))

	entry, err = b.Get(ctx, "b")
	require.NoError(t, err)
	assert.Nil(t, entry)
	entry, err = b.Get(ctx, "a")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, 1, entry.Value)
	entry, err = b.Get(ctx, "c")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, 3, entry.Value)

	stats, err := b.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Evictions)
	assert.Equal(t, int64(2), stats.Size)
}

func TestInMemoryFIFOIgnoresReads(t *testing.T) {
	ctx := context.Background()
	b := newTestMemory(t, WithEvictionPolicy(FIFO), WithMaxSize(2))
	require.NoError(t, b.Set(ctx, "a", 1, time.Minute, nil, ""))
	require.NoError(t, b.Set(ctx, "b", 2, time.Minute, nil, ""))
	// Reading a must not save it under FIFO.
	_, err := b.Get(ctx, "a")
	require.NoError(t, err)
	require.NoError(t, b.Set(ctx, "c", 3, time.Minute, nil, ""))

	entry, err := b.Get(ctx, "a")
	require.NoError(t, err)
	assert.Nil(t, entry)
	entry, err = b.Get(ctx, "b")
	require.NoError(t, err)
	assert.NotNil(t, entry)
}

func TestInMemoryLFUEvictsColdest(t *testing.T) {
	ctx := context.Background()
	b := newTestMemory(t, WithEvictionPolicy(LFU), WithMaxSize(2))
	require.NoError(t, b.Set(ctx, "hot", 1, time.Minute, nil, ""))
	require.NoError(t, b.Set(ctx, "cold", 2, time.Minute, nil, ""))
	for range 3 {
		_, err := b.Get(ctx, "hot")
		require.NoError(t, err)
	}
	require.NoError(t, b.Set(ctx, "new", 3, time.Minute, nil, ""))

	entry, err := b.Get(ctx, "cold")
	require.NoError(t, err)
	assert.Nil(t, entry)
	entry, err = b.Get(ctx, "hot")
	require.NoError(t, err)
	assert.NotNil(t, entry)
}

func TestInMemoryTTLPolicyEvictsNearestExpiry(t *testing.T) {
	ctx := context.Background()
	b := newTestMemory(t, WithEvictionPolicy(TTL), WithMaxSize(2))
	require.NoError(t, b.Set(ctx, "long", 1, time.Hour, nil, ""))
	require.NoError(t, b.Set(ctx, "short", 2, time.Minute, nil, ""))
	require.NoError(t, b.Set(ctx, "new", 3, 30*time.Minute, nil, ""))

	entry, err := b.Get(ctx, "short")
	require.NoError(t, err)
	assert.Nil(t, entry)
	entry, err = b.Get(ctx, "long")
	require.NoError(t, err)
	assert.NotNil(t, entry)
}

func TestInMemoryTTLPolicyFallsBackToOldest(t *testing.T) {
	ctx := context.Background()
	b := newTestMemory(t, WithEvictionPolicy(TTL), WithMaxSize(2))
	require.NoError(t, b.Set(ctx, "first", 1, NoExpiry, nil, ""))
	require.NoError(t, b.Set(ctx, "second", 2, NoExpiry, nil, ""))
	require.NoError(t, b.Set(ctx, "third", 3, NoExpiry, nil, ""))

	entry, err := b.Get(ctx, "first")
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestInMemoryRandomRespectsCapacity(t *testing.T) {
	ctx := context.Background()
	b := newTestMemory(t, WithEvictionPolicy(Random), WithMaxSize(3))
	for _, key := range []string{"a", "b", "c", "d", "e"} {
		require.NoError(t, b.Set(ctx, key, key, time.Minute, nil, ""))
	}
	stats, err := b.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Size)
	assert.Equal(t, int64(2), stats.Evictions)
}

func TestInMemoryLazyExpiry(t *testing.T) {
	// Sweeper effectively disabled; an expired entry must still read as a
	// miss and be purged on access.
	ctx := context.Background()
	b := newTestMemory(t, WithSweepInterval(time.Hour))
	require.NoError(t, b.Set(ctx, "key", "value", 20*time.Millisecond, nil, ""))
	entry, err := b.Get(ctx, "key")
	require.NoError(t, err)
	require.NotNil(t, entry)

	time.Sleep(30 * time.Millisecond)
	entry, err = b.Get(ctx, "key")
	require.NoError(t, err)
	assert.Nil(t, entry)

	stats, err := b.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.Size)
	assert.Equal(t, int64(1), stats.Misses)
}

func TestInMemoryBackgroundSweep(t *testing.T) {
	ctx := context.Background()
	b := newTestMemory(t, WithSweepInterval(25*time.Millisecond))
	require.NoError(t, b.Set(ctx, "key", "value", 20*time.Millisecond, nil, ""))
	assert.Eventually(t, func() bool {
		c := b.(*inMemoryBackend)
		c.mutex.Lock()
		defer c.mutex.Unlock()
		return len(c.items) == 0
	}, time.Second, 10*time.Millisecond)
}

func TestInMemorySweepSkipsOverwrittenEntries(t *testing.T) {
	ctx := context.Background()
	b := newTestMemory(t, WithSweepInterval(time.Hour))
	require.NoError(t, b.Set(ctx, "key", "old", 10*time.Millisecond, nil, ""))
	// Overwrite with a longer TTL; the heap still holds the stale item.
	require.NoError(t, b.Set(ctx, "key", "new", time.Hour, nil, ""))
	time.Sleep(20 * time.Millisecond)
	b.(*inMemoryBackend).sweepOnce()

	entry, err := b.Get(ctx, "key")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "new", entry.Value)
}

func TestInMemoryTagInvalidation(t *testing.T) {
	ctx := context.Background()
	b := newTestMemory(t)
	require.NoError(t, b.Set(ctx, "k1", 1, time.Minute, []string{"a"}, ""))
	require.NoError(t, b.Set(ctx, "k2", 2, time.Minute, []string{"a", "b"}, ""))
	require.NoError(t, b.Set(ctx, "k3", 3, time.Minute, []string{"b"}, ""))

	count, err := b.DeleteByTags(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	entry, err := b.Get(ctx, "k3")
	require.NoError(t, err)
	require.NotNil(t, entry)
	for _, key := range []string{"k1", "k2"} {
		entry, err = b.Get(ctx, key)
		require.NoError(t, err)
		assert.Nil(t, entry)
	}
}

func TestInMemoryReplaceUpdatesIndexes(t *testing.T) {
	ctx := context.Background()
	b := newTestMemory(t)
	require.NoError(t, b.Set(ctx, "k", 1, time.Minute, []string{"old"}, "ns-old"))
	require.NoError(t, b.Set(ctx, "k", 2, time.Minute, []string{"new"}, "ns-new"))

	count, err := b.DeleteByTags(ctx, "old")
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	count, err = b.Clear(ctx, "ns-old")
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	count, err = b.DeleteByTags(ctx, "new")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestInMemoryNamespaceClear(t *testing.T) {
	ctx := context.Background()
	b := newTestMemory(t)
	require.NoError(t, b.Set(ctx, "x", 1, time.Minute, nil, "n1"))
	require.NoError(t, b.Set(ctx, "y", 2, time.Minute, nil, "n2"))

	count, err := b.Clear(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	entry, err := b.Get(ctx, "x")
	require.NoError(t, err)
	assert.Nil(t, entry)
	entry, err = b.Get(ctx, "y")
	require.NoError(t, err)
	assert.NotNil(t, entry)

	// Clearing again is a no-op.
	count, err = b.Clear(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestInMemoryDeleteIdempotent(t *testing.T) {
	ctx := context.Background()
	b := newTestMemory(t)
	require.NoError(t, b.Set(ctx, "key", "value", time.Minute, nil, ""))

	removed, err := b.Delete(ctx, "key")
	require.NoError(t, err)
	assert.True(t, removed)
	removed, err = b.Delete(ctx, "key")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestInMemoryClearAllIdempotent(t *testing.T) {
	ctx := context.Background()
	b := newTestMemory(t)
	require.NoError(t, b.Set(ctx, "a", 1, time.Minute, nil, ""))
	require.NoError(t, b.Set(ctx, "b", 2, time.Minute, nil, ""))

	count, err := b.Clear(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	count, err = b.Clear(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestInMemoryKeysPattern(t *testing.T) {
	ctx := context.Background()
	b := newTestMemory(t)
	require.NoError(t, b.Set(ctx, "user:1", 1, time.Minute, nil, "users"))
	require.NoError(t, b.Set(ctx, "user:2", 2, time.Minute, nil, "users"))
	require.NoError(t, b.Set(ctx, "order:1", 3, time.Minute, nil, "orders"))

	keys, err := b.Keys(ctx, "user:*", "")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"user:1", "user:2"}, keys)

	keys, err = b.Keys(ctx, "", "orders")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"order:1"}, keys)
}

func TestInMemoryIncrement(t *testing.T) {
	ctx := context.Background()
	b := newTestMemory(t)

	_, ok, err := b.Increment(ctx, "missing", 1)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, b.Set(ctx, "n", 10, time.Minute, nil, ""))
	value, ok, err := b.Increment(ctx, "n", 5)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(15), value)

	require.NoError(t, b.Set(ctx, "s", "text", time.Minute, nil, ""))
	_, ok, err = b.Increment(ctx, "s", 1)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestInMemoryGetManySetMany(t *testing.T) {
	ctx := context.Background()
	b := newTestMemory(t)
	require.NoError(t, b.SetMany(ctx, map[string]any{"a": 1, "b": 2}, time.Minute, "batch"))

	entries, err := b.GetMany(ctx, []string{"a", "b", "missing"})
	require.NoError(t, err)
	assert.Len(t, entries, 2)
	assert.Equal(t, 1, entries["a"].Value)
	assert.Equal(t, "batch", entries["b"].Namespace)
}

func TestInMemoryMemoryBound(t *testing.T) {
	ctx := context.Background()
	b := newTestMemory(t, WithMaxSize(0), WithMaxMemory(100))
	require.NoError(t, b.Set(ctx, "a", make([]byte, 60), time.Minute, nil, ""))
	require.NoError(t, b.Set(ctx, "b", make([]byte, 60), time.Minute, nil, ""))

	stats, err := b.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Size)
	assert.Equal(t, int64(1), stats.Evictions)
	assert.LessOrEqual(t, stats.MemoryBytes, int64(100))
}

func TestInMemorySetReplacesEntirely(t *testing.T) {
	ctx := context.Background()
	b := newTestMemory(t)
	require.NoError(t, b.Set(ctx, "key", "v1", time.Minute, []string{"t1"}, "ns1"))
	require.NoError(t, b.Set(ctx, "key", "v2", time.Minute, nil, ""))

	entry, err := b.Get(ctx, "key")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "v2", entry.Value)
	assert.Empty(t, entry.Tags)
	assert.Empty(t, entry.Namespace)

	stats, err := b.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Size)
}

func TestInMemoryShutdownClearsState(t *testing.T) {
	ctx := context.Background()
	b, err := NewInMemory(ctx)
	require.NoError(t, err)
	require.NoError(t, b.Initialize(ctx))
	require.NoError(t, b.Set(ctx, "key", "value", time.Minute, nil, ""))
	require.NoError(t, b.Shutdown(ctx))
	// Shutdown is idempotent.
	require.NoError(t, b.Shutdown(ctx))

	c := b.(*inMemoryBackend)
	c.mutex.Lock()
	defer c.mutex.Unlock()
	assert.Empty(t, c.items)
}
