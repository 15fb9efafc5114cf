package cache

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// failingBackend errors on every operation after a successful Initialize.
// It stands in for a reachable-then-degraded distributed tier.
type failingBackend struct{}

var errTierDown = errors.Mark(errors.New("tier down"), ErrConnection)

func (f *failingBackend) Initialize(context.Context) error { return nil }
func (f *failingBackend) Shutdown(context.Context) error   { return nil }
func (f *failingBackend) Get(context.Context, string) (*Entry, error) {
	return nil, errTierDown
}
func (f *failingBackend) Set(context.Context, string, any, time.Duration, []string, string) error {
	return errTierDown
}
func (f *failingBackend) Delete(context.Context, string) (bool, error) { return false, errTierDown }
func (f *failingBackend) Exists(context.Context, string) (bool, error) { return false, errTierDown }
func (f *failingBackend) Clear(context.Context, string) (int, error)   { return 0, errTierDown }
func (f *failingBackend) Keys(context.Context, string, string) ([]string, error) {
	return nil, errTierDown
}
func (f *failingBackend) Stats(context.Context) (Stats, error) { return Stats{}, errTierDown }
func (f *failingBackend) DeleteByTags(context.Context, ...string) (int, error) {
	return 0, errTierDown
}
func (f *failingBackend) GetMany(context.Context, []string) (map[string]*Entry, error) {
	return nil, errTierDown
}
func (f *failingBackend) SetMany(context.Context, map[string]any, time.Duration, string) error {
	return errTierDown
}
func (f *failingBackend) Increment(context.Context, string, int64) (int64, bool, error) {
	return 0, false, errTierDown
}
func (f *failingBackend) HealthCheck(context.Context) bool { return false }

var _ Backend = (*failingBackend)(nil)

func newTestComposite(t *testing.T, l2 Backend, opts ...Option) (Backend, Backend) {
	t.Helper()
	ctx := context.Background()
	l1, err := NewInMemory(ctx)
	require.NoError(t, err)
	c, err := NewComposite(l1, l2, opts...)
	require.NoError(t, err)
	require.NoError(t, c.Initialize(ctx))
	t.Cleanup(func() { _ = c.Shutdown(context.Background()) })
	return c, l1
}

func TestCompositeRequiresBothTiers(t *testing.T) {
	_, err := NewComposite(nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestCompositeReadThroughAndPromotion(t *testing.T) {
	ctx := context.Background()
	l2, err := NewInMemory(ctx)
	require.NoError(t, err)
	require.NoError(t, l2.Initialize(ctx))
	c, l1 := newTestComposite(t, l2)

	// Seed L2 only, as if another instance wrote it.
	require.NoError(t, l2.Set(ctx, "key", "shared", time.Minute, nil, ""))

	entry, err := c.Get(ctx, "key")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "shared", entry.Value)

	// The hit must have been promoted into L1 with a TTL.
	promoted, err := l1.Get(ctx, "key")
	require.NoError(t, err)
	require.NotNil(t, promoted)
	assert.Equal(t, "shared", promoted.Value)
	assert.False(t, promoted.ExpiresAt.IsZero())
}

func TestCompositePromotionDisabled(t *testing.T) {
	ctx := context.Background()
	l2, err := NewInMemory(ctx)
	require.NoError(t, err)
	require.NoError(t, l2.Initialize(ctx))
	c, l1 := newTestComposite(t, l2, WithPromoteOnL2Hit(false))

	require.NoError(t, l2.Set(ctx, "key", "shared", time.Minute, nil, ""))
	entry, err := c.Get(ctx, "key")
	require.NoError(t, err)
	require.NotNil(t, entry)

	promoted, err := l1.Get(ctx, "key")
	require.NoError(t, err)
	assert.Nil(t, promoted)
}

func TestCompositeResilientToL2Failure(t *testing.T) {
	// With L2 down, writes still land in L1 and reads of L1 data still
	// succeed; nothing propagates an error out of Get.
	ctx := context.Background()
	c, l1 := newTestComposite(t, &failingBackend{})

	require.NoError(t, c.Set(ctx, "key", "value", time.Minute, nil, ""))

	entry, err := c.Get(ctx, "key")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "value", entry.Value)

	// A key in neither tier is a plain miss, not an error.
	entry, err = c.Get(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, entry)

	assert.False(t, c.(*compositeBackend).L2Healthy())

	// L1 actually holds the value.
	entry, err = l1.Get(ctx, "key")
	require.NoError(t, err)
	assert.NotNil(t, entry)
}

func TestCompositeWriteThroughBothTiers(t *testing.T) {
	ctx := context.Background()
	l2, err := NewInMemory(ctx)
	require.NoError(t, err)
	require.NoError(t, l2.Initialize(ctx))
	c, l1 := newTestComposite(t, l2)

	require.NoError(t, c.Set(ctx, "key", "value", time.Minute, nil, ""))

	for _, tier := range []Backend{l1, l2} {
		entry, err := tier.Get(ctx, "key")
		require.NoError(t, err)
		require.NotNil(t, entry)
		assert.Equal(t, "value", entry.Value)
	}
}

func TestCompositeAsyncL2Write(t *testing.T) {
	ctx := context.Background()
	l2, err := NewInMemory(ctx)
	require.NoError(t, err)
	require.NoError(t, l2.Initialize(ctx))
	c, _ := newTestComposite(t, l2, WithAsyncL2Write(true))

	require.NoError(t, c.Set(ctx, "key", "value", time.Minute, nil, ""))

	assert.Eventually(t, func() bool {
		entry, err := l2.Get(ctx, "key")
		return err == nil && entry != nil
	}, time.Second, 5*time.Millisecond)
}

func TestCompositeDeleteEitherTier(t *testing.T) {
	ctx := context.Background()
	l2, err := NewInMemory(ctx)
	require.NoError(t, err)
	require.NoError(t, l2.Initialize(ctx))
	c, _ := newTestComposite(t, l2)

	// Visible only in L2, still removable through the composite.
	require.NoError(t, l2.Set(ctx, "only-l2", "v", time.Minute, nil, ""))
	removed, err := c.Delete(ctx, "only-l2")
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = c.Delete(ctx, "only-l2")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestCompositeIncrementAuthoritativeInL2(t *testing.T) {
	ctx := context.Background()
	l2, err := NewInMemory(ctx)
	require.NoError(t, err)
	require.NoError(t, l2.Initialize(ctx))
	c, l1 := newTestComposite(t, l2)

	// Another instance bumped the shared counter to 7.
	require.NoError(t, l2.Set(ctx, "counter", 7, NoExpiry, nil, ""))
	// Locally cached stale value.
	require.NoError(t, l1.Set(ctx, "counter", 3, NoExpiry, nil, ""))

	value, ok, err := c.Increment(ctx, "counter", 1)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(8), value)

	// L1 was refreshed with the authoritative value.
	entry, err := l1.Get(ctx, "counter")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.EqualValues(t, int64(8), entry.Value)
}

func TestCompositeStatsMerge(t *testing.T) {
	ctx := context.Background()
	l2, err := NewInMemory(ctx)
	require.NoError(t, err)
	require.NoError(t, l2.Initialize(ctx))
	c, _ := newTestComposite(t, l2)

	require.NoError(t, c.Set(ctx, "key", "value", time.Minute, nil, ""))
	// L1 hit: counted in hits but not in L2's misses/sets.
	_, err = c.Get(ctx, "key")
	require.NoError(t, err)

	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Hits)
	// Sets come from L2 only; both tiers were written once.
	assert.Equal(t, int64(1), stats.Sets)
	// Size sums both tiers, which both hold the entry.
	assert.Equal(t, int64(2), stats.Size)
	assert.Contains(t, stats.Backend, "composite")
}

func TestCompositeHealthIsL1Only(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestComposite(t, &failingBackend{})
	// Trip the degraded tier once so its state is recorded.
	_, err := c.Get(ctx, "missing")
	require.NoError(t, err)
	assert.True(t, c.HealthCheck(ctx))
	assert.False(t, c.(*compositeBackend).L2Healthy())
}
