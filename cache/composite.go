package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// compositeBackend layers a fast local L1 over a shared L2 behind the same
// Backend contract. It is explicitly best-effort rather than strongly
// consistent: with asynchronous L2 writes enabled, L1 completes before the
// method returns and L2 may complete after, so the two tiers can disagree
// for a short window.
//
// A degraded L2 must never take down reads: every L2 failure inside Get is
// caught and downgraded to an L1-only miss.
type compositeBackend struct {
	l1, l2 Backend
	cfg    config
	logger *zap.Logger

	started   time.Time
	l2Healthy atomic.Bool
	writes    sync.WaitGroup
}

var _ Backend = (*compositeBackend)(nil)

// NewComposite returns a two-level Backend over l1 (fast, small, local) and
// l2 (slower, larger, shared).
func NewComposite(l1, l2 Backend, opts ...Option) (Backend, error) {
	if l1 == nil || l2 == nil {
		return nil, errConfigf("composite backend requires both tiers")
	}
	cfg := applyOptions(opts)
	c := &compositeBackend{
		l1:     l1,
		l2:     l2,
		cfg:    cfg,
		logger: cfg.logger.Named("cache.composite"),
	}
	c.l2Healthy.Store(true)
	return c, nil
}

// Initialize fails when L1 cannot start; an L2 initialization failure is
// tolerated and only recorded, since the composite can serve from L1 alone.
func (c *compositeBackend) Initialize(ctx context.Context) error {
	if err := c.l1.Initialize(ctx); err != nil {
		return err
	}
	if err := c.l2.Initialize(ctx); err != nil {
		c.noteL2Failure("initialize", err)
	}
	c.started = time.Now()
	return nil
}

func (c *compositeBackend) Shutdown(ctx context.Context) error {
	// Let in-flight async L2 writes land before tearing the tiers down.
	c.writes.Wait()
	err1 := c.l1.Shutdown(ctx)
	err2 := c.l2.Shutdown(ctx)
	if err1 != nil {
		return err1
	}
	return err2
}

func (c *compositeBackend) noteL2Failure(op string, err error) {
	if c.l2Healthy.CompareAndSwap(true, false) {
		c.logger.Warn("l2 tier degraded", zap.String("op", op), zap.Error(err))
	} else {
		c.logger.Debug("l2 tier still degraded", zap.String("op", op), zap.Error(err))
	}
}

func (c *compositeBackend) noteL2Success() {
	if c.l2Healthy.CompareAndSwap(false, true) {
		c.logger.Info("l2 tier recovered")
	}
}

func (c *compositeBackend) Get(ctx context.Context, key string) (*Entry, error) {
	entry, err := c.l1.Get(ctx, key)
	if err == nil && entry != nil {
		return entry, nil
	}
	entry, err = c.l2.Get(ctx, key)
	if err != nil {
		c.noteL2Failure("get", err)
		return nil, nil
	}
	c.noteL2Success()
	if entry == nil {
		return nil, nil
	}
	if c.cfg.promoteOnL2Hit {
		ttl := entry.TTLRemaining(time.Now())
		if ttl == 0 {
			// Expired between the L2 read and now; treat as a miss.
			return nil, nil
		}
		if err := c.l1.Set(ctx, key, entry.Value, ttl, entry.Tags, entry.Namespace); err != nil {
			c.logger.Debug("l1 promotion failed", zap.String("key", key), zap.Error(err))
		}
	}
	return entry, nil
}

func (c *compositeBackend) Set(ctx context.Context, key string, value any, ttl time.Duration, tags []string, namespace string) error {
	if err := c.l1.Set(ctx, key, value, ttl, tags, namespace); err != nil {
		return err
	}
	if c.cfg.asyncL2Write {
		c.writes.Add(1)
		go func() {
			defer c.writes.Done()
			wctx, cancel := context.WithTimeout(context.Background(), c.cfg.queryTimeout)
			defer cancel()
			if err := c.l2.Set(wctx, key, value, ttl, tags, namespace); err != nil {
				c.noteL2Failure("set", err)
			} else {
				c.noteL2Success()
			}
		}()
		return nil
	}
	if err := c.l2.Set(ctx, key, value, ttl, tags, namespace); err != nil {
		c.noteL2Failure("set", err)
	} else {
		c.noteL2Success()
	}
	return nil
}

// Delete removes the key from both tiers and reports success if either
// tier held it, so a value visible in only one tier is still removable.
func (c *compositeBackend) Delete(ctx context.Context, key string) (bool, error) {
	removed1, err := c.l1.Delete(ctx, key)
	if err != nil {
		return false, err
	}
	removed2, err := c.l2.Delete(ctx, key)
	if err != nil {
		c.noteL2Failure("delete", err)
		removed2 = false
	}
	return removed1 || removed2, nil
}

func (c *compositeBackend) Exists(ctx context.Context, key string) (bool, error) {
	ok, err := c.l1.Exists(ctx, key)
	if err == nil && ok {
		return true, nil
	}
	ok, err = c.l2.Exists(ctx, key)
	if err != nil {
		c.noteL2Failure("exists", err)
		return false, nil
	}
	return ok, nil
}

// Clear empties both tiers. The count is the larger of the two tiers'
// counts: the same logical entry usually lives in both, so a sum would
// double-count it.
func (c *compositeBackend) Clear(ctx context.Context, namespace string) (int, error) {
	count1, err := c.l1.Clear(ctx, namespace)
	if err != nil {
		return 0, err
	}
	count2, err := c.l2.Clear(ctx, namespace)
	if err != nil {
		c.noteL2Failure("clear", err)
		count2 = 0
	}
	return max(count1, count2), nil
}

func (c *compositeBackend) Keys(ctx context.Context, pattern, namespace string) ([]string, error) {
	keys1, err := c.l1.Keys(ctx, pattern, namespace)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(keys1))
	out := keys1
	for _, key := range keys1 {
		seen[key] = struct{}{}
	}
	keys2, err := c.l2.Keys(ctx, pattern, namespace)
	if err != nil {
		c.noteL2Failure("keys", err)
		return out, nil
	}
	for _, key := range keys2 {
		if _, ok := seen[key]; !ok {
			out = append(out, key)
		}
	}
	return out, nil
}

// Stats merges the tiers. Most counters are summed; misses and sets are
// taken from L2 alone because L2 is the source of record for what counts
// as a miss across the whole system. The asymmetry is deliberate and
// preserved for dashboard compatibility even though it undercounts writes
// when L1 absorbs most of the traffic.
func (c *compositeBackend) Stats(ctx context.Context) (Stats, error) {
	stats1, err := c.l1.Stats(ctx)
	if err != nil {
		return Stats{}, err
	}
	stats2, err := c.l2.Stats(ctx)
	if err != nil {
		c.noteL2Failure("stats", err)
		stats2 = Stats{}
	}
	return Stats{
		Hits:          stats1.Hits + stats2.Hits,
		Misses:        stats2.Misses,
		Sets:          stats2.Sets,
		Deletes:       stats1.Deletes + stats2.Deletes,
		Evictions:     stats1.Evictions + stats2.Evictions,
		Errors:        stats1.Errors + stats2.Errors,
		Size:          stats1.Size + stats2.Size,
		MaxSize:       stats1.MaxSize + stats2.MaxSize,
		MemoryBytes:   stats1.MemoryBytes + stats2.MemoryBytes,
		UptimeSeconds: time.Since(c.started).Seconds(),
		Backend:       "composite(" + stats1.Backend + "+" + stats2.Backend + ")",
	}, nil
}

func (c *compositeBackend) DeleteByTags(ctx context.Context, tags ...string) (int, error) {
	count1, err := c.l1.DeleteByTags(ctx, tags...)
	if err != nil {
		return 0, err
	}
	count2, err := c.l2.DeleteByTags(ctx, tags...)
	if err != nil {
		c.noteL2Failure("delete by tags", err)
		count2 = 0
	}
	return max(count1, count2), nil
}

func (c *compositeBackend) GetMany(ctx context.Context, keys []string) (map[string]*Entry, error) {
	out, err := c.l1.GetMany(ctx, keys)
	if err != nil {
		out = make(map[string]*Entry, len(keys))
	}
	var missing []string
	for _, key := range keys {
		if _, ok := out[key]; !ok {
			missing = append(missing, key)
		}
	}
	if len(missing) == 0 {
		return out, nil
	}
	fromL2, err := c.l2.GetMany(ctx, missing)
	if err != nil {
		c.noteL2Failure("get many", err)
		return out, nil
	}
	c.noteL2Success()
	now := time.Now()
	for key, entry := range fromL2 {
		out[key] = entry
		if c.cfg.promoteOnL2Hit {
			if ttl := entry.TTLRemaining(now); ttl != 0 {
				if err := c.l1.Set(ctx, key, entry.Value, ttl, entry.Tags, entry.Namespace); err != nil {
					c.logger.Debug("l1 promotion failed", zap.String("key", key), zap.Error(err))
				}
			}
		}
	}
	return out, nil
}

func (c *compositeBackend) SetMany(ctx context.Context, items map[string]any, ttl time.Duration, namespace string) error {
	if err := c.l1.SetMany(ctx, items, ttl, namespace); err != nil {
		return err
	}
	if c.cfg.asyncL2Write {
		c.writes.Add(1)
		go func() {
			defer c.writes.Done()
			wctx, cancel := context.WithTimeout(context.Background(), c.cfg.queryTimeout)
			defer cancel()
			if err := c.l2.SetMany(wctx, items, ttl, namespace); err != nil {
				c.noteL2Failure("set many", err)
			}
		}()
		return nil
	}
	if err := c.l2.SetMany(ctx, items, ttl, namespace); err != nil {
		c.noteL2Failure("set many", err)
	}
	return nil
}

// Increment is authoritative in L2, the tier shared across instances.
// After a successful L2 increment, L1 is refreshed with the new value so
// the next local read agrees. When L2 is unreachable the increment degrades
// to L1 only.
func (c *compositeBackend) Increment(ctx context.Context, key string, delta int64) (int64, bool, error) {
	value, ok, err := c.l2.Increment(ctx, key, delta)
	if err != nil {
		c.noteL2Failure("increment", err)
		return c.l1.Increment(ctx, key, delta)
	}
	c.noteL2Success()
	if !ok {
		return 0, false, nil
	}
	if err := c.l1.Set(ctx, key, value, NoExpiry, nil, ""); err != nil {
		c.logger.Debug("l1 refresh after increment failed", zap.String("key", key), zap.Error(err))
	}
	return value, true, nil
}

// HealthCheck reports L1's health only: losing the local tier is fatal to
// the composite, while L2 degradation is tolerated and merely recorded.
func (c *compositeBackend) HealthCheck(ctx context.Context) bool {
	return c.l1.HealthCheck(ctx)
}

// L2Healthy reports whether the last L2 interaction succeeded.
func (c *compositeBackend) L2Healthy() bool {
	return c.l2Healthy.Load()
}
