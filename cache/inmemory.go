package cache

import (
	"container/heap"
	"container/list"
	"context"
	"math/rand/v2"
	"path"
	"sync"
	"time"

	"go.uber.org/zap"
)

// inMemoryBackend is the in-process eviction engine. One mutex guards the
// entry list, all indexes, the expiry heap, and the counters; critical
// sections are short and CPU-only.
type inMemoryBackend struct {
	ctx    context.Context
	cancel context.CancelFunc
	cfg    config
	logger *zap.Logger

	mutex sync.Mutex
	// order doubles as the LRU/FIFO ordering: front is most recent (or
	// newest inserted), back is the eviction end. Elements hold *Entry.
	order       *list.List
	items       map[string]*list.Element
	byTag       map[string]map[string]struct{}
	byNamespace map[string]map[string]struct{}
	freq        map[string]int64 // LFU only
	expiry      expiryHeap

	hits, misses, sets, deletes, evictions int64
	memoryBytes                            int64
	started                                time.Time
	capacityWarned                         bool

	initOnce  sync.Once
	closeOnce sync.Once
	waitGroup sync.WaitGroup
}

var _ Backend = (*inMemoryBackend)(nil)

// NewInMemory returns an eviction-aware in-process Backend. It never
// performs I/O, so its operations only fail on misconfiguration at
// construction time.
func NewInMemory(parent context.Context, opts ...Option) (Backend, error) {
	cfg := applyOptions(opts)
	if _, err := ParseEvictionPolicy(string(cfg.policy)); err != nil {
		return nil, err
	}
	if cfg.maxSize < 0 {
		return nil, errConfigf("max size must be >= 0, got %d", cfg.maxSize)
	}
	ctx, cancel := context.WithCancel(parent)
	return &inMemoryBackend{
		ctx:         ctx,
		cancel:      cancel,
		cfg:         cfg,
		logger:      cfg.logger.Named("cache.memory"),
		order:       list.New(),
		items:       make(map[string]*list.Element),
		byTag:       make(map[string]map[string]struct{}),
		byNamespace: make(map[string]map[string]struct{}),
		freq:        make(map[string]int64),
	}, nil
}

func (c *inMemoryBackend) Initialize(_ context.Context) error {
	c.initOnce.Do(func() {
		c.started = time.Now()
		if c.cfg.sweepInterval > 0 {
			c.waitGroup.Add(1)
			go c.sweep()
		}
	})
	return nil
}

func (c *inMemoryBackend) Shutdown(_ context.Context) error {
	c.closeOnce.Do(func() {
		c.cancel()
		c.waitGroup.Wait()
		c.mutex.Lock()
		c.order.Init()
		c.items = make(map[string]*list.Element)
		c.byTag = make(map[string]map[string]struct{})
		c.byNamespace = make(map[string]map[string]struct{})
		c.freq = make(map[string]int64)
		c.expiry = nil
		c.memoryBytes = 0
		c.mutex.Unlock()
	})
	return nil
}

func (c *inMemoryBackend) Get(_ context.Context, key string) (*Entry, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.getLocked(key, time.Now()), nil
}

func (c *inMemoryBackend) getLocked(key string, now time.Time) *Entry {
	elem, ok := c.items[key]
	if !ok {
		c.misses++
		return nil
	}
	entry := elem.Value.(*Entry)
	if entry.Expired(now) {
		c.removeLocked(key)
		c.misses++
		return nil
	}
	entry.touch(now)
	switch c.cfg.policy {
	case LRU:
		c.order.MoveToFront(elem)
	case LFU:
		c.freq[key]++
	}
	c.hits++
	return entry
}

func (c *inMemoryBackend) Set(_ context.Context, key string, value any, ttl time.Duration, tags []string, namespace string) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.setLocked(key, value, ttl, tags, namespace, time.Now())
	return nil
}

func (c *inMemoryBackend) setLocked(key string, value any, ttl time.Duration, tags []string, namespace string, now time.Time) {
	// A replace is a remove plus an insert so stale index entries never
	// survive a tag or namespace change.
	if _, ok := c.items[key]; ok {
		c.removeLocked(key)
	}

	for c.cfg.maxSize > 0 && c.order.Len() >= c.cfg.maxSize {
		if !c.evictOneLocked() {
			break
		}
	}
	size := estimateSize(value)
	if c.cfg.maxMemoryBytes > 0 {
		for c.order.Len() > 0 && c.memoryBytes+size > c.cfg.maxMemoryBytes {
			if !c.evictOneLocked() {
				break
			}
		}
	}

	entry := &Entry{
		Key:            key,
		Value:          value,
		CreatedAt:      now,
		LastAccessedAt: now,
		SizeBytes:      size,
		Tags:           tags,
		Namespace:      namespace,
	}
	if ttl == DefaultTTL {
		ttl = c.cfg.defaultTTL
	}
	if ttl > 0 {
		entry.ExpiresAt = now.Add(ttl)
		heap.Push(&c.expiry, expiryItem{at: entry.ExpiresAt, key: key})
	}

	c.items[key] = c.order.PushFront(entry)
	for _, tag := range tags {
		keys, ok := c.byTag[tag]
		if !ok {
			keys = make(map[string]struct{})
			c.byTag[tag] = keys
		}
		keys[key] = struct{}{}
	}
	if namespace != "" {
		keys, ok := c.byNamespace[namespace]
		if !ok {
			keys = make(map[string]struct{})
			c.byNamespace[namespace] = keys
		}
		keys[key] = struct{}{}
	}
	if c.cfg.policy == LFU {
		c.freq[key] = 1
	}
	c.memoryBytes += size
	c.sets++
	c.checkCapacityLocked()
}

// checkCapacityLocked logs once when occupancy crosses the warning
// threshold and re-arms once it drops below 90% of that threshold, so a
// cache hovering at the boundary does not spam the log.
func (c *inMemoryBackend) checkCapacityLocked() {
	if c.cfg.maxSize <= 0 || c.cfg.capacityWarnFrac <= 0 {
		return
	}
	threshold := int(float64(c.cfg.maxSize) * c.cfg.capacityWarnFrac)
	occupancy := c.order.Len()
	switch {
	case !c.capacityWarned && occupancy >= threshold:
		c.capacityWarned = true
		c.logger.Warn("cache nearing capacity",
			zap.Int("size", occupancy),
			zap.Int("max_size", c.cfg.maxSize),
			zap.Int("threshold", threshold))
	case c.capacityWarned && float64(occupancy) < 0.9*float64(threshold):
		c.capacityWarned = false
	}
}

// evictOneLocked removes one entry chosen by the configured policy and
// bumps the eviction counter. Returns false when the cache is empty.
func (c *inMemoryBackend) evictOneLocked() bool {
	victim := c.victimLocked()
	if victim == "" {
		return false
	}
	c.removeLocked(victim)
	c.evictions++
	return true
}

func (c *inMemoryBackend) victimLocked() string {
	if c.order.Len() == 0 {
		return ""
	}
	switch c.cfg.policy {
	case LFU:
		var victim string
		var minFreq int64 = -1
		// Back-to-front keeps tie-breaking deterministic: among equal
		// frequencies the oldest entry loses.
		for elem := c.order.Back(); elem != nil; elem = elem.Prev() {
			key := elem.Value.(*Entry).Key
			if f := c.freq[key]; minFreq < 0 || f < minFreq {
				minFreq = f
				victim = key
			}
		}
		return victim
	case Random:
		n := rand.IntN(c.order.Len())
		elem := c.order.Front()
		for range n {
			elem = elem.Next()
		}
		return elem.Value.(*Entry).Key
	case TTL:
		var victim string
		var soonest time.Time
		for elem := c.order.Back(); elem != nil; elem = elem.Prev() {
			entry := elem.Value.(*Entry)
			if entry.ExpiresAt.IsZero() {
				continue
			}
			if soonest.IsZero() || entry.ExpiresAt.Before(soonest) {
				soonest = entry.ExpiresAt
				victim = entry.Key
			}
		}
		if victim != "" {
			return victim
		}
		// No entry carries a TTL: fall back to oldest-inserted.
		return c.order.Back().Value.(*Entry).Key
	default: // LRU, FIFO
		return c.order.Back().Value.(*Entry).Key
	}
}

// removeLocked drops key from the list, both indexes, the frequency table,
// and the memory accounting. Stale expiry-heap items are left behind; the
// sweeper revalidates before purging.
func (c *inMemoryBackend) removeLocked(key string) bool {
	elem, ok := c.items[key]
	if !ok {
		return false
	}
	entry := elem.Value.(*Entry)
	c.order.Remove(elem)
	delete(c.items, key)
	delete(c.freq, key)
	c.memoryBytes -= entry.SizeBytes
	for _, tag := range entry.Tags {
		if keys, ok := c.byTag[tag]; ok {
			delete(keys, key)
			if len(keys) == 0 {
				delete(c.byTag, tag)
			}
		}
	}
	if entry.Namespace != "" {
		if keys, ok := c.byNamespace[entry.Namespace]; ok {
			delete(keys, key)
			if len(keys) == 0 {
				delete(c.byNamespace, entry.Namespace)
			}
		}
	}
	return true
}

func (c *inMemoryBackend) Delete(_ context.Context, key string) (bool, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	removed := c.removeLocked(key)
	if removed {
		c.deletes++
	}
	return removed, nil
}

func (c *inMemoryBackend) Exists(_ context.Context, key string) (bool, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	elem, ok := c.items[key]
	if !ok {
		return false, nil
	}
	if elem.Value.(*Entry).Expired(time.Now()) {
		c.removeLocked(key)
		return false, nil
	}
	return true, nil
}

func (c *inMemoryBackend) Clear(_ context.Context, namespace string) (int, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if namespace == "" {
		count := c.order.Len()
		c.order.Init()
		c.items = make(map[string]*list.Element)
		c.byTag = make(map[string]map[string]struct{})
		c.byNamespace = make(map[string]map[string]struct{})
		c.freq = make(map[string]int64)
		c.expiry = nil
		c.memoryBytes = 0
		c.deletes += int64(count)
		return count, nil
	}
	keys := c.byNamespace[namespace]
	count := 0
	for key := range keys {
		if c.removeLocked(key) {
			count++
		}
	}
	c.deletes += int64(count)
	return count, nil
}

func (c *inMemoryBackend) Keys(_ context.Context, pattern, namespace string) ([]string, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	now := time.Now()
	var out []string
	if namespace != "" {
		for key := range c.byNamespace[namespace] {
			if c.matchLocked(pattern, key, now) {
				out = append(out, key)
			}
		}
		return out, nil
	}
	for key := range c.items {
		if c.matchLocked(pattern, key, now) {
			out = append(out, key)
		}
	}
	return out, nil
}

func (c *inMemoryBackend) matchLocked(pattern, key string, now time.Time) bool {
	elem, ok := c.items[key]
	if !ok || elem.Value.(*Entry).Expired(now) {
		return false
	}
	if pattern == "" || pattern == "*" {
		return true
	}
	matched, err := path.Match(pattern, key)
	return err == nil && matched
}

func (c *inMemoryBackend) Stats(_ context.Context) (Stats, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return Stats{
		Hits:          c.hits,
		Misses:        c.misses,
		Sets:          c.sets,
		Deletes:       c.deletes,
		Evictions:     c.evictions,
		Size:          int64(c.order.Len()),
		MaxSize:       int64(c.cfg.maxSize),
		MemoryBytes:   c.memoryBytes,
		UptimeSeconds: time.Since(c.started).Seconds(),
		Backend:       "memory",
	}, nil
}

func (c *inMemoryBackend) DeleteByTags(_ context.Context, tags ...string) (int, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	matched := make(map[string]struct{})
	for _, tag := range tags {
		for key := range c.byTag[tag] {
			matched[key] = struct{}{}
		}
	}
	count := 0
	for key := range matched {
		if c.removeLocked(key) {
			count++
		}
	}
	c.deletes += int64(count)
	return count, nil
}

func (c *inMemoryBackend) GetMany(_ context.Context, keys []string) (map[string]*Entry, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	now := time.Now()
	out := make(map[string]*Entry, len(keys))
	for _, key := range keys {
		if entry := c.getLocked(key, now); entry != nil {
			out[key] = entry
		}
	}
	return out, nil
}

func (c *inMemoryBackend) SetMany(_ context.Context, items map[string]any, ttl time.Duration, namespace string) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	now := time.Now()
	for key, value := range items {
		c.setLocked(key, value, ttl, nil, namespace, now)
	}
	return nil
}

func (c *inMemoryBackend) Increment(_ context.Context, key string, delta int64) (int64, bool, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	elem, ok := c.items[key]
	if !ok {
		return 0, false, nil
	}
	entry := elem.Value.(*Entry)
	if entry.Expired(time.Now()) {
		c.removeLocked(key)
		return 0, false, nil
	}
	current, ok := asInt64(entry.Value)
	if !ok {
		return 0, false, nil
	}
	current += delta
	entry.Value = current
	return current, true, nil
}

func asInt64(v any) (int64, bool) {
	switch val := v.(type) {
	case int:
		return int64(val), true
	case int8:
		return int64(val), true
	case int16:
		return int64(val), true
	case int32:
		return int64(val), true
	case int64:
		return val, true
	case uint:
		return int64(val), true
	case uint8:
		return int64(val), true
	case uint16:
		return int64(val), true
	case uint32:
		return int64(val), true
	case uint64:
		return int64(val), true
	default:
		return 0, false
	}
}

// HealthCheck always succeeds: the in-process backend has no failure mode
// under normal operation.
func (c *inMemoryBackend) HealthCheck(_ context.Context) bool {
	return true
}

// sweep periodically purges expired entries using the expiry heap. The heap
// may contain items superseded by an overwrite, so each popped key is
// revalidated before purging. A panic inside one cycle is swallowed and
// does not stop future cycles.
func (c *inMemoryBackend) sweep() {
	defer c.waitGroup.Done()
	ticker := time.NewTicker(c.cfg.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.sweepOnce()
		}
	}
}

func (c *inMemoryBackend) sweepOnce() {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("expiry sweep panicked", zap.Any("panic", r))
		}
	}()
	now := time.Now()
	c.mutex.Lock()
	defer c.mutex.Unlock()
	purged := 0
	for len(c.expiry) > 0 && !c.expiry[0].at.After(now) {
		item := heap.Pop(&c.expiry).(expiryItem)
		elem, ok := c.items[item.key]
		if !ok {
			continue
		}
		if !elem.Value.(*Entry).Expired(now) {
			// Stale heap item: the key was overwritten with a later
			// expiry after this item was pushed.
			continue
		}
		c.removeLocked(item.key)
		purged++
	}
	if purged > 0 {
		c.logger.Debug("expiry sweep purged entries", zap.Int("purged", purged))
	}
}

type expiryItem struct {
	at  time.Time
	key string
}

// expiryHeap is a min-heap of (expiry, key) pairs ordered by expiry time.
type expiryHeap []expiryItem

func (h expiryHeap) Len() int           { return len(h) }
func (h expiryHeap) Less(i, j int) bool { return h[i].at.Before(h[j].at) }
func (h expiryHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *expiryHeap) Push(x any)        { *h = append(*h, x.(expiryItem)) }
func (h *expiryHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
