package cache

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// TTL sentinels accepted by Set and SetMany.
const (
	// DefaultTTL selects the backend's configured default TTL.
	DefaultTTL time.Duration = 0
	// NoExpiry stores the entry without an expiry.
	NoExpiry time.Duration = -1
)

const (
	// DefaultExpires is the default TTL used when a backend is constructed
	// without WithDefaultTTL and an operation passes DefaultTTL.
	DefaultExpires = 5 * time.Minute

	// DefaultQueryTimeout is the per-operation timeout for backends that
	// perform I/O. Prevents indefinite hangs on slow or unresponsive
	// storage.
	DefaultQueryTimeout = 5 * time.Second

	// DefaultSweepInterval is how often the in-process backend purges
	// expired entries in the background.
	DefaultSweepInterval = 30 * time.Second

	// DefaultMaxSize is the in-process backend's default entry capacity.
	DefaultMaxSize = 10_000
)

// Backend is the contract every storage engine implements. All operations
// are safe for concurrent use and individually atomic with respect to the
// backend's own state; the contract makes no cross-operation atomicity
// guarantee (no multi-key transactions).
//
// Get on an expired entry behaves as a miss and purges the entry as a side
// effect. Set on an existing key fully replaces it, including tags and
// namespace.
type Backend interface {
	// Initialize prepares the backend for traffic (starts background
	// tasks, verifies connectivity). Must be called before any other
	// operation.
	Initialize(ctx context.Context) error

	// Shutdown stops background tasks and releases resources. After
	// Shutdown the backend must not be used.
	Shutdown(ctx context.Context) error

	// Get returns the entry for key, or nil on a miss.
	Get(ctx context.Context, key string) (*Entry, error)

	// Set stores value under key. ttl of DefaultTTL uses the backend's
	// default; NoExpiry stores without expiry.
	Set(ctx context.Context, key string, value any, ttl time.Duration, tags []string, namespace string) error

	// Delete removes key, reporting whether it existed.
	Delete(ctx context.Context, key string) (bool, error)

	// Exists reports whether key is present and not expired.
	Exists(ctx context.Context, key string) (bool, error)

	// Clear removes all entries in namespace, or every entry when
	// namespace is empty. Returns the number of entries removed.
	Clear(ctx context.Context, namespace string) (int, error)

	// Keys returns the keys matching a glob pattern, optionally scoped
	// to a namespace. An empty pattern matches everything.
	Keys(ctx context.Context, pattern, namespace string) ([]string, error)

	// Stats returns a snapshot of the backend's counters.
	Stats(ctx context.Context) (Stats, error)

	// DeleteByTags removes every entry carrying at least one of the
	// given tags and returns the number removed.
	DeleteByTags(ctx context.Context, tags ...string) (int, error)

	// GetMany returns the present, unexpired entries for keys. Missing
	// keys are absent from the result map.
	GetMany(ctx context.Context, keys []string) (map[string]*Entry, error)

	// SetMany stores all items with a shared ttl and namespace.
	SetMany(ctx context.Context, items map[string]any, ttl time.Duration, namespace string) error

	// Increment adds delta to the integer stored at key and returns the
	// new value. ok is false when the key is absent or not numeric;
	// that case is never an error.
	Increment(ctx context.Context, key string, delta int64) (value int64, ok bool, err error)

	// HealthCheck reports whether the backend can currently serve
	// traffic.
	HealthCheck(ctx context.Context) bool
}

// config holds the resolved construction-time settings for a backend.
type config struct {
	defaultTTL       time.Duration
	maxSize          int
	maxMemoryBytes   int64
	policy           EvictionPolicy
	sweepInterval    time.Duration
	capacityWarnFrac float64
	queryTimeout     time.Duration
	codec            Codec
	logger           *zap.Logger
	promoteOnL2Hit   bool
	asyncL2Write     bool
	failureThreshold int
}

// Option configures a Backend implementation.
type Option func(*config)

func defaultBackendConfig() config {
	return config{
		defaultTTL:       DefaultExpires,
		maxSize:          DefaultMaxSize,
		policy:           LRU,
		sweepInterval:    DefaultSweepInterval,
		capacityWarnFrac: 0.9,
		queryTimeout:     DefaultQueryTimeout,
		codec:            MsgpackCodec{},
		logger:           zap.NewNop(),
		promoteOnL2Hit:   true,
		failureThreshold: 3,
	}
}

func applyOptions(opts []Option) config {
	cfg := defaultBackendConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// WithDefaultTTL sets the TTL used when Set is called with DefaultTTL.
// Defaults to DefaultExpires (5 minutes).
func WithDefaultTTL(d time.Duration) Option {
	return func(c *config) { c.defaultTTL = d }
}

// WithMaxSize caps the number of entries held by the in-process backend.
// Zero disables the cap. Defaults to DefaultMaxSize.
func WithMaxSize(n int) Option {
	return func(c *config) { c.maxSize = n }
}

// WithMaxMemory caps the in-process backend's estimated memory usage in
// bytes. Zero disables the cap.
func WithMaxMemory(bytes int64) Option {
	return func(c *config) { c.maxMemoryBytes = bytes }
}

// WithEvictionPolicy selects the victim-selection rule used by the
// in-process backend once it is at capacity. Defaults to LRU.
func WithEvictionPolicy(p EvictionPolicy) Option {
	return func(c *config) { c.policy = p }
}

// WithSweepInterval sets the interval for background expired-entry cleanup
// in the in-process backend. Defaults to DefaultSweepInterval.
func WithSweepInterval(d time.Duration) Option {
	return func(c *config) { c.sweepInterval = d }
}

// WithCapacityWarning sets the occupancy fraction of max size at which the
// in-process backend logs a capacity warning. Defaults to 0.9.
func WithCapacityWarning(frac float64) Option {
	return func(c *config) { c.capacityWarnFrac = frac }
}

// WithQueryTimeout sets the per-operation timeout for I/O-backed backends.
// Defaults to DefaultQueryTimeout.
func WithQueryTimeout(d time.Duration) Option {
	return func(c *config) { c.queryTimeout = d }
}

// WithCodec sets the codec used by serialized backends. Defaults to
// MsgpackCodec.
func WithCodec(codec Codec) Option {
	return func(c *config) { c.codec = codec }
}

// WithLogger attaches a structured logger. Defaults to a no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *config) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithPromoteOnL2Hit controls whether the composite backend copies an L2
// hit into L1 with the remaining TTL. Enabled by default.
func WithPromoteOnL2Hit(enabled bool) Option {
	return func(c *config) { c.promoteOnL2Hit = enabled }
}

// WithAsyncL2Write makes the composite backend dispatch L2 writes without
// waiting for them, trading a wider L1/L2 staleness window for lower
// caller-perceived latency. Disabled by default.
func WithAsyncL2Write(enabled bool) Option {
	return func(c *config) { c.asyncL2Write = enabled }
}

// WithFailureThreshold sets how many consecutive failures the distributed
// backend tolerates before HealthCheck reports unhealthy. Defaults to 3.
func WithFailureThreshold(n int) Option {
	return func(c *config) { c.failureThreshold = n }
}

// EvictionPolicy selects the rule used to pick a victim entry when the
// in-process backend is at capacity. Fixed at construction.
type EvictionPolicy string

const (
	// LRU evicts the least-recently-accessed entry.
	LRU EvictionPolicy = "lru"
	// LFU evicts the entry with the fewest accesses.
	LFU EvictionPolicy = "lfu"
	// FIFO evicts the oldest-inserted entry regardless of access.
	FIFO EvictionPolicy = "fifo"
	// TTL evicts the entry with the nearest expiry, falling back to
	// oldest-inserted when no entry carries an expiry.
	TTL EvictionPolicy = "ttl"
	// Random evicts a uniformly random entry.
	Random EvictionPolicy = "random"
)

// ParseEvictionPolicy resolves a policy from its configuration name.
func ParseEvictionPolicy(name string) (EvictionPolicy, error) {
	switch EvictionPolicy(name) {
	case LRU, LFU, FIFO, TTL, Random:
		return EvictionPolicy(name), nil
	case "":
		return LRU, nil
	default:
		return "", errConfigf("unknown eviction policy %q", name)
	}
}
