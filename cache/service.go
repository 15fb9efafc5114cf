package cache

import (
	"context"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// State is the service lifecycle phase.
type State int32

const (
	StateUninitialized State = iota
	StateInitializing
	StateReady
	StateShuttingDown
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateShuttingDown:
		return "shutting down"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// warmConcurrency bounds the fan-out used by Warm.
const warmConcurrency = 8

// Service is the public cache API consumed by application code. It wraps
// exactly one Backend plus a key builder and applies namespacing, TTL
// jitter, and a per-key singleflight guard around recomputation.
//
// Service is fail-open by design: a backend failure inside Get or Set
// degrades to a miss or a no-op and is logged, never raised. A cache must
// not be a source of request failure. The two exceptions are Initialize,
// which fails loudly because without a backend there is nothing to degrade
// to, and loader errors inside GetOrSet, which belong to the application.
type Service struct {
	backend Backend
	keys    KeyBuilder
	cfg     Config
	logger  *zap.Logger

	flight        singleflight.Group
	stampedeJoins atomic.Int64
	healthy       atomic.Bool
	state         atomic.Int32

	ctx       context.Context
	cancel    context.CancelFunc
	waitGroup sync.WaitGroup
}

// New builds a Service and the backend named by cfg.Backend. A nil logger
// disables logging.
func New(parent context.Context, cfg Config, logger *zap.Logger) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	backend, err := cfg.buildBackend(parent, WithLogger(logger))
	if err != nil {
		return nil, err
	}
	return NewWithBackend(parent, backend, cfg, logger)
}

// NewWithBackend builds a Service over a caller-supplied Backend. The
// service owns the backend from here on: Shutdown tears it down.
func NewWithBackend(parent context.Context, backend Backend, cfg Config, logger *zap.Logger) (*Service, error) {
	if backend == nil {
		return nil, errConfigf("service requires a backend")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		backend: backend,
		keys:    cfg.keyBuilder(),
		cfg:     cfg,
		logger:  logger.Named("cache.service"),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// State returns the current lifecycle phase.
func (s *Service) State() State {
	return State(s.state.Load())
}

// Healthy reports the result of the most recent health check.
func (s *Service) Healthy() bool {
	return s.healthy.Load()
}

// ready gates every data operation. A disabled cache stays in whatever
// lifecycle state it reached but degrades every read to a miss and every
// write to a no-op.
func (s *Service) ready() bool {
	return s.cfg.Enabled && s.State() == StateReady
}

// Initialize transitions the service to Ready. It fails closed: a backend
// initialization error marks the service unhealthy and is returned to the
// caller.
func (s *Service) Initialize(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(StateUninitialized), int32(StateInitializing)) {
		return errors.Newf("cache: cannot initialize service in state %q", s.State())
	}
	if err := s.backend.Initialize(ctx); err != nil {
		s.healthy.Store(false)
		s.state.Store(int32(StateUninitialized))
		return err
	}
	s.healthy.Store(true)
	s.state.Store(int32(StateReady))
	if !s.cfg.Enabled {
		s.logger.Info("cache service disabled; all operations degrade to misses")
		return nil
	}
	if interval := s.cfg.HealthCheckInterval.Std(); interval > 0 {
		s.waitGroup.Add(1)
		go s.healthLoop(interval)
	}
	s.logger.Info("cache service ready",
		zap.String("backend", s.cfg.Backend),
		zap.String("namespace", s.cfg.Namespace))
	return nil
}

// Shutdown stops the health-check loop, releases waiters still pending on
// in-flight computations, and tears down the backend.
func (s *Service) Shutdown(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(StateReady), int32(StateShuttingDown)) {
		if s.State() == StateStopped {
			return nil
		}
		return errors.Newf("cache: cannot shut down service in state %q", s.State())
	}
	s.cancel()
	s.waitGroup.Wait()
	err := s.backend.Shutdown(ctx)
	s.state.Store(int32(StateStopped))
	s.healthy.Store(false)
	s.logger.Info("cache service stopped")
	return err
}

// callConfig carries the per-call options.
type callConfig struct {
	namespace string
	ttl       time.Duration
	tags      []string
	def       any
}

// CallOption adjusts a single service call.
type CallOption func(*callConfig)

// InNamespace scopes the call to a namespace other than the configured
// default.
func InNamespace(namespace string) CallOption {
	return func(c *callConfig) { c.namespace = namespace }
}

// WithTTL overrides the configured default TTL for this call. Use NoExpiry
// to store without expiry.
func WithTTL(ttl time.Duration) CallOption {
	return func(c *callConfig) { c.ttl = ttl }
}

// WithTags attaches tags for later group invalidation.
func WithTags(tags ...string) CallOption {
	return func(c *callConfig) { c.tags = tags }
}

// WithDefault sets the value returned on a miss.
func WithDefault(value any) CallOption {
	return func(c *callConfig) { c.def = value }
}

func (s *Service) callConfig(opts []CallOption) callConfig {
	c := callConfig{namespace: s.cfg.Namespace}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

func (s *Service) buildKey(c callConfig, key string) string {
	return s.keys.Build(c.namespace, key)
}

// effectiveTTL resolves the TTL for a write and applies jitter. Jitter
// multiplies the TTL by 1 ± (random fraction × jitter percent) so that many
// keys written together do not all expire at the same instant.
func (s *Service) effectiveTTL(c callConfig) time.Duration {
	ttl := c.ttl
	if ttl == DefaultTTL {
		ttl = s.cfg.DefaultTTL.Std()
	}
	if ttl <= 0 {
		return ttl
	}
	if s.cfg.TTLJitter && s.cfg.TTLJitterPercent > 0 {
		factor := 1 + (rand.Float64()*2-1)*s.cfg.TTLJitterPercent
		ttl = time.Duration(float64(ttl) * factor)
	}
	return ttl
}

// Get returns the cached value for key, or the call's default on a miss.
// Backend failures degrade to a miss.
func (s *Service) Get(ctx context.Context, key string, opts ...CallOption) (any, bool) {
	c := s.callConfig(opts)
	if !s.ready() {
		return c.def, false
	}
	entry, err := s.backend.Get(ctx, s.buildKey(c, key))
	if err != nil {
		s.logger.Error("cache get degraded to miss", zap.String("key", key), zap.Error(err))
		return c.def, false
	}
	if entry == nil {
		return c.def, false
	}
	return entry.Value, true
}

// Set stores value under key with the resolved, jittered TTL. Backend
// failures are logged and swallowed; by contract Set cannot fail the
// caller.
func (s *Service) Set(ctx context.Context, key string, value any, opts ...CallOption) {
	c := s.callConfig(opts)
	if !s.ready() {
		return
	}
	s.store(ctx, s.buildKey(c, key), value, c)
}

func (s *Service) store(ctx context.Context, fullKey string, value any, c callConfig) {
	if err := s.backend.Set(ctx, fullKey, value, s.effectiveTTL(c), c.tags, c.namespace); err != nil {
		s.logger.Error("cache set failed", zap.String("key", fullKey), zap.Error(err))
	}
}

// Loader produces the value for a key on a cache miss.
type Loader func(ctx context.Context) (any, error)

// GetOrSet returns the cached value for key, computing and storing it via
// loader on a miss. With stampede prevention enabled, concurrent callers
// for the same fully-qualified key share a single loader invocation; a
// caller that waits longer than the configured stampede timeout computes
// independently instead of failing. Loader errors propagate to the caller
// and to every waiter sharing the computation.
//
// The single-flight guarantee is process-local to this service instance.
func (s *Service) GetOrSet(ctx context.Context, key string, loader Loader, opts ...CallOption) (any, error) {
	c := s.callConfig(opts)
	if !s.ready() {
		// No backend to consult: the loader is the only source.
		return loader(ctx)
	}
	fullKey := s.buildKey(c, key)

	if entry, err := s.backend.Get(ctx, fullKey); err == nil && entry != nil {
		return entry.Value, nil
	} else if err != nil {
		s.logger.Error("cache get degraded to miss", zap.String("key", fullKey), zap.Error(err))
	}

	if !s.cfg.StampedePrevention {
		return s.compute(ctx, fullKey, loader, c)
	}

	// The function runs only for the caller that starts the flight, and
	// that caller's Get just missed, so there is no value to re-check for.
	// Everyone else joins the in-flight computation.
	ch := s.flight.DoChan(fullKey, func() (any, error) {
		return s.compute(s.ctx, fullKey, loader, c)
	})

	var timeout <-chan time.Time
	if d := s.cfg.StampedeTimeout.Std(); d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			s.stampedeJoins.Add(1)
			s.logger.Debug("joined in-flight computation", zap.String("key", fullKey))
		}
		return res.Val, nil
	case <-timeout:
		// Waited too long behind another caller's computation. Proceed
		// independently rather than failing.
		return s.compute(ctx, fullKey, loader, c)
	case <-ctx.Done():
		return s.compute(ctx, fullKey, loader, c)
	case <-s.ctx.Done():
		return nil, ErrServiceClosed
	}
}

func (s *Service) compute(ctx context.Context, fullKey string, loader Loader, c callConfig) (any, error) {
	value, err := loader(ctx)
	if err != nil {
		return nil, err
	}
	s.store(ctx, fullKey, value, c)
	return value, nil
}

// GetMany fetches several keys in one backend round trip. The result map
// is keyed by the caller-supplied keys, not the canonical ones. Backend
// failures degrade to an empty result.
func (s *Service) GetMany(ctx context.Context, keys []string, opts ...CallOption) map[string]any {
	c := s.callConfig(opts)
	out := make(map[string]any, len(keys))
	if !s.ready() {
		return out
	}
	fullKeys := make([]string, len(keys))
	byFull := make(map[string]string, len(keys))
	for i, key := range keys {
		fullKeys[i] = s.buildKey(c, key)
		byFull[fullKeys[i]] = key
	}
	entries, err := s.backend.GetMany(ctx, fullKeys)
	if err != nil {
		s.logger.Error("cache batch get degraded to miss", zap.Int("keys", len(keys)), zap.Error(err))
		return out
	}
	for fullKey, entry := range entries {
		out[byFull[fullKey]] = entry.Value
	}
	return out
}

// SetMany stores several items with a shared TTL. Jitter is applied once
// for the whole batch.
func (s *Service) SetMany(ctx context.Context, items map[string]any, opts ...CallOption) {
	c := s.callConfig(opts)
	if !s.ready() || len(items) == 0 {
		return
	}
	prefixed := make(map[string]any, len(items))
	for key, value := range items {
		prefixed[s.buildKey(c, key)] = value
	}
	if err := s.backend.SetMany(ctx, prefixed, s.effectiveTTL(c), c.namespace); err != nil {
		s.logger.Error("cache batch set failed", zap.Int("items", len(items)), zap.Error(err))
	}
}

// Delete removes key, reporting whether it existed.
func (s *Service) Delete(ctx context.Context, key string, opts ...CallOption) bool {
	c := s.callConfig(opts)
	if !s.ready() {
		return false
	}
	removed, err := s.backend.Delete(ctx, s.buildKey(c, key))
	if err != nil {
		s.logger.Error("cache delete failed", zap.String("key", key), zap.Error(err))
		return false
	}
	return removed
}

// DeleteMany removes several keys and returns how many existed.
func (s *Service) DeleteMany(ctx context.Context, keys []string, opts ...CallOption) int {
	c := s.callConfig(opts)
	if !s.ready() {
		return 0
	}
	count := 0
	for _, key := range keys {
		removed, err := s.backend.Delete(ctx, s.buildKey(c, key))
		if err != nil {
			s.logger.Error("cache delete failed", zap.String("key", key), zap.Error(err))
			continue
		}
		if removed {
			count++
		}
	}
	return count
}

// Exists reports whether key is present and unexpired.
func (s *Service) Exists(ctx context.Context, key string, opts ...CallOption) bool {
	c := s.callConfig(opts)
	if !s.ready() {
		return false
	}
	ok, err := s.backend.Exists(ctx, s.buildKey(c, key))
	if err != nil {
		s.logger.Error("cache exists check failed", zap.String("key", key), zap.Error(err))
		return false
	}
	return ok
}

// InvalidateTags removes every entry carrying any of the given tags and
// returns the number removed. Tags are global, not namespaced.
func (s *Service) InvalidateTags(ctx context.Context, tags ...string) int {
	if !s.ready() {
		return 0
	}
	count, err := s.backend.DeleteByTags(ctx, tags...)
	if err != nil {
		s.logger.Error("tag invalidation failed", zap.Strings("tags", tags), zap.Error(err))
		return 0
	}
	return count
}

// InvalidateNamespace removes every entry in the namespace and returns the
// number removed.
func (s *Service) InvalidateNamespace(ctx context.Context, namespace string) int {
	if !s.ready() {
		return 0
	}
	count, err := s.backend.Clear(ctx, namespace)
	if err != nil {
		s.logger.Error("namespace invalidation failed", zap.String("namespace", namespace), zap.Error(err))
		return 0
	}
	return count
}

// Touch extends a key's TTL by rewriting it. This is a read-then-rewrite
// compound, not atomic at the backend level: a concurrent write between
// the read and the rewrite can be lost. Best effort by contract.
func (s *Service) Touch(ctx context.Context, key string, ttl time.Duration, opts ...CallOption) bool {
	c := s.callConfig(opts)
	if !s.ready() {
		return false
	}
	fullKey := s.buildKey(c, key)
	entry, err := s.backend.Get(ctx, fullKey)
	if err != nil || entry == nil {
		return false
	}
	if err := s.backend.Set(ctx, fullKey, entry.Value, ttl, entry.Tags, entry.Namespace); err != nil {
		s.logger.Error("cache touch failed", zap.String("key", key), zap.Error(err))
		return false
	}
	return true
}

// Warm bulk-preloads items, tolerating individual failures rather than
// aborting the batch. Returns the number of items stored.
func (s *Service) Warm(ctx context.Context, items map[string]any, opts ...CallOption) int {
	c := s.callConfig(opts)
	if !s.ready() || len(items) == 0 {
		return 0
	}
	var stored atomic.Int64
	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(warmConcurrency)
	for key, value := range items {
		group.Go(func() error {
			fullKey := s.buildKey(c, key)
			if err := s.backend.Set(gctx, fullKey, value, s.effectiveTTL(c), c.tags, c.namespace); err != nil {
				s.logger.Warn("warm item failed", zap.String("key", key), zap.Error(err))
				return nil
			}
			stored.Add(1)
			return nil
		})
	}
	_ = group.Wait()
	return int(stored.Load())
}

// Keys lists keys matching a glob pattern within the call's namespace.
// Safe to call concurrently with normal traffic.
func (s *Service) Keys(ctx context.Context, pattern string, opts ...CallOption) []string {
	c := s.callConfig(opts)
	if !s.ready() {
		return nil
	}
	keys, err := s.backend.Keys(ctx, pattern, c.namespace)
	if err != nil {
		s.logger.Error("cache key listing failed", zap.Error(err))
		return nil
	}
	return keys
}

// Stats returns the backend's counters plus the service-owned stampede
// join count. StampedeJoins counts callers that shared an in-flight
// computation rather than invoking the loader themselves.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	stats, err := s.backend.Stats(ctx)
	if err != nil {
		return Stats{}, err
	}
	stats.StampedeJoins = s.stampedeJoins.Load()
	return stats, nil
}

// HealthCheck round-trips a sentinel key through the live backend and
// records the outcome for Healthy.
func (s *Service) HealthCheck(ctx context.Context) bool {
	if !s.cfg.Enabled {
		// Nothing to check; a disabled cache is not a fault.
		return true
	}
	if !s.ready() {
		s.healthy.Store(false)
		return false
	}
	sentinel := s.keys.Build(s.cfg.Namespace, "health:"+uuid.NewString())
	ok := false
	if err := s.backend.Set(ctx, sentinel, "ok", 30*time.Second, nil, s.cfg.Namespace); err == nil {
		if entry, err := s.backend.Get(ctx, sentinel); err == nil && entry != nil {
			ok = true
		}
		if _, err := s.backend.Delete(ctx, sentinel); err != nil {
			s.logger.Debug("health sentinel cleanup failed", zap.Error(err))
		}
	}
	s.healthy.Store(ok)
	return ok
}

// healthLoop re-checks backend health on the configured interval and logs
// only the healthy/unhealthy edges, not every tick.
func (s *Service) healthLoop(interval time.Duration) {
	defer s.waitGroup.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	wasHealthy := true
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			healthy := s.HealthCheck(s.ctx)
			if healthy != wasHealthy {
				if healthy {
					s.logger.Info("cache backend recovered")
				} else {
					s.logger.Error("cache backend unhealthy", zap.Error(ErrHealthCheck))
				}
				wasHealthy = healthy
			}
		}
	}
}
