// Package cache is the framework's caching engine: a multi-backend,
// eviction-aware cache with a service layer adding namespacing, key
// versioning, TTL jitter, and cache-stampede prevention.
//
// # Backends
//
// Three [Backend] implementations are provided, all satisfying the same
// contract so they can be swapped without changing application code:
//
//   - [NewInMemory] — an in-process eviction engine. Values are stored
//     by reference with zero serialization overhead. Five interchangeable
//     eviction policies (LRU, LFU, FIFO, TTL, random), inverted tag and
//     namespace indexes for group invalidation, and a background sweeper
//     that purges expired entries from a min-heap of expiry times.
//
//   - [NewRedis] — a thin adapter over Redis using
//     [github.com/redis/go-redis/v9]. Values are serialized through a
//     pluggable [Codec] (msgpack by default, with an optional gzip
//     wrapper for large payloads) into an envelope carrying
//     tags and namespace, expiry uses native Redis TTLs, batch operations
//     use pipelining, and consecutive failures are tracked so HealthCheck
//     answers accurately.
//
//   - [NewComposite] — a two-level hierarchy: a fast local L1 backed by a
//     shared L2. Reads promote L2 hits into L1 with the remaining TTL;
//     writes go to L1 synchronously and to L2 synchronously or
//     fire-and-forget. The hierarchy is best-effort, not strongly
//     consistent: an L2 failure downgrades to an L1-only miss and never
//     propagates out of Get.
//
// # Service
//
// [Service] is the API application code consumes. It derives canonical
// keys through a [KeyBuilder] ({prefix}v{version}:{namespace}:{key}),
// applies TTL jitter to desynchronize mass expiry, and guards
// recomputation with a per-key single-flight:
//
//	svc, _ := cache.New(ctx, cfg, logger)
//	_ = svc.Initialize(ctx)
//
//	user, err := svc.GetOrSet(ctx, "user:123", func(ctx context.Context) (any, error) {
//	    return loadUser(ctx, 123)
//	}, cache.InNamespace("users"), cache.WithTags("user"))
//
// With stampede prevention enabled, concurrent GetOrSet calls for the same
// key share one loader invocation; everyone receives the same value, and a
// loader error propagates to every waiter. A waiter that exceeds the
// configured stampede timeout computes independently instead of failing.
//
// # Failure policy
//
// The service is fail-open: backend failures inside Get and Set degrade to
// a miss or a no-op and are reported through the logger, never raised.
// Cache unavailability must degrade to "always miss", not failed requests.
// The exceptions are Initialize, which fails loudly (without a backend
// there is nothing to degrade to), and loader errors in GetOrSet, which
// belong to the application.
//
// Backends classify their own failures with the package sentinels:
// [ErrConnection], [ErrSerialization], [ErrBackend], [ErrConfiguration].
// Use errors.Is (or [IsConnectionError] and friends) to test them.
//
// # Key versioning
//
// Incrementing Config.KeyVersion makes every previously written key
// invisible in O(1), without a delete pass. The unreachable keys are left
// to expire naturally; they are not reclaimed proactively.
//
// # Concurrency
//
// All backends are safe for concurrent use. The in-process backend holds
// one mutex for its map, indexes, and expiry heap; critical sections are
// short and never perform I/O. The service adds no locking of its own
// beyond the single-flight group. Operations on the same key are
// linearized by the backend; operations on different keys are unordered.
package cache
