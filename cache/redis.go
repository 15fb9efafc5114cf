package cache

import (
	"context"
	"path"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Auxiliary index keys live under this prefix so they can be told apart
// from data keys during scans.
const (
	redisTagIndexPrefix = "idx:tag:"
	redisNsIndexPrefix  = "idx:ns:"
)

// envelope is the stored wire form of an entry: the codec-encoded value
// plus the metadata needed to rebuild tag and namespace bookkeeping.
type envelope struct {
	Value     []byte   `msgpack:"v" json:"v"`
	Tags      []string `msgpack:"t,omitempty" json:"t,omitempty"`
	Namespace string   `msgpack:"n,omitempty" json:"n,omitempty"`
	CreatedAt int64    `msgpack:"c" json:"c"`
}

// redisBackend adapts a Redis key-value store to the Backend contract.
// Values are serialized with the configured codec; tag and namespace
// membership is tracked in auxiliary sets so group invalidation does not
// scan the keyspace. Expiry uses native Redis TTLs, so no sweeper runs.
//
// Keys touched by Increment hold plain integers rather than envelopes;
// they are readable through Increment(key, 0) but not through Get.
type redisBackend struct {
	client *redis.Client
	cfg    config
	logger *zap.Logger

	started time.Time

	hits, misses, sets, deletes, opErrors atomic.Int64
	consecutiveFailures                   atomic.Int64
}

var _ Backend = (*redisBackend)(nil)

// NewRedis returns a Backend backed by Redis. The caller owns the
// redis.Client lifecycle; Shutdown does not close it.
func NewRedis(client *redis.Client, opts ...Option) Backend {
	cfg := applyOptions(opts)
	return &redisBackend{
		client: client,
		cfg:    cfg,
		logger: cfg.logger.Named("cache.redis"),
	}
}

func (c *redisBackend) Initialize(ctx context.Context) error {
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	if err := c.client.Ping(qctx).Err(); err != nil {
		return markConnection(err, "initialize")
	}
	c.started = time.Now()
	return nil
}

// Shutdown is a no-op: the caller owns the redis.Client lifecycle.
func (c *redisBackend) Shutdown(_ context.Context) error {
	return nil
}

func (c *redisBackend) queryCtx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, c.cfg.queryTimeout)
}

// fail records an operation failure for health tracking and returns the
// marked error.
func (c *redisBackend) fail(op string, err error) error {
	c.opErrors.Add(1)
	c.consecutiveFailures.Add(1)
	c.logger.Debug("redis operation failed", zap.String("op", op), zap.Error(err))
	return markConnection(err, op)
}

func (c *redisBackend) ok() {
	c.consecutiveFailures.Store(0)
}

func (c *redisBackend) Get(ctx context.Context, key string) (*Entry, error) {
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	pipe := c.client.Pipeline()
	getCmd := pipe.Get(qctx, key)
	ttlCmd := pipe.PTTL(qctx, key)
	if _, err := pipe.Exec(qctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, c.fail("get", err)
	}
	c.ok()
	data, err := getCmd.Bytes()
	if errors.Is(err, redis.Nil) {
		c.misses.Add(1)
		return nil, nil
	}
	if err != nil {
		return nil, c.fail("get", err)
	}
	entry, err := c.decodeEntry(key, data)
	if err != nil {
		c.opErrors.Add(1)
		return nil, err
	}
	if ttl, err := ttlCmd.Result(); err == nil && ttl > 0 {
		entry.ExpiresAt = time.Now().Add(ttl)
	}
	c.hits.Add(1)
	return entry, nil
}

func (c *redisBackend) decodeEntry(key string, data []byte) (*Entry, error) {
	var env envelope
	if err := c.cfg.codec.Unmarshal(data, &env); err != nil {
		return nil, markSerialization(err, "decode envelope")
	}
	var value any
	if err := c.cfg.codec.Unmarshal(env.Value, &value); err != nil {
		return nil, markSerialization(err, "decode value")
	}
	return &Entry{
		Key:       key,
		Value:     value,
		CreatedAt: time.UnixMilli(env.CreatedAt),
		SizeBytes: int64(len(env.Value)),
		Tags:      env.Tags,
		Namespace: env.Namespace,
	}, nil
}

func (c *redisBackend) encode(value any, tags []string, namespace string) ([]byte, error) {
	valueBytes, err := c.cfg.codec.Marshal(value)
	if err != nil {
		return nil, markSerialization(err, "encode value")
	}
	data, err := c.cfg.codec.Marshal(envelope{
		Value:     valueBytes,
		Tags:      tags,
		Namespace: namespace,
		CreatedAt: time.Now().UnixMilli(),
	})
	if err != nil {
		return nil, markSerialization(err, "encode envelope")
	}
	return data, nil
}

// membership is the index bookkeeping recorded in a stored envelope.
type membership struct {
	tags      []string
	namespace string
}

// memberships bulk-reads the envelopes for keys so their index entries can
// be reconciled on overwrite or removal. Best effort: missing or
// undecodable envelopes contribute nothing.
func (c *redisBackend) memberships(ctx context.Context, keys []string) map[string]membership {
	out := make(map[string]membership, len(keys))
	values, err := c.client.MGet(ctx, keys...).Result()
	if err != nil {
		return out
	}
	for i, raw := range values {
		str, ok := raw.(string)
		if !ok {
			continue
		}
		var env envelope
		if err := c.cfg.codec.Unmarshal([]byte(str), &env); err != nil {
			continue
		}
		if len(env.Tags) == 0 && env.Namespace == "" {
			continue
		}
		out[keys[i]] = membership{tags: env.Tags, namespace: env.Namespace}
	}
	return out
}

func (c *redisBackend) resolveTTL(ttl time.Duration) time.Duration {
	if ttl == DefaultTTL {
		ttl = c.cfg.defaultTTL
	}
	if ttl < 0 {
		return 0 // redis: zero expiration means no expiry
	}
	return ttl
}

func (c *redisBackend) Set(ctx context.Context, key string, value any, ttl time.Duration, tags []string, namespace string) error {
	data, err := c.encode(value, tags, namespace)
	if err != nil {
		return err
	}
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	// A set fully replaces the entry, index memberships included, so any
	// tags or namespace the old envelope carried must be unlinked.
	prior := c.memberships(qctx, []string{key})[key]
	pipe := c.client.Pipeline()
	pipe.Set(qctx, key, data, c.resolveTTL(ttl))
	kept := make(map[string]struct{}, len(tags))
	for _, tag := range tags {
		kept[tag] = struct{}{}
		pipe.SAdd(qctx, redisTagIndexPrefix+tag, key)
	}
	for _, tag := range prior.tags {
		if _, ok := kept[tag]; !ok {
			pipe.SRem(qctx, redisTagIndexPrefix+tag, key)
		}
	}
	if namespace != "" {
		pipe.SAdd(qctx, redisNsIndexPrefix+namespace, key)
	}
	if prior.namespace != "" && prior.namespace != namespace {
		pipe.SRem(qctx, redisNsIndexPrefix+prior.namespace, key)
	}
	if _, err := pipe.Exec(qctx); err != nil {
		return c.fail("set", err)
	}
	c.ok()
	c.sets.Add(1)
	return nil
}

func (c *redisBackend) Delete(ctx context.Context, key string) (bool, error) {
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	// Fetch the envelope first so index membership can be cleaned up.
	// Best effort: a missing or undecodable envelope still deletes the key.
	prior := c.memberships(qctx, []string{key})[key]
	pipe := c.client.Pipeline()
	delCmd := pipe.Del(qctx, key)
	for _, tag := range prior.tags {
		pipe.SRem(qctx, redisTagIndexPrefix+tag, key)
	}
	if prior.namespace != "" {
		pipe.SRem(qctx, redisNsIndexPrefix+prior.namespace, key)
	}
	if _, err := pipe.Exec(qctx); err != nil {
		return false, c.fail("delete", err)
	}
	c.ok()
	removed := delCmd.Val() > 0
	if removed {
		c.deletes.Add(1)
	}
	return removed, nil
}

func (c *redisBackend) Exists(ctx context.Context, key string) (bool, error) {
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	n, err := c.client.Exists(qctx, key).Result()
	if err != nil {
		return false, c.fail("exists", err)
	}
	c.ok()
	return n > 0, nil
}

func (c *redisBackend) Clear(ctx context.Context, namespace string) (int, error) {
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	if namespace != "" {
		members, err := c.client.SMembers(qctx, redisNsIndexPrefix+namespace).Result()
		if err != nil {
			return 0, c.fail("clear", err)
		}
		c.ok()
		if len(members) == 0 {
			return 0, nil
		}
		held := c.memberships(qctx, members)
		pipe := c.client.Pipeline()
		delCmd := pipe.Del(qctx, members...)
		pipe.Del(qctx, redisNsIndexPrefix+namespace)
		for key, m := range held {
			for _, tag := range m.tags {
				pipe.SRem(qctx, redisTagIndexPrefix+tag, key)
			}
		}
		if _, err := pipe.Exec(qctx); err != nil {
			return 0, c.fail("clear", err)
		}
		count := int(delCmd.Val())
		c.deletes.Add(int64(count))
		return count, nil
	}

	// No namespace: walk the whole keyspace. Index sets are dropped too
	// but not counted as removed entries.
	count := 0
	iter := c.client.Scan(qctx, 0, "*", 512).Iterator()
	var batch []string
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := c.client.Del(qctx, batch...).Result()
		if err != nil {
			return err
		}
		count += int(n)
		batch = batch[:0]
		return nil
	}
	for iter.Next(qctx) {
		key := iter.Val()
		if isIndexKey(key) {
			c.client.Del(qctx, key)
			continue
		}
		batch = append(batch, key)
		if len(batch) >= 512 {
			if err := flush(); err != nil {
				return count, c.fail("clear", err)
			}
		}
	}
	if err := iter.Err(); err != nil {
		return count, c.fail("clear", err)
	}
	if err := flush(); err != nil {
		return count, c.fail("clear", err)
	}
	c.ok()
	c.deletes.Add(int64(count))
	return count, nil
}

func isIndexKey(key string) bool {
	return strings.HasPrefix(key, redisTagIndexPrefix) || strings.HasPrefix(key, redisNsIndexPrefix)
}

func (c *redisBackend) Keys(ctx context.Context, pattern, namespace string) ([]string, error) {
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	if pattern == "" {
		pattern = "*"
	}
	if namespace != "" {
		members, err := c.client.SMembers(qctx, redisNsIndexPrefix+namespace).Result()
		if err != nil {
			return nil, c.fail("keys", err)
		}
		c.ok()
		var out []string
		for _, key := range members {
			if matched, err := path.Match(pattern, key); err == nil && matched {
				// The set may hold members whose data key already
				// expired; verify before reporting.
				if n, err := c.client.Exists(qctx, key).Result(); err == nil && n > 0 {
					out = append(out, key)
				}
			}
		}
		return out, nil
	}
	var out []string
	iter := c.client.Scan(qctx, 0, pattern, 512).Iterator()
	for iter.Next(qctx) {
		if key := iter.Val(); !isIndexKey(key) {
			out = append(out, key)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, c.fail("keys", err)
	}
	c.ok()
	return out, nil
}

func (c *redisBackend) Stats(ctx context.Context) (Stats, error) {
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	var size int64
	if n, err := c.client.DBSize(qctx).Result(); err == nil {
		size = n
	}
	return Stats{
		Hits:          c.hits.Load(),
		Misses:        c.misses.Load(),
		Sets:          c.sets.Load(),
		Deletes:       c.deletes.Load(),
		Errors:        c.opErrors.Load(),
		Size:          size,
		UptimeSeconds: time.Since(c.started).Seconds(),
		Backend:       "redis",
	}, nil
}

func (c *redisBackend) DeleteByTags(ctx context.Context, tags ...string) (int, error) {
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	matched := make(map[string]struct{})
	for _, tag := range tags {
		members, err := c.client.SMembers(qctx, redisTagIndexPrefix+tag).Result()
		if err != nil {
			return 0, c.fail("delete by tags", err)
		}
		for _, key := range members {
			matched[key] = struct{}{}
		}
	}
	if len(matched) == 0 {
		c.ok()
		return 0, nil
	}
	keys := make([]string, 0, len(matched))
	for key := range matched {
		keys = append(keys, key)
	}
	queried := make(map[string]struct{}, len(tags))
	for _, tag := range tags {
		queried[tag] = struct{}{}
	}
	held := c.memberships(qctx, keys)
	pipe := c.client.Pipeline()
	delCmd := pipe.Del(qctx, keys...)
	for _, tag := range tags {
		pipe.Del(qctx, redisTagIndexPrefix+tag)
	}
	// The deleted keys may belong to other tag sets and namespace sets
	// than the ones queried; unlink those too.
	for key, m := range held {
		for _, tag := range m.tags {
			if _, dropped := queried[tag]; !dropped {
				pipe.SRem(qctx, redisTagIndexPrefix+tag, key)
			}
		}
		if m.namespace != "" {
			pipe.SRem(qctx, redisNsIndexPrefix+m.namespace, key)
		}
	}
	if _, err := pipe.Exec(qctx); err != nil {
		return 0, c.fail("delete by tags", err)
	}
	c.ok()
	count := int(delCmd.Val())
	c.deletes.Add(int64(count))
	return count, nil
}

func (c *redisBackend) GetMany(ctx context.Context, keys []string) (map[string]*Entry, error) {
	if len(keys) == 0 {
		return map[string]*Entry{}, nil
	}
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	values, err := c.client.MGet(qctx, keys...).Result()
	if err != nil {
		return nil, c.fail("get many", err)
	}
	c.ok()
	out := make(map[string]*Entry, len(keys))
	for i, raw := range values {
		if raw == nil {
			c.misses.Add(1)
			continue
		}
		str, ok := raw.(string)
		if !ok {
			continue
		}
		entry, err := c.decodeEntry(keys[i], []byte(str))
		if err != nil {
			c.opErrors.Add(1)
			c.logger.Debug("skipping undecodable entry", zap.String("key", keys[i]), zap.Error(err))
			continue
		}
		c.hits.Add(1)
		out[keys[i]] = entry
	}
	return out, nil
}

func (c *redisBackend) SetMany(ctx context.Context, items map[string]any, ttl time.Duration, namespace string) error {
	if len(items) == 0 {
		return nil
	}
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	resolved := c.resolveTTL(ttl)
	pipe := c.client.Pipeline()
	for key, value := range items {
		data, err := c.encode(value, nil, namespace)
		if err != nil {
			return err
		}
		pipe.Set(qctx, key, data, resolved)
		if namespace != "" {
			pipe.SAdd(qctx, redisNsIndexPrefix+namespace, key)
		}
	}
	if _, err := pipe.Exec(qctx); err != nil {
		return c.fail("set many", err)
	}
	c.ok()
	c.sets.Add(int64(len(items)))
	return nil
}

func (c *redisBackend) Increment(ctx context.Context, key string, delta int64) (int64, bool, error) {
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	n, err := c.client.Exists(qctx, key).Result()
	if err != nil {
		return 0, false, c.fail("increment", err)
	}
	if n == 0 {
		c.ok()
		return 0, false, nil
	}
	value, err := c.client.IncrBy(qctx, key, delta).Result()
	if err != nil {
		// A non-numeric value is a contract-level "no", not a failure.
		if strings.Contains(err.Error(), "not an integer") || strings.Contains(err.Error(), "wrong kind") {
			c.ok()
			return 0, false, nil
		}
		return 0, false, c.fail("increment", err)
	}
	c.ok()
	return value, true, nil
}

// HealthCheck pings the store and combines the result with the running
// consecutive-failure count, so a backend that keeps failing individual
// operations reads as unhealthy even when pings succeed.
func (c *redisBackend) HealthCheck(ctx context.Context) bool {
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	if err := c.client.Ping(qctx).Err(); err != nil {
		c.consecutiveFailures.Add(1)
		return false
	}
	return int(c.consecutiveFailures.Load()) < c.cfg.failureThreshold
}
