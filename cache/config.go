package cache

import (
	"context"
	"io"
	"time"

	"github.com/redis/go-redis/v9"
	str2duration "github.com/xhit/go-str2duration/v2"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings such as
// "90s", "5m" or "1h30m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return errConfigf("duration must be a string, got %q", node.Value)
	}
	parsed, err := str2duration.ParseDuration(raw)
	if err != nil {
		return errConfigf("invalid duration %q", raw)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// RedisConfig holds the connection parameters for the distributed tier.
type RedisConfig struct {
	Addr         string   `yaml:"addr"`
	Password     string   `yaml:"password"`
	DB           int      `yaml:"db"`
	QueryTimeout Duration `yaml:"query_timeout"`
}

// TieredConfig sizes the two levels of the composite backend.
type TieredConfig struct {
	L1MaxSize      int  `yaml:"l1_max_size"`
	AsyncL2Write   bool `yaml:"async_l2_write"`
	PromoteOnL2Hit bool `yaml:"promote_on_l2_hit"`
}

// Config is the immutable configuration value consumed once at service
// construction. The hosting application is responsible for sourcing and
// validating where the values come from; the cache only consumes the typed
// result.
type Config struct {
	Enabled                  bool         `yaml:"enabled"`
	Backend                  string       `yaml:"backend"` // memory | redis | tiered
	DefaultTTL               Duration     `yaml:"default_ttl"`
	MaxSize                  int          `yaml:"max_size"`
	EvictionPolicy           string       `yaml:"eviction_policy"`
	Namespace                string       `yaml:"namespace"`
	KeyPrefix                string       `yaml:"key_prefix"`
	KeyVersion               int          `yaml:"key_version"`
	HashKeys                 bool         `yaml:"hash_keys"`
	HashKeyLength            int          `yaml:"hash_key_length"`
	Serializer               string       `yaml:"serializer"`
	TTLJitter                bool         `yaml:"ttl_jitter"`
	TTLJitterPercent         float64      `yaml:"ttl_jitter_percent"`
	StampedePrevention       bool         `yaml:"stampede_prevention"`
	StampedeTimeout          Duration     `yaml:"stampede_timeout"`
	HealthCheckInterval      Duration     `yaml:"health_check_interval"`
	CapacityWarningThreshold float64      `yaml:"capacity_warning_threshold"`
	SweepInterval            Duration     `yaml:"sweep_interval"`
	Redis                    RedisConfig  `yaml:"redis"`
	Tiered                   TieredConfig `yaml:"tiered"`
}

// DefaultServiceConfig returns the configuration used when the hosting
// application supplies nothing.
func DefaultServiceConfig() Config {
	return Config{
		Enabled:                  true,
		Backend:                  "memory",
		DefaultTTL:               Duration(DefaultExpires),
		MaxSize:                  DefaultMaxSize,
		EvictionPolicy:           string(LRU),
		Namespace:                "default",
		Serializer:               "msgpack",
		TTLJitter:                true,
		TTLJitterPercent:         0.1,
		StampedePrevention:       true,
		StampedeTimeout:          Duration(10 * time.Second),
		HealthCheckInterval:      Duration(30 * time.Second),
		CapacityWarningThreshold: 0.9,
		SweepInterval:            Duration(DefaultSweepInterval),
		Tiered: TieredConfig{
			L1MaxSize:      1_000,
			PromoteOnL2Hit: true,
		},
	}
}

// LoadConfig reads a YAML configuration, layering it over the defaults.
func LoadConfig(r io.Reader) (Config, error) {
	cfg := DefaultServiceConfig()
	data, err := io.ReadAll(r)
	if err != nil {
		return Config{}, errConfigf("reading config: %v", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, errConfigf("parsing config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration for construction-time errors.
func (c Config) Validate() error {
	switch c.Backend {
	case "memory", "redis", "tiered":
	default:
		return errConfigf("unknown backend %q", c.Backend)
	}
	if _, err := ParseEvictionPolicy(c.EvictionPolicy); err != nil {
		return err
	}
	if _, err := CodecByName(c.Serializer); err != nil {
		return err
	}
	if c.TTLJitterPercent < 0 || c.TTLJitterPercent >= 1 {
		return errConfigf("ttl jitter percent must be in [0,1), got %v", c.TTLJitterPercent)
	}
	if c.CapacityWarningThreshold < 0 || c.CapacityWarningThreshold > 1 {
		return errConfigf("capacity warning threshold must be in [0,1], got %v", c.CapacityWarningThreshold)
	}
	if c.MaxSize < 0 {
		return errConfigf("max size must be >= 0, got %d", c.MaxSize)
	}
	if c.Backend != "memory" && c.Redis.Addr == "" {
		return errConfigf("backend %q requires redis.addr", c.Backend)
	}
	return nil
}

// keyBuilder derives the key strategy from the config.
func (c Config) keyBuilder() KeyBuilder {
	if c.HashKeys {
		return &HashedKeys{Prefix: c.KeyPrefix, Version: c.KeyVersion, Length: c.HashKeyLength}
	}
	return &Keys{Prefix: c.KeyPrefix, Version: c.KeyVersion}
}

// backendOptions translates the flat config into backend construction
// options.
func (c Config) backendOptions() ([]Option, error) {
	codec, err := CodecByName(c.Serializer)
	if err != nil {
		return nil, err
	}
	policy, err := ParseEvictionPolicy(c.EvictionPolicy)
	if err != nil {
		return nil, err
	}
	opts := []Option{
		WithDefaultTTL(c.DefaultTTL.Std()),
		WithEvictionPolicy(policy),
		WithCapacityWarning(c.CapacityWarningThreshold),
		WithCodec(codec),
		WithPromoteOnL2Hit(c.Tiered.PromoteOnL2Hit),
		WithAsyncL2Write(c.Tiered.AsyncL2Write),
	}
	if c.MaxSize > 0 {
		opts = append(opts, WithMaxSize(c.MaxSize))
	}
	if c.SweepInterval > 0 {
		opts = append(opts, WithSweepInterval(c.SweepInterval.Std()))
	}
	if c.Redis.QueryTimeout > 0 {
		opts = append(opts, WithQueryTimeout(c.Redis.QueryTimeout.Std()))
	}
	return opts, nil
}

// buildBackend constructs the backend named by the config. For the redis
// and tiered backends a client is created from the redis sub-block; the
// backend owns nothing beyond it.
func (c Config) buildBackend(ctx context.Context, extra ...Option) (Backend, error) {
	opts, err := c.backendOptions()
	if err != nil {
		return nil, err
	}
	opts = append(opts, extra...)
	switch c.Backend {
	case "memory":
		return NewInMemory(ctx, opts...)
	case "redis":
		return NewRedis(c.redisClient(), opts...), nil
	case "tiered":
		l1Opts := append([]Option{}, opts...)
		if c.Tiered.L1MaxSize > 0 {
			l1Opts = append(l1Opts, WithMaxSize(c.Tiered.L1MaxSize))
		}
		l1, err := NewInMemory(ctx, l1Opts...)
		if err != nil {
			return nil, err
		}
		l2 := NewRedis(c.redisClient(), opts...)
		return NewComposite(l1, l2, opts...)
	default:
		return nil, errConfigf("unknown backend %q", c.Backend)
	}
}

func (c Config) redisClient() *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     c.Redis.Addr,
		Password: c.Redis.Password,
		DB:       c.Redis.DB,
	})
}
