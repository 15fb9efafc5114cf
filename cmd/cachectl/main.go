package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kestrelhq/framework/cache"
)

var (
	configPath string
	namespace  string
	verbose    bool
)

func main() {
	root := &cobra.Command{
		Use:           "cachectl",
		Short:         "Inspect and manage a cache backend",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML cache configuration")
	root.PersistentFlags().StringVarP(&namespace, "namespace", "n", "", "override the configured namespace")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(statsCmd(), keysCmd(), getCmd(), setCmd(), deleteCmd(), clearCmd(), invalidateCmd(), healthCmd(), benchCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// withService loads the configuration, brings a service up, runs fn, and
// tears the service down again.
func withService(cmd *cobra.Command, fn func(ctx context.Context, svc *cache.Service, cfg cache.Config) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if namespace != "" {
		cfg.Namespace = namespace
	}
	// One-shot invocations have no use for a background health loop.
	cfg.HealthCheckInterval = 0

	logger := zap.NewNop()
	if verbose {
		logger, err = zap.NewDevelopment()
		if err != nil {
			return err
		}
		defer logger.Sync()
	}

	ctx := cmd.Context()
	svc, err := cache.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if err := svc.Initialize(ctx); err != nil {
		return err
	}
	defer svc.Shutdown(context.Background())
	return fn(ctx, svc, cfg)
}

func loadConfig() (cache.Config, error) {
	if configPath == "" {
		return cache.DefaultServiceConfig(), nil
	}
	f, err := os.Open(configPath)
	if err != nil {
		return cache.Config{}, err
	}
	defer f.Close()
	return cache.LoadConfig(f)
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print backend counters as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, func(ctx context.Context, svc *cache.Service, _ cache.Config) error {
				stats, err := svc.Stats(ctx)
				if err != nil {
					return err
				}
				out, err := json.MarshalIndent(stats, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(out))
				fmt.Printf("hit ratio: %.2f%%\n", stats.HitRatio()*100)
				return nil
			})
		},
	}
}

func keysCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keys [pattern]",
		Short: "List keys matching a glob pattern",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pattern := ""
			if len(args) == 1 {
				pattern = args[0]
			}
			return withService(cmd, func(ctx context.Context, svc *cache.Service, _ cache.Config) error {
				for _, key := range svc.Keys(ctx, pattern) {
					fmt.Println(key)
				}
				return nil
			})
		},
	}
}

func getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Fetch a value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, func(ctx context.Context, svc *cache.Service, _ cache.Config) error {
				value, found := svc.Get(ctx, args[0])
				if !found {
					return fmt.Errorf("key %q not found", args[0])
				}
				fmt.Printf("%v\n", value)
				return nil
			})
		},
	}
}

func setCmd() *cobra.Command {
	var ttl time.Duration
	var tags []string
	cmd := &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Store a string value",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, func(ctx context.Context, svc *cache.Service, _ cache.Config) error {
				opts := []cache.CallOption{cache.WithTags(tags...)}
				if ttl != 0 {
					opts = append(opts, cache.WithTTL(ttl))
				}
				svc.Set(ctx, args[0], args[1], opts...)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "time to live (0 uses the configured default)")
	cmd.Flags().StringSliceVar(&tags, "tags", nil, "tags for group invalidation")
	return cmd
}

func deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <key>...",
		Short: "Remove one or more keys",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, func(ctx context.Context, svc *cache.Service, _ cache.Config) error {
				fmt.Printf("removed %d\n", svc.DeleteMany(ctx, args))
				return nil
			})
		},
	}
}

func clearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Remove every entry in the active namespace",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, func(ctx context.Context, svc *cache.Service, cfg cache.Config) error {
				fmt.Printf("removed %d\n", svc.InvalidateNamespace(ctx, cfg.Namespace))
				return nil
			})
		},
	}
}

func invalidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "invalidate <tag>...",
		Short: "Remove every entry carrying any of the given tags",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, func(ctx context.Context, svc *cache.Service, _ cache.Config) error {
				fmt.Printf("removed %d\n", svc.InvalidateTags(ctx, args...))
				return nil
			})
		},
	}
}

func healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Round-trip a sentinel value through the backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, func(ctx context.Context, svc *cache.Service, _ cache.Config) error {
				if !svc.HealthCheck(ctx) {
					return fmt.Errorf("backend unhealthy")
				}
				fmt.Println("ok")
				return nil
			})
		},
	}
}

func benchCmd() *cobra.Command {
	var count int
	var valueSize int
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Measure set/get throughput against the configured backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, func(ctx context.Context, svc *cache.Service, _ cache.Config) error {
				value := strings.Repeat("x", valueSize)

				start := time.Now()
				for i := 0; i < count; i++ {
					svc.Set(ctx, fmt.Sprintf("bench:%d", i), value, cache.WithTTL(time.Minute))
				}
				setElapsed := time.Since(start)

				start = time.Now()
				hits := 0
				for i := 0; i < count; i++ {
					if _, found := svc.Get(ctx, fmt.Sprintf("bench:%d", i)); found {
						hits++
					}
				}
				getElapsed := time.Since(start)

				fmt.Printf("set: %d ops in %v (%.0f ops/s)\n", count, setElapsed, float64(count)/setElapsed.Seconds())
				fmt.Printf("get: %d ops in %v (%.0f ops/s), %d hits\n", count, getElapsed, float64(count)/getElapsed.Seconds(), hits)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&count, "count", 10_000, "operations per phase")
	cmd.Flags().IntVar(&valueSize, "value-size", 128, "value payload size in bytes")
	return cmd
}
