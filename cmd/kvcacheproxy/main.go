package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"github.com/flowlayer/kvcacheproxy/internal/config"
	"github.com/flowlayer/kvcacheproxy/internal/coordinator"
	"github.com/flowlayer/kvcacheproxy/internal/httpapi"
	"github.com/flowlayer/kvcacheproxy/internal/janitor"
	"github.com/flowlayer/kvcacheproxy/internal/lcpindex"
	"github.com/flowlayer/kvcacheproxy/internal/metastore"
	"github.com/flowlayer/kvcacheproxy/internal/ratelimit"
	"github.com/flowlayer/kvcacheproxy/internal/slotmanager"
	"github.com/flowlayer/kvcacheproxy/internal/upstream"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:     "kvcacheproxy",
		Short:   "Prefix-cache-aware reverse proxy for a slot-based inference backend",
		Version: version,
	}
	root.AddCommand(newServeCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the proxy server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			if cmd.Flags().Changed("config") {
				if _, err := os.Stat(configPath); err != nil {
					return fmt.Errorf("load config file: %w", err)
				}
			}
			if err := config.LoadFile(configPath, cfg); err != nil {
				return fmt.Errorf("load config file: %w", err)
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			store := metastore.New(cfg.MetaDir)
			entries, err := store.LoadAll()
			if err != nil {
				return fmt.Errorf("load metadata store: %w", err)
			}
			index := lcpindex.New()
			for _, e := range entries {
				index.Insert(e)
			}
			klog.InfoS("metadata_loaded", "entries", len(entries))

			slots := slotmanager.New(cfg.NSlots)
			defer slots.Close()

			client := upstream.New(cfg.LlamaURL)
			coord := coordinator.New(cfg, slots, index, store, client)

			jan := janitor.New(cfg, store, index, slots)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			go jan.Run(ctx)

			limiter := newLimiter(cfg)
			srv := httpapi.New(cfg, coord, client, limiter)

			klog.InfoS("kvcacheproxy_starting", "port", cfg.Port, "n_slots", cfg.NSlots, "llama_url", cfg.LlamaURL)
			return srv.ListenAndServe(ctx)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "kvcacheproxy.yaml", "path to an optional YAML config file overlaying the environment")
	return cmd
}

// newLimiter connects to PROXY_REDIS_ADDR if rate limiting is enabled.
// A connection failure here is not fatal: spec.md's rate limiter is ambient
// infrastructure, not a core component, so the proxy starts without it
// rather than refusing to serve inference traffic over it.
func newLimiter(cfg *config.Config) ratelimit.Limiter {
	if cfg.RateLimitRPS <= 0 {
		return nil
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if _, err := client.Ping(context.Background()).Result(); err != nil {
		klog.ErrorS(err, "rate_limiter_redis_unreachable_disabling", "addr", cfg.RedisAddr)
		return nil
	}
	return ratelimit.NewRedis(client, time.Second)
}
