// Command hoardd runs the hoard caches as a daemon: it serves the admin API,
// exposes /metrics and /healthz, and flushes memory tiers on SIGUSR1.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/hoard/hoard/pkg/app"
	"github.com/hoard/hoard/pkg/cache"
	"github.com/hoard/hoard/pkg/config"
	"github.com/hoard/hoard/pkg/control"
	"github.com/hoard/hoard/pkg/logging"
	"github.com/hoard/hoard/pkg/metrics"
)

func main() {
	configPath := flag.String("config", "/etc/hoard/config.yaml", "Path to config file")
	controlAddr := flag.String("control-addr", "", "Admin API listen address (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "path", *configPath, "error", err)
		os.Exit(1)
	}
	if *controlAddr != "" {
		cfg.Control.Addr = *controlAddr
	}

	_, logCloser, err := logging.Setup(cfg.Logging)
	if err != nil {
		slog.Error("failed to set up logging", "error", err)
		os.Exit(1)
	}
	defer logCloser.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	switch cfg.Cache.ObjectType {
	case "blob":
		err = run(ctx, cfg, cache.Codec[*cache.Blob](cache.BlobCodec{}))
	default:
		err = run(ctx, cfg, cache.Codec[*cache.Image](cache.ImageCodec{}))
	}
	if err != nil {
		slog.Error("hoardd failed", "error", err)
		os.Exit(1)
	}
	slog.Info("hoardd stopped cleanly")
}

func run[T cache.Object](ctx context.Context, cfg *config.Config, codec cache.Codec[T]) error {
	stack, err := app.Build(cfg, codec)
	if err != nil {
		return err
	}
	defer stack.Close()
	stack.RegisterHealthChecks()

	g, ctx := errgroup.WithContext(ctx)

	// SIGUSR1 is the memory-pressure signal.
	pressure := make(chan os.Signal, 1)
	signal.Notify(pressure, syscall.SIGUSR1)
	defer signal.Stop(pressure)
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-pressure:
				slog.Warn("memory pressure signalled, flushing memory tiers")
				stack.Registry.HandleMemoryPressure()
			}
		}
	})

	if cfg.Metrics.MetricsEnabled() {
		stop := make(chan struct{})
		g.Go(func() error {
			<-ctx.Done()
			close(stop)
			return nil
		})
		g.Go(func() error {
			slog.Info("metrics server started", "addr", cfg.Metrics.Addr)
			if err := metrics.MetricsServer(cfg.Metrics.Addr, stop); err != nil {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	} else {
		slog.Info("metrics server disabled")
	}

	if cfg.Control.ControlEnabled() {
		srv := control.NewServer(cfg.Control.Addr, stack.Registry, stack.Runtime.Coordinator())
		srv.SetLister(stack.Fetcher)
		g.Go(func() error {
			if err := srv.Run(ctx); err != nil {
				return fmt.Errorf("admin API: %w", err)
			}
			return nil
		})
	} else {
		slog.Info("admin API disabled")
	}

	for _, c := range stack.Registry.All() {
		slog.Info("cache ready", "cache", c.String())
	}

	return g.Wait()
}
