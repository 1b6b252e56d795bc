// Package app builds a running cache stack from configuration. The hoard
// commands share it so that a daemon, the CLI and the load generator see
// the same caches the same way.
package app

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/hoard/hoard/pkg/backend"
	"github.com/hoard/hoard/pkg/cache"
	"github.com/hoard/hoard/pkg/config"
	"github.com/hoard/hoard/pkg/metrics"
	"github.com/hoard/hoard/pkg/telemetry"
)

// Stack is everything Build creates.
type Stack[T cache.Object] struct {
	Config    *config.Config
	Runtime   *cache.Runtime
	Registry  *cache.Registry[T]
	Fetcher   *backend.Fetcher
	Telemetry *telemetry.Collector // nil when disabled
}

// Build creates the fetcher, the runtime, the default cache and every
// configured named cache.
func Build[T cache.Object](cfg *config.Config, codec cache.Codec[T]) (*Stack[T], error) {
	format, err := cache.ParseStorageFormat(cfg.Cache.StorageFormat)
	if err != nil {
		return nil, fmt.Errorf("app.Build: %w", err)
	}

	fetcher, err := backend.FromConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("app.Build: %w", err)
	}

	rt := cache.NewRuntime(cache.RuntimeOptions{
		MaxConcurrentDownloads: cfg.Cache.MaxConcurrentDownloads,
		GenerationWorkers:      cfg.Cache.GenerationWorkers,
	})
	reg := cache.NewRegistry(rt, codec, cache.RegistryOptions{
		Root: cfg.Cache.Root,
		Defaults: cache.Options{
			MemoryMaxSize:   cfg.Cache.MemoryMaxSize,
			DiskMaxSize:     cfg.Cache.DiskMaxSize,
			Format:          format,
			Quality:         cfg.Cache.Quality,
			AttributeStore:  cfg.Cache.AttributeStore,
			Fetcher:         fetcher,
			FetchTimeout:    cfg.Cache.FetchTimeout,
			PrefetchWorkers: cfg.Cache.PrefetchWorkers,
		},
	})
	s := &Stack[T]{Config: cfg, Runtime: rt, Registry: reg, Fetcher: fetcher}

	reg.CacheFor(cfg.Cache.Name)
	for _, co := range cfg.Caches {
		f := format
		if co.StorageFormat != "" {
			if f, err = cache.ParseStorageFormat(co.StorageFormat); err != nil {
				s.Close()
				return nil, fmt.Errorf("app.Build: cache %q: %w", co.Name, err)
			}
		}
		if _, err := reg.Add(cache.Options{
			Name:          co.Name,
			Dir:           co.Dir,
			MemoryMaxSize: co.MemoryMaxSize,
			DiskMaxSize:   co.DiskMaxSize,
			Format:        f,
			Quality:       co.Quality,
		}); err != nil {
			s.Close()
			return nil, fmt.Errorf("app.Build: %w", err)
		}
	}

	if cfg.Telemetry.Enabled {
		tc, err := telemetry.NewCollector(telemetry.CollectorConfig(cfg.Telemetry))
		if err != nil {
			slog.Warn("telemetry collector failed to initialize", "component", "app", "error", err)
		} else {
			rt.SetTelemetry(tc)
			s.Telemetry = tc
			slog.Info("telemetry enabled", "component", "app", "sink", cfg.Telemetry.Sink)
		}
	}

	slog.Info("cache stack ready", "component", "app", "root", cfg.Cache.Root,
		"caches", len(reg.All()), "backends", len(cfg.Backends),
		"max_concurrent_downloads", cfg.Cache.MaxConcurrentDownloads)
	return s, nil
}

// Default returns the cache named in cache.name.
func (s *Stack[T]) Default() *cache.Cache[T] {
	return s.Registry.CacheFor(s.Config.Cache.Name)
}

// Cache returns a configured cache by name; "" means the default cache.
func (s *Stack[T]) Cache(name string) (*cache.Cache[T], error) {
	if name == "" {
		return s.Default(), nil
	}
	c, ok := s.Registry.Get(name)
	if !ok {
		return nil, fmt.Errorf("app: no cache named %q", name)
	}
	return c, nil
}

// RegisterHealthChecks adds one /healthz check per disk tier.
func (s *Stack[T]) RegisterHealthChecks() {
	for _, c := range s.Registry.All() {
		if d := c.Disk(); d != nil {
			metrics.RegisterHealthCheck("disk:"+c.Name(), metrics.DirHealthCheck(d.Dir()))
		}
	}
}

// Close flushes telemetry, stops the runtime and closes caches and backends.
func (s *Stack[T]) Close() error {
	var errs []error
	s.Runtime.Close()
	if err := s.Registry.Close(); err != nil {
		errs = append(errs, err)
	}
	if s.Telemetry != nil {
		if err := s.Telemetry.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.Fetcher.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
