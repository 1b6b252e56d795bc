package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the top-level Hoard configuration.
type Config struct {
	Cache     CacheConfig     `yaml:"cache"`
	Caches    []CacheOverride `yaml:"caches"`
	Backends  []BackendConfig `yaml:"backends"`
	HTTP      HTTPConfig      `yaml:"http"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Control   ControlConfig   `yaml:"control"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// MetricsConfig configures the Prometheus metrics and health endpoint.
type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled"` // pointer to distinguish unset from false; default true
	Addr    string `yaml:"addr"`    // listen address; default ":9090"
}

// MetricsEnabled returns whether the metrics server should run.
func (m MetricsConfig) MetricsEnabled() bool {
	if m.Enabled == nil {
		return true
	}
	return *m.Enabled
}

// TelemetryConfig configures fetch-event telemetry.
type TelemetryConfig struct {
	Enabled          bool          `yaml:"enabled"`
	Sink             string        `yaml:"sink"` // "stdout", "file", "http", "nop"
	FilePath         string        `yaml:"file_path"`
	HTTPEndpoint     string        `yaml:"http_endpoint"`
	SampleMemoryHits float64       `yaml:"sample_memory_hits"`
	BatchSize        int           `yaml:"batch_size"`
	FlushInterval    time.Duration `yaml:"flush_interval"`
}

// ControlConfig configures the admin REST API.
type ControlConfig struct {
	Enabled *bool  `yaml:"enabled"`
	Addr    string `yaml:"addr"` // default ":8070"
}

// ControlEnabled returns whether the admin API should run.
func (c ControlConfig) ControlEnabled() bool {
	if c.Enabled == nil {
		return true
	}
	return *c.Enabled
}

// LoggingConfig selects verbosity and an optional rotated log file.
type LoggingConfig struct {
	Debug      string `yaml:"debug"`  // "none", "low", "high"
	Format     string `yaml:"format"` // "text", "json"
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// HTTPConfig tunes the plain HTTP(S) fetcher.
type HTTPConfig struct {
	Timeout          time.Duration     `yaml:"timeout"`
	UserAgent        string            `yaml:"user_agent"`
	Headers          map[string]string `yaml:"headers"`
	MaxObjectSizeRaw string            `yaml:"max_object_size"`
	MaxObjectSize    int64             `yaml:"-"`
}

// CacheConfig holds the defaults every named cache starts from, plus the
// coordinator and worker knobs shared by all caches.
type CacheConfig struct {
	Root                   string        `yaml:"root"`
	Dir                    string        `yaml:"dir"` // Alias for Root
	Name                   string        `yaml:"name"`
	ObjectType             string        `yaml:"object_type"` // "image", "blob"
	MemoryMaxSizeRaw       string        `yaml:"memory_max_size"`
	DiskMaxSizeRaw         string        `yaml:"disk_max_size"`
	MemoryMaxSize          int64         `yaml:"-"`
	DiskMaxSize            int64         `yaml:"-"`
	MaxConcurrentDownloads int           `yaml:"max_concurrent_downloads"`
	StorageFormat          string        `yaml:"storage_format"` // "raw", "jpeg", "png"
	Quality                int           `yaml:"quality"`
	AttributeStore         string        `yaml:"attribute_store"` // "auto", "xattr", "index"
	GenerationWorkers      int           `yaml:"generation_workers"`
	PrefetchWorkers        int           `yaml:"prefetch_workers"`
	FetchTimeout           time.Duration `yaml:"fetch_timeout"`
}

// CacheOverride declares an additional named cache. Empty fields inherit
// from CacheConfig.
type CacheOverride struct {
	Name             string `yaml:"name"`
	Dir              string `yaml:"dir"`
	MemoryMaxSizeRaw string `yaml:"memory_max_size"`
	DiskMaxSizeRaw   string `yaml:"disk_max_size"`
	MemoryMaxSize    int64  `yaml:"-"`
	DiskMaxSize      int64  `yaml:"-"`
	StorageFormat    string `yaml:"storage_format"`
	Quality          int    `yaml:"quality"`
}

// BackendConfig describes a remote origin reached through rclone. Locators
// starting with Prefix are routed to it.
type BackendConfig struct {
	Name   string            `yaml:"name"`
	Type   string            `yaml:"type"`
	Prefix string            `yaml:"prefix"`
	Config map[string]string `yaml:"config"`
}

var (
	validFormats    = map[string]bool{"raw": true, "data": true, "jpeg": true, "jpg": true, "png": true}
	validAttrStores = map[string]bool{"auto": true, "xattr": true, "index": true}
	validDebug      = map[string]bool{"none": true, "low": true, "high": true}
	validSinks      = map[string]bool{"stdout": true, "file": true, "http": true, "nop": true}
)

// Validate checks the configuration for logical errors.
func (c *Config) Validate() error {
	if c.Cache.MemoryMaxSize < 0 {
		return fmt.Errorf("config: memory_max_size must be positive, got %d", c.Cache.MemoryMaxSize)
	}
	if c.Cache.DiskMaxSize < 0 {
		return fmt.Errorf("config: disk_max_size must be positive, got %d", c.Cache.DiskMaxSize)
	}
	if c.Cache.MaxConcurrentDownloads < 1 {
		return fmt.Errorf("config: max_concurrent_downloads must be >= 1, got %d", c.Cache.MaxConcurrentDownloads)
	}
	if c.Cache.Quality < 1 || c.Cache.Quality > 100 {
		return fmt.Errorf("config: quality must be in 1..100, got %d", c.Cache.Quality)
	}
	if !validFormats[c.Cache.StorageFormat] {
		return fmt.Errorf("config: unknown storage_format %q", c.Cache.StorageFormat)
	}
	if !validAttrStores[c.Cache.AttributeStore] {
		return fmt.Errorf("config: unknown attribute_store %q", c.Cache.AttributeStore)
	}
	if c.Cache.ObjectType != "image" && c.Cache.ObjectType != "blob" {
		return fmt.Errorf("config: unknown object_type %q", c.Cache.ObjectType)
	}
	if !validDebug[c.Logging.Debug] {
		return fmt.Errorf("config: unknown logging.debug %q", c.Logging.Debug)
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		return fmt.Errorf("config: unknown logging.format %q", c.Logging.Format)
	}
	if c.Telemetry.Enabled && !validSinks[c.Telemetry.Sink] {
		return fmt.Errorf("config: unknown telemetry.sink %q", c.Telemetry.Sink)
	}

	cacheNames := map[string]bool{c.Cache.Name: true}
	for _, co := range c.Caches {
		if co.Name == "" {
			return fmt.Errorf("config: cache name cannot be empty")
		}
		if cacheNames[co.Name] {
			return fmt.Errorf("config: duplicate cache name %q", co.Name)
		}
		cacheNames[co.Name] = true
		if co.StorageFormat != "" && !validFormats[co.StorageFormat] {
			return fmt.Errorf("config: cache %q: unknown storage_format %q", co.Name, co.StorageFormat)
		}
		if co.Quality < 0 || co.Quality > 100 {
			return fmt.Errorf("config: cache %q: quality must be in 1..100, got %d", co.Name, co.Quality)
		}
	}

	names := make(map[string]bool)
	prefixes := make(map[string]bool)
	for _, be := range c.Backends {
		if be.Name == "" {
			return fmt.Errorf("config: backend name cannot be empty")
		}
		if be.Type == "" {
			return fmt.Errorf("config: backend %q has empty type", be.Name)
		}
		if names[be.Name] {
			return fmt.Errorf("config: duplicate backend name %q", be.Name)
		}
		names[be.Name] = true
		if be.Prefix == "" {
			return fmt.Errorf("config: backend %q has empty prefix", be.Name)
		}
		if strings.HasPrefix(be.Prefix, "http://") || strings.HasPrefix(be.Prefix, "https://") {
			if be.Type != "http" {
				return fmt.Errorf("config: backend %q: prefix %q shadows the HTTP fetcher", be.Name, be.Prefix)
			}
		}
		if prefixes[be.Prefix] {
			return fmt.Errorf("config: duplicate prefix %q", be.Prefix)
		}
		prefixes[be.Prefix] = true
	}
	return nil
}
