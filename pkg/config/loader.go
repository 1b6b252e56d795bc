package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/alecthomas/units"
	"gopkg.in/yaml.v3"
)

// DefaultCacheName is the name of the cache used when nothing else is asked for.
const DefaultCacheName = "main-hoard-cache"

// Load reads and parses a Hoard configuration file.
// Supports environment variable expansion in string values via ${VAR} syntax.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes a YAML document, applies defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.parseSizes(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a configuration with every default applied, as if an
// empty file had been loaded.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	_ = cfg.parseSizes()
	return &cfg
}

func (c *Config) applyDefaults() {
	// Root and Dir are aliases; prefer Root.
	if c.Cache.Root == "" && c.Cache.Dir != "" {
		c.Cache.Root = c.Cache.Dir
	}
	if c.Cache.Root == "" {
		c.Cache.Root = defaultRoot()
	}
	if c.Cache.Name == "" {
		c.Cache.Name = DefaultCacheName
	}
	if c.Cache.ObjectType == "" {
		c.Cache.ObjectType = "image"
	}
	if c.Cache.MaxConcurrentDownloads == 0 {
		c.Cache.MaxConcurrentDownloads = 400
	}
	if c.Cache.StorageFormat == "" {
		c.Cache.StorageFormat = "png"
	}
	if c.Cache.Quality == 0 {
		c.Cache.Quality = 90
	}
	if c.Cache.AttributeStore == "" {
		c.Cache.AttributeStore = "auto"
	}
	if c.Cache.GenerationWorkers == 0 {
		c.Cache.GenerationWorkers = runtime.NumCPU()
	}
	if c.Cache.PrefetchWorkers == 0 {
		c.Cache.PrefetchWorkers = 8
	}
	if c.Cache.FetchTimeout == 0 {
		c.Cache.FetchTimeout = 60 * time.Second
	}
	if c.HTTP.Timeout == 0 {
		c.HTTP.Timeout = c.Cache.FetchTimeout
	}
	if c.HTTP.UserAgent == "" {
		c.HTTP.UserAgent = "hoard/1"
	}
	if c.HTTP.MaxObjectSizeRaw == "" {
		c.HTTP.MaxObjectSizeRaw = "256MB"
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = ":9090"
	}
	if c.Control.Addr == "" {
		c.Control.Addr = ":8070"
	}
	if c.Telemetry.Sink == "" {
		c.Telemetry.Sink = "stdout"
	}
	if c.Telemetry.BatchSize == 0 {
		c.Telemetry.BatchSize = 100
	}
	if c.Telemetry.FlushInterval == 0 {
		c.Telemetry.FlushInterval = 10 * time.Second
	}
	if c.Logging.Debug == "" {
		c.Logging.Debug = "none"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Logging.MaxSizeMB == 0 {
		c.Logging.MaxSizeMB = 100
	}
	if c.Logging.MaxBackups == 0 {
		c.Logging.MaxBackups = 3
	}
}

// defaultRoot is the per-user cache directory, falling back to the temp dir
// when $HOME is unusable.
func defaultRoot() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return dir + string(os.PathSeparator) + "hoard"
	}
	return os.TempDir() + string(os.PathSeparator) + "hoard"
}

// parseSizes converts human-readable size strings to int64 bytes.
// Returns an error if any user-provided size string is invalid.
func (c *Config) parseSizes() error {
	var err error
	if c.Cache.MemoryMaxSize, err = ParseSize(c.Cache.MemoryMaxSizeRaw); err != nil {
		return fmt.Errorf("config: invalid cache.memory_max_size %q: %w", c.Cache.MemoryMaxSizeRaw, err)
	}
	if c.Cache.DiskMaxSize, err = ParseSize(c.Cache.DiskMaxSizeRaw); err != nil {
		return fmt.Errorf("config: invalid cache.disk_max_size %q: %w", c.Cache.DiskMaxSizeRaw, err)
	}
	if c.HTTP.MaxObjectSize, err = ParseSize(c.HTTP.MaxObjectSizeRaw); err != nil {
		return fmt.Errorf("config: invalid http.max_object_size %q: %w", c.HTTP.MaxObjectSizeRaw, err)
	}
	for i := range c.Caches {
		co := &c.Caches[i]
		if co.MemoryMaxSize, err = ParseSize(co.MemoryMaxSizeRaw); err != nil {
			return fmt.Errorf("config: invalid caches[%s].memory_max_size %q: %w", co.Name, co.MemoryMaxSizeRaw, err)
		}
		if co.DiskMaxSize, err = ParseSize(co.DiskMaxSizeRaw); err != nil {
			return fmt.Errorf("config: invalid caches[%s].disk_max_size %q: %w", co.Name, co.DiskMaxSizeRaw, err)
		}
	}
	return nil
}

// ParseSize converts a human-readable size like "2TB", "500GB", "4MiB" to
// bytes. Units are base 2. An empty string or "0" means zero, which callers
// treat as "derive from the host".
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "0" {
		return 0, nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n < 0 {
			return 0, fmt.Errorf("config.ParseSize: negative size %q", s)
		}
		return n, nil
	}
	// units is case-sensitive; accept "4mb" and "4Mb" the same as "4MB".
	if !strings.Contains(s, "i") {
		s = strings.ToUpper(s)
	}
	n, err := units.ParseBase2Bytes(s)
	if err != nil {
		return 0, fmt.Errorf("config.ParseSize: invalid size %q: %w", s, err)
	}
	return int64(n), nil
}
