package cache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/hoard/hoard/pkg/metrics"
)

// Fetcher retrieves the bytes behind a locator from wherever it lives.
type Fetcher interface {
	Fetch(ctx context.Context, locator string) ([]byte, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, locator string) ([]byte, error)

func (f FetcherFunc) Fetch(ctx context.Context, locator string) ([]byte, error) {
	return f(ctx, locator)
}

// DefaultFetchTimeout bounds a single network fetch.
const DefaultFetchTimeout = 60 * time.Second

// Options configures one named cache.
type Options struct {
	Name string
	// Dir is the disk tier directory. Empty means memory only.
	Dir            string
	MemoryMaxSize  int64 // <= 0: derived from host memory
	DiskMaxSize    int64 // <= 0: a tenth of free space
	Format         StorageFormat
	Quality        int // JPEG quality, 1-100; 0 means 90
	AttributeStore string
	// Fetcher overrides the runtime-wide fetcher for this cache.
	Fetcher         Fetcher
	FetchTimeout    time.Duration
	PrefetchWorkers int
}

// StoreOptions tunes Store.
type StoreOptions struct {
	// SkipDisk keeps the object in memory only.
	SkipDisk bool
	// ValidUntil marks the disk copy as expired after this instant.
	ValidUntil time.Time
}

// FetchOptions tunes Fetch.
type FetchOptions struct {
	// MoreRecentThan rejects disk entries stored before this instant.
	MoreRecentThan time.Time
}

// Stats is a snapshot of a cache's tiers.
type Stats struct {
	Name          string `json:"name"`
	Dir           string `json:"dir,omitempty"`
	Format        string `json:"format"`
	Objects       int    `json:"objects"`
	MemorySize    int64  `json:"memory_size"`
	MemoryMaxSize int64  `json:"memory_max_size"`
	DiskValid     bool   `json:"disk_valid"`
	DiskSize      int64  `json:"disk_size"`
	DiskMaxSize   int64  `json:"disk_max_size"`
}

// Admin is the type-independent surface of a cache, used by the admin API
// and the CLI.
type Admin interface {
	Name() string
	Stats() Stats
	IsAvailable(locator string) bool
	Remove(locator string)
	Prune(memoryTarget, diskTarget int64)
	Nuke()
	HandleMemoryPressure()
	Prefetch(ctx context.Context, locators []string, opts PrefetchOptions) (PrefetchProgress, error)
}

// Cache combines a memory tier and an optional disk tier for objects of
// type T, and resolves misses through the runtime's coordinator.
type Cache[T Object] struct {
	name         string
	id           string
	rt           *Runtime
	coord        *Coordinator
	memory       *MemoryStore[T]
	disk         *DiskStore
	codec        Codec[T]
	format       StorageFormat
	quality      int
	fetcher      atomic.Pointer[fetcherRef]
	fetchTimeout time.Duration
	prefetchN    int

	downloads singleflight.Group

	// generating holds the primary request of each running generation.
	genMu      sync.Mutex
	generating map[string]*PendingFetch[T]
}

type fetcherRef struct{ Fetcher }

// New builds a cache on rt. A disk directory that cannot be created leaves
// the cache running memory only; the failure is logged.
func New[T Object](rt *Runtime, opts Options, codec Codec[T]) *Cache[T] {
	c := &Cache[T]{
		name:         opts.Name,
		id:           uuid.NewString(),
		rt:           rt,
		coord:        rt.coord,
		codec:        codec,
		format:       opts.Format,
		quality:      opts.Quality,
		fetchTimeout: opts.FetchTimeout,
		prefetchN:    opts.PrefetchWorkers,
		generating:   make(map[string]*PendingFetch[T]),
	}
	c.SetFetcher(opts.Fetcher)
	if c.quality <= 0 || c.quality > 100 {
		c.quality = 90
	}
	if c.fetchTimeout <= 0 {
		c.fetchTimeout = DefaultFetchTimeout
	}
	if c.prefetchN <= 0 {
		c.prefetchN = 8
	}
	c.memory = NewMemoryStore[T](opts.Name, opts.MemoryMaxSize, rt.maintenance)
	if opts.Dir != "" {
		c.disk = NewDiskStore(DiskOptions{
			Name:           opts.Name,
			Dir:            opts.Dir,
			MaxSize:        opts.DiskMaxSize,
			Format:         opts.Format,
			AttributeStore: opts.AttributeStore,
		}, rt.maintenance)
	}

	slog.Info("cache created", "component", "cache", "cache", c.name, "dir", opts.Dir,
		"format", c.format, "memory_max", c.memory.MaxSize(), "disk_max", c.diskMax())
	return c
}

func (c *Cache[T]) Name() string { return c.name }

// Memory exposes the memory tier.
func (c *Cache[T]) Memory() *MemoryStore[T] { return c.memory }

// Disk exposes the disk tier, or nil for a memory-only cache.
func (c *Cache[T]) Disk() *DiskStore { return c.disk }

// SetFetcher replaces the fetcher used for network misses.
// It is safe to call while requests are running; fetches already started
// keep the fetcher they began with.
func (c *Cache[T]) SetFetcher(f Fetcher) {
	if f == nil {
		c.fetcher.Store(nil)
		return
	}
	c.fetcher.Store(&fetcherRef{f})
}

func (c *Cache[T]) currentFetcher() Fetcher {
	if r := c.fetcher.Load(); r != nil {
		return r.Fetcher
	}
	return nil
}

// joinGeneration registers p as the generator of its locator, or attaches
// it to the generation already running. It reports whether p must run the
// source itself.
func (c *Cache[T]) joinGeneration(p *PendingFetch[T]) bool {
	c.genMu.Lock()
	defer c.genMu.Unlock()
	if primary, ok := c.generating[p.locator]; ok && primary.attach(p) {
		metrics.FetchDeduplicated.Inc()
		return false
	}
	c.generating[p.locator] = p
	return true
}

// endGeneration forgets p once its source has returned.
func (c *Cache[T]) endGeneration(p *PendingFetch[T]) {
	c.genMu.Lock()
	defer c.genMu.Unlock()
	if c.generating[p.locator] == p {
		delete(c.generating, p.locator)
	}
}

// Store puts obj in memory and, unless opts.SkipDisk, writes its encoded form
// to disk. Objects the codec cannot encode in the cache's format stay in
// memory only.
func (c *Cache[T]) Store(obj T, locator string, opts StoreOptions) {
	key := KeyFor(locator)
	c.memory.Store(key, obj)
	if opts.SkipDisk || c.disk == nil || !c.disk.Valid() {
		return
	}
	data, err := c.codec.Encode(obj, c.format, c.quality)
	if err != nil {
		slog.Debug("not writing object to disk", "component", "cache", "cache", c.name,
			"locator", locator, "format", c.format, "error", err)
		return
	}
	c.disk.StoreData(key, data, opts.ValidUntil)
}

// Fetch looks the locator up in memory, then on disk. A disk hit is decoded
// and copied into memory.
func (c *Cache[T]) Fetch(locator string, opts FetchOptions) (T, bool) {
	key := KeyFor(locator)
	if obj, ok := c.memory.Fetch(key); ok {
		if c.disk != nil {
			c.disk.Touch(key)
		}
		metrics.CacheHits.WithLabelValues("memory").Inc()
		return obj, true
	}
	if obj, _, ok := c.fetchFromDisk(key, locator, opts.MoreRecentThan); ok {
		metrics.CacheHits.WithLabelValues("disk").Inc()
		return obj, true
	}
	metrics.CacheMisses.Inc()
	var zero T
	return zero, false
}

func (c *Cache[T]) fetchFromDisk(key Key, locator string, moreRecentThan time.Time) (T, int64, bool) {
	var zero T
	if c.disk == nil {
		return zero, 0, false
	}
	data, ok := c.disk.FetchData(key, moreRecentThan)
	if !ok {
		return zero, 0, false
	}
	obj, err := c.codec.Decode(data)
	if err != nil {
		slog.Warn("discarding undecodable disk entry", "component", "cache", "cache", c.name,
			"locator", locator, "error", err)
		c.disk.Remove(key)
		return zero, 0, false
	}
	c.memory.Store(key, obj)
	return obj, int64(len(data)), true
}

// Remove drops the locator from both tiers.
func (c *Cache[T]) Remove(locator string) {
	key := KeyFor(locator)
	c.memory.Remove(key)
	if c.disk != nil {
		c.disk.Remove(key)
	}
}

// IsAvailable reports whether either tier holds the locator, without
// loading anything.
func (c *Cache[T]) IsAvailable(locator string) bool {
	key := KeyFor(locator)
	if c.memory.Contains(key) {
		return true
	}
	return c.disk != nil && c.disk.IsAvailable(key)
}

// Request resolves locator asynchronously and calls done with the result.
// The returned handle can be waited on or cancelled.
func (c *Cache[T]) Request(locator string, opts RequestOptions[T], done Completion[T]) *PendingFetch[T] {
	p := newPendingFetch(c, locator, opts.Priority, done)
	p.validUntil = opts.ValidUntil
	p.request(opts.Source, opts.MoreRecentThan)
	return p
}

// Get is Request followed by Wait. If ctx ends first the request is
// cancelled.
func (c *Cache[T]) Get(ctx context.Context, locator string) (T, error) {
	p := c.Request(locator, RequestOptions[T]{}, nil)
	obj, err := p.Wait(ctx)
	if ctx.Err() != nil && !p.IsComplete() {
		p.Cancel()
	}
	return obj, err
}

// Prune evicts down to the given targets. A target <= 0 means the tier's
// max size.
func (c *Cache[T]) Prune(memoryTarget, diskTarget int64) {
	c.memory.Prune(memoryTarget)
	if c.disk != nil {
		c.disk.Prune(diskTarget)
	}
}

// SetMemoryMaxSize changes the memory budget and prunes to it.
func (c *Cache[T]) SetMemoryMaxSize(n int64) { c.memory.SetMaxSize(n) }

// SetDiskMaxSize changes the disk budget and prunes to it.
func (c *Cache[T]) SetDiskMaxSize(n int64) {
	if c.disk != nil {
		c.disk.SetMaxSize(n)
	}
}

// Nuke empties both tiers.
func (c *Cache[T]) Nuke() {
	c.memory.Flush()
	if c.disk != nil {
		c.disk.ClearAll()
	}
	slog.Info("cache nuked", "component", "cache", "cache", c.name)
}

// HandleMemoryPressure flushes the memory tier; disk is untouched.
func (c *Cache[T]) HandleMemoryPressure() {
	c.memory.HandleMemoryPressure()
}

// Stats snapshots both tiers.
func (c *Cache[T]) Stats() Stats {
	s := Stats{
		Name:          c.name,
		Format:        c.format.String(),
		Objects:       c.memory.Len(),
		MemorySize:    c.memory.CurrentSize(),
		MemoryMaxSize: c.memory.MaxSize(),
	}
	if c.disk != nil {
		s.Dir = c.disk.Dir()
		s.DiskValid = c.disk.Valid()
		s.DiskSize = c.disk.CurrentSize()
		s.DiskMaxSize = c.disk.MaxSize()
	}
	return s
}

func (c *Cache[T]) String() string {
	s := c.Stats()
	out := fmt.Sprintf("%s: %d objects, %s of %s in memory", s.Name, s.Objects,
		humanize.Comma(s.MemorySize), humanize.Comma(s.MemoryMaxSize))
	if c.disk != nil {
		out += fmt.Sprintf(", %s of %s on disk", humanize.IBytes(uint64(s.DiskSize)), humanize.IBytes(uint64(s.DiskMaxSize)))
	}
	return out
}

// Drain waits for disk and maintenance work submitted so far.
func (c *Cache[T]) Drain() {
	if c.disk != nil {
		c.disk.Drain()
	}
	c.rt.maintenance.Drain()
	if c.disk != nil {
		c.disk.Drain()
	}
}

// Close finishes pending disk work and releases the attribute store.
func (c *Cache[T]) Close() error {
	if c.disk == nil {
		return nil
	}
	return c.disk.Close()
}

func (c *Cache[T]) diskMax() int64 {
	if c.disk == nil {
		return 0
	}
	return c.disk.MaxSize()
}
