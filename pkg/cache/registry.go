package cache

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
)

// DefaultCacheName names the cache returned by Registry.Default.
const DefaultCacheName = "main-hoard-cache"

// RegistryOptions configures a Registry.
type RegistryOptions struct {
	// Root is the parent directory of caches created by name. Empty makes
	// such caches memory only.
	Root string
	// Defaults is the template for caches the registry creates on demand.
	// Name and Dir are filled in per cache.
	Defaults Options
}

// Registry hands out one cache per name or directory, creating caches on
// first use from a shared template.
type Registry[T Object] struct {
	rt    *Runtime
	codec Codec[T]
	opts  RegistryOptions

	mu     sync.Mutex
	byName map[string]*Cache[T]
	byDir  map[string]*Cache[T]
	order  []*Cache[T]
}

// NewRegistry creates an empty registry on rt.
func NewRegistry[T Object](rt *Runtime, codec Codec[T], opts RegistryOptions) *Registry[T] {
	return &Registry[T]{
		rt:     rt,
		codec:  codec,
		opts:   opts,
		byName: make(map[string]*Cache[T]),
		byDir:  make(map[string]*Cache[T]),
	}
}

// Runtime returns the runtime the registry's caches are built on.
func (r *Registry[T]) Runtime() *Runtime { return r.rt }

// Default returns the cache named DefaultCacheName.
func (r *Registry[T]) Default() *Cache[T] {
	return r.CacheFor(DefaultCacheName)
}

// CacheFor returns the cache for name, creating it under Root on first use.
func (r *Registry[T]) CacheFor(name string) *Cache[T] {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.byName[name]; ok {
		return c
	}
	opts := r.opts.Defaults
	opts.Name = name
	opts.Dir = ""
	if r.opts.Root != "" {
		opts.Dir = filepath.Join(r.opts.Root, name)
		if c, ok := r.byDir[filepath.Clean(opts.Dir)]; ok {
			return c
		}
	}
	return r.addLocked(opts)
}

// CacheForDir returns the cache rooted at dir, creating it on first use. Its
// name is the directory's base name unless that name is already taken.
func (r *Registry[T]) CacheForDir(dir string) *Cache[T] {
	dir = filepath.Clean(dir)
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.byDir[dir]; ok {
		return c
	}
	opts := r.opts.Defaults
	opts.Name = filepath.Base(dir)
	if _, taken := r.byName[opts.Name]; taken {
		opts.Name = dir
	}
	opts.Dir = dir
	return r.addLocked(opts)
}

// Add registers a cache built from explicit options. Zero-valued fields are
// taken from the registry defaults.
func (r *Registry[T]) Add(opts Options) (*Cache[T], error) {
	if opts.Name == "" {
		return nil, errors.New("cache.Registry.Add: empty name")
	}
	d := r.opts.Defaults
	if opts.MemoryMaxSize == 0 {
		opts.MemoryMaxSize = d.MemoryMaxSize
	}
	if opts.DiskMaxSize == 0 {
		opts.DiskMaxSize = d.DiskMaxSize
	}
	if opts.Quality == 0 {
		opts.Quality = d.Quality
	}
	if opts.AttributeStore == "" {
		opts.AttributeStore = d.AttributeStore
	}
	if opts.Fetcher == nil {
		opts.Fetcher = d.Fetcher
	}
	if opts.FetchTimeout == 0 {
		opts.FetchTimeout = d.FetchTimeout
	}
	if opts.PrefetchWorkers == 0 {
		opts.PrefetchWorkers = d.PrefetchWorkers
	}
	if opts.Dir == "" && r.opts.Root != "" {
		opts.Dir = filepath.Join(r.opts.Root, opts.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byName[opts.Name]; ok {
		return nil, fmt.Errorf("cache.Registry.Add: cache %q already exists", opts.Name)
	}
	if opts.Dir != "" {
		if other, ok := r.byDir[filepath.Clean(opts.Dir)]; ok {
			return nil, fmt.Errorf("cache.Registry.Add: cache %q: directory %s already used by cache %q",
				opts.Name, opts.Dir, other.Name())
		}
	}
	return r.addLocked(opts), nil
}

// Get returns a cache by name without creating it.
func (r *Registry[T]) Get(name string) (*Cache[T], bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byName[name]
	return c, ok
}

// All returns the caches in creation order.
func (r *Registry[T]) All() []*Cache[T] {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Cache[T], len(r.order))
	copy(out, r.order)
	return out
}

// Caches returns the type-independent view of every cache, sorted by name.
func (r *Registry[T]) Caches() []Admin {
	all := r.All()
	out := make([]Admin, 0, len(all))
	for _, c := range all {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Lookup finds a cache by name for the admin API.
func (r *Registry[T]) Lookup(name string) (Admin, bool) {
	c, ok := r.Get(name)
	if !ok {
		return nil, false
	}
	return c, true
}

// HandleMemoryPressure flushes the memory tier of every cache.
func (r *Registry[T]) HandleMemoryPressure() {
	for _, c := range r.All() {
		c.HandleMemoryPressure()
	}
}

// Close closes every cache. The runtime is left running.
func (r *Registry[T]) Close() error {
	var errs []error
	for _, c := range r.All() {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", c.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func (r *Registry[T]) addLocked(opts Options) *Cache[T] {
	c := New(r.rt, opts, r.codec)
	r.byName[opts.Name] = c
	if opts.Dir != "" {
		r.byDir[filepath.Clean(opts.Dir)] = c
	}
	r.order = append(r.order, c)
	return c
}
