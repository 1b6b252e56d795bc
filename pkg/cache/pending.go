package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hoard/hoard/pkg/metrics"
	"github.com/hoard/hoard/pkg/telemetry"
)

// DefaultPriority is the priority requests get unless they ask otherwise.
// Higher values are admitted first.
const DefaultPriority = 10

// Completion receives the outcome of a request. fromCache is true when the
// object came from the memory or disk tier without any network traffic.
// It is called at most once, on an arbitrary goroutine.
type Completion[T Object] func(obj T, err error, fromCache bool)

// Source produces objects locally instead of fetching them, e.g. rendering a
// placeholder or a thumbnail of something already cached.
type Source[T Object] interface {
	Generate(locator string) (T, bool)
	// IsFast reports whether Generate is cheap enough to run inline on the
	// caller's goroutine.
	IsFast(locator string) bool
}

// RequestOptions tunes a single Request.
type RequestOptions[T Object] struct {
	// Source, when set, is used instead of the network.
	Source Source[T]
	// Priority orders admission among waiting fetches. Zero means DefaultPriority.
	Priority int
	// MoreRecentThan rejects disk entries stored before this instant.
	MoreRecentThan time.Time
	// ValidUntil is recorded as the expiry of what the fetch stores on disk.
	ValidUntil time.Time
}

// PendingFetch is a handle to one request. Several handles for the same
// locator share a single network fetch: the first becomes the primary and
// the others are attached to it as dupes.
type PendingFetch[T Object] struct {
	id         uuid.UUID
	locator    string
	key        Key
	cache      *Cache[T]
	completion Completion[T]
	prio       int
	validUntil time.Time
	requested  time.Time

	done chan struct{}

	mu        sync.Mutex
	dupes     []*PendingFetch[T]
	isDupe    bool
	submitted bool
	completed bool
	cancelled bool
	object    T
	err       error
	fromCache bool
	source    string
	bytes     int64
}

func newPendingFetch[T Object](c *Cache[T], locator string, prio int, completion Completion[T]) *PendingFetch[T] {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	if prio == 0 {
		prio = DefaultPriority
	}
	return &PendingFetch[T]{
		id:         id,
		locator:    locator,
		key:        KeyFor(locator),
		cache:      c,
		completion: completion,
		prio:       prio,
		requested:  time.Now(),
		done:       make(chan struct{}),
	}
}

// ID identifies the request in logs and telemetry.
func (p *PendingFetch[T]) ID() string { return p.id.String() }

// Locator is what was requested.
func (p *PendingFetch[T]) Locator() string { return p.locator }

// Priority is the admission priority.
func (p *PendingFetch[T]) Priority() int { return p.prio }

// Done is closed once the request has resolved or been cancelled.
func (p *PendingFetch[T]) Done() <-chan struct{} { return p.done }

// IsComplete reports whether a result has been delivered.
func (p *PendingFetch[T]) IsComplete() bool { return p.isComplete() }

// IsCancelled reports whether Cancel was called.
func (p *PendingFetch[T]) IsCancelled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancelled
}

// Wait blocks until the request resolves or ctx ends.
func (p *PendingFetch[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-p.done:
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancelled {
		var zero T
		return zero, ErrCancelled
	}
	return p.object, p.err
}

// Result returns the resolved object once Done is closed.
func (p *PendingFetch[T]) Result() (obj T, fromCache bool, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.object, p.fromCache, p.err
}

// Cancel stops caring about the result. The completion is not called. A
// fetch that has not started yet never will; one that is running finishes
// its transfer and still populates the cache. Dupes waiting on a cancelled
// fetch resolve with ErrCancelled.
func (p *PendingFetch[T]) Cancel() {
	p.mu.Lock()
	if p.completed || p.cancelled {
		p.mu.Unlock()
		return
	}
	p.cancelled = true
	dupes := p.dupes
	p.dupes = nil
	submitted := p.submitted && !p.isDupe
	p.mu.Unlock()

	for _, d := range dupes {
		d.resolve(*new(T), ErrCancelled, false, "", 0)
	}
	close(p.done)
	slog.Debug("fetch cancelled", "component", "cache", "cache", p.cache.name,
		"request", p.id, "locator", p.locator)
	if submitted {
		p.cache.coord.completed(p)
	}
}

// request resolves from the tiers, a generator or the coordinator, in that
// order.
func (p *PendingFetch[T]) request(src Source[T], moreRecentThan time.Time) {
	c := p.cache

	if obj, ok := c.memory.Fetch(p.key); ok {
		if c.disk != nil {
			c.disk.Touch(p.key)
		}
		metrics.CacheHits.WithLabelValues("memory").Inc()
		p.resolve(obj, nil, true, telemetry.SourceMemory, 0)
		return
	}

	if obj, n, ok := c.fetchFromDisk(p.key, p.locator, moreRecentThan); ok {
		metrics.CacheHits.WithLabelValues("disk").Inc()
		p.resolve(obj, nil, true, telemetry.SourceDisk, n)
		return
	}

	if src != nil {
		// Concurrent requests for one locator share a single generation.
		if !c.joinGeneration(p) {
			return
		}
		generate := func() {
			obj, ok := src.Generate(p.locator)
			if ok {
				c.Store(obj, p.locator, StoreOptions{ValidUntil: p.validUntil})
			}
			c.endGeneration(p)
			if !ok {
				p.resolve(*new(T), fmt.Errorf("%w: generator produced nothing for %s", ErrNotFound, p.locator),
					false, telemetry.SourceGenerated, 0)
				return
			}
			metrics.Generated.Inc()
			p.resolve(obj, nil, false, telemetry.SourceGenerated, 0)
		}
		if src.IsFast(p.locator) {
			generate()
		} else {
			c.rt.generation.Go(generate)
		}
		return
	}

	metrics.CacheMisses.Inc()
	p.mu.Lock()
	p.submitted = true
	p.mu.Unlock()
	if !c.coord.submit(p) {
		p.resolve(*new(T), ErrClosed, false, telemetry.SourceNetwork, 0)
	}
}

// start runs the network fetch on its own goroutine.
func (p *PendingFetch[T]) start() {
	go p.run()
}

func (p *PendingFetch[T]) run() {
	c := p.cache

	// A fetch that raced a completed primary may find the data already in.
	if obj, ok := c.memory.Fetch(p.key); ok {
		p.resolve(obj, nil, true, telemetry.SourceMemory, 0)
		return
	}

	fetcher := c.currentFetcher()
	if fetcher == nil {
		p.resolve(*new(T), ErrNoFetcher, false, telemetry.SourceNetwork, 0)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.fetchTimeout)
	data, err := fetcher.Fetch(ctx, p.locator)
	cancel()
	if err != nil {
		p.resolve(*new(T), fmt.Errorf("cache: fetch %s: %w", p.locator, err), false, telemetry.SourceNetwork, 0)
		return
	}

	obj, err := c.codec.Decode(data)
	if err != nil {
		if !errors.Is(err, ErrDecode) {
			err = fmt.Errorf("%w: %v", ErrDecode, err)
		}
		p.resolve(*new(T), err, false, telemetry.SourceNetwork, int64(len(data)))
		return
	}

	c.memory.Store(p.key, obj)
	if c.disk != nil {
		c.disk.StoreData(p.key, data, p.validUntil)
	}
	p.resolve(obj, nil, false, telemetry.SourceNetwork, int64(len(data)))
}

func (p *PendingFetch[T]) dedupKey() string {
	return p.cache.id + "\x00" + p.locator
}

func (p *PendingFetch[T]) priority() int { return p.prio }

func (p *PendingFetch[T]) isComplete() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.completed
}

func (p *PendingFetch[T]) attach(other job) bool {
	d, ok := other.(*PendingFetch[T])
	if !ok || d == p {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.completed || p.cancelled {
		return false
	}
	d.mu.Lock()
	d.isDupe = true
	d.mu.Unlock()
	p.dupes = append(p.dupes, d)
	return true
}

// resolve records the outcome, hands it to dupes, calls the completion and,
// for a submitted primary, tells the coordinator the slot is free.
func (p *PendingFetch[T]) resolve(obj T, err error, fromCache bool, source string, n int64) {
	p.mu.Lock()
	if p.completed {
		p.mu.Unlock()
		return
	}
	p.completed = true
	cancelled := p.cancelled
	dupes := p.dupes
	p.dupes = nil
	notify := p.submitted && !p.isDupe
	if !cancelled {
		p.object, p.err, p.fromCache = obj, err, fromCache
	}
	p.source, p.bytes = source, n
	p.mu.Unlock()

	if !cancelled {
		for _, d := range dupes {
			d.resolve(obj, err, fromCache, source, n)
		}
		p.report(err)
		if p.completion != nil {
			p.completion(obj, err, fromCache)
		}
		close(p.done)
	}

	if notify {
		p.cache.coord.completed(p)
	}
}

func (p *PendingFetch[T]) report(err error) {
	p.mu.Lock()
	source, n, dupe, obj := p.source, p.bytes, p.isDupe, p.object
	p.mu.Unlock()

	latency := time.Since(p.requested)
	metrics.FetchDuration.WithLabelValues(source).Observe(latency.Seconds())
	evt := telemetry.FetchEvent{
		Timestamp:    time.Now(),
		RequestID:    p.id.String(),
		Cache:        p.cache.name,
		Locator:      p.locator,
		Source:       source,
		Bytes:        n,
		Deduplicated: dupe,
		NodeHost:     p.cache.rt.hostname,
		LatencyMs:    float64(latency.Microseconds()) / 1000,
	}
	if err == nil {
		evt.Cost = obj.Cost()
	} else {
		evt.Error = err.Error()
		metrics.FetchErrors.WithLabelValues(errorKind(err)).Inc()
		slog.Debug("fetch failed", "component", "cache", "cache", p.cache.name,
			"request", p.id, "locator", p.locator, "error", err)
	}
	if tc := p.cache.rt.telemetry(); tc != nil {
		tc.Record(evt)
	}
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, ErrDecode):
		return "decode"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrCancelled):
		return "cancelled"
	case errors.Is(err, ErrNoFetcher):
		return "no_fetcher"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	}
	return "fetch"
}
