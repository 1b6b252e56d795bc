package cache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hoard/hoard/pkg/metrics"
)

// PrefetchOptions configures a prefetch run.
type PrefetchOptions struct {
	// ValidUntil is recorded as the expiry of every file written.
	ValidUntil time.Time
	// Workers bounds parallel downloads; 0 uses the cache's default.
	Workers int
	// Progress, when set, is called after each locator is handled.
	Progress func(PrefetchProgress)
}

// PrefetchProgress reports prefetch progress.
type PrefetchProgress struct {
	Total        int64         `json:"total"`
	Fetched      int64         `json:"fetched"`
	Skipped      int64         `json:"skipped"` // already on disk
	Failed       int64         `json:"failed"`
	BytesFetched int64         `json:"bytes_fetched"`
	Throughput   float64       `json:"throughput_mbps"` // MB/s
	ETA          time.Duration `json:"eta"`
}

// Prefetch downloads locators straight to the disk tier without decoding
// them or touching memory. Locators already on disk are skipped. Failures
// are counted, logged and do not stop the run; cancelling ctx does, between
// items. Concurrent prefetches of the same locator share one download.
func (c *Cache[T]) Prefetch(ctx context.Context, locators []string, opts PrefetchOptions) (PrefetchProgress, error) {
	if c.disk == nil || !c.disk.Valid() {
		return PrefetchProgress{}, fmt.Errorf("cache.Prefetch %s: %w", c.name, ErrDiskUnavailable)
	}
	fetcher := c.currentFetcher()
	if fetcher == nil {
		return PrefetchProgress{}, fmt.Errorf("cache.Prefetch %s: %w", c.name, ErrNoFetcher)
	}

	workers := opts.Workers
	if workers <= 0 {
		workers = c.prefetchN
	}

	slog.Info("prefetch starting", "component", "cache", "cache", c.name,
		"locators", len(locators), "workers", workers)

	var fetched, skipped, failed, bytesFetched atomic.Int64
	total := int64(len(locators))
	startTime := time.Now()

	var progressMu sync.Mutex
	report := func() {
		if opts.Progress == nil {
			return
		}
		done := fetched.Load() + skipped.Load() + failed.Load()
		elapsed := time.Since(startTime).Seconds()
		var throughput float64
		if elapsed > 0 {
			throughput = float64(bytesFetched.Load()) / elapsed / (1024 * 1024)
		}
		var eta time.Duration
		if done > 0 && done < total {
			perItem := time.Since(startTime) / time.Duration(done)
			eta = perItem * time.Duration(total-done)
		}
		progressMu.Lock()
		defer progressMu.Unlock()
		opts.Progress(PrefetchProgress{
			Total:        total,
			Fetched:      fetched.Load(),
			Skipped:      skipped.Load(),
			Failed:       failed.Load(),
			BytesFetched: bytesFetched.Load(),
			Throughput:   throughput,
			ETA:          eta,
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for _, locator := range locators {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			key := KeyFor(locator)
			if c.disk.IsAvailable(key) {
				skipped.Add(1)
				metrics.PrefetchItems.WithLabelValues("skipped").Inc()
				report()
				return nil
			}

			v, err, _ := c.downloads.Do(locator, func() (interface{}, error) {
				fctx, cancel := context.WithTimeout(gctx, c.fetchTimeout)
				defer cancel()
				return fetcher.Fetch(fctx, locator)
			})
			if err != nil {
				failed.Add(1)
				metrics.PrefetchItems.WithLabelValues("failed").Inc()
				slog.Warn("prefetch: fetch failed", "component", "cache", "cache", c.name,
					"locator", locator, "error", err)
				report()
				return nil
			}
			data := v.([]byte)
			c.disk.StoreData(key, data, opts.ValidUntil)
			fetched.Add(1)
			bytesFetched.Add(int64(len(data)))
			metrics.PrefetchItems.WithLabelValues("fetched").Inc()
			report()
			return nil
		})
	}
	_ = g.Wait()

	result := PrefetchProgress{
		Total:        total,
		Fetched:      fetched.Load(),
		Skipped:      skipped.Load(),
		Failed:       failed.Load(),
		BytesFetched: bytesFetched.Load(),
	}
	slog.Info("prefetch completed", "component", "cache", "cache", c.name,
		"fetched", result.Fetched, "skipped", result.Skipped, "failed", result.Failed,
		"bytes", result.BytesFetched, "elapsed", time.Since(startTime))
	return result, ctx.Err()
}
