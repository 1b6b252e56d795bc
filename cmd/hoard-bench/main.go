// Package main provides a load generator that drives concurrent requests
// through a hoard cache and reports hit rates and latency percentiles.
//
// Usage:
//
//	hoard-bench --config /etc/hoard/config.yaml --locators-file urls.txt --readers 32 --duration 30s
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"math"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/hoard/hoard/pkg/app"
	"github.com/hoard/hoard/pkg/cache"
	"github.com/hoard/hoard/pkg/config"
)

func main() {
	configPath := flag.String("config", "/etc/hoard/config.yaml", "Path to config file")
	cacheName := flag.String("cache", "", "Cache name (default: cache.name from config)")
	locatorsFile := flag.String("locators-file", "", "File with one locator per line")
	readers := flag.Int("readers", 32, "Number of concurrent readers")
	duration := flag.Duration("duration", 30*time.Second, "Test duration")
	cold := flag.Bool("cold", false, "Nuke the cache before starting")
	flag.Parse()

	locators, err := readLocators(*locatorsFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading locators: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config %s: %v\n", *configPath, err)
		os.Exit(1)
	}
	stack, err := app.Build(cfg, cache.Codec[*cache.Blob](cache.BlobCodec{}))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer stack.Close()
	c, err := stack.Cache(*cacheName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if *cold {
		c.Nuke()
		c.Drain()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()
	ctx, stop := context.WithTimeout(ctx, *duration)
	defer stop()

	fmt.Printf("Hoard Benchmark\n")
	fmt.Printf("-----------------------------------\n")
	fmt.Printf("Cache:      %s\n", c.Name())
	fmt.Printf("Locators:   %d\n", len(locators))
	fmt.Printf("Readers:    %d\n", *readers)
	fmt.Printf("Duration:   %s\n", *duration)
	fmt.Printf("Cold:       %v\n", *cold)
	fmt.Printf("-----------------------------------\n\n")

	var totalBytes, totalOps, totalErrors, memoryHits, cacheHits atomic.Int64

	var latMu sync.Mutex
	var latencies []int64

	start := time.Now()
	var wg sync.WaitGroup

	for i := 0; i < *readers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			idx := workerID % len(locators)
			var localLats []int64

			for ctx.Err() == nil {
				loc := locators[idx]
				idx = (idx + 1) % len(locators)

				opStart := time.Now()
				if blob, ok := c.Fetch(loc, cache.FetchOptions{}); ok {
					localLats = append(localLats, time.Since(opStart).Nanoseconds())
					totalOps.Add(1)
					totalBytes.Add(int64(len(blob.Data)))
					memoryHits.Add(1)
					continue
				}

				p := c.Request(loc, cache.RequestOptions[*cache.Blob]{}, nil)
				if _, err := p.Wait(ctx); err != nil {
					if ctx.Err() != nil {
						p.Cancel()
						break
					}
					totalErrors.Add(1)
					continue
				}
				blob, fromCache, _ := p.Result()
				localLats = append(localLats, time.Since(opStart).Nanoseconds())
				totalOps.Add(1)
				totalBytes.Add(int64(len(blob.Data)))
				if fromCache {
					cacheHits.Add(1)
				}
			}

			latMu.Lock()
			latencies = append(latencies, localLats...)
			latMu.Unlock()
		}(i)
	}

	wg.Wait()
	elapsed := time.Since(start)
	c.Drain()

	bytesRead := totalBytes.Load()
	ops := totalOps.Load()
	errs := totalErrors.Load()

	iops := float64(ops) / elapsed.Seconds()
	throughput := float64(bytesRead) / elapsed.Seconds()

	var avgLatMs, p50LatMs, p95LatMs, p99LatMs float64

	if len(latencies) > 0 {
		sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

		var sum int64
		for _, l := range latencies {
			sum += l
		}
		avgLatMs = float64(sum) / float64(len(latencies)) / 1e6
		p50LatMs = float64(percentile(latencies, 50)) / 1e6
		p95LatMs = float64(percentile(latencies, 95)) / 1e6
		p99LatMs = float64(percentile(latencies, 99)) / 1e6
	}

	var memPct, diskPct float64
	if ops > 0 {
		memPct = float64(memoryHits.Load()) / float64(ops) * 100
		diskPct = float64(cacheHits.Load()) / float64(ops) * 100
	}
	st := c.Stats()
	coord := stack.Runtime.Coordinator().Stats()

	fmt.Printf("Results\n")
	fmt.Printf("-----------------------------------\n")
	fmt.Printf("Duration:     %s\n", elapsed.Truncate(time.Millisecond))
	fmt.Printf("Throughput:   %s/s\n", humanize.IBytes(uint64(throughput)))
	fmt.Printf("Operations:   %d\n", ops)
	fmt.Printf("Ops/s:        %.0f\n", iops)
	fmt.Printf("Bytes Served: %s\n", humanize.IBytes(uint64(bytesRead)))
	fmt.Printf("Errors:       %d\n", errs)
	fmt.Printf("Memory Hits:  %.1f%%\n", memPct)
	fmt.Printf("Cache Hits:   %.1f%% (request path)\n", diskPct)
	fmt.Printf("Deduplicated: %d\n", coord.Deduplicated)
	fmt.Printf("Memory Tier:  %s / %s\n", humanize.IBytes(uint64(st.MemorySize)), humanize.IBytes(uint64(st.MemoryMaxSize)))
	fmt.Printf("Disk Tier:    %s / %s\n", humanize.IBytes(uint64(st.DiskSize)), humanize.IBytes(uint64(st.DiskMaxSize)))
	fmt.Printf("-----------------------------------\n")
	fmt.Printf("Latency:\n")
	fmt.Printf("  Average:    %.2f ms\n", avgLatMs)
	fmt.Printf("  P50:        %.2f ms\n", p50LatMs)
	fmt.Printf("  P95:        %.2f ms\n", p95LatMs)
	fmt.Printf("  P99:        %.2f ms\n", p99LatMs)
	fmt.Printf("-----------------------------------\n")
}

func percentile(sorted []int64, pct int) int64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(float64(pct)/100.0*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func readLocators(path string) ([]string, error) {
	if path == "" {
		return nil, fmt.Errorf("--locators-file is required")
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" && !strings.HasPrefix(line, "#") {
			out = append(out, line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no locators in %s", path)
	}
	return out, nil
}
