// Package main provides the hoard-ctl CLI for cache operations.
//
// hoard-ctl opens the configured caches directly and views every entry as
// raw bytes, so it works against image and blob caches alike.
//
// Usage:
//
//	hoard-ctl get [--config <file>] [--cache <name>] --locator <url> [--out <file>]
//	hoard-ctl prefetch [--config <file>] [--cache <name>] --locators-file <file> | --prefix <locator> [--valid-for 24h] [--workers 8]
//	hoard-ctl stats [--config <file>] [--cache <name>]
//	hoard-ctl prune [--config <file>] [--cache <name>] [--memory <size>] [--disk <size>]
//	hoard-ctl nuke [--config <file>] [--cache <name>]
//	hoard-ctl serve [--config <file>] [--addr :8070]
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/hoard/hoard/pkg/app"
	"github.com/hoard/hoard/pkg/cache"
	"github.com/hoard/hoard/pkg/config"
	"github.com/hoard/hoard/pkg/control"
)

const defaultConfig = "/etc/hoard/config.yaml"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "get":
		runGet(os.Args[2:])
	case "prefetch":
		runPrefetch(os.Args[2:])
	case "stats":
		runStats(os.Args[2:])
	case "prune":
		runPrune(os.Args[2:])
	case "nuke":
		runNuke(os.Args[2:])
	case "serve":
		runServe(os.Args[2:])
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprint(os.Stderr, "hoard-ctl: Hoard cache admin CLI\n\n")
	fmt.Fprint(os.Stderr, "Usage:\n")
	fmt.Fprint(os.Stderr, "  hoard-ctl <command> [flags]\n\n")
	fmt.Fprint(os.Stderr, "Commands:\n")
	fmt.Fprint(os.Stderr, "  get       Fetch one object through the cache\n")
	fmt.Fprint(os.Stderr, "  prefetch  Download locators to the disk tier\n")
	fmt.Fprint(os.Stderr, "  stats     Show cache statistics\n")
	fmt.Fprint(os.Stderr, "  prune     Shrink a cache to target sizes\n")
	fmt.Fprint(os.Stderr, "  nuke      Empty a cache\n")
	fmt.Fprint(os.Stderr, "  serve     Start the admin API server\n\n")
	fmt.Fprint(os.Stderr, "Use \"hoard-ctl <command> --help\" for more information about a command.\n")
}

// runGet implements the "hoard-ctl get" subcommand.
func runGet(args []string) {
	fs := flag.NewFlagSet("get", flag.ExitOnError)
	configPath := fs.String("config", defaultConfig, "Path to config file")
	cacheName := fs.String("cache", "", "Cache name (default: cache.name from config)")
	locator := fs.String("locator", "", "Locator to fetch (required)")
	out := fs.String("out", "", "Output file (default: stdout)")
	fs.Usage = func() {
		fmt.Fprint(os.Stderr, "Usage: hoard-ctl get [flags]\n\n")
		fmt.Fprint(os.Stderr, "Fetch one object, from the disk tier when cached and from its origin otherwise.\n\n")
		fmt.Fprint(os.Stderr, "Flags:\n")
		fs.PrintDefaults()
		fmt.Fprint(os.Stderr, "\nExamples:\n")
		fmt.Fprint(os.Stderr, "  hoard-ctl get --locator https://example.com/a.jpg --out a.jpg\n")
		fmt.Fprint(os.Stderr, "  hoard-ctl get --config hoard.yaml --cache thumbs --locator s3://photos/b.png > b.png\n")
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if *locator == "" {
		fmt.Fprintln(os.Stderr, "Error: --locator is required")
		fs.Usage()
		os.Exit(1)
	}

	cfg := loadConfig(*configPath)
	stack, c := openCache(cfg, *cacheName)
	defer stack.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	start := time.Now()
	cached := c.IsAvailable(*locator)
	blob, err := c.Get(ctx, *locator)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	c.Drain()

	var w io.Writer = os.Stdout
	if *out != "" {
		f, err := os.Create(*out)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		w = f
	}
	if _, err := w.Write(blob.Data); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	source := "origin"
	if cached {
		source = "cache"
	}
	fmt.Fprintf(os.Stderr, "%s: %s from %s in %s\n", *locator,
		humanize.IBytes(uint64(len(blob.Data))), source, time.Since(start).Truncate(time.Millisecond))
}

// runPrefetch implements the "hoard-ctl prefetch" subcommand.
func runPrefetch(args []string) {
	fs := flag.NewFlagSet("prefetch", flag.ExitOnError)
	configPath := fs.String("config", defaultConfig, "Path to config file")
	cacheName := fs.String("cache", "", "Cache name (default: cache.name from config)")
	locatorsFile := fs.String("locators-file", "", "File with one locator per line (- for stdin)")
	prefix := fs.String("prefix", "", "Prefetch every file directly under this locator")
	validFor := fs.Duration("valid-for", 0, "How long prefetched entries stay fresh (0 = forever)")
	workers := fs.Int("workers", 0, "Parallel download workers (default: cache.prefetch_workers)")
	fs.Usage = func() {
		fmt.Fprint(os.Stderr, "Usage: hoard-ctl prefetch [flags]\n\n")
		fmt.Fprint(os.Stderr, "Download locators straight to the disk tier.\n")
		fmt.Fprint(os.Stderr, "Re-running the same command skips files already on disk.\n\n")
		fmt.Fprint(os.Stderr, "Flags:\n")
		fs.PrintDefaults()
		fmt.Fprint(os.Stderr, "\nExamples:\n")
		fmt.Fprint(os.Stderr, "  hoard-ctl prefetch --locators-file urls.txt --valid-for 24h\n")
		fmt.Fprint(os.Stderr, "  hoard-ctl prefetch --config hoard.yaml --prefix s3://photos/2024 --workers 64\n")
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if (*locatorsFile == "") == (*prefix == "") {
		fmt.Fprintln(os.Stderr, "Error: exactly one of --locators-file and --prefix is required")
		fs.Usage()
		os.Exit(1)
	}

	cfg := loadConfig(*configPath)
	stack, c := openCache(cfg, *cacheName)
	defer stack.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	var locators []string
	var err error
	if *prefix != "" {
		locators, err = stack.Fetcher.List(ctx, *prefix)
	} else {
		locators, err = readLocators(*locatorsFile)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	var validUntil time.Time
	if *validFor > 0 {
		validUntil = time.Now().Add(*validFor)
	}

	fmt.Println("Hoard Prefetch")
	fmt.Println("────────────────────────────────────")
	fmt.Printf("Cache:      %s\n", c.Name())
	fmt.Printf("Locators:   %d\n", len(locators))
	fmt.Printf("Valid For:  %s\n", displayOrDefault(validFor.String(), "forever"))
	fmt.Printf("Workers:    %s\n", displayOrDefault(fmt.Sprint(*workers), "default"))
	fmt.Println("────────────────────────────────────")
	fmt.Println()

	start := time.Now()
	var lastPrint atomic.Int64

	p, err := c.Prefetch(ctx, locators, cache.PrefetchOptions{
		ValidUntil: validUntil,
		Workers:    *workers,
		Progress: func(p cache.PrefetchProgress) {
			// Throttle progress output to at most once per 500ms.
			now := time.Now().UnixMilli()
			if now-lastPrint.Load() < 500 {
				return
			}
			lastPrint.Store(now)
			fmt.Printf("\r%d/%d done | %d skipped | %d failed | %s | %.1f MB/s | ETA %s   ",
				p.Fetched+p.Skipped+p.Failed, p.Total, p.Skipped, p.Failed,
				humanize.IBytes(uint64(p.BytesFetched)), p.Throughput, formatETA(p.ETA))
		},
	})

	elapsed := time.Since(start)
	fmt.Println()
	fmt.Println()

	if err != nil {
		if ctx.Err() != nil {
			fmt.Println("Warning: Prefetch interrupted (Ctrl+C). Re-run to resume.")
			return
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Done: %d fetched, %d skipped, %d failed, %s in %s\n",
		p.Fetched, p.Skipped, p.Failed, humanize.IBytes(uint64(p.BytesFetched)),
		elapsed.Truncate(time.Millisecond))
	if p.Failed > 0 {
		os.Exit(2)
	}
}

// runStats implements the "hoard-ctl stats" subcommand.
func runStats(args []string) {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	configPath := fs.String("config", defaultConfig, "Path to config file")
	cacheName := fs.String("cache", "", "Only show this cache")
	fs.Usage = func() {
		fmt.Fprint(os.Stderr, "Usage: hoard-ctl stats [flags]\n\nShow cache statistics.\n\nFlags:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	cfg := loadConfig(*configPath)
	stack, err := app.Build(cfg, cache.Codec[*cache.Blob](cache.BlobCodec{}))
	if err != nil {
		slog.Error("failed to open caches", "error", err)
		os.Exit(1)
	}
	defer stack.Close()

	caches := stack.Registry.Caches()
	if *cacheName != "" {
		a, ok := stack.Registry.Lookup(*cacheName)
		if !ok {
			fmt.Fprintf(os.Stderr, "Error: unknown cache %q\n", *cacheName)
			os.Exit(1)
		}
		caches = []cache.Admin{a}
	}

	fmt.Println("Hoard Cache Statistics")
	for _, a := range caches {
		st := a.Stats()
		fmt.Println("────────────────────────────────────")
		fmt.Printf("Cache:        %s\n", st.Name)
		fmt.Printf("Directory:    %s\n", displayOrDefault(st.Dir, "(memory only)"))
		fmt.Printf("Format:       %s\n", st.Format)
		fmt.Printf("Memory:       %s / %s (%d objects)\n",
			humanize.IBytes(uint64(st.MemorySize)), humanize.IBytes(uint64(st.MemoryMaxSize)), st.Objects)
		if st.DiskValid {
			fmt.Printf("Disk:         %s / %s\n",
				humanize.IBytes(uint64(st.DiskSize)), humanize.IBytes(uint64(st.DiskMaxSize)))
		} else {
			fmt.Printf("Disk:         unavailable\n")
		}
	}
	fmt.Println("────────────────────────────────────")
}

// runPrune implements the "hoard-ctl prune" subcommand.
func runPrune(args []string) {
	fs := flag.NewFlagSet("prune", flag.ExitOnError)
	configPath := fs.String("config", defaultConfig, "Path to config file")
	cacheName := fs.String("cache", "", "Cache name (default: cache.name from config)")
	memoryStr := fs.String("memory", "0", "Memory target (e.g. 64MB, 0 = configured max)")
	diskStr := fs.String("disk", "0", "Disk target (e.g. 10GB, 0 = configured max)")
	fs.Usage = func() {
		fmt.Fprint(os.Stderr, "Usage: hoard-ctl prune [flags]\n\n")
		fmt.Fprint(os.Stderr, "Evict least recently used entries until each tier is at or below its target.\n\n")
		fmt.Fprint(os.Stderr, "Flags:\n")
		fs.PrintDefaults()
		fmt.Fprint(os.Stderr, "\nExamples:\n")
		fmt.Fprint(os.Stderr, "  hoard-ctl prune --disk 5GB\n")
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	memTarget, err := config.ParseSize(*memoryStr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid --memory %q: %v\n", *memoryStr, err)
		os.Exit(1)
	}
	diskTarget, err := config.ParseSize(*diskStr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid --disk %q: %v\n", *diskStr, err)
		os.Exit(1)
	}

	cfg := loadConfig(*configPath)
	stack, c := openCache(cfg, *cacheName)
	defer stack.Close()

	before := c.Stats()
	c.Prune(memTarget, diskTarget)
	c.Drain()
	after := c.Stats()

	fmt.Printf("Pruned %s: disk %s -> %s\n", c.Name(),
		humanize.IBytes(uint64(before.DiskSize)), humanize.IBytes(uint64(after.DiskSize)))
}

// runNuke implements the "hoard-ctl nuke" subcommand.
func runNuke(args []string) {
	fs := flag.NewFlagSet("nuke", flag.ExitOnError)
	configPath := fs.String("config", defaultConfig, "Path to config file")
	cacheName := fs.String("cache", "", "Cache name (default: cache.name from config)")
	yes := fs.Bool("yes", false, "Do not ask for confirmation")
	fs.Usage = func() {
		fmt.Fprint(os.Stderr, "Usage: hoard-ctl nuke [flags]\n\nDelete every entry of a cache from memory and disk.\n\nFlags:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	cfg := loadConfig(*configPath)
	stack, c := openCache(cfg, *cacheName)
	defer stack.Close()

	if !*yes {
		fmt.Printf("Delete every entry of cache %q? [y/N] ", c.Name())
		answer, _ := bufio.NewReader(os.Stdin).ReadString('\n')
		if a := strings.ToLower(strings.TrimSpace(answer)); a != "y" && a != "yes" {
			fmt.Println("Aborted.")
			return
		}
	}

	c.Nuke()
	c.Drain()
	fmt.Printf("Cache %s emptied.\n", c.Name())
}

// runServe implements the "hoard-ctl serve" subcommand.
func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", defaultConfig, "Path to config file")
	addr := fs.String("addr", "", "Listen address (overrides config, default :8070)")
	fs.Usage = func() {
		fmt.Fprint(os.Stderr, "Usage: hoard-ctl serve [flags]\n\nStart the admin API server.\n\nFlags:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	cfg := loadConfig(*configPath)
	stack, err := app.Build(cfg, cache.Codec[*cache.Blob](cache.BlobCodec{}))
	if err != nil {
		slog.Error("failed to open caches", "error", err)
		os.Exit(1)
	}
	defer stack.Close()

	listenAddr := cfg.Control.Addr
	if *addr != "" {
		listenAddr = *addr
	}
	srv := control.NewServer(listenAddr, stack.Registry, stack.Runtime.Coordinator())
	srv.SetLister(stack.Fetcher)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	fmt.Println("Hoard Admin API")
	fmt.Println("────────────────────────────────────")
	fmt.Printf("Listening:    %s\n", displayOrDefault(listenAddr, ":8070"))
	fmt.Printf("Caches:       %d configured\n", len(stack.Registry.All()))
	fmt.Printf("Backends:     %d configured\n", len(cfg.Backends))
	fmt.Println("────────────────────────────────────")

	if err := srv.Run(ctx); err != nil {
		slog.Error("admin API error", "error", err)
		os.Exit(1)
	}
	fmt.Println("Admin API shut down cleanly.")
}

func loadConfig(path string) *config.Config {
	cfg, err := config.Load(path)
	if err != nil {
		slog.Error("failed to load config", "path", path, "error", err)
		os.Exit(1)
	}
	return cfg
}

// openCache builds the stack with a byte view of every entry and returns
// the named cache. The caller closes the stack.
func openCache(cfg *config.Config, name string) (*app.Stack[*cache.Blob], *cache.Cache[*cache.Blob]) {
	stack, err := app.Build(cfg, cache.Codec[*cache.Blob](cache.BlobCodec{}))
	if err != nil {
		slog.Error("failed to open caches", "error", err)
		os.Exit(1)
	}
	c, err := stack.Cache(name)
	if err != nil {
		stack.Close()
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return stack, c
}

// readLocators reads one locator per line, skipping blanks and # comments.
func readLocators(path string) ([]string, error) {
	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}

	var out []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	if len(out) == 0 {
		return nil, errors.New("no locators found")
	}
	return out, nil
}

func formatETA(d time.Duration) string {
	if d <= 0 {
		return "--"
	}
	d = d.Truncate(time.Second)
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
}

func displayOrDefault(s, def string) string {
	s = strings.TrimSpace(s)
	if s == "" || s == "0" || s == "0s" {
		return def
	}
	return s
}
