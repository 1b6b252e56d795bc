package telemetry

import (
	"log/slog"
	"math/rand"
	"sync"
	"time"
)

// CollectorConfig configures telemetry collection.
type CollectorConfig struct {
	Enabled          bool          `yaml:"enabled"`
	Sink             string        `yaml:"sink"` // "stdout", "file", "http", "nop"
	FilePath         string        `yaml:"file_path"`
	HTTPEndpoint     string        `yaml:"http_endpoint"`
	SampleMemoryHits float64       `yaml:"sample_memory_hits"` // 0.1 = 10%
	BatchSize        int           `yaml:"batch_size"`
	FlushInterval    time.Duration `yaml:"flush_interval"`
}

// Collector collects and batches fetch events.
type Collector struct {
	cfg     CollectorConfig
	emitter Emitter

	batch []FetchEvent
	mu    sync.Mutex

	// Async flush
	flushCh   chan struct{}
	closeCh   chan struct{}
	closeOnce sync.Once
	closeErr  error
	wg        sync.WaitGroup
}

// NewCollector creates a telemetry collector.
func NewCollector(cfg CollectorConfig) (*Collector, error) {
	var emitter Emitter
	switch cfg.Sink {
	case "stdout":
		emitter = NewStdoutEmitter()
	case "file":
		var err error
		path := cfg.FilePath
		if path == "" {
			path = "/var/log/hoard/fetches.jsonl"
		}
		emitter, err = NewFileEmitter(path)
		if err != nil {
			return nil, err
		}
	case "http":
		endpoint := cfg.HTTPEndpoint
		if endpoint == "" {
			endpoint = "http://localhost:8080/api/v1/ingest"
		}
		emitter = NewHTTPEmitter(endpoint)
	default:
		emitter = NewNopEmitter()
	}

	return NewCollectorWithEmitter(cfg, emitter), nil
}

// NewCollectorWithEmitter creates a collector that flushes to emitter. Sink
// settings in cfg are ignored.
func NewCollectorWithEmitter(cfg CollectorConfig, emitter Emitter) *Collector {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if cfg.SampleMemoryHits <= 0 {
		cfg.SampleMemoryHits = 0.1
	}
	c := &Collector{
		cfg:     cfg,
		emitter: emitter,
		batch:   make([]FetchEvent, 0, cfg.BatchSize),
		flushCh: make(chan struct{}, 1),
		closeCh: make(chan struct{}),
	}

	c.wg.Add(1)
	go c.flushLoop()
	return c
}

// Record adds a fetch event. Non-blocking.
func (c *Collector) Record(evt FetchEvent) {
	if !c.cfg.Enabled {
		return
	}

	// Memory hits dominate volume; keep a sample. Errors are always kept.
	if evt.Source == SourceMemory && evt.Error == "" && !shouldSample(c.cfg.SampleMemoryHits) {
		return
	}

	c.mu.Lock()
	c.batch = append(c.batch, evt)
	shouldFlush := len(c.batch) >= c.cfg.BatchSize
	c.mu.Unlock()

	if shouldFlush {
		select {
		case c.flushCh <- struct{}{}:
		default:
		}
	}
}

// Flush synchronously emits the current batch.
func (c *Collector) Flush() {
	c.flush()
}

// Close flushes remaining events and closes the emitter. Later calls
// return the first result.
func (c *Collector) Close() error {
	c.closeOnce.Do(func() {
		close(c.closeCh)
		c.wg.Wait()
		c.closeErr = c.emitter.Close()
	})
	return c.closeErr
}

// Events returns the events batched but not yet flushed.
func (c *Collector) Events() []FetchEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]FetchEvent, len(c.batch))
	copy(out, c.batch)
	return out
}

func (c *Collector) flushLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closeCh:
			c.flush() // Final flush
			return
		case <-c.flushCh:
			c.flush()
		case <-ticker.C:
			c.flush()
		}
	}
}

func (c *Collector) flush() {
	c.mu.Lock()
	if len(c.batch) == 0 {
		c.mu.Unlock()
		return
	}
	batch := c.batch
	c.batch = make([]FetchEvent, 0, c.cfg.BatchSize)
	c.mu.Unlock()

	// Send to emitter (non-blocking, drop on error)
	if err := c.emitter.Emit(batch); err != nil {
		slog.Warn("telemetry flush failed", "component", "telemetry", "count", len(batch), "error", err)
	}
}

func shouldSample(rate float64) bool {
	if rate >= 1.0 {
		return true
	}
	if rate <= 0 {
		return false
	}
	return rand.Float64() < rate
}
