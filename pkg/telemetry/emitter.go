package telemetry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Emitter sends batches of events to a sink.
type Emitter interface {
	Emit(events []FetchEvent) error
	Close() error
}

// StdoutEmitter writes JSON lines to stdout (for K8s log aggregation).
type StdoutEmitter struct {
	encoder *json.Encoder
	mu      sync.Mutex
}

// NewStdoutEmitter creates a stdout emitter.
func NewStdoutEmitter() *StdoutEmitter {
	return &StdoutEmitter{
		encoder: json.NewEncoder(os.Stdout),
	}
}

// Emit writes events as JSON lines to stdout.
func (e *StdoutEmitter) Emit(events []FetchEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, evt := range events {
		if err := e.encoder.Encode(evt); err != nil {
			return fmt.Errorf("telemetry.StdoutEmitter: %w", err)
		}
	}
	return nil
}

// Close is a no-op for stdout.
func (e *StdoutEmitter) Close() error {
	return nil
}

// FileEmitter writes JSON lines to a size-rotated file.
type FileEmitter struct {
	file    *lumberjack.Logger
	encoder *json.Encoder
	mu      sync.Mutex
}

// NewFileEmitter creates a file emitter that writes JSONL to the given path,
// rotating at 100MB and keeping five compressed backups.
func NewFileEmitter(path string) (*FileEmitter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("telemetry.NewFileEmitter: %w", err)
	}
	// Open eagerly so a bad path fails here rather than on first flush.
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("telemetry.NewFileEmitter: %w", err)
	}
	f.Close()

	rotator := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    100,
		MaxBackups: 5,
		Compress:   true,
		LocalTime:  true,
	}
	return &FileEmitter{
		file:    rotator,
		encoder: json.NewEncoder(rotator),
	}, nil
}

// Emit writes events as JSON lines to file.
func (e *FileEmitter) Emit(events []FetchEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, evt := range events {
		if err := e.encoder.Encode(evt); err != nil {
			return fmt.Errorf("telemetry.FileEmitter: %w", err)
		}
	}
	return nil
}

// Close closes the file.
func (e *FileEmitter) Close() error {
	return e.file.Close()
}

// HTTPEmitter sends event batches to a collector via HTTP POST.
type HTTPEmitter struct {
	endpoint string
	client   *http.Client
}

// NewHTTPEmitter creates an emitter that POSTs JSON arrays of events to endpoint.
func NewHTTPEmitter(endpoint string) *HTTPEmitter {
	return &HTTPEmitter{
		endpoint: endpoint,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Emit posts the batch; any non-2xx status is an error.
func (e *HTTPEmitter) Emit(events []FetchEvent) error {
	data, err := json.Marshal(events)
	if err != nil {
		return fmt.Errorf("telemetry.HTTPEmitter: marshal: %w", err)
	}

	resp, err := e.client.Post(e.endpoint, "application/json", bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("telemetry.HTTPEmitter: post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("telemetry.HTTPEmitter: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// Close is a no-op for HTTP emitter.
func (e *HTTPEmitter) Close() error {
	return nil
}

// NopEmitter discards all events.
type NopEmitter struct{}

// NewNopEmitter creates a no-op emitter.
func NewNopEmitter() *NopEmitter {
	return &NopEmitter{}
}

// Emit discards events.
func (e *NopEmitter) Emit(events []FetchEvent) error {
	return nil
}

// Close is a no-op.
func (e *NopEmitter) Close() error {
	return nil
}

// MemoryEmitter stores events in memory (for testing).
type MemoryEmitter struct {
	mu     sync.Mutex
	events []FetchEvent
}

// NewMemoryEmitter creates a memory-backed emitter.
func NewMemoryEmitter() *MemoryEmitter {
	return &MemoryEmitter{}
}

// Emit stores events.
func (e *MemoryEmitter) Emit(events []FetchEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, events...)
	return nil
}

// Close is a no-op.
func (e *MemoryEmitter) Close() error {
	return nil
}

// Events returns all stored events.
func (e *MemoryEmitter) Events() []FetchEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]FetchEvent, len(e.events))
	copy(out, e.events)
	return out
}

// Len returns the number of stored events.
func (e *MemoryEmitter) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.events)
}
