package telemetry

import "time"

// FetchEvent records how a single request was resolved.
type FetchEvent struct {
	Timestamp    time.Time `json:"ts"`
	RequestID    string    `json:"request_id"`
	Cache        string    `json:"cache"`
	Locator      string    `json:"locator"`
	Source       string    `json:"source"` // "memory", "disk", "network", "generated"
	Bytes        int64     `json:"bytes,omitempty"`
	Cost         int64     `json:"cost,omitempty"`
	Deduplicated bool      `json:"dedup,omitempty"`
	NodeHost     string    `json:"node,omitempty"`
	LatencyMs    float64   `json:"latency_ms"`
	Error        string    `json:"error,omitempty"`
}

// Sources a FetchEvent can report.
const (
	SourceMemory    = "memory"
	SourceDisk      = "disk"
	SourceNetwork   = "network"
	SourceGenerated = "generated"
)
