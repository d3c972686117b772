// Package monitor discovers opt-in containers and runs their per-container
// log followers and resource samplers.
package monitor

import "time"

// Status is a container's lifecycle status as Sentinel tracks it.
type Status string

const (
	StatusRunning  Status = "running"
	StatusStarting Status = "starting"
	StatusExited   Status = "exited"
	StatusUnknown  Status = "unknown"
)

// ResourceSample is one metrics poll for a container. Rate fields require a
// previous sample to compute and are only valid when HasRates is true.
type ResourceSample struct {
	ContainerID    string    `json:"container_id"`
	Timestamp      time.Time `json:"timestamp"`
	CPUPercent     float64   `json:"cpu_percent"`
	MemoryPercent  float64   `json:"memory_percent"`
	MemoryUsage    uint64    `json:"memory_usage_bytes"`
	MemoryLimit    uint64    `json:"memory_limit_bytes"`
	NetworkRxRate  float64   `json:"network_rx_bytes_per_sec"`
	NetworkTxRate  float64   `json:"network_tx_bytes_per_sec"`
	BlockReadRate  float64   `json:"block_read_bytes_per_sec"`
	BlockWriteRate float64   `json:"block_write_bytes_per_sec"`
	HasRates       bool      `json:"has_rates"`
}

// Descriptor is the registry's view of one monitored container.
type Descriptor struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Service      string          `json:"service"`
	Status       Status          `json:"status"`
	Health       string          `json:"health,omitempty"`
	RestartCount int             `json:"restart_count"`
	CreatedAt    time.Time       `json:"created_at"`
	LastSample   *ResourceSample `json:"last_sample,omitempty"`
}

// LogLine is a single redacted log line published on the log topic.
type LogLine struct {
	ContainerID string    `json:"container_id"`
	Service     string    `json:"service"`
	Level       string    `json:"level"`
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
}

// LogWindow is an immutable batch of consecutive log lines from one
// container, handed to the anomaly gate. Seq increases monotonically per
// container.
type LogWindow struct {
	ContainerID string
	Service     string
	Seq         uint64
	Lines       []string
	First       time.Time
	Last        time.Time
}

// WindowSink consumes emitted log windows.
type WindowSink interface {
	Submit(w LogWindow)
}
