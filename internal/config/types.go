package config

type Config struct {
	Logging      LoggingConfig       `json:"logging"`
	Storage      *StorageConfig      `json:"storage,omitempty"`
	Dispatch     DispatchConfig      `json:"dispatch"`
	Availability *AvailabilityConfig `json:"availability,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./pawsched.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// DispatchConfig controls the scheduled-send dispatch loop.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "5m").
//
// Defaults (when fields are omitted/zero):
//   - workers: 2
//   - queue_size: 256
//   - sweep_spec: "@every 30s"
//   - deliver_timeout: "30s"
//   - max_attempts: 3
//   - retry_base: "5m"
//   - min_lead: "1m"
//   - cleanup_spec: "@every 1h"
//   - cleanup_after: "720h"
type DispatchConfig struct {
	Enabled   bool   `json:"enabled"`
	Workers   int    `json:"workers,omitempty"`
	QueueSize int    `json:"queue_size,omitempty"`
	SweepSpec string `json:"sweep_spec,omitempty"`

	DeliverTimeout string  `json:"deliver_timeout,omitempty"`
	RatePerSec     float64 `json:"rate_per_sec,omitempty"`
	MaxAttempts    int     `json:"max_attempts,omitempty"`
	RetryBase      string  `json:"retry_base,omitempty"`
	MinLead        string  `json:"min_lead,omitempty"`
	SweepBatch     int     `json:"sweep_batch,omitempty"`

	CleanupSpec  string `json:"cleanup_spec,omitempty"`
	CleanupAfter string `json:"cleanup_after,omitempty"`
}

// AvailabilityConfig controls slot computation.
type AvailabilityConfig struct {
	// MinDuration is the smallest gap reported as a free slot (Go duration
	// string; default "30m").
	MinDuration string `json:"min_duration,omitempty"`
}
