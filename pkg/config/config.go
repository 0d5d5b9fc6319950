// Package config provides the configuration system for poolalloc.
// It defines a single Config structure covering the heap that backs the pools,
// allocation tracking, metrics and logging.
//
// The configuration is organized into logical sections:
//   - Heap: segment sizing, memory limits and the segment source
//   - Tracking: whether allocations are reported to the tracker
//   - Metrics: Prometheus exposition
//   - Logging: zap logger settings
//
// Example usage:
//
//	cfg, err := config.Load("poolalloc.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	cfg.Tracking = true
//	if err := cfg.Validate(); err != nil {
//	    log.Fatal(err)
//	}
package config

import (
	"github.com/ajitpratap0/poolalloc/pkg/errors"
)

const (
	// MinSegmentSize is the smallest segment the heap will carve pools from
	MinSegmentSize = 4 * 1024
	// DefaultSegmentSize is the segment size used when none is configured
	DefaultSegmentSize = 64 * 1024
	// DefaultPoolThreads mirrors the thread hint new pools are created with
	DefaultPoolThreads = 8
)

// Config is the top-level poolalloc configuration.
type Config struct {
	// Heap configures the allocator primitive the pools are created on
	Heap HeapConfig `yaml:"heap" json:"heap" mapstructure:"heap"`
	// Tracking reports every allocation and deallocation to the tracker.
	// It is read once when the registry is built.
	Tracking bool `yaml:"tracking" json:"tracking" mapstructure:"tracking"`
	// Metrics controls Prometheus exposition
	Metrics MetricsConfig `yaml:"metrics" json:"metrics" mapstructure:"metrics"`
	// Logging configures the zap logger
	Logging LoggingConfig `yaml:"logging" json:"logging" mapstructure:"logging"`
}

// HeapConfig contains the settings of the underlying heap.
type HeapConfig struct {
	// SegmentSize is the size of the chunks pools carve blocks from
	SegmentSize int `yaml:"segment_size" json:"segment_size" mapstructure:"segment_size"`
	// MaxBytes caps the total reserved segment bytes (0 = unlimited)
	MaxBytes int64 `yaml:"max_bytes" json:"max_bytes" mapstructure:"max_bytes"`
	// Mmap obtains segments with anonymous mmap instead of the Go heap
	Mmap bool `yaml:"mmap" json:"mmap" mapstructure:"mmap"`
	// PoolThreads is the thread hint passed when a pool is created
	PoolThreads int `yaml:"pool_threads" json:"pool_threads" mapstructure:"pool_threads"`
}

// MetricsConfig contains metrics settings.
type MetricsConfig struct {
	// Enabled registers the Prometheus tracker and collector
	Enabled bool `yaml:"enabled" json:"enabled" mapstructure:"enabled"`
	// Address is the listen address of the /metrics endpoint (empty = none)
	Address string `yaml:"address" json:"address" mapstructure:"address"`
}

// LoggingConfig contains logger settings.
type LoggingConfig struct {
	// Level sets logging verbosity (debug, info, warn, error)
	Level string `yaml:"level" json:"level" mapstructure:"level"`
	// Encoding is json or console
	Encoding string `yaml:"encoding" json:"encoding" mapstructure:"encoding"`
	// Development enables colored levels and error stack traces
	Development bool `yaml:"development" json:"development" mapstructure:"development"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Heap: HeapConfig{
			SegmentSize: DefaultSegmentSize,
			MaxBytes:    0,
			Mmap:        false,
			PoolThreads: DefaultPoolThreads,
		},
		Tracking: false,
		Metrics: MetricsConfig{
			Enabled: false,
			Address: "",
		},
		Logging: LoggingConfig{
			Level:    "info",
			Encoding: "json",
		},
	}
}

// Validate checks that values are within acceptable ranges.
func (c *Config) Validate() error {
	if c.Heap.SegmentSize < MinSegmentSize {
		return errors.Newf(errors.ErrorTypeConfig, "heap.segment_size must be at least %d", MinSegmentSize).
			WithDetail("segment_size", c.Heap.SegmentSize)
	}
	if c.Heap.SegmentSize%16 != 0 {
		return errors.New(errors.ErrorTypeConfig, "heap.segment_size must be a multiple of 16").
			WithDetail("segment_size", c.Heap.SegmentSize)
	}
	if c.Heap.MaxBytes < 0 {
		return errors.New(errors.ErrorTypeConfig, "heap.max_bytes cannot be negative")
	}
	if c.Heap.PoolThreads < 0 {
		return errors.New(errors.ErrorTypeConfig, "heap.pool_threads cannot be negative")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return errors.Newf(errors.ErrorTypeConfig, "unknown log level %q", c.Logging.Level)
	}
	switch c.Logging.Encoding {
	case "json", "console":
	default:
		return errors.Newf(errors.ErrorTypeConfig, "unknown log encoding %q", c.Logging.Encoding)
	}
	return nil
}

// IsLimited returns true if the heap has a memory cap
func (h *HeapConfig) IsLimited() bool {
	return h.MaxBytes > 0
}

// GetPoolThreads returns the pool thread hint, falling back to the default
func (h *HeapConfig) GetPoolThreads() int {
	if h.PoolThreads <= 0 {
		return DefaultPoolThreads
	}
	return h.PoolThreads
}
