// Package config provides the unified configuration system for nebuladb.
// It defines a single Config structure shared by the engine, its pools,
// the pool registry, sessions and storages.
//
// The configuration is organized into logical sections:
//   - Engine: command deadlines and storage auto-close
//   - Pool: per-pool bounds, acquire timeout and idle eviction
//   - Registry: capacity and idle sweep of the pool-of-pools cache
//   - Session: local cache size and owner protection
//   - Storage: storage engine, location, compression and open breaker
//   - Logging and Observability: zap, Prometheus and OpenTelemetry settings
//
// Example usage:
//
//	cfg := config.Default()
//	cfg.Pool.Max = 16
//	cfg.Storage.Type = config.StorageBolt
//
//	if err := cfg.Validate(); err != nil {
//	    log.Fatal(err)
//	}
package config

import (
	"time"

	"github.com/ajitpratap0/nebuladb/pkg/errors"
	"github.com/ajitpratap0/nebuladb/pkg/logger"
)

// Storage engine types
const (
	StorageMemory = "memory"
	StorageBolt   = "bolt"
)

// Config is the single configuration structure of an engine.
type Config struct {
	// Version indicates the configuration version
	Version string `yaml:"version" json:"version"`

	Engine        EngineConfig        `yaml:"engine" json:"engine"`
	Pool          PoolConfig          `yaml:"pool" json:"pool"`
	Registry      RegistryConfig      `yaml:"registry" json:"registry"`
	Session       SessionConfig       `yaml:"session" json:"session"`
	Storage       StorageConfig       `yaml:"storage" json:"storage"`
	Logging       logger.Config       `yaml:"logging" json:"logging"`
	Observability ObservabilityConfig `yaml:"observability" json:"observability"`
}

// EngineConfig holds engine-wide behavior.
type EngineConfig struct {
	// CommandTimeout bounds every session command; zero disables deadlines
	CommandTimeout time.Duration `yaml:"command_timeout" json:"command_timeout"`
	// AutoClose closes storages that have had no open session for AutoCloseDelay
	AutoClose      bool          `yaml:"auto_close" json:"auto_close"`
	AutoCloseDelay time.Duration `yaml:"auto_close_delay" json:"auto_close_delay"`
}

// PoolConfig bounds one session pool.
type PoolConfig struct {
	Min            int           `yaml:"min" json:"min"`
	Max            int           `yaml:"max" json:"max"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout" json:"acquire_timeout"`
	// IdleTimeout is how long a returned session may sit unused before eviction
	IdleTimeout      time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
	EvictionInterval time.Duration `yaml:"eviction_interval" json:"eviction_interval"`
}

// RegistryConfig configures the LRU cache of pools.
type RegistryConfig struct {
	Capacity        int           `yaml:"capacity" json:"capacity"`
	CleanupInterval time.Duration `yaml:"cleanup_interval" json:"cleanup_interval"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
}

// SessionConfig configures sessions.
type SessionConfig struct {
	LocalCacheSize  int  `yaml:"local_cache_size" json:"local_cache_size"`
	OwnerProtection bool `yaml:"owner_protection" json:"owner_protection"`
}

// StorageConfig selects and tunes the storage engine.
type StorageConfig struct {
	Type        string            `yaml:"type" json:"type"`
	Path        string            `yaml:"path" json:"path"`
	OpenTimeout time.Duration     `yaml:"open_timeout" json:"open_timeout"`
	Compression CompressionConfig `yaml:"compression" json:"compression"`
	Breaker     BreakerConfig     `yaml:"breaker" json:"breaker"`
}

// CompressionConfig selects the value codec of durable storages.
type CompressionConfig struct {
	Algorithm string `yaml:"algorithm" json:"algorithm"`
	Level     int    `yaml:"level" json:"level"`
}

// BreakerConfig protects storage opening from repeated failures.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold" json:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold" json:"success_threshold"`
	Timeout          time.Duration `yaml:"timeout" json:"timeout"`
}

// ObservabilityConfig contains metrics and tracing settings.
type ObservabilityConfig struct {
	MetricsEnabled bool    `yaml:"metrics_enabled" json:"metrics_enabled"`
	MetricsAddress string  `yaml:"metrics_address" json:"metrics_address"`
	TracingEnabled bool    `yaml:"tracing_enabled" json:"tracing_enabled"`
	TraceExporter  string  `yaml:"trace_exporter" json:"trace_exporter"` // stdout or none
	SamplingRate   float64 `yaml:"sampling_rate" json:"sampling_rate"`
	ServiceName    string  `yaml:"service_name" json:"service_name"`
}

var compressionAlgorithms = map[string]bool{
	"none": true, "gzip": true, "snappy": true, "lz4": true, "zstd": true, "s2": true,
}

// Default returns a configuration with production defaults.
func Default() *Config {
	return &Config{
		Version: "1.0",
		Engine: EngineConfig{
			AutoClose:      true,
			AutoCloseDelay: 5 * time.Minute,
		},
		Pool: PoolConfig{
			Min:              1,
			Max:              64,
			AcquireTimeout:   30 * time.Second,
			IdleTimeout:      10 * time.Minute,
			EvictionInterval: time.Minute,
		},
		Registry: RegistryConfig{
			Capacity:        100,
			CleanupInterval: time.Minute,
			IdleTimeout:     10 * time.Minute,
		},
		Session: SessionConfig{
			LocalCacheSize:  1000,
			OwnerProtection: true,
		},
		Storage: StorageConfig{
			Type:        StorageMemory,
			Path:        "./data",
			OpenTimeout: time.Second,
			Compression: CompressionConfig{Algorithm: "snappy", Level: 5},
			Breaker: BreakerConfig{
				FailureThreshold: 5,
				SuccessThreshold: 1,
				Timeout:          30 * time.Second,
			},
		},
		Logging: logger.Config{
			Level:    "info",
			Encoding: "json",
		},
		Observability: ObservabilityConfig{
			MetricsAddress: ":9464",
			TraceExporter:  "none",
			SamplingRate:   1.0,
			ServiceName:    "nebuladb",
		},
	}
}

// Validate checks the configuration for impossible values.
func (c *Config) Validate() error {
	if c.Pool.Max < 1 {
		return configErr("pool.max must be positive")
	}
	if c.Pool.Min < 0 || c.Pool.Min > c.Pool.Max {
		return configErr("pool.min must be between 0 and pool.max").
			WithDetail("min", c.Pool.Min).WithDetail("max", c.Pool.Max)
	}
	if c.Pool.AcquireTimeout < 0 || c.Pool.IdleTimeout < 0 || c.Pool.EvictionInterval < 0 {
		return configErr("pool durations cannot be negative")
	}
	if c.Registry.Capacity < 1 {
		return configErr("registry.capacity must be positive")
	}
	if c.Registry.CleanupInterval < 0 || c.Registry.IdleTimeout < 0 {
		return configErr("registry durations cannot be negative")
	}
	if c.Engine.CommandTimeout < 0 {
		return configErr("engine.command_timeout cannot be negative")
	}
	if c.Engine.AutoClose && c.Engine.AutoCloseDelay <= 0 {
		return configErr("engine.auto_close_delay must be positive when auto_close is on")
	}
	if c.Session.LocalCacheSize < 0 {
		return configErr("session.local_cache_size cannot be negative")
	}
	switch c.Storage.Type {
	case StorageMemory:
	case StorageBolt:
		if c.Storage.Path == "" {
			return configErr("storage.path is required for bolt storage")
		}
	default:
		return configErr("unknown storage type").WithDetail("type", c.Storage.Type)
	}
	if !compressionAlgorithms[c.Storage.Compression.Algorithm] {
		return configErr("unknown compression algorithm").
			WithDetail("algorithm", c.Storage.Compression.Algorithm)
	}
	if c.Observability.SamplingRate < 0 || c.Observability.SamplingRate > 1 {
		return configErr("observability.sampling_rate must be within [0, 1]")
	}
	return nil
}

func configErr(msg string) *errors.Error {
	return errors.New(errors.ErrorTypeConfig, msg)
}
