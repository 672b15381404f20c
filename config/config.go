// Package config loads and watches the Parchmint core configuration.
package config

import "time"

// Config represents the core Parchmint configuration
type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	Server   ServerConfig   `mapstructure:"server"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Services ServicesConfig `mapstructure:"services"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// ServerConfig configures the Parchmint HTTP/WebSocket server
type ServerConfig struct {
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// PipelineConfig configures the async processing pipeline (core infrastructure)
type PipelineConfig struct {
	// Worker concurrency configuration
	Workers int `mapstructure:"workers"` // Concurrent handler slots per dispatcher (default: 4)

	PollIntervalSeconds   int `mapstructure:"poll_interval_seconds"`   // How often each stage loop polls for jobs (default: 2)
	BatchSize             int `mapstructure:"batch_size"`              // Jobs leased per poll (default: 8)
	LeaseDurationSeconds  int `mapstructure:"lease_duration_seconds"`  // Lease held per job before reclaim (default: 120)
	ReapIntervalSeconds   int `mapstructure:"reap_interval_seconds"`   // How often expired leases are reaped (default: 30)
	HandlerTimeoutSeconds int `mapstructure:"handler_timeout_seconds"` // Per-job handler deadline (default: 300)
	MaxRetryDelaySeconds  int `mapstructure:"max_retry_delay_seconds"` // Backoff ceiling (default: 600)

	// Per-stage overrides keyed by stage name (parse, embed, analyze,
	// extract-financials). Zero values fall back to the stage defaults.
	Stages map[string]StageConfig `mapstructure:"stages"`
}

// StageConfig overrides pipeline behavior for a single stage
type StageConfig struct {
	RetryLimit       int `mapstructure:"retry_limit"`
	RetryDelayBaseMS int `mapstructure:"retry_delay_base_ms"`
	BatchSize        int `mapstructure:"batch_size"`
	Priority         int `mapstructure:"priority"`
}

// ServicesConfig configures the external services the handlers call
type ServicesConfig struct {
	Objects   ObjectStoreConfig `mapstructure:"objects"`
	Parser    BreakerConfig     `mapstructure:"parser"`
	Embedding EmbeddingConfig   `mapstructure:"embedding"`
	Analysis  BreakerConfig     `mapstructure:"analysis"`
}

// ObjectStoreConfig locates raw document bytes
type ObjectStoreConfig struct {
	Dir string `mapstructure:"dir"` // Root directory for the local object store
}

// BreakerConfig configures the circuit breaker guarding one dependency
type BreakerConfig struct {
	FailureThreshold int `mapstructure:"failure_threshold"` // Consecutive failures before opening (default: 5)
	WindowSeconds    int `mapstructure:"window_seconds"`    // Sliding window the failures must fall in (default: 60)
	CooldownSeconds  int `mapstructure:"cooldown_seconds"`  // Open duration before a half-open trial (default: 30)
}

// EmbeddingConfig configures the embedding service client
type EmbeddingConfig struct {
	BreakerConfig     `mapstructure:",squash"`
	BatchSize         int    `mapstructure:"batch_size"`           // Chunks per embedding request (default: 16)
	MaxCallsPerMinute int    `mapstructure:"max_calls_per_minute"` // Rate limit toward the service (default: 60)
	Model             string `mapstructure:"model"`
	Dimensions        int    `mapstructure:"dimensions"` // Must match the vec_chunks column width (default: 768)
}

// PollInterval returns the configured poll interval as a duration
func (p PipelineConfig) PollInterval() time.Duration {
	return time.Duration(p.PollIntervalSeconds) * time.Second
}

// LeaseDuration returns the configured lease duration as a duration
func (p PipelineConfig) LeaseDuration() time.Duration {
	return time.Duration(p.LeaseDurationSeconds) * time.Second
}

// ReapInterval returns the configured reap interval as a duration
func (p PipelineConfig) ReapInterval() time.Duration {
	return time.Duration(p.ReapIntervalSeconds) * time.Second
}

// HandlerTimeout returns the per-job handler deadline as a duration
func (p PipelineConfig) HandlerTimeout() time.Duration {
	return time.Duration(p.HandlerTimeoutSeconds) * time.Second
}

// MaxRetryDelay returns the backoff ceiling as a duration
func (p PipelineConfig) MaxRetryDelay() time.Duration {
	return time.Duration(p.MaxRetryDelaySeconds) * time.Second
}

// Stage returns the effective configuration for a stage name, with zero
// values filled from the built-in stage defaults.
func (p PipelineConfig) Stage(name string) StageConfig {
	sc := p.Stages[name]
	def := stageDefaults[name]
	if sc.RetryLimit == 0 {
		sc.RetryLimit = def.RetryLimit
	}
	if sc.RetryDelayBaseMS == 0 {
		sc.RetryDelayBaseMS = def.RetryDelayBaseMS
	}
	if sc.BatchSize == 0 {
		sc.BatchSize = p.BatchSize
	}
	if sc.Priority == 0 {
		sc.Priority = def.Priority
	}
	return sc
}

// RetryDelayBase returns the stage's backoff base as a duration
func (s StageConfig) RetryDelayBase() time.Duration {
	return time.Duration(s.RetryDelayBaseMS) * time.Millisecond
}

// Window returns the breaker's sliding window as a duration
func (b BreakerConfig) Window() time.Duration {
	return time.Duration(b.WindowSeconds) * time.Second
}

// Cooldown returns the breaker's cooldown as a duration
func (b BreakerConfig) Cooldown() time.Duration {
	return time.Duration(b.CooldownSeconds) * time.Second
}
