package config

import "github.com/spf13/viper"

// Default file permissions for the ~/.parchmint directory
const DefaultDirPermissions = 0o755

// DefaultServerPort is the development server port
const DefaultServerPort = 8710

// stageDefaults carries per-stage retry policy. Parsing tolerates more
// transient failures than the terminal stages.
var stageDefaults = map[string]StageConfig{
	"parse":              {RetryLimit: 5, RetryDelayBaseMS: 1000, Priority: 10},
	"embed":              {RetryLimit: 3, RetryDelayBaseMS: 2000, Priority: 5},
	"analyze":            {RetryLimit: 3, RetryDelayBaseMS: 2000, Priority: 5},
	"extract-financials": {RetryLimit: 2, RetryDelayBaseMS: 1000, Priority: 1},
}

// SetDefaults installs default values on a Viper instance
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.path", "parchmint.db")

	v.SetDefault("server.port", DefaultServerPort)
	v.SetDefault("server.allowed_origins", []string{"http://localhost:5173"})

	v.SetDefault("pipeline.workers", 4)
	v.SetDefault("pipeline.poll_interval_seconds", 2)
	v.SetDefault("pipeline.batch_size", 8)
	v.SetDefault("pipeline.lease_duration_seconds", 120)
	v.SetDefault("pipeline.reap_interval_seconds", 30)
	v.SetDefault("pipeline.handler_timeout_seconds", 300)
	v.SetDefault("pipeline.max_retry_delay_seconds", 600)

	v.SetDefault("services.objects.dir", "objects")

	v.SetDefault("services.parser.failure_threshold", 5)
	v.SetDefault("services.parser.window_seconds", 60)
	v.SetDefault("services.parser.cooldown_seconds", 30)

	v.SetDefault("services.embedding.failure_threshold", 5)
	v.SetDefault("services.embedding.window_seconds", 60)
	v.SetDefault("services.embedding.cooldown_seconds", 30)
	v.SetDefault("services.embedding.batch_size", 16)
	v.SetDefault("services.embedding.max_calls_per_minute", 60)
	v.SetDefault("services.embedding.model", "nomic-embed-text")
	v.SetDefault("services.embedding.dimensions", 768)

	v.SetDefault("services.analysis.failure_threshold", 5)
	v.SetDefault("services.analysis.window_seconds", 120)
	v.SetDefault("services.analysis.cooldown_seconds", 60)
}
