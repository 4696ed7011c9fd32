package am

import (
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. CRATEMINE_DATABASE_PATH.
const EnvPrefix = "CRATEMINE"

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.path", "crates.db")
	v.SetDefault("database.max_open_conns", 0)

	// Registry defaults: crates.io asks crawlers for at most one request per second
	v.SetDefault("registry.api_url", "https://crates.io")
	v.SetDefault("registry.download_url", "https://static.crates.io")
	v.SetDefault("registry.user_agent", "")
	v.SetDefault("registry.requests_per_second", 1.0)
	v.SetDefault("registry.burst", 1)
	v.SetDefault("registry.request_timeout_seconds", 30)
	v.SetDefault("registry.max_archive_mb", 64)

	// Index defaults
	v.SetDefault("index.path", "crates.io-index")
	v.SetDefault("index.url", "https://github.com/rust-lang/crates.io-index")
	v.SetDefault("index.pull", true)

	// Mining defaults
	v.SetDefault("mine.mode", "continuous")
	v.SetDefault("mine.duration", "")
	v.SetDefault("mine.discover", true)
	v.SetDefault("mine.lease_ttl_seconds", 300)
	v.SetDefault("mine.heartbeat_seconds", 0)
	v.SetDefault("mine.poll_interval_ms", 2000)
	v.SetDefault("mine.report_interval_seconds", 30)
	v.SetDefault("mine.telemetry_buffer", 1024)
	v.SetDefault("mine.recover_orphans", true)

	// Retry defaults
	v.SetDefault("retry.max_retries", 5)
	v.SetDefault("retry.base_delay_ms", 1000)
	v.SetDefault("retry.max_delay_ms", 300000)

	// Report defaults
	v.SetDefault("report.format", "text")
	v.SetDefault("report.output", "")
	v.SetDefault("report.top_versions", 20)
}

// BindEnvVars binds settings commonly overridden per environment
func BindEnvVars(v *viper.Viper) {
	v.BindEnv("database.path", EnvPrefix+"_DATABASE_PATH")
	v.BindEnv("index.path", EnvPrefix+"_INDEX_PATH")
	v.BindEnv("registry.user_agent", EnvPrefix+"_USER_AGENT")
}
