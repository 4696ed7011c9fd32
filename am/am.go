// Package am ("as configured") loads cratemine configuration from TOML
// files, environment variables and defaults, and watches it for changes.
package am

import (
	"fmt"
	"time"

	"github.com/teranos/cratemine/pulse/task"
)

// Config represents the cratemine configuration
type Config struct {
	Database DatabaseConfig `mapstructure:"database" toml:"database"`
	Registry RegistryConfig `mapstructure:"registry" toml:"registry"`
	Index    IndexConfig    `mapstructure:"index" toml:"index"`
	Mine     MineConfig     `mapstructure:"mine" toml:"mine"`
	Retry    RetryConfig    `mapstructure:"retry" toml:"retry"`
	Report   ReportConfig   `mapstructure:"report" toml:"report"`
}

// DatabaseConfig configures the SQLite store
type DatabaseConfig struct {
	Path         string `mapstructure:"path" toml:"path"`
	MaxOpenConns int    `mapstructure:"max_open_conns" toml:"max_open_conns"` // 0 = driver default
}

// RegistryConfig configures access to the crates registry
type RegistryConfig struct {
	APIURL                string  `mapstructure:"api_url" toml:"api_url"`
	DownloadURL           string  `mapstructure:"download_url" toml:"download_url"`
	UserAgent             string  `mapstructure:"user_agent" toml:"user_agent"`
	RequestsPerSecond     float64 `mapstructure:"requests_per_second" toml:"requests_per_second"` // 0 = unlimited
	Burst                 int     `mapstructure:"burst" toml:"burst"`
	RequestTimeoutSeconds int     `mapstructure:"request_timeout_seconds" toml:"request_timeout_seconds"`
	MaxArchiveMB          int     `mapstructure:"max_archive_mb" toml:"max_archive_mb"`
}

// IndexConfig locates the registry index clone
type IndexConfig struct {
	Path string `mapstructure:"path" toml:"path"`
	URL  string `mapstructure:"url" toml:"url"`
	Pull bool   `mapstructure:"pull" toml:"pull"` // fetch upstream before each discovery
}

// MineConfig configures the mining engine
type MineConfig struct {
	Mode                  string                 `mapstructure:"mode" toml:"mode"`         // continuous, duration, once, report
	Duration              string                 `mapstructure:"duration" toml:"duration"` // Go duration, for mode = duration
	Discover              bool                   `mapstructure:"discover" toml:"discover"`
	LeaseTTLSeconds       int                    `mapstructure:"lease_ttl_seconds" toml:"lease_ttl_seconds"`
	HeartbeatSeconds      int                    `mapstructure:"heartbeat_seconds" toml:"heartbeat_seconds"` // 0 = lease_ttl / 3
	PollIntervalMs        int                    `mapstructure:"poll_interval_ms" toml:"poll_interval_ms"`
	ReportIntervalSeconds int                    `mapstructure:"report_interval_seconds" toml:"report_interval_seconds"` // 0 = no periodic progress
	TelemetryBuffer       int                    `mapstructure:"telemetry_buffer" toml:"telemetry_buffer"`
	RecoverOrphans        bool                   `mapstructure:"recover_orphans" toml:"recover_orphans"`
	Stages                map[string]StageConfig `mapstructure:"stages" toml:"stages,omitempty"`
}

// StageConfig is the per-stage worker limit
type StageConfig struct {
	Workers int `mapstructure:"workers" toml:"workers"`
}

// RetryConfig configures retry ceilings and backoff
type RetryConfig struct {
	MaxRetries  int `mapstructure:"max_retries" toml:"max_retries"`
	BaseDelayMs int `mapstructure:"base_delay_ms" toml:"base_delay_ms"`
	MaxDelayMs  int `mapstructure:"max_delay_ms" toml:"max_delay_ms"`
}

// ReportConfig configures report output
type ReportConfig struct {
	Format      string `mapstructure:"format" toml:"format"`
	Output      string `mapstructure:"output" toml:"output"` // empty = stdout
	TopVersions int    `mapstructure:"top_versions" toml:"top_versions"`
}

// File system constants
const (
	DefaultDirPermissions  = 0755
	DefaultFilePermissions = 0644
)

// RetryPolicy converts the retry section.
func (c *Config) RetryPolicy() task.RetryPolicy {
	return task.RetryPolicy{
		MaxRetries: c.Retry.MaxRetries,
		BaseDelay:  time.Duration(c.Retry.BaseDelayMs) * time.Millisecond,
		MaxDelay:   time.Duration(c.Retry.MaxDelayMs) * time.Millisecond,
	}
}

// RequestTimeout is the per-request registry timeout.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Registry.RequestTimeoutSeconds) * time.Second
}

// LeaseTTL is the lease duration for claimed stages.
func (c *Config) LeaseTTL() time.Duration {
	return time.Duration(c.Mine.LeaseTTLSeconds) * time.Second
}

// Heartbeat is the lease renewal interval; zero leaves it derived from the TTL.
func (c *Config) Heartbeat() time.Duration {
	return time.Duration(c.Mine.HeartbeatSeconds) * time.Second
}

// PollInterval is how often an idle stage pool looks for work.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Mine.PollIntervalMs) * time.Millisecond
}

// ReportInterval is how often progress is logged while mining.
func (c *Config) ReportInterval() time.Duration {
	return time.Duration(c.Mine.ReportIntervalSeconds) * time.Second
}

// MineDuration parses mine.duration. Empty means zero.
func (c *Config) MineDuration() (time.Duration, error) {
	if c.Mine.Duration == "" {
		return 0, nil
	}
	return time.ParseDuration(c.Mine.Duration)
}

// StageWorkers returns the configured worker count for a stage.
// ok is false when the stage is not configured, leaving the engine default.
func (c *Config) StageWorkers(stage task.StageKind) (workers int, ok bool) {
	sc, ok := c.Mine.Stages[string(stage)]
	return sc.Workers, ok
}

// String returns a string representation of the config
func (c *Config) String() string {
	return fmt.Sprintf("Config{Database: %s, Registry: %s @ %.1f/s, Mine: {Mode: %s}, Retry: {Max: %d}}",
		c.Database.Path, c.Registry.APIURL, c.Registry.RequestsPerSecond, c.Mine.Mode, c.Retry.MaxRetries)
}
