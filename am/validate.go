package am

import (
	"github.com/teranos/cratemine/crates/report"
	"github.com/teranos/cratemine/errors"
	"github.com/teranos/cratemine/pulse/scheduler"
	"github.com/teranos/cratemine/pulse/task"
)

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return errors.New("database.path cannot be empty")
	}
	if c.Database.MaxOpenConns < 0 {
		return errors.Newf("database.max_open_conns must be >= 0, got %d", c.Database.MaxOpenConns)
	}

	// Registry: rate 0 = unlimited, negative = invalid
	if c.Registry.RequestsPerSecond < 0 {
		return errors.Newf("registry.requests_per_second must be >= 0, got %f", c.Registry.RequestsPerSecond)
	}
	if c.Registry.Burst < 0 {
		return errors.Newf("registry.burst must be >= 0, got %d", c.Registry.Burst)
	}
	if c.Registry.RequestTimeoutSeconds <= 0 {
		return errors.Newf("registry.request_timeout_seconds must be > 0, got %d", c.Registry.RequestTimeoutSeconds)
	}
	if c.Registry.MaxArchiveMB <= 0 {
		return errors.Newf("registry.max_archive_mb must be > 0, got %d", c.Registry.MaxArchiveMB)
	}

	if _, err := scheduler.ParseMode(c.Mine.Mode); err != nil {
		return errors.Wrap(err, "mine.mode")
	}
	d, err := c.MineDuration()
	if err != nil {
		return errors.Wrapf(errors.Wrap(errors.ErrInvalidRequest, err.Error()), "mine.duration")
	}
	if c.Mine.Mode == string(scheduler.ModeDuration) && d <= 0 {
		return errors.WithHint(errors.New("mine.duration must be set when mine.mode = \"duration\""),
			"for example: duration = \"2h\"")
	}

	// The executor timeout is carved out of the lease, so a lease must
	// outlive a registry request.
	if c.Mine.LeaseTTLSeconds <= c.Registry.RequestTimeoutSeconds {
		return errors.Newf("mine.lease_ttl_seconds (%d) must be greater than registry.request_timeout_seconds (%d)",
			c.Mine.LeaseTTLSeconds, c.Registry.RequestTimeoutSeconds)
	}
	if c.Mine.HeartbeatSeconds < 0 || (c.Mine.HeartbeatSeconds > 0 && c.Mine.HeartbeatSeconds >= c.Mine.LeaseTTLSeconds) {
		return errors.Newf("mine.heartbeat_seconds must be 0 (derived) or less than lease_ttl_seconds, got %d", c.Mine.HeartbeatSeconds)
	}
	if c.Mine.PollIntervalMs <= 0 {
		return errors.Newf("mine.poll_interval_ms must be > 0, got %d", c.Mine.PollIntervalMs)
	}
	if c.Mine.ReportIntervalSeconds < 0 {
		return errors.Newf("mine.report_interval_seconds must be >= 0, got %d", c.Mine.ReportIntervalSeconds)
	}
	if c.Mine.TelemetryBuffer < 0 {
		return errors.Newf("mine.telemetry_buffer must be >= 0, got %d", c.Mine.TelemetryBuffer)
	}
	for name, sc := range c.Mine.Stages {
		if _, err := task.ParseStage(name); err != nil {
			return errors.Wrapf(err, "mine.stages.%s", name)
		}
		if sc.Workers < 0 {
			return errors.Newf("mine.stages.%s.workers must be >= 0, got %d", name, sc.Workers)
		}
	}

	if err := c.RetryPolicy().Validate(); err != nil {
		return errors.Wrap(err, "retry")
	}

	if _, err := report.ParseFormat(c.Report.Format); err != nil {
		return errors.Wrap(err, "report.format")
	}
	if c.Report.TopVersions < 0 {
		return errors.Newf("report.top_versions must be >= 0, got %d", c.Report.TopVersions)
	}
	return nil
}

// SchedulerConfig builds the engine configuration: machine-sized defaults
// overlaid with whatever this config sets.
func (c *Config) SchedulerConfig() (scheduler.Config, error) {
	sc := scheduler.DefaultConfig()
	mode, err := scheduler.ParseMode(c.Mine.Mode)
	if err != nil {
		return scheduler.Config{}, err
	}
	sc.Mode = mode
	if sc.Duration, err = c.MineDuration(); err != nil {
		return scheduler.Config{}, errors.Wrap(err, "mine.duration")
	}
	sc.LeaseTTL = c.LeaseTTL()
	sc.Heartbeat = c.Heartbeat()
	sc.ExecTimeout = 0
	sc.PollInterval = c.PollInterval()
	sc.RecoverOrphans = c.Mine.RecoverOrphans
	for _, stage := range task.Stages {
		if n, ok := c.StageWorkers(stage); ok {
			sc.Stages[stage] = scheduler.StageConfig{Workers: n}
		}
	}
	sc = sc.WithDefaults()
	return sc, sc.Validate()
}
