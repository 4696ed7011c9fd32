package scheduler

import (
	"time"

	"github.com/teranos/cratemine/errors"
	"github.com/teranos/cratemine/pulse/task"
)

// Mode selects when a mining run ends.
type Mode string

const (
	// ModeContinuous mines until a termination signal.
	ModeContinuous Mode = "continuous"
	// ModeDuration drains after Config.Duration.
	ModeDuration Mode = "duration"
	// ModeOnce drains when nothing is in flight and nothing is runnable.
	ModeOnce Mode = "once"
	// ModeReport does no mining.
	ModeReport Mode = "report"
)

// ParseMode validates a mode name.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeContinuous, ModeDuration, ModeOnce, ModeReport:
		return m, nil
	}
	return "", errors.NewInvalidRequestError("unknown mode %q (want continuous, duration, once or report)", s)
}

// StageConfig limits one stage's pool.
type StageConfig struct {
	Workers int `json:"workers"` // 0 disables the stage
}

// Config controls an engine run.
type Config struct {
	Mode     Mode          `json:"mode"`
	Duration time.Duration `json:"duration"` // ModeDuration only

	Stages map[task.StageKind]StageConfig `json:"stages"`

	LeaseTTL     time.Duration `json:"lease_ttl"`
	Heartbeat    time.Duration `json:"heartbeat"`     // default LeaseTTL/3
	ExecTimeout  time.Duration `json:"exec_timeout"`  // default LeaseTTL - Heartbeat
	PollInterval time.Duration `json:"poll_interval"` // upper bound on idle sleeps
	AbortGrace   time.Duration `json:"abort_grace"`   // how long Run waits for workers after an abort

	RecoverOrphans bool `json:"recover_orphans"`
}

// DefaultConfig returns defaults sized for this machine: network stages
// stay low to respect the registry, CPU stages follow logical CPUs.
func DefaultConfig() Config {
	cpus := logicalCPUs()
	stages := make(map[task.StageKind]StageConfig, len(task.Stages))
	for _, s := range task.Stages {
		switch s.Resource() {
		case task.ResourceNetwork:
			stages[s] = StageConfig{Workers: 2}
		case task.ResourceCPU:
			stages[s] = StageConfig{Workers: cpus}
		default:
			stages[s] = StageConfig{Workers: 1}
		}
	}
	return Config{
		Mode:           ModeContinuous,
		Stages:         stages,
		LeaseTTL:       5 * time.Minute,
		PollInterval:   2 * time.Second,
		AbortGrace:     5 * time.Second,
		RecoverOrphans: true,
	}
}

// WithDefaults fills derived fields left zero.
func (c Config) WithDefaults() Config {
	if c.Mode == "" {
		c.Mode = ModeContinuous
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 5 * time.Minute
	}
	if c.Heartbeat <= 0 {
		c.Heartbeat = c.LeaseTTL / 3
	}
	if c.ExecTimeout <= 0 {
		c.ExecTimeout = c.LeaseTTL - c.Heartbeat
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.AbortGrace <= 0 {
		c.AbortGrace = 5 * time.Second
	}
	return c
}

// Validate checks a config after WithDefaults.
func (c Config) Validate() error {
	if _, err := ParseMode(string(c.Mode)); err != nil {
		return err
	}
	if c.Mode == ModeDuration && c.Duration <= 0 {
		return errors.NewInvalidRequestError("duration mode needs a positive duration")
	}
	if c.Heartbeat >= c.LeaseTTL {
		return errors.NewInvalidRequestError("heartbeat %s must be shorter than lease TTL %s", c.Heartbeat, c.LeaseTTL)
	}
	if c.ExecTimeout > c.LeaseTTL {
		return errors.NewInvalidRequestError("executor timeout %s exceeds lease TTL %s", c.ExecTimeout, c.LeaseTTL)
	}
	for stage, sc := range c.Stages {
		if !stage.Valid() {
			return errors.NewInvalidRequestError("unknown stage %q", stage)
		}
		if sc.Workers < 0 {
			return errors.NewInvalidRequestError("%s: workers must be >= 0", stage)
		}
	}
	return nil
}

// Workers returns the configured pool size for stage.
func (c Config) Workers(stage task.StageKind) int {
	return c.Stages[stage].Workers
}
