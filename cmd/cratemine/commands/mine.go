package commands

import (
	"context"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/teranos/cratemine/am"
	"github.com/teranos/cratemine/crates"
	"github.com/teranos/cratemine/crates/index"
	"github.com/teranos/cratemine/crates/registry"
	"github.com/teranos/cratemine/crates/stages"
	"github.com/teranos/cratemine/errors"
	"github.com/teranos/cratemine/internal/httpclient"
	"github.com/teranos/cratemine/logger"
	"github.com/teranos/cratemine/pulse/budget"
	"github.com/teranos/cratemine/pulse/scheduler"
	"github.com/teranos/cratemine/pulse/shutdown"
	"github.com/teranos/cratemine/pulse/store"
	"github.com/teranos/cratemine/pulse/task"
	"github.com/teranos/cratemine/pulse/telemetry"
	"github.com/teranos/cratemine/sym"
)

// MineCmd runs the mining engine
var MineCmd = &cobra.Command{
	Use:   "mine",
	Short: sym.Pulse + " Discover and mine crate versions",
	Long: sym.Pulse + ` mine — Discover new crate versions and run them through every stage

Modes:
  continuous  Mine until interrupted (default)
  duration    Mine for --duration, then drain
  once        Mine until nothing is runnable, then drain
  report      Only recover orphaned leases and print the tally

Ctrl-C drains: no new work is claimed and in-flight stages finish.
A second Ctrl-C aborts; abandoned leases expire and are reclaimed next run.

Exit status: 0 after a clean drain, 1 on storage failure, 2 on abort.

Examples:
  cratemine mine --mode once
  cratemine mine --mode duration --duration 30m
  cratemine mine --workers download_archive=4 --workers extract_archive=2
  cratemine mine --discover=false --max-retries 10`,
	RunE: runMine,
}

var (
	mineMode       string
	mineDuration   string
	mineWorkers    map[string]int
	mineMaxRetries int
	mineDiscover   bool
)

func init() {
	MineCmd.Flags().StringVar(&mineMode, "mode", "", "Run mode: continuous, duration, once, report")
	MineCmd.Flags().StringVar(&mineDuration, "duration", "", "Run time for --mode duration (e.g. 2h)")
	MineCmd.Flags().StringToIntVar(&mineWorkers, "workers", nil, "Workers per stage, stage=n (0 disables the stage)")
	MineCmd.Flags().IntVar(&mineMaxRetries, "max-retries", 0, "Retries after the first attempt before a stage is exhausted")
	MineCmd.Flags().BoolVar(&mineDiscover, "discover", true, "Read the registry index for new versions before mining")
}

// mineConfig loads the configuration and overlays command-line flags.
func mineConfig(cmd *cobra.Command) (*am.Config, error) {
	loaded, err := am.Load()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load config")
	}
	cfg := *loaded
	flags := cmd.Flags()
	if flags.Changed("mode") {
		cfg.Mine.Mode = mineMode
	}
	if flags.Changed("duration") {
		cfg.Mine.Duration = mineDuration
		if !flags.Changed("mode") {
			cfg.Mine.Mode = string(scheduler.ModeDuration)
		}
	}
	if flags.Changed("max-retries") {
		cfg.Retry.MaxRetries = mineMaxRetries
	}
	if flags.Changed("discover") {
		cfg.Mine.Discover = mineDiscover
	}
	if len(mineWorkers) > 0 {
		merged := make(map[string]am.StageConfig, len(cfg.Mine.Stages)+len(mineWorkers))
		for name, sc := range cfg.Mine.Stages {
			merged[name] = sc
		}
		for name, n := range mineWorkers {
			merged[name] = am.StageConfig{Workers: n}
		}
		cfg.Mine.Stages = merged
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	return &cfg, nil
}

func runMine(cmd *cobra.Command, args []string) error {
	log := logger.ComponentLogger("mine")

	cfg, err := mineConfig(cmd)
	if err != nil {
		return err
	}
	engineCfg, err := cfg.SchedulerConfig()
	if err != nil {
		return errors.Wrap(err, "invalid engine configuration")
	}

	st, database, err := openStore(cfg, log)
	if err != nil {
		return &ExitError{Code: shutdown.ExitStorage, Err: err}
	}
	defer database.Close()

	limiter := budget.NewLimiter(cfg.Registry.RequestsPerSecond, cfg.Registry.Burst)
	hc := httpclient.New(cfg.RequestTimeout(), httpclient.Options{UserAgent: cfg.Registry.UserAgent})
	client := registry.New(hc, registry.Config{
		APIURL:          cfg.Registry.APIURL,
		DownloadURL:     cfg.Registry.DownloadURL,
		MaxArchiveBytes: int64(cfg.Registry.MaxArchiveMB) << 20,
	}, log)

	executors := task.NewRegistry()
	stages.Register(executors, client, log)

	coord := shutdown.New(log)
	stopSignals := coord.Watch(os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// Telemetry outlives the engine so the final events are still tallied.
	telemetryCtx, stopTelemetry := context.WithCancel(context.Background())
	defer stopTelemetry()
	bus := telemetry.NewBus(cfg.Mine.TelemetryBuffer)
	busDone := make(chan struct{})
	go func() {
		defer close(busDone)
		bus.Run(telemetryCtx, log)
	}()
	reporter := telemetry.NewReporter(st, bus, limiter, cfg.ReportInterval(), log)
	go reporter.Run(telemetryCtx)

	if path := am.ActiveConfigFile(); path != "" {
		watcher, err := am.Watch(path, log, func(updated *am.Config) error {
			limiter.SetRate(updated.Registry.RequestsPerSecond, updated.Registry.Burst)
			log.Infow(sym.AM+" registry rate updated",
				"requests_per_second", updated.Registry.RequestsPerSecond, "burst", updated.Registry.Burst)
			return nil
		})
		if err != nil {
			log.Warnw("config hot reload disabled", "path", path, "error", err)
		} else {
			defer watcher.Stop()
		}
	}

	if cfg.Mine.Discover && engineCfg.Mode != scheduler.ModeReport {
		if _, err := discover(cmd.Context(), coord, st, cfg, bus, log); err != nil {
			if errors.IsStorage(err) {
				return &ExitError{Code: shutdown.ExitStorage, Err: err}
			}
			if coord.State() == shutdown.Running {
				logger.PulseWarnw("discovery failed, mining known versions only", "error", err)
			}
		}
	}

	engine, err := scheduler.New(st, executors, coord, engineCfg, log,
		scheduler.WithLimiter(limiter),
		scheduler.WithEmitter(bus),
	)
	if err != nil {
		return err
	}
	logger.PulseOpenInfow("mining started",
		"mode", string(engineCfg.Mode), "database", cfg.Database.Path, "config", am.ActiveConfigFile())
	runErr := engine.Run(coord.AbortContext())

	finalCtx, finalCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer finalCancel()
	tally, err := reporter.Report(finalCtx, "final tally")
	if err != nil {
		if runErr == nil {
			runErr = err
		}
	} else if out, err := tallyTable(tally); err == nil {
		reason := coord.Reason()
		if reason == "" {
			reason = string(engineCfg.Mode)
		}
		fmt.Printf("%s %s\n%s\n", sym.PulseClose, reason, out)
	}
	stopTelemetry()
	<-busDone

	code := coord.ExitCode(runErr)
	logger.PulseCloseInfow("mining finished", "reason", coord.Reason(), "exit_code", code,
		"dropped_events", bus.Dropped())
	if code != shutdown.ExitClean {
		if runErr == nil {
			runErr = errors.Newf("mining aborted: %s", coord.Reason())
		}
		return &ExitError{Code: code, Err: runErr}
	}
	return nil
}

// discover reads the registry index into the store, emitting one event per
// newly created version. A drain cancels it; the position is only
// advanced after a complete pass, so the next run picks up the rest.
func discover(parent context.Context, coord *shutdown.Coordinator, st *store.Store, cfg *am.Config, bus telemetry.Emitter, log *zap.SugaredLogger) (index.Result, error) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	go func() {
		select {
		case <-coord.DrainingC():
			cancel()
		case <-ctx.Done():
		}
	}()

	src := &index.GitSource{
		Path:   cfg.Index.Path,
		URL:    cfg.Index.URL,
		Pull:   cfg.Index.Pull,
		Logger: log,
	}
	d := index.NewDiscoverer(st, src, log)
	d.OnVersion = func(meta crates.Metadata, res store.UpsertResult) {
		if res.CreatedVersion {
			bus.Emit(telemetry.Event{
				Kind:    telemetry.Discovered,
				Crate:   meta.Name,
				Version: meta.Version,
				At:      time.Now(),
			})
		}
	}
	return d.Run(ctx)
}
