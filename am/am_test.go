package am

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"

	"github.com/teranos/cratemine/pulse/scheduler"
	"github.com/teranos/cratemine/pulse/task"
)

func TestLoad_Defaults(t *testing.T) {
	// Isolated viper instance: no user/system config
	v := viper.New()
	SetDefaults(v)

	cfg, err := LoadWithViper(v)
	if err != nil {
		t.Fatalf("LoadWithViper() failed: %v", err)
	}

	if cfg.Database.Path != "crates.db" {
		t.Errorf("expected default database path 'crates.db', got %q", cfg.Database.Path)
	}
	if cfg.Registry.RequestsPerSecond != 1.0 {
		t.Errorf("expected 1 request per second, got %f", cfg.Registry.RequestsPerSecond)
	}
	if cfg.Mine.Mode != "continuous" {
		t.Errorf("expected continuous mode, got %q", cfg.Mine.Mode)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"defaults", func(c *Config) {}, false},
		{"zero rate is unlimited", func(c *Config) { c.Registry.RequestsPerSecond = 0 }, false},
		{"negative rate", func(c *Config) { c.Registry.RequestsPerSecond = -1 }, true},
		{"empty database path", func(c *Config) { c.Database.Path = "" }, true},
		{"unknown mode", func(c *Config) { c.Mine.Mode = "forever" }, true},
		{"duration mode without duration", func(c *Config) { c.Mine.Mode = "duration" }, true},
		{"duration mode", func(c *Config) { c.Mine.Mode, c.Mine.Duration = "duration", "90m" }, false},
		{"bad duration", func(c *Config) { c.Mine.Duration = "soon" }, true},
		{"lease shorter than request", func(c *Config) { c.Mine.LeaseTTLSeconds = 30 }, true},
		{"heartbeat at ttl", func(c *Config) { c.Mine.HeartbeatSeconds = 300 }, true},
		{"zero workers disables stage", func(c *Config) {
			c.Mine.Stages = map[string]StageConfig{"download_archive": {Workers: 0}}
		}, false},
		{"negative workers", func(c *Config) {
			c.Mine.Stages = map[string]StageConfig{"download_archive": {Workers: -1}}
		}, true},
		{"unknown stage", func(c *Config) {
			c.Mine.Stages = map[string]StageConfig{"compile": {Workers: 1}}
		}, true},
		{"base delay above cap", func(c *Config) { c.Retry.BaseDelayMs, c.Retry.MaxDelayMs = 5000, 1000 }, true},
		{"unknown report format", func(c *Config) { c.Report.Format = "html" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSetDefaults(t *testing.T) {
	v := viper.New()
	SetDefaults(v)

	tests := []struct {
		key      string
		expected interface{}
	}{
		{"database.path", "crates.db"},
		{"registry.api_url", "https://crates.io"},
		{"registry.burst", 1},
		{"index.pull", true},
		{"mine.lease_ttl_seconds", 300},
		{"retry.max_retries", 5},
		{"report.format", "text"},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			got := v.Get(tt.key)
			if got != tt.expected {
				t.Errorf("default %s = %v, want %v", tt.key, got, tt.expected)
			}
		})
	}
}

func TestFindProjectConfig(t *testing.T) {
	tmpDir := t.TempDir()

	t.Run("walks up to am.toml", func(t *testing.T) {
		subDir := filepath.Join(tmpDir, "test1", "subdir")
		os.MkdirAll(subDir, DefaultDirPermissions)
		os.WriteFile(filepath.Join(tmpDir, "test1", "am.toml"), []byte(""), DefaultFilePermissions)

		oldWd, _ := os.Getwd()
		defer os.Chdir(oldWd)
		os.Chdir(subDir)

		result := findProjectConfig()
		if !filepath.IsAbs(result) {
			t.Errorf("expected absolute path, got %q", result)
		}
		if filepath.Base(result) != "am.toml" {
			t.Errorf("expected am.toml, got %s", filepath.Base(result))
		}
	})

	t.Run("ignores config.toml", func(t *testing.T) {
		subDir := filepath.Join(tmpDir, "test2", "subdir")
		os.MkdirAll(subDir, DefaultDirPermissions)
		os.WriteFile(filepath.Join(tmpDir, "test2", "config.toml"), []byte(""), DefaultFilePermissions)

		oldWd, _ := os.Getwd()
		defer os.Chdir(oldWd)
		os.Chdir(subDir)

		if result := findProjectConfig(); result != "" && filepath.Base(result) != "am.toml" {
			t.Errorf("expected no config.toml match, got %s", result)
		}
	})
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "am.toml")
	if err := os.WriteFile(path, []byte(content), DefaultFilePermissions); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_FileThenEnvironment(t *testing.T) {
	path := writeConfig(t, `
[retry]
max_retries = 2

[registry]
requests_per_second = 4.5

[mine.stages.extract_archive]
workers = 3
`)
	SetConfigFile(path)
	t.Cleanup(func() { SetConfigFile("") })
	t.Setenv("CRATEMINE_RETRY_MAX_RETRIES", "7")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Retry.MaxRetries != 7 {
		t.Errorf("environment should win over file, got max_retries %d", cfg.Retry.MaxRetries)
	}
	if cfg.Registry.RequestsPerSecond != 4.5 {
		t.Errorf("expected rate from file, got %f", cfg.Registry.RequestsPerSecond)
	}
	if n, ok := cfg.StageWorkers(task.ExtractArchive); !ok || n != 3 {
		t.Errorf("expected 3 extract workers, got %d (configured %v)", n, ok)
	}
	if cfg.Database.Path != "crates.db" {
		t.Errorf("expected default database path, got %q", cfg.Database.Path)
	}

	ci, err := GetConfigIntrospection()
	if err != nil {
		t.Fatalf("GetConfigIntrospection() failed: %v", err)
	}
	sources := map[string]ConfigSource{}
	for _, s := range ci.Settings {
		sources[s.Key] = s.Source
	}
	if sources["registry.requests_per_second"] != SourceFile {
		t.Errorf("registry.requests_per_second source = %s", sources["registry.requests_per_second"])
	}
	if sources["retry.max_retries"] != SourceEnvironment {
		t.Errorf("retry.max_retries source = %s", sources["retry.max_retries"])
	}
	if sources["database.path"] != SourceDefault {
		t.Errorf("database.path source = %s", sources["database.path"])
	}
}

func TestLoad_InvalidFile(t *testing.T) {
	SetConfigFile(writeConfig(t, "[mine]\nmode = \"sometimes\"\n"))
	t.Cleanup(func() { SetConfigFile("") })

	if _, err := Load(); err == nil {
		t.Fatal("expected invalid mode to fail")
	}
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	SetConfigFile(filepath.Join(t.TempDir(), "nope.toml"))
	t.Cleanup(func() { SetConfigFile("") })

	if _, err := Load(); err == nil {
		t.Fatal("expected missing --config file to fail")
	}
}

func TestSchedulerConfig(t *testing.T) {
	cfg := Defaults()
	cfg.Mine.Mode = "once"
	cfg.Mine.LeaseTTLSeconds = 90
	cfg.Mine.Stages = map[string]StageConfig{"download_archive": {Workers: 4}}

	sc, err := cfg.SchedulerConfig()
	if err != nil {
		t.Fatalf("SchedulerConfig() failed: %v", err)
	}
	if sc.Mode != scheduler.ModeOnce {
		t.Errorf("mode = %s", sc.Mode)
	}
	if sc.LeaseTTL != 90*time.Second || sc.Heartbeat != 30*time.Second || sc.ExecTimeout != 60*time.Second {
		t.Errorf("lease timings = %s / %s / %s", sc.LeaseTTL, sc.Heartbeat, sc.ExecTimeout)
	}
	if sc.Workers(task.DownloadArchive) != 4 {
		t.Errorf("download workers = %d", sc.Workers(task.DownloadArchive))
	}
	if sc.Workers(task.AggregateReport) != scheduler.DefaultConfig().Workers(task.AggregateReport) {
		t.Errorf("unconfigured stage should keep the default")
	}

	policy := cfg.RetryPolicy()
	if policy.MaxRetries != 5 || policy.BaseDelay != time.Second || policy.MaxDelay != 5*time.Minute {
		t.Errorf("retry policy = %+v", policy)
	}
}
