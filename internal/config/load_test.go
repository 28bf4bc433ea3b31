package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTestConfig(t *testing.T, content string) string {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	err := os.WriteFile(path, []byte(content), 0o600)
	require.NoError(t, err)

	return path
}

func TestLoad_ValidFullConfig(t *testing.T) {
	path := writeTestConfig(t, `
[entries]
root = "/srv/worklogs"
file_prefix = "log_"
extension = ".txt"
week_ends_on = "friday"
max_file_size = "1MiB"

[index]
db_path = "/var/lib/indexsync/index.db"

[sync]
full_range_days = 365
incremental_days = 3
batch_size = 50
read_workers = 8
recent_history = 20

[scheduler]
enabled = false
incremental_interval = "10m"
full_interval = "12h"
startup_delay = "0s"
tick = "30s"
error_backoff = "1m"

[watch]
enabled = false
debounce = "500ms"
max_syncs_per_second = 2.5

[server]
enabled = true
listen = "127.0.0.1:9000"

[logging]
log_level = "debug"
log_file = "/tmp/indexsync.log"
log_format = "json"
log_retention_days = 7
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/srv/worklogs", cfg.Entries.Root)
	assert.Equal(t, "log_", cfg.Entries.FilePrefix)
	assert.Equal(t, ".txt", cfg.Entries.Extension)
	assert.Equal(t, "friday", cfg.Entries.WeekEndsOn)
	assert.Equal(t, int64(1<<20), cfg.Entries.MaxFileSizeBytes())
	assert.Equal(t, "/var/lib/indexsync/index.db", cfg.Index.DBPath)
	assert.Equal(t, 365, cfg.Sync.FullRangeDays)
	assert.Equal(t, 3, cfg.Sync.IncrementalDays)
	assert.Equal(t, 50, cfg.Sync.BatchSize)
	assert.Equal(t, 8, cfg.Sync.ReadWorkers)
	assert.Equal(t, 20, cfg.Sync.RecentHistory)
	assert.False(t, cfg.Scheduler.Enabled)
	assert.Equal(t, "10m", cfg.Scheduler.IncrementalInterval)
	assert.Equal(t, "12h", cfg.Scheduler.FullInterval)
	assert.False(t, cfg.Watch.Enabled)
	assert.InDelta(t, 2.5, cfg.Watch.MaxSyncsPerSecond, 0.001)
	assert.Equal(t, "127.0.0.1:9000", cfg.Server.Listen)
	assert.Equal(t, "debug", cfg.Logging.LogLevel)
	assert.Equal(t, "json", cfg.Logging.LogFormat)
	assert.Equal(t, 7, cfg.Logging.LogRetentionDays)
}

func TestLoad_PartialConfigKeepsDefaults(t *testing.T) {
	path := writeTestConfig(t, `
[sync]
batch_size = 25
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 25, cfg.Sync.BatchSize)
	assert.Equal(t, defaultFullRangeDays, cfg.Sync.FullRangeDays)
	assert.Equal(t, defaultIncrementalInterval, cfg.Scheduler.IncrementalInterval)
	assert.Equal(t, defaultFilePrefix, cfg.Entries.FilePrefix)
}

func TestLoad_InvalidTOML(t *testing.T) {
	path := writeTestConfig(t, "[sync\nbatch_size = ")

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing config file")
}

func TestLoad_ValidationErrorsAccumulate(t *testing.T) {
	path := writeTestConfig(t, `
[sync]
batch_size = 0
read_workers = 1000

[logging]
log_level = "verbose"
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sync.batch_size")
	assert.Contains(t, err.Error(), "sync.read_workers")
	assert.Contains(t, err.Error(), "logging.log_level")
}

func TestLoadOrDefault_MissingFile(t *testing.T) {
	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "nope.toml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestResolve_OverrideChain(t *testing.T) {
	path := writeTestConfig(t, `
[entries]
root = "/from/file"

[index]
db_path = "/from/file.db"
`)

	t.Run("file", func(t *testing.T) {
		cfg, got, err := Resolve(EnvOverrides{}, CLIOverrides{ConfigPath: path})
		require.NoError(t, err)
		assert.Equal(t, path, got)
		assert.Equal(t, "/from/file", cfg.Entries.Root)
		assert.Equal(t, "/from/file.db", cfg.Index.DBPath)
	})

	t.Run("env beats file", func(t *testing.T) {
		env := EnvOverrides{ConfigPath: path, EntriesRoot: "/from/env", DBPath: "/from/env.db"}
		cfg, _, err := Resolve(env, CLIOverrides{})
		require.NoError(t, err)
		assert.Equal(t, "/from/env", cfg.Entries.Root)
		assert.Equal(t, "/from/env.db", cfg.Index.DBPath)
	})

	t.Run("cli beats env", func(t *testing.T) {
		root := "/from/cli"
		env := EnvOverrides{ConfigPath: "/ignored.toml", EntriesRoot: "/from/env"}
		cfg, got, err := Resolve(env, CLIOverrides{ConfigPath: path, EntriesRoot: &root})
		require.NoError(t, err)
		assert.Equal(t, path, got)
		assert.Equal(t, "/from/cli", cfg.Entries.Root)
	})
}

func TestResolve_ExpandsTilde(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	root := "~/notes"
	cfg, _, err := Resolve(EnvOverrides{}, CLIOverrides{
		ConfigPath:  filepath.Join(t.TempDir(), "missing.toml"),
		EntriesRoot: &root,
	})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "notes"), cfg.Entries.Root)
}

func TestResolve_RelativeRootRejected(t *testing.T) {
	root := "relative/dir"
	_, _, err := Resolve(EnvOverrides{}, CLIOverrides{
		ConfigPath:  filepath.Join(t.TempDir(), "missing.toml"),
		EntriesRoot: &root,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "entries.root")
}

func TestReadEnvOverrides(t *testing.T) {
	t.Setenv(EnvConfig, "/custom/config.toml")
	t.Setenv(EnvEntriesRoot, "/custom/root")
	t.Setenv(EnvDB, "")

	overrides := ReadEnvOverrides()
	assert.Equal(t, "/custom/config.toml", overrides.ConfigPath)
	assert.Equal(t, "/custom/root", overrides.EntriesRoot)
	assert.Empty(t, overrides.DBPath)
}

func TestRenderEffective_RoundTrips(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Entries.Root = "/srv/worklogs"

	dir := t.TempDir()
	path := filepath.Join(dir, "effective.toml")

	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, RenderEffective(cfg, "/etc/indexsync.toml", f))
	require.NoError(t, f.Close())

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}
