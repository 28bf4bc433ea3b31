package main

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/indexsync/internal/config"
)

// Global flag reset pattern: newRootCmd() binds flags via StringVar/BoolVar,
// which reset the global flag variables to their zero values. Tests must either:
//   - Set globals AFTER newRootCmd() returns (direct function tests), or
//   - Use cmd.SetArgs() + cmd.Execute() to let Cobra parse flags (integration tests).

func levelEnabled(logger *slog.Logger, level slog.Level) bool {
	return logger.Handler().Enabled(context.Background(), level)
}

func TestEffectiveLevel(t *testing.T) {
	withLevel := func(l string) *config.Config {
		cfg := config.DefaultConfig()
		cfg.Logging.LogLevel = l

		return cfg
	}

	tests := []struct {
		name  string
		cfg   *config.Config
		flags CLIFlags
		want  slog.Level
	}{
		{"no config", nil, CLIFlags{}, slog.LevelInfo},
		{"config debug", withLevel("debug"), CLIFlags{}, slog.LevelDebug},
		{"config warn", withLevel("warn"), CLIFlags{}, slog.LevelWarn},
		{"verbose overrides config", withLevel("error"), CLIFlags{Verbose: true}, slog.LevelDebug},
		{"quiet overrides config", withLevel("debug"), CLIFlags{Quiet: true}, slog.LevelError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, effectiveLevel(tt.cfg, tt.flags))
		})
	}
}

func TestBuildLogger_LevelVarIsLive(t *testing.T) {
	var buf bytes.Buffer

	lv := new(slog.LevelVar)
	lv.Set(slog.LevelWarn)

	logger, closeFn, err := buildLogger(nil, lv, &buf)
	require.NoError(t, err)
	defer closeFn()

	assert.False(t, levelEnabled(logger, slog.LevelInfo))

	lv.Set(slog.LevelDebug)
	assert.True(t, levelEnabled(logger, slog.LevelDebug))
}

func TestBuildLogger_WritesToLogFile(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Logging.LogFile = filepath.Join(t.TempDir(), "logs", "indexsync.log")
	cfg.Logging.LogFormat = "json"

	var stderr bytes.Buffer

	logger, closeFn, err := buildLogger(cfg, new(slog.LevelVar), &stderr)
	require.NoError(t, err)

	logger.Info("hello from test", slog.String("k", "v"))
	require.NoError(t, closeFn())

	data, err := os.ReadFile(cfg.Logging.LogFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"hello from test"`)
	assert.Empty(t, stderr.String())
}

func TestUseTextLogs(t *testing.T) {
	var buf bytes.Buffer

	assert.True(t, useTextLogs("text", &buf))
	assert.False(t, useTextLogs("json", &buf))
	// Non-file writers are never terminals; auto keeps them readable.
	assert.True(t, useTextLogs("auto", &buf))
}

func TestMustCLIContext_PanicsWhenMissing(t *testing.T) {
	assert.Panics(t, func() { mustCLIContext(context.Background()) })

	cc := &CLIContext{}
	assert.Same(t, cc, mustCLIContext(withCLIContext(context.Background(), cc)))
}

// --- Cobra structure tests ---

func TestNewRootCmd_Subcommands(t *testing.T) {
	cmd := newRootCmd()

	expected := []string{"serve", "sync", "status", "history", "entries", "config", "reload"}
	for _, name := range expected {
		found := false

		for _, sub := range cmd.Commands() {
			if sub.Name() == name {
				found = true

				break
			}
		}

		assert.True(t, found, "expected subcommand %q not found", name)
	}
}

func TestNewRootCmd_SyncSubcommands(t *testing.T) {
	cmd := newRootCmd()

	syncCmd, _, err := cmd.Find([]string{"sync"})
	require.NoError(t, err)

	var names []string
	for _, sub := range syncCmd.Commands() {
		names = append(names, sub.Name())
	}

	assert.ElementsMatch(t, []string{"full", "incremental", "entry", "cleanup"}, names)
}

func TestNewRootCmd_PersistentFlags(t *testing.T) {
	cmd := newRootCmd()

	expectedFlags := []string{"config", "entries-root", "db", "json", "verbose", "quiet"}
	for _, name := range expectedFlags {
		flag := cmd.PersistentFlags().Lookup(name)
		assert.NotNil(t, flag, "expected persistent flag %q not found", name)
	}
}

func TestNewRootCmd_MutualExclusivity(t *testing.T) {
	// Cobra checks flag groups before PersistentPreRunE, so no config file
	// is needed.
	cmd := newRootCmd()
	cmd.SetArgs([]string{"--verbose", "--quiet", "config", "show"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "none of the others can be")
}

func TestNewRootCmd_ReloadSkipsConfig(t *testing.T) {
	cmd := newRootCmd()

	reload, _, err := cmd.Find([]string{"reload"})
	require.NoError(t, err)
	assert.Equal(t, "true", reload.Annotations[skipConfigAnnotation])

	// A broken config file must not stop reload from reaching the PID lookup.
	bad := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(bad, []byte("not = [valid"), 0o600))

	t.Setenv("XDG_DATA_HOME", t.TempDir())
	cmd.SetArgs([]string{"--config", bad, "reload"})

	err = cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no running server")
}

func TestLoadConfig_FlagOverrides(t *testing.T) {
	cfgPath, _, _ := writeTestConfig(t)
	other := t.TempDir()

	cmd := newRootCmd()
	cmd.SetArgs([]string{"--config", cfgPath, "--entries-root", other, "--json", "config", "show"})

	var out bytes.Buffer
	cmd.SetOut(&out)
	require.NoError(t, cmd.Execute())

	assert.Contains(t, out.String(), other)
}
