package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/mattn/go-isatty"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/tonimelisma/indexsync/internal/config"
)

// Log file rotation.
const (
	logFileMaxSizeMB  = 20
	logFileMaxBackups = 5
	logDirPermissions = 0o755
)

// parseLogLevel maps a config log level to slog. Unknown values were
// rejected by config validation and fall back to info.
func parseLogLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// effectiveLevel is the config log level unless --verbose or --quiet
// override it.
func effectiveLevel(cfg *config.Config, flags CLIFlags) slog.Level {
	level := slog.LevelInfo
	if cfg != nil {
		level = parseLogLevel(cfg.Logging.LogLevel)
	}

	if flags.Verbose {
		level = slog.LevelDebug
	}

	if flags.Quiet {
		level = slog.LevelError
	}

	return level
}

// buildLogger creates the process logger at the level held by levelVar, so
// a config reload can change it later. With log_file set, output goes to a
// rotating file instead of stderr. The returned close func closes the file.
func buildLogger(cfg *config.Config, levelVar *slog.LevelVar, stderr io.Writer) (*slog.Logger, func() error, error) {
	format := "auto"

	var (
		logFile   string
		retention int
	)

	if cfg != nil {
		format = cfg.Logging.LogFormat
		logFile = cfg.Logging.LogFile
		retention = cfg.Logging.LogRetentionDays
	}

	out := stderr
	closeFn := func() error { return nil }

	if logFile != "" {
		if err := os.MkdirAll(filepath.Dir(logFile), logDirPermissions); err != nil {
			return nil, nil, fmt.Errorf("creating log directory: %w", err)
		}

		lj := &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    logFileMaxSizeMB,
			MaxBackups: logFileMaxBackups,
			MaxAge:     retention,
			Compress:   true,
		}

		out, closeFn = lj, lj.Close
	}

	opts := &slog.HandlerOptions{Level: levelVar}

	var handler slog.Handler
	if useTextLogs(format, out) {
		handler = slog.NewTextHandler(out, opts)
	} else {
		handler = slog.NewJSONHandler(out, opts)
	}

	return slog.New(handler), closeFn, nil
}

// useTextLogs resolves the "auto" format: text on a terminal, JSON otherwise.
func useTextLogs(format string, w io.Writer) bool {
	switch format {
	case "text":
		return true
	case "json":
		return false
	}

	f, ok := w.(*os.File)
	if !ok {
		return true
	}

	fd := f.Fd()

	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
