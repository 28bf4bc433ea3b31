// Package config implements TOML configuration loading, validation, and
// platform-specific path resolution for indexsync. It supports a four-layer
// override chain (defaults -> config file -> environment -> CLI flags).
package config

// Config is the top-level configuration structure parsed from a TOML file.
// Every section is optional; missing sections keep their defaults.
type Config struct {
	Entries   EntriesConfig   `toml:"entries"`
	Index     IndexConfig     `toml:"index"`
	Sync      SyncConfig      `toml:"sync"`
	Scheduler SchedulerConfig `toml:"scheduler"`
	Watch     WatchConfig     `toml:"watch"`
	Server    ServerConfig    `toml:"server"`
	Logging   LoggingConfig   `toml:"logging"`
}

// EntriesConfig describes where entry files live and how they are named.
// An entry for 2024-01-03 with the defaults lives at
// <root>/2024/week_ending_2024-01-07/worklog_2024-01-03.md.
type EntriesConfig struct {
	Root        string `toml:"root"`
	FilePrefix  string `toml:"file_prefix"`
	Extension   string `toml:"extension"`
	WeekEndsOn  string `toml:"week_ends_on"`
	MaxFileSize string `toml:"max_file_size"`
}

// IndexConfig locates the SQLite index database.
type IndexConfig struct {
	DBPath string `toml:"db_path"`
}

// SyncConfig controls reconciliation windows and batching.
type SyncConfig struct {
	FullRangeDays   int `toml:"full_range_days"`
	IncrementalDays int `toml:"incremental_days"`
	BatchSize       int `toml:"batch_size"`
	ReadWorkers     int `toml:"read_workers"`
	RecentHistory   int `toml:"recent_history"`
}

// SchedulerConfig controls the background sync cadence. Durations are Go
// duration strings ("5m", "24h").
type SchedulerConfig struct {
	Enabled             bool   `toml:"enabled"`
	IncrementalInterval string `toml:"incremental_interval"`
	FullInterval        string `toml:"full_interval"`
	StartupDelay        string `toml:"startup_delay"`
	Tick                string `toml:"tick"`
	ErrorBackoff        string `toml:"error_backoff"`
}

// WatchConfig controls the filesystem watcher that re-indexes single entries
// shortly after they are edited.
type WatchConfig struct {
	Enabled           bool    `toml:"enabled"`
	Debounce          string  `toml:"debounce"`
	MaxSyncsPerSecond float64 `toml:"max_syncs_per_second"`
}

// ServerConfig controls the HTTP control API.
type ServerConfig struct {
	Enabled bool   `toml:"enabled"`
	Listen  string `toml:"listen"`
}

// LoggingConfig controls log output behavior: level, format, and rotation.
type LoggingConfig struct {
	LogLevel         string `toml:"log_level"`
	LogFile          string `toml:"log_file"`
	LogFormat        string `toml:"log_format"`
	LogRetentionDays int    `toml:"log_retention_days"`
}

// CLIOverrides holds values from CLI flags that override config file and
// environment settings. Pointer fields distinguish "not specified" (nil)
// from "explicitly set".
type CLIOverrides struct {
	ConfigPath  string  // --config flag (empty = use default)
	EntriesRoot *string // --entries-root flag
	DBPath      *string // --db flag
}
