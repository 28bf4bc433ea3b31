package config

import "path/filepath"

// Default values for configuration options. These are "layer 0" of the
// override chain.
const (
	defaultEntriesRoot         = "~/worklogs"
	defaultFilePrefix          = "worklog_"
	defaultExtension           = ".md"
	defaultWeekEndsOn          = "sunday"
	defaultMaxFileSize         = "10MiB"
	defaultDBFileName          = "index.db"
	defaultFullRangeDays       = 730
	defaultIncrementalDays     = 7
	defaultBatchSize           = 100
	defaultReadWorkers         = 4
	defaultRecentHistory       = 10
	defaultIncrementalInterval = "5m"
	defaultFullInterval        = "24h"
	defaultStartupDelay        = "10s"
	defaultTick                = "60s"
	defaultErrorBackoff        = "30s"
	defaultDebounce            = "2s"
	defaultMaxSyncsPerSecond   = 5
	defaultListen              = "127.0.0.1:8765"
	defaultLogLevel            = "info"
	defaultLogFormat           = "auto"
	defaultLogRetentionDays    = 30
)

// DefaultConfig returns a Config populated with all default values.
// This is used both as the starting point for TOML decoding (so unset
// fields retain defaults) and as the fallback when no config file exists.
func DefaultConfig() *Config {
	return &Config{
		Entries: EntriesConfig{
			Root:        defaultEntriesRoot,
			FilePrefix:  defaultFilePrefix,
			Extension:   defaultExtension,
			WeekEndsOn:  defaultWeekEndsOn,
			MaxFileSize: defaultMaxFileSize,
		},
		Index: IndexConfig{
			DBPath: defaultDBPath(),
		},
		Sync: SyncConfig{
			FullRangeDays:   defaultFullRangeDays,
			IncrementalDays: defaultIncrementalDays,
			BatchSize:       defaultBatchSize,
			ReadWorkers:     defaultReadWorkers,
			RecentHistory:   defaultRecentHistory,
		},
		Scheduler: SchedulerConfig{
			Enabled:             true,
			IncrementalInterval: defaultIncrementalInterval,
			FullInterval:        defaultFullInterval,
			StartupDelay:        defaultStartupDelay,
			Tick:                defaultTick,
			ErrorBackoff:        defaultErrorBackoff,
		},
		Watch: WatchConfig{
			Enabled:           true,
			Debounce:          defaultDebounce,
			MaxSyncsPerSecond: defaultMaxSyncsPerSecond,
		},
		Server: ServerConfig{
			Enabled: true,
			Listen:  defaultListen,
		},
		Logging: LoggingConfig{
			LogLevel:         defaultLogLevel,
			LogFormat:        defaultLogFormat,
			LogRetentionDays: defaultLogRetentionDays,
		},
	}
}

func defaultDBPath() string {
	dir := DefaultDataDir()
	if dir == "" {
		return defaultDBFileName
	}

	return filepath.Join(dir, defaultDBFileName)
}
