package config

import (
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"strings"
	"time"
)

// Validation range constants.
const (
	minBatchSize           = 1
	maxBatchSize           = 10_000
	minReadWorkers         = 1
	maxReadWorkers         = 64
	minRangeDays           = 1
	maxRangeDays           = 36_500
	minRecentHistory       = 1
	minLogRetention        = 1
	minIncrementalInterval = time.Minute
	minFullInterval        = time.Hour
	minTick                = time.Second
	minErrorBackoff        = time.Second
)

// Validate checks all configuration values and returns all errors found.
// It accumulates every error rather than stopping at the first, so users
// see a complete report and can fix all issues in one pass.
func Validate(cfg *Config) error {
	var errs []error

	errs = append(errs, validateEntries(&cfg.Entries)...)
	errs = append(errs, validateSync(&cfg.Sync)...)
	errs = append(errs, validateScheduler(&cfg.Scheduler)...)
	errs = append(errs, validateWatch(&cfg.Watch)...)
	errs = append(errs, validateServer(&cfg.Server)...)
	errs = append(errs, validateLogging(&cfg.Logging)...)

	return errors.Join(errs...)
}

// ValidateResolved checks constraints that only make sense after the
// override chain has been applied and paths expanded.
func ValidateResolved(cfg *Config) error {
	var errs []error

	if cfg.Entries.Root != "" && !filepath.IsAbs(cfg.Entries.Root) {
		errs = append(errs, fmt.Errorf("entries.root: must be absolute after expansion, got %q", cfg.Entries.Root))
	}

	if cfg.Index.DBPath == "" {
		errs = append(errs, errors.New("index.db_path: must not be empty"))
	}

	return errors.Join(errs...)
}

var validWeekdays = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

// Weekday returns the configured week-ending day. Invalid values fall back
// to Sunday; Validate rejects them before this is reached.
func (e *EntriesConfig) Weekday() time.Weekday {
	if wd, ok := validWeekdays[strings.ToLower(e.WeekEndsOn)]; ok {
		return wd
	}

	return time.Sunday
}

func validateEntries(e *EntriesConfig) []error {
	var errs []error

	if e.Root == "" {
		errs = append(errs, errors.New("entries.root: must not be empty"))
	}

	if !strings.HasPrefix(e.Extension, ".") || len(e.Extension) < 2 {
		errs = append(errs, fmt.Errorf("entries.extension: must start with a dot, got %q", e.Extension))
	}

	if strings.ContainsAny(e.FilePrefix, `/\`) {
		errs = append(errs, fmt.Errorf("entries.file_prefix: must not contain path separators, got %q", e.FilePrefix))
	}

	if _, ok := validWeekdays[strings.ToLower(e.WeekEndsOn)]; !ok {
		errs = append(errs, fmt.Errorf("entries.week_ends_on: must be a weekday name, got %q", e.WeekEndsOn))
	}

	if _, err := ParseSize(e.MaxFileSize); err != nil {
		errs = append(errs, fmt.Errorf("entries.max_file_size: %w", err))
	}

	return errs
}

func validateSync(s *SyncConfig) []error {
	var errs []error

	errs = append(errs, validateIntRange("sync.full_range_days", s.FullRangeDays, minRangeDays, maxRangeDays)...)
	errs = append(errs, validateIntRange("sync.incremental_days", s.IncrementalDays, minRangeDays, maxRangeDays)...)
	errs = append(errs, validateIntRange("sync.batch_size", s.BatchSize, minBatchSize, maxBatchSize)...)
	errs = append(errs, validateIntRange("sync.read_workers", s.ReadWorkers, minReadWorkers, maxReadWorkers)...)

	if s.RecentHistory < minRecentHistory {
		errs = append(errs, fmt.Errorf("sync.recent_history: must be >= %d, got %d", minRecentHistory, s.RecentHistory))
	}

	return errs
}

func validateScheduler(s *SchedulerConfig) []error {
	var errs []error

	errs = append(errs, validateDurationMin("scheduler.incremental_interval", s.IncrementalInterval, minIncrementalInterval)...)
	errs = append(errs, validateDurationMin("scheduler.full_interval", s.FullInterval, minFullInterval)...)
	errs = append(errs, validateDurationMin("scheduler.startup_delay", s.StartupDelay, 0)...)
	errs = append(errs, validateDurationMin("scheduler.tick", s.Tick, minTick)...)
	errs = append(errs, validateDurationMin("scheduler.error_backoff", s.ErrorBackoff, minErrorBackoff)...)

	return errs
}

func validateWatch(w *WatchConfig) []error {
	var errs []error

	errs = append(errs, validateDurationMin("watch.debounce", w.Debounce, 0)...)

	if w.MaxSyncsPerSecond <= 0 {
		errs = append(errs, fmt.Errorf("watch.max_syncs_per_second: must be > 0, got %v", w.MaxSyncsPerSecond))
	}

	return errs
}

func validateServer(s *ServerConfig) []error {
	if !s.Enabled {
		return nil
	}

	if _, _, err := net.SplitHostPort(s.Listen); err != nil {
		return []error{fmt.Errorf("server.listen: invalid address %q: %w", s.Listen, err)}
	}

	return nil
}

func validateLogging(l *LoggingConfig) []error {
	var errs []error

	if !validLogLevels[l.LogLevel] {
		errs = append(errs, fmt.Errorf("logging.log_level: must be one of debug, info, warn, error; got %q", l.LogLevel))
	}

	if !validLogFormats[l.LogFormat] {
		errs = append(errs, fmt.Errorf("logging.log_format: must be one of auto, text, json; got %q", l.LogFormat))
	}

	if l.LogRetentionDays < minLogRetention {
		errs = append(errs, fmt.Errorf("logging.log_retention_days: must be >= %d, got %d",
			minLogRetention, l.LogRetentionDays))
	}

	return errs
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validLogFormats = map[string]bool{
	"auto": true,
	"text": true,
	"json": true,
}

func validateIntRange(field string, v, lo, hi int) []error {
	if v < lo || v > hi {
		return []error{fmt.Errorf("%s: must be between %d and %d, got %d", field, lo, hi, v)}
	}

	return nil
}

// validateDuration checks that a duration string is valid and meets a minimum.
func validateDuration(field, value string, minimum time.Duration) error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("%s: invalid duration %q: %w", field, value, err)
	}

	if d < minimum {
		return fmt.Errorf("%s: must be >= %s, got %s", field, minimum, d)
	}

	return nil
}

func validateDurationMin(field, value string, minimum time.Duration) []error {
	if err := validateDuration(field, value, minimum); err != nil {
		return []error{err}
	}

	return nil
}
