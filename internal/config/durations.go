package config

import "time"

// Parsed accessors. Callers use these after Validate has accepted the
// config; an unparseable value falls back to the built-in default.

func (s *SchedulerConfig) IncrementalIntervalDuration() time.Duration {
	return durationOr(s.IncrementalInterval, defaultIncrementalInterval)
}

func (s *SchedulerConfig) FullIntervalDuration() time.Duration {
	return durationOr(s.FullInterval, defaultFullInterval)
}

func (s *SchedulerConfig) StartupDelayDuration() time.Duration {
	return durationOr(s.StartupDelay, defaultStartupDelay)
}

func (s *SchedulerConfig) TickDuration() time.Duration {
	return durationOr(s.Tick, defaultTick)
}

func (s *SchedulerConfig) ErrorBackoffDuration() time.Duration {
	return durationOr(s.ErrorBackoff, defaultErrorBackoff)
}

func (w *WatchConfig) DebounceDuration() time.Duration {
	return durationOr(w.Debounce, defaultDebounce)
}

// MaxFileSizeBytes returns the per-file size limit; 0 means unlimited.
func (e *EntriesConfig) MaxFileSizeBytes() int64 {
	n, err := ParseSize(e.MaxFileSize)
	if err != nil {
		n, _ = ParseSize(defaultMaxFileSize)
	}

	return n
}

func durationOr(value, fallback string) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil {
		d, _ = time.ParseDuration(fallback)
	}

	return d
}
