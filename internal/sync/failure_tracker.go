package sync

import (
	"log/slog"
	stdsync "sync"
	"time"
)

// Suppression of dates whose watch-triggered syncs keep failing.
const (
	failureThreshold = 3                // suppress after this many failures
	failureCooldown  = 30 * time.Minute // forget failures older than this
)

type failureRecord struct {
	count   int
	lastErr string
	lastAt  time.Time
}

// failureTracker suppresses entry dates that fail repeatedly in the watcher.
// A date that fails failureThreshold times within failureCooldown is skipped
// until the cooldown passes. Success clears the record.
type failureTracker struct {
	mu      stdsync.Mutex
	records map[string]*failureRecord
	logger  *slog.Logger
	nowFunc func() time.Time
}

func newFailureTracker(logger *slog.Logger) *failureTracker {
	return &failureTracker{
		records: make(map[string]*failureRecord),
		logger:  logger,
		nowFunc: time.Now,
	}
}

// shouldSkip reports whether date is currently suppressed.
func (ft *failureTracker) shouldSkip(date string) bool {
	ft.mu.Lock()
	defer ft.mu.Unlock()

	rec, ok := ft.records[date]
	if !ok {
		return false
	}

	if ft.nowFunc().Sub(rec.lastAt) > failureCooldown {
		delete(ft.records, date)
		return false
	}

	return rec.count >= failureThreshold
}

func (ft *failureTracker) recordFailure(date, errMsg string) {
	ft.mu.Lock()
	defer ft.mu.Unlock()

	rec, ok := ft.records[date]
	if !ok {
		rec = &failureRecord{}
		ft.records[date] = rec
	}

	if ft.nowFunc().Sub(rec.lastAt) > failureCooldown {
		rec.count = 0
	}

	rec.count++
	rec.lastErr = errMsg
	rec.lastAt = ft.nowFunc()

	if rec.count == failureThreshold {
		ft.logger.Warn("entry suppressed after repeated sync failures",
			slog.String("date", date),
			slog.Int("failures", rec.count),
			slog.String("last_error", errMsg),
			slog.Duration("cooldown", failureCooldown),
		)
	}
}

func (ft *failureTracker) recordSuccess(date string) {
	ft.mu.Lock()
	defer ft.mu.Unlock()

	delete(ft.records, date)
}

// suppressed returns the number of currently suppressed dates.
func (ft *failureTracker) suppressed() int {
	ft.mu.Lock()
	defer ft.mu.Unlock()

	now := ft.nowFunc()
	n := 0

	for _, rec := range ft.records {
		if rec.count >= failureThreshold && now.Sub(rec.lastAt) <= failureCooldown {
			n++
		}
	}

	return n
}
