package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/afero"

	"github.com/tonimelisma/indexsync/internal/config"
	"github.com/tonimelisma/indexsync/internal/entries"
	"github.com/tonimelisma/indexsync/internal/index"
	isync "github.com/tonimelisma/indexsync/internal/sync"
)

// app bundles the collaborators every index-touching command needs.
type app struct {
	release func()
	store   *index.Store
	layout  *entries.Layout
	svc     *isync.Service
}

// layoutConfig converts the entries section to a Layout configuration.
func layoutConfig(cfg *config.Config) entries.LayoutConfig {
	return entries.LayoutConfig{
		Root:       cfg.Entries.Root,
		FilePrefix: cfg.Entries.FilePrefix,
		Extension:  cfg.Entries.Extension,
		WeekEndsOn: cfg.Entries.Weekday(),
	}
}

// serviceOptions converts the sync section to Service options.
func serviceOptions(cfg *config.Config) isync.Options {
	return isync.Options{
		FullRangeDays:   cfg.Sync.FullRangeDays,
		IncrementalDays: cfg.Sync.IncrementalDays,
		BatchSize:       cfg.Sync.BatchSize,
		ReadWorkers:     cfg.Sync.ReadWorkers,
		RecentHistory:   cfg.Sync.RecentHistory,
	}
}

// schedulerConfig converts the scheduler section to the Scheduler cadence.
func schedulerConfig(cfg *config.Config) isync.SchedulerConfig {
	s := &cfg.Scheduler

	return isync.SchedulerConfig{
		IncrementalInterval: s.IncrementalIntervalDuration(),
		FullInterval:        s.FullIntervalDuration(),
		StartupDelay:        s.StartupDelayDuration(),
		Tick:                s.TickDuration(),
		ErrorBackoff:        s.ErrorBackoffDuration(),
	}
}

// openApp opens the index and builds the sync service on fs. A writer app
// holds the index writer lock and fails history records a crashed writer
// left running; read-only commands skip both. Callers must Close the
// returned app.
func openApp(ctx context.Context, cc *CLIContext, fs afero.Fs, writer bool) (*app, error) {
	release := func() {}

	if writer {
		r, err := acquireWriterLock(cc.Cfg.Index.DBPath)
		if err != nil {
			return nil, err
		}

		release = r
	}

	store, err := index.Open(ctx, cc.Cfg.Index.DBPath, cc.Logger)
	if err != nil {
		release()
		return nil, fmt.Errorf("opening index: %w", err)
	}

	if writer {
		n, err := store.AbandonRunning(ctx)
		if err != nil {
			store.Close()
			release()

			return nil, fmt.Errorf("recovering interrupted syncs: %w", err)
		}

		if n > 0 {
			cc.Logger.Warn("marked interrupted sync runs as failed", slog.Int64("count", n))
		}
	}

	layout := entries.NewLayout(fs, layoutConfig(cc.Cfg))
	reader := entries.NewReader(fs, cc.Cfg.Entries.MaxFileSizeBytes())
	svc := isync.NewService(layout, reader, store, serviceOptions(cc.Cfg), cc.Logger)

	return &app{release: release, store: store, layout: layout, svc: svc}, nil
}

// Close waits for background passes, closes the index, and releases the
// writer lock.
func (a *app) Close() error {
	a.svc.Wait()
	defer a.release()

	return a.store.Close()
}
