package sync

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/time/rate"

	"github.com/tonimelisma/indexsync/internal/entries"
	"github.com/tonimelisma/indexsync/internal/index"
)

// Watch error backoff.
const (
	watchErrInitBackoff = 1 * time.Second
	watchErrBackoffMult = 2
	watchErrMaxBackoff  = 30 * time.Second
)

// Defaults for WatcherConfig fields left at zero.
const (
	defaultWatchDebounce = 2 * time.Second
	defaultWatchRate     = 5.0
	watchFlushInterval   = 250 * time.Millisecond
)

// FsWatcher is the subset of *fsnotify.Watcher the Watcher uses.
type FsWatcher interface {
	Add(name string) error
	Remove(name string) error
	Close() error
	Events() <-chan fsnotify.Event
	Errors() <-chan error
}

type fsnotifyWatcher struct {
	w *fsnotify.Watcher
}

// NewFsWatcher returns an FsWatcher backed by fsnotify.
func NewFsWatcher() (FsWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &fsnotifyWatcher{w: w}, nil
}

func (f *fsnotifyWatcher) Add(name string) error         { return f.w.Add(name) }
func (f *fsnotifyWatcher) Remove(name string) error      { return f.w.Remove(name) }
func (f *fsnotifyWatcher) Close() error                  { return f.w.Close() }
func (f *fsnotifyWatcher) Events() <-chan fsnotify.Event { return f.w.Events }
func (f *fsnotifyWatcher) Errors() <-chan error          { return f.w.Errors }

// EntrySyncer re-indexes one date. Implemented by *Service.
type EntrySyncer interface {
	SyncSingleEntry(ctx context.Context, date time.Time) (*SyncResult, error)
}

// DateResolver maps an entry path to its date. Implemented by
// *entries.Layout.
type DateResolver interface {
	DateFromPath(path string) (time.Time, error)
}

// WatcherConfig tunes the Watcher.
type WatcherConfig struct {
	Root              string
	Debounce          time.Duration
	MaxSyncsPerSecond float64
}

// Watcher turns filesystem events under the entries root into single-entry
// syncs. Bursts of events for one date collapse into one sync once the date
// has been quiet for the debounce period.
type Watcher struct {
	cfg      WatcherConfig
	dates    DateResolver
	syncer   EntrySyncer
	limiter  *rate.Limiter
	failures *failureTracker
	logger   *slog.Logger

	pending map[string]pendingSync

	newWatcher func() (FsWatcher, error)
	nowFunc    func() time.Time
	sleepFunc  func(ctx context.Context, d time.Duration) error
}

type pendingSync struct {
	date time.Time
	due  time.Time
}

// NewWatcher creates a Watcher. Call Run to start it.
func NewWatcher(cfg WatcherConfig, dates DateResolver, syncer EntrySyncer, logger *slog.Logger) *Watcher {
	if cfg.Debounce < 0 {
		cfg.Debounce = 0
	}

	if cfg.MaxSyncsPerSecond <= 0 {
		cfg.MaxSyncsPerSecond = defaultWatchRate
	}

	burst := max(1, int(cfg.MaxSyncsPerSecond))

	return &Watcher{
		cfg:        cfg,
		dates:      dates,
		syncer:     syncer,
		limiter:    rate.NewLimiter(rate.Limit(cfg.MaxSyncsPerSecond), burst),
		failures:   newFailureTracker(logger),
		logger:     logger,
		pending:    make(map[string]pendingSync),
		newWatcher: NewFsWatcher,
		nowFunc:    time.Now,
		sleepFunc:  timeSleep,
	}
}

// Run watches the entries root until ctx is canceled. It returns an error
// only when the watch cannot be set up.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := w.newWatcher()
	if err != nil {
		return fmt.Errorf("sync: creating filesystem watcher: %w", err)
	}
	defer fw.Close()

	n, err := w.addTree(fw, w.cfg.Root)
	if err != nil {
		return fmt.Errorf("sync: watching %s: %w", w.cfg.Root, err)
	}

	w.logger.Info("watching entries",
		slog.String("root", w.cfg.Root),
		slog.Int("directories", n),
		slog.Duration("debounce", w.cfg.Debounce),
	)

	return w.watchLoop(ctx, fw)
}

// addTree registers a watch on root and every directory below it.
func (w *Watcher) addTree(fw FsWatcher, root string) (int, error) {
	n := 0

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}

			w.logger.Warn("skipping unreadable directory", slog.String("path", path), slog.String("error", err.Error()))

			return fs.SkipDir
		}

		if !d.IsDir() {
			return nil
		}

		if err := fw.Add(path); err != nil {
			w.logger.Warn("failed to add watch", slog.String("path", path), slog.String("error", err.Error()))
			return nil
		}

		n++

		return nil
	})

	return n, err
}

func (w *Watcher) watchLoop(ctx context.Context, fw FsWatcher) error {
	flush := time.NewTicker(watchFlushInterval)
	defer flush.Stop()

	errBackoff := watchErrInitBackoff

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-fw.Events():
			if !ok {
				return nil
			}

			w.handleFsEvent(fw, ev)
			errBackoff = watchErrInitBackoff

		case watchErr, ok := <-fw.Errors():
			if !ok {
				return nil
			}

			w.logger.Warn("filesystem watcher error",
				slog.String("error", watchErr.Error()),
				slog.Duration("backoff", errBackoff),
			)

			if err := w.sleepFunc(ctx, errBackoff); err != nil {
				return nil
			}

			errBackoff = min(errBackoff*watchErrBackoffMult, watchErrMaxBackoff)

		case <-flush.C:
			w.dispatchDue(ctx)
		}
	}
}

// handleFsEvent queues the date an event refers to. New directories are
// watched and their existing files queued.
func (w *Watcher) handleFsEvent(fw FsWatcher, ev fsnotify.Event) {
	if ev.Has(fsnotify.Chmod) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
		return
	}

	if ev.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			w.handleNewDir(fw, ev.Name)
			return
		}
	}

	w.enqueuePath(ev.Name)
}

func (w *Watcher) handleNewDir(fw FsWatcher, dir string) {
	if _, err := w.addTree(fw, dir); err != nil {
		w.logger.Warn("failed to watch new directory", slog.String("path", dir), slog.String("error", err.Error()))
		return
	}

	// Files written before the watch was registered produce no event.
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err == nil && !d.IsDir() {
			w.enqueuePath(path)
		}

		return nil
	})
}

func (w *Watcher) enqueuePath(path string) {
	date, err := w.dates.DateFromPath(path)
	if err != nil {
		if !errors.Is(err, entries.ErrNoDateInPath) {
			w.logger.Debug("ignoring path", slog.String("path", path), slog.String("error", err.Error()))
		}

		return
	}

	w.enqueue(date)
}

// enqueue schedules a sync for date after the debounce period, pushing an
// existing deadline back.
func (w *Watcher) enqueue(date time.Time) {
	key := index.DateKey(date)
	w.pending[key] = pendingSync{date: date, due: w.nowFunc().Add(w.cfg.Debounce)}

	w.logger.Debug("entry change queued", slog.String("date", key))
}

// dispatchDue syncs every pending date whose debounce has elapsed, oldest
// date first.
func (w *Watcher) dispatchDue(ctx context.Context) {
	now := w.nowFunc()

	var due []string

	for key, p := range w.pending {
		if !p.due.After(now) {
			due = append(due, key)
		}
	}

	sort.Strings(due)

	for _, key := range due {
		p := w.pending[key]
		delete(w.pending, key)

		if w.failures.shouldSkip(key) {
			w.logger.Debug("entry suppressed, skipping sync", slog.String("date", key))
			continue
		}

		if err := w.limiter.Wait(ctx); err != nil {
			return
		}

		w.syncOne(ctx, key, p.date)
	}
}

func (w *Watcher) syncOne(ctx context.Context, key string, date time.Time) {
	err := safeRun("watch sync "+key, func() error {
		res, err := w.syncer.SyncSingleEntry(ctx, date)
		if err != nil {
			return err
		}

		if res != nil && len(res.Errors) > 0 {
			return errors.New(res.Errors[0])
		}

		return nil
	})
	if err != nil {
		w.failures.recordFailure(key, err.Error())
		w.logger.Warn("watch-triggered sync failed", slog.String("date", key), slog.String("error", err.Error()))

		return
	}

	w.failures.recordSuccess(key)
}
