package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	stdsync "sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/tonimelisma/indexsync/internal/entries"
	"github.com/tonimelisma/indexsync/internal/index"
)

// Default pass parameters, used when Options leaves a field at zero.
const (
	defaultFullRangeDays   = 730
	defaultIncrementalDays = 7
	defaultBatchSize       = 100
	defaultReadWorkers     = 4
	defaultRecentHistory   = 10
)

// Options tunes the Service.
type Options struct {
	FullRangeDays   int // window of a full or cleanup sync, counted back from today
	IncrementalDays int // default window of an incremental sync
	BatchSize       int // files per index transaction
	ReadWorkers     int // concurrent file reads within a batch
	RecentHistory   int // records included in Status
}

func (o Options) withDefaults() Options {
	if o.FullRangeDays <= 0 {
		o.FullRangeDays = defaultFullRangeDays
	}

	if o.IncrementalDays <= 0 {
		o.IncrementalDays = defaultIncrementalDays
	}

	if o.BatchSize <= 0 {
		o.BatchSize = defaultBatchSize
	}

	if o.ReadWorkers <= 0 {
		o.ReadWorkers = defaultReadWorkers
	}

	if o.RecentHistory <= 0 {
		o.RecentHistory = defaultRecentHistory
	}

	return o
}

// FullOptions parameterizes FullSync. Zero RangeDays uses the configured
// default.
type FullOptions struct {
	RangeDays int
}

// IncrementalOptions parameterizes IncrementalSync. Zero Since means
// IncrementalDays before today.
type IncrementalOptions struct {
	Since time.Time
}

// Request describes a pass for Launch.
type Request struct {
	Type      index.SyncType
	RangeDays int       // full, cleanup
	Since     time.Time // incremental
	Date      time.Time // single_entry
}

// Launched acknowledges a pass started by Launch.
type Launched struct {
	Type      index.SyncType `json:"sync_type"`
	StartedAt time.Time      `json:"started_at"`
	SinceDate string         `json:"since_date,omitempty"`
	EntryDate string         `json:"entry_date,omitempty"`
	RangeDays int            `json:"date_range_days,omitempty"`
}

// Service runs reconciliation passes against the index. Full, incremental,
// and cleanup passes are mutually exclusive; a second one fails fast with
// ErrSyncInProgress. Single-entry syncs are not guarded; concurrent requests
// for the same date share one pass.
type Service struct {
	disc   Discoverer
	idx    Index
	rec    *reconciler
	opts   Options
	logger *slog.Logger

	guard  flightGuard
	single singleflight.Group

	// Background passes started by Launch.
	wg stdsync.WaitGroup

	listenersMu stdsync.RWMutex
	listeners   []func(*SyncResult)

	nowFunc func() time.Time // injectable for deterministic tests
}

// NewService wires a Service from its collaborators.
func NewService(disc Discoverer, reader FileReader, idx Index, opts Options, logger *slog.Logger) *Service {
	opts = opts.withDefaults()

	return &Service{
		disc:    disc,
		idx:     idx,
		rec:     newReconciler(disc, reader, idx, opts.ReadWorkers, logger),
		opts:    opts,
		logger:  logger,
		nowFunc: time.Now,
	}
}

// OnResult registers fn to be called after every finished pass, in the
// goroutine that ran it. fn must not block.
func (s *Service) OnResult(fn func(*SyncResult)) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()

	s.listeners = append(s.listeners, fn)
}

func (s *Service) notify(res *SyncResult) {
	s.listenersMu.RLock()
	defer s.listenersMu.RUnlock()

	for _, fn := range s.listeners {
		fn(res)
	}
}

func (s *Service) now() time.Time {
	return s.nowFunc()
}

// today is the current civil date in local time.
func (s *Service) today() time.Time {
	return entries.Day(s.now())
}

// FullSync reconciles every date in the last RangeDays days, then removes
// index rows whose files no longer exist.
func (s *Service) FullSync(ctx context.Context, opts FullOptions) (*SyncResult, error) {
	if !s.guard.tryAcquire(index.SyncFull) {
		return nil, ErrSyncInProgress
	}
	defer s.guard.release()

	return s.runFull(ctx, opts.RangeDays)
}

// IncrementalSync reconciles dates from Since through today. It never
// removes rows.
func (s *Service) IncrementalSync(ctx context.Context, opts IncrementalOptions) (*SyncResult, error) {
	if !s.guard.tryAcquire(index.SyncIncremental) {
		return nil, ErrSyncInProgress
	}
	defer s.guard.release()

	return s.runIncremental(ctx, opts.Since)
}

// Cleanup removes index rows whose files no longer exist, without
// re-reading files that do.
func (s *Service) Cleanup(ctx context.Context, opts FullOptions) (*SyncResult, error) {
	if !s.guard.tryAcquire(index.SyncCleanup) {
		return nil, ErrSyncInProgress
	}
	defer s.guard.release()

	return s.runCleanup(ctx, opts.RangeDays)
}

// SyncSingleEntry reconciles one date: the row is created or refreshed if
// the file exists and removed if it does not.
func (s *Service) SyncSingleEntry(ctx context.Context, date time.Time) (*SyncResult, error) {
	date = entries.Day(date)

	v, err, shared := s.single.Do(index.DateKey(date), func() (any, error) {
		return s.runSingle(ctx, date)
	})
	if shared {
		s.logger.Debug("joined in-flight single-entry sync", slog.String("date", index.DateKey(date)))
	}

	res, _ := v.(*SyncResult)

	return res, err
}

// Launch claims the guard (for full, incremental, and cleanup) and runs the
// pass in the background. ctx must outlive the caller's request; it is
// the context the pass runs under. Wait blocks until launched passes finish.
func (s *Service) Launch(ctx context.Context, req Request) (*Launched, error) {
	ack := &Launched{Type: req.Type, StartedAt: s.now()}

	var run func() (*SyncResult, error)

	switch req.Type {
	case index.SyncFull:
		ack.RangeDays = s.rangeOrDefault(req.RangeDays)
		run = func() (*SyncResult, error) { return s.runFull(ctx, req.RangeDays) }
	case index.SyncIncremental:
		ack.SinceDate = index.DateKey(s.sinceOrDefault(req.Since))
		run = func() (*SyncResult, error) { return s.runIncremental(ctx, req.Since) }
	case index.SyncCleanup:
		ack.RangeDays = s.rangeOrDefault(req.RangeDays)
		run = func() (*SyncResult, error) { return s.runCleanup(ctx, req.RangeDays) }
	case index.SyncSingleEntry:
		ack.EntryDate = index.DateKey(req.Date)
		s.goBackground(func() { _, _ = s.SyncSingleEntry(ctx, req.Date) })

		return ack, nil
	default:
		return nil, fmt.Errorf("sync: cannot launch sync type %q", req.Type)
	}

	if !s.guard.tryAcquire(req.Type) {
		return nil, ErrSyncInProgress
	}

	s.goBackground(func() {
		defer s.guard.release()
		_, _ = run()
	})

	return ack, nil
}

func (s *Service) goBackground(fn func()) {
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()
		fn()
	}()
}

// Wait blocks until every pass started by Launch has finished.
func (s *Service) Wait() {
	s.wg.Wait()
}

// Status reports whether a guarded pass is running along with recent history.
func (s *Service) Status(ctx context.Context) (*Status, error) {
	running, current := s.guard.snapshot()

	last, err := s.idx.LastCompleted(ctx, index.SyncFull)
	if err != nil {
		return nil, fmt.Errorf("sync: status: %w", err)
	}

	recent, err := s.idx.RecentHistory(ctx, s.opts.RecentHistory, nil)
	if err != nil {
		return nil, fmt.Errorf("sync: status: %w", err)
	}

	return &Status{
		SyncInProgress: running,
		CurrentType:    current,
		LastFullSync:   last,
		RecentSyncs:    recent,
	}, nil
}

// History returns up to limit history records, newest first, optionally
// filtered by type.
func (s *Service) History(ctx context.Context, limit int, t *index.SyncType) ([]*index.HistoryRecord, error) {
	if limit <= 0 {
		limit = s.opts.RecentHistory
	}

	recs, err := s.idx.RecentHistory(ctx, limit, t)
	if err != nil {
		return nil, fmt.Errorf("sync: history: %w", err)
	}

	return recs, nil
}

// IndexedCount returns the number of indexed entries.
func (s *Service) IndexedCount(ctx context.Context) (int, error) {
	return s.idx.CountEntries(ctx)
}

// LastSuccess returns when the most recent completed pass of type t
// finished, and false if there has been none.
func (s *Service) LastSuccess(ctx context.Context, t index.SyncType) (time.Time, bool, error) {
	rec, err := s.idx.LastCompleted(ctx, t)
	if err != nil {
		return time.Time{}, false, err
	}

	if rec == nil || rec.CompletedAt == nil {
		return time.Time{}, false, nil
	}

	return *rec.CompletedAt, true, nil
}

// --- pass bodies ---

func (s *Service) rangeOrDefault(days int) int {
	if days <= 0 {
		return s.opts.FullRangeDays
	}

	return days
}

func (s *Service) sinceOrDefault(since time.Time) time.Time {
	if since.IsZero() {
		return s.today().AddDate(0, 0, -s.opts.IncrementalDays)
	}

	return entries.Day(since)
}

func (s *Service) runFull(ctx context.Context, rangeDays int) (*SyncResult, error) {
	rangeDays = s.rangeOrDefault(rangeDays)
	end := s.today()
	start := end.AddDate(0, 0, -rangeDays)

	meta := map[string]any{
		"date_range_days": rangeDays,
		"start_date":      index.DateKey(start),
		"end_date":        index.DateKey(end),
	}

	return s.execute(ctx, index.SyncFull, meta, func(ctx context.Context, res *SyncResult, logger *slog.Logger) error {
		disc, err := s.discover(ctx, res, start, end)
		if err != nil {
			return err
		}

		if err := s.reconcileAll(ctx, res, logger, disc.Found); err != nil {
			logger.Warn("skipping cleanup after failed batches")
			return err
		}

		return s.cleanup(ctx, res, disc)
	})
}

func (s *Service) runIncremental(ctx context.Context, since time.Time) (*SyncResult, error) {
	start := s.sinceOrDefault(since)
	end := s.today()

	meta := map[string]any{
		"since_date": index.DateKey(start),
		"end_date":   index.DateKey(end),
	}

	return s.execute(ctx, index.SyncIncremental, meta, func(ctx context.Context, res *SyncResult, logger *slog.Logger) error {
		if start.After(end) {
			return fmt.Errorf("sync: since date %s is in the future", index.DateKey(start))
		}

		disc, err := s.discover(ctx, res, start, end)
		if err != nil {
			return err
		}

		return s.reconcileAll(ctx, res, logger, disc.Found)
	})
}

func (s *Service) runCleanup(ctx context.Context, rangeDays int) (*SyncResult, error) {
	rangeDays = s.rangeOrDefault(rangeDays)
	end := s.today()
	start := end.AddDate(0, 0, -rangeDays)

	meta := map[string]any{
		"date_range_days": rangeDays,
		"start_date":      index.DateKey(start),
		"end_date":        index.DateKey(end),
	}

	return s.execute(ctx, index.SyncCleanup, meta, func(ctx context.Context, res *SyncResult, _ *slog.Logger) error {
		disc, err := s.discover(ctx, res, start, end)
		if err != nil {
			return err
		}

		return s.cleanup(ctx, res, disc)
	})
}

func (s *Service) runSingle(ctx context.Context, date time.Time) (*SyncResult, error) {
	key := index.DateKey(date)
	meta := map[string]any{"entry_date": key}

	return s.execute(ctx, index.SyncSingleEntry, meta, func(ctx context.Context, res *SyncResult, logger *slog.Logger) error {
		res.EntryDate = key

		// A missing root must not read as "file deleted".
		if err := s.disc.CheckRoot(); err != nil {
			return fmt.Errorf("sync: entries root unavailable: %w", err)
		}

		path := s.disc.PathForDate(date)

		ok, err := s.disc.Exists(path)
		if err != nil {
			return err
		}

		if ok {
			rep, err := s.rec.reconcileBatch(ctx, []string{path})
			res.Errors = append(res.Errors, rep.errorMessages()...)

			if err != nil {
				return err
			}

			s.addBatch(res, rep)

			return nil
		}

		existing, err := s.idx.GetEntry(ctx, date)
		if err != nil {
			return err
		}

		if existing == nil {
			logger.Debug("entry absent and not indexed, nothing to do", slog.String("date", key))
			return nil
		}

		var batch index.Batch
		batch.Delete(date, func() bool {
			return s.rec.stillGone(index.IndexedRef{Date: date, FilePath: existing.FilePath})
		})

		br, err := s.idx.Apply(context.WithoutCancel(ctx), &batch)
		if err != nil {
			return fmt.Errorf("sync: removing entry %s: %w", key, err)
		}

		res.EntriesRemoved += br.Deleted

		return nil
	})
}

// discover runs discovery and records its stats on res.
func (s *Service) discover(ctx context.Context, res *SyncResult, start, end time.Time) (*entries.Discovery, error) {
	disc, err := s.disc.Discover(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("sync: discovery failed: %w", err)
	}

	res.Metadata["discovery"] = map[string]any{
		"dates_scanned": disc.Stats.DatesScanned,
		"found":         disc.Stats.Found,
		"missing":       disc.Stats.Missing,
		"duration_ms":   disc.Stats.Duration.Milliseconds(),
	}

	return disc, nil
}

// reconcileAll processes paths in batches. A failed batch is rolled back and
// recorded; later batches still run. Cancellation is observed between
// batches. The returned error joins every batch failure.
func (s *Service) reconcileAll(ctx context.Context, res *SyncResult, logger *slog.Logger, paths []string) error {
	size := s.opts.BatchSize
	total := (len(paths) + size - 1) / size

	var batchErrs []error

	done := 0

	for start := 0; start < len(paths); start += size {
		if err := ctx.Err(); err != nil {
			batchErrs = append(batchErrs, fmt.Errorf("sync: canceled after %d of %d batches: %w", done, total, err))
			break
		}

		end := min(start+size, len(paths))

		rep, err := s.rec.reconcileBatch(ctx, paths[start:end])
		res.Errors = append(res.Errors, rep.errorMessages()...)
		done++

		if err != nil {
			logger.Error("batch failed, continuing with next batch",
				slog.Int("batch", done),
				slog.Int("files", end-start),
				slog.String("error", err.Error()),
			)

			batchErrs = append(batchErrs, fmt.Errorf("batch %d: %w", done, err))

			continue
		}

		s.addBatch(res, rep)

		logger.Debug("batch committed",
			slog.Int("batch", done),
			slog.Int("of", total),
			slog.Int("inserted", rep.inserted),
			slog.Int("updated", rep.updated),
		)
	}

	res.Metadata["batches"] = done
	res.Metadata["batches_failed"] = len(batchErrs)

	return errors.Join(batchErrs...)
}

func (s *Service) addBatch(res *SyncResult, rep *batchReport) {
	res.EntriesProcessed += rep.processed()
	res.EntriesAdded += rep.inserted
	res.EntriesUpdated += rep.updated
}

// cleanup removes rows for dates absent from disc, re-verifying each one.
func (s *Service) cleanup(ctx context.Context, res *SyncResult, disc *entries.Discovery) error {
	discovered := make(map[string]struct{}, len(disc.Found))

	for _, p := range disc.Found {
		if d, err := s.disc.DateFromPath(p); err == nil {
			discovered[index.DateKey(d)] = struct{}{}
		}
	}

	rep, err := s.rec.cleanupOrphans(ctx, discovered, s.opts.BatchSize)
	if rep != nil {
		res.EntriesRemoved += rep.removed
		res.Metadata["cleanup_candidates"] = rep.candidates
		res.Metadata["cleanup_kept"] = len(rep.kept)
	}

	return err
}

// execute brackets body with a history record: a running record is written
// first, and a deferred finalizer marks it completed or failed even if body
// panics. Listeners are notified after finalization.
func (s *Service) execute(
	ctx context.Context, t index.SyncType, meta map[string]any,
	body func(context.Context, *SyncResult, *slog.Logger) error,
) (res *SyncResult, err error) {
	res = &SyncResult{
		RunID:     uuid.NewString(),
		Type:      t,
		StartedAt: s.now(),
		Errors:    []string{},
		Metadata:  meta,
	}
	res.Metadata["run_id"] = res.RunID

	logger := s.logger.With(slog.String("sync_type", string(t)), slog.String("run_id", res.RunID))
	logger.Info("sync started")

	histID, err := s.idx.StartHistory(context.WithoutCancel(ctx), t, res.StartedAt, meta)
	if err != nil {
		err = fmt.Errorf("sync: recording start: %w", err)
		res.CompletedAt = s.now()
		res.Error = err.Error()
		logger.Error("sync not started", slog.String("error", err.Error()))
		s.notify(res)

		return res, err
	}

	defer func() {
		res.CompletedAt = s.now()
		res.Success = err == nil
		res.Metadata["error_count"] = len(res.Errors)

		out := index.HistoryOutcome{
			Status:           index.StatusCompleted,
			CompletedAt:      res.CompletedAt,
			EntriesProcessed: res.EntriesProcessed,
			EntriesAdded:     res.EntriesAdded,
			EntriesUpdated:   res.EntriesUpdated,
			EntriesRemoved:   res.EntriesRemoved,
			Metadata:         res.Metadata,
		}

		if err != nil {
			res.Error = err.Error()
			out.Status = index.StatusFailed
			out.ErrorMessage = res.Error
		}

		if ferr := s.idx.FinishHistory(context.WithoutCancel(ctx), histID, out); ferr != nil {
			logger.Error("failed to finalize sync history",
				slog.Int64("history_id", histID),
				slog.String("error", ferr.Error()),
			)
		}

		s.logResult(logger, res)
		s.notify(res)
	}()

	err = safeRun(string(t)+" sync", func() error {
		return body(ctx, res, logger)
	})

	return res, err
}

func (s *Service) logResult(logger *slog.Logger, res *SyncResult) {
	attrs := []any{
		slog.Int("processed", res.EntriesProcessed),
		slog.Int("added", res.EntriesAdded),
		slog.Int("updated", res.EntriesUpdated),
		slog.Int("removed", res.EntriesRemoved),
		slog.Int("file_errors", len(res.Errors)),
		slog.Duration("duration", res.Duration()),
	}

	if !res.Success {
		logger.Error("sync failed", append(attrs, slog.String("error", res.Error))...)
		return
	}

	logger.Info("sync completed", attrs...)
}
