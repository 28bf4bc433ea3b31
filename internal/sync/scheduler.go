package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	stdsync "sync"
	"time"

	"github.com/tonimelisma/indexsync/internal/index"
)

// Interval lower bounds accepted by UpdateIntervals.
const (
	MinIncrementalInterval = time.Minute
	MinFullInterval        = time.Hour
)

// Scheduler defaults, used when SchedulerConfig leaves a field at zero.
const (
	defaultIncrementalInterval = 5 * time.Minute
	defaultFullInterval        = 24 * time.Hour
	defaultTick                = 60 * time.Second
	defaultErrorBackoff        = 30 * time.Second
)

// SchedulerConfig holds the scheduler cadence.
type SchedulerConfig struct {
	IncrementalInterval time.Duration
	FullInterval        time.Duration
	StartupDelay        time.Duration
	Tick                time.Duration
	ErrorBackoff        time.Duration
}

func (c SchedulerConfig) withDefaults() SchedulerConfig {
	if c.IncrementalInterval <= 0 {
		c.IncrementalInterval = defaultIncrementalInterval
	}

	if c.FullInterval <= 0 {
		c.FullInterval = defaultFullInterval
	}

	if c.Tick <= 0 {
		c.Tick = defaultTick
	}

	if c.ErrorBackoff <= 0 {
		c.ErrorBackoff = defaultErrorBackoff
	}

	if c.StartupDelay < 0 {
		c.StartupDelay = 0
	}

	return c
}

// IntervalUpdate changes one or both timer intervals. Nil fields are left
// as they are.
type IntervalUpdate struct {
	Incremental *time.Duration
	Full        *time.Duration
}

// Validate checks the update against the interval minimums.
func (u IntervalUpdate) Validate() error {
	var errs []error

	if u.Incremental != nil && *u.Incremental < MinIncrementalInterval {
		errs = append(errs, fmt.Errorf("incremental interval must be at least %s, got %s",
			MinIncrementalInterval, *u.Incremental))
	}

	if u.Full != nil && *u.Full < MinFullInterval {
		errs = append(errs, fmt.Errorf("full interval must be at least %s, got %s",
			MinFullInterval, *u.Full))
	}

	return errors.Join(errs...)
}

// State is the scheduler lifecycle state.
type State int

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// SyncBackend is what the Scheduler drives. Implemented by *Service.
type SyncBackend interface {
	FullSync(ctx context.Context, opts FullOptions) (*SyncResult, error)
	IncrementalSync(ctx context.Context, opts IncrementalOptions) (*SyncResult, error)
	IndexedCount(ctx context.Context) (int, error)
	LastSuccess(ctx context.Context, t index.SyncType) (time.Time, bool, error)
}

// SchedulerStatus is a point-in-time view of the scheduler.
type SchedulerStatus struct {
	State                 string     `json:"state"`
	IncrementalInterval   string     `json:"incremental_interval"`
	FullInterval          string     `json:"full_interval"`
	LastIncrementalSync   *time.Time `json:"last_incremental_sync"`
	LastFullSync          *time.Time `json:"last_full_sync"`
	NextIncrementalSync   *time.Time `json:"next_incremental_sync"`
	NextFullSync          *time.Time `json:"next_full_sync"`
	IncrementalRuns       int        `json:"incremental_runs"`
	FullRuns              int        `json:"full_runs"`
	FailedRuns            int        `json:"failed_runs"`
	ConsecutiveLoopErrors int        `json:"consecutive_loop_errors"`
	LastError             string     `json:"last_error,omitempty"`
}

// Scheduler runs incremental and full syncs on fixed cadences. Timers
// measure time since the last successful run of each type; a failed run
// leaves its timer alone and is retried on the next tick.
type Scheduler struct {
	backend SyncBackend
	logger  *slog.Logger

	mu    stdsync.Mutex
	cfg   SchedulerConfig
	state State

	cancel context.CancelFunc
	done   chan struct{}

	lastIncremental time.Time
	lastFull        time.Time

	incrementalRuns int
	fullRuns        int
	failedRuns      int
	loopErrors      int
	lastErr         string

	nowFunc   func() time.Time
	sleepFunc func(ctx context.Context, d time.Duration) error
}

// NewScheduler creates a stopped Scheduler.
func NewScheduler(backend SyncBackend, cfg SchedulerConfig, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		backend:   backend,
		logger:    logger,
		cfg:       cfg.withDefaults(),
		nowFunc:   time.Now,
		sleepFunc: timeSleep,
	}
}

// Start launches the scheduler loop. It returns once the timers are
// seeded; calling it on a scheduler that is not stopped logs a warning and
// does nothing. The loop runs until Stop is called or ctx is canceled.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.state != StateStopped {
		state := s.state
		s.mu.Unlock()
		s.logger.Warn("scheduler already started", slog.String("state", state.String()))

		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	s.state = StateStarting
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	s.seedTimers(loopCtx)

	s.mu.Lock()
	if s.state != StateStarting {
		// Stop arrived while seeding and is waiting on done.
		s.mu.Unlock()
		close(done)

		return
	}

	s.state = StateRunning
	cfg := s.cfg
	s.mu.Unlock()

	s.logger.Info("scheduler started",
		slog.Duration("incremental_interval", cfg.IncrementalInterval),
		slog.Duration("full_interval", cfg.FullInterval),
		slog.Duration("startup_delay", cfg.StartupDelay),
	)

	go func() {
		defer close(done)
		s.loop(loopCtx)
	}()
}

// Stop cancels the loop and waits for it to exit. A sync in progress
// finishes its current batch first. Stop on a stopped scheduler is a no-op;
// concurrent callers all wait for the same loop exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()

	switch s.state {
	case StateStopped:
		s.mu.Unlock()
		return
	case StateStopping:
		done := s.done
		s.mu.Unlock()
		s.finishStop(done)

		return
	}

	s.state = StateStopping
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	s.finishStop(done)

	s.logger.Info("scheduler stopped")
}

// finishStop waits for the loop behind done and marks the scheduler
// stopped, unless a later Start has already replaced it.
func (s *Scheduler) finishStop(done chan struct{}) {
	<-done

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done != done {
		return
	}

	s.state = StateStopped
	s.cancel = nil
	s.done = nil
}

// State returns the current lifecycle state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state
}

// seedTimers starts each timer at the last recorded success, or at now when
// there is none, so a restart does not immediately repeat recent work.
func (s *Scheduler) seedTimers(ctx context.Context) {
	now := s.nowFunc()

	seed := func(t index.SyncType) time.Time {
		at, ok, err := s.backend.LastSuccess(ctx, t)
		if err != nil {
			s.logger.Warn("cannot read last sync time, starting timer now",
				slog.String("sync_type", string(t)),
				slog.String("error", err.Error()),
			)

			return now
		}

		if !ok {
			return now
		}

		return at
	}

	inc := seed(index.SyncIncremental)
	full := seed(index.SyncFull)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastIncremental = inc
	s.lastFull = full

	// A full pass covers the incremental window too.
	if s.lastFull.After(s.lastIncremental) {
		s.lastIncremental = s.lastFull
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	s.mu.Lock()
	delay := s.cfg.StartupDelay
	s.mu.Unlock()

	if err := s.sleepFunc(ctx, delay); err != nil {
		return
	}

	s.guarded(ctx, "bootstrap sync", s.bootstrap)

	for {
		s.mu.Lock()
		tick := s.cfg.Tick
		s.mu.Unlock()

		if err := s.sleepFunc(ctx, tick); err != nil {
			return
		}

		s.guarded(ctx, "scheduler tick", s.evaluate)
	}
}

// guarded runs fn with panic recovery. A loop error is logged and followed
// by a backoff sleep that grows with consecutive failures.
func (s *Scheduler) guarded(ctx context.Context, what string, fn func(context.Context) error) {
	err := safeRun(what, func() error { return fn(ctx) })

	s.mu.Lock()
	if err == nil {
		s.loopErrors = 0
		s.mu.Unlock()

		return
	}

	s.loopErrors++
	s.lastErr = err.Error()
	wait := backoffDuration(s.cfg.ErrorBackoff, s.loopErrors)
	failures := s.loopErrors
	s.mu.Unlock()

	s.logger.Error("scheduler loop error",
		slog.String("step", what),
		slog.String("error", err.Error()),
		slog.Int("consecutive", failures),
		slog.Duration("backoff", wait),
	)

	_ = s.sleepFunc(ctx, wait)
}

// bootstrap runs once after the startup delay: a full sync when the index
// is empty, otherwise an incremental sync.
func (s *Scheduler) bootstrap(ctx context.Context) error {
	n, err := s.backend.IndexedCount(ctx)
	if err != nil {
		return fmt.Errorf("sync: counting indexed entries: %w", err)
	}

	if n == 0 {
		s.logger.Info("index is empty, running bootstrap full sync")
		s.runFull(ctx)

		return nil
	}

	s.logger.Info("running bootstrap incremental sync", slog.Int("indexed", n))
	s.runIncremental(ctx)

	return nil
}

// evaluate checks both timers. Full runs first when due; incremental then
// runs if it is still due, so a failing full sync cannot starve it.
func (s *Scheduler) evaluate(ctx context.Context) error {
	if s.due(index.SyncFull) {
		s.runFull(ctx)
	}

	if s.due(index.SyncIncremental) {
		s.runIncremental(ctx)
	}

	return nil
}

func (s *Scheduler) due(t index.SyncType) bool {
	now := s.nowFunc()

	s.mu.Lock()
	defer s.mu.Unlock()

	if t == index.SyncFull {
		return now.Sub(s.lastFull) >= s.cfg.FullInterval
	}

	return now.Sub(s.lastIncremental) >= s.cfg.IncrementalInterval
}

// TriggerIncremental runs an incremental sync now and updates the timer the
// same way a scheduled run does.
func (s *Scheduler) TriggerIncremental(ctx context.Context) (*SyncResult, error) {
	return s.runIncremental(ctx)
}

// TriggerFull runs a full sync now and updates the timers the same way a
// scheduled run does.
func (s *Scheduler) TriggerFull(ctx context.Context) (*SyncResult, error) {
	return s.runFull(ctx)
}

func (s *Scheduler) runFull(ctx context.Context) (*SyncResult, error) {
	res, err := s.backend.FullSync(ctx, FullOptions{})
	s.record(index.SyncFull, res, err)

	return res, err
}

func (s *Scheduler) runIncremental(ctx context.Context) (*SyncResult, error) {
	res, err := s.backend.IncrementalSync(ctx, IncrementalOptions{})
	s.record(index.SyncIncremental, res, err)

	return res, err
}

// record updates timers and counters after a run. Sync failures are logged
// here and never escalate.
func (s *Scheduler) record(t index.SyncType, res *SyncResult, err error) {
	if errors.Is(err, ErrSyncInProgress) {
		s.logger.Info("sync skipped, another sync is running", slog.String("sync_type", string(t)))
		return
	}

	now := s.nowFunc()

	s.mu.Lock()
	defer s.mu.Unlock()

	if err != nil || res == nil || !res.Success {
		s.failedRuns++

		msg := "sync reported failure"

		switch {
		case err != nil:
			msg = err.Error()
		case res != nil && res.Error != "":
			msg = res.Error
		}

		s.lastErr = msg
		s.logger.Warn("scheduled sync failed, will retry on next tick",
			slog.String("sync_type", string(t)),
			slog.String("error", msg),
		)

		return
	}

	switch t {
	case index.SyncFull:
		s.fullRuns++
		s.lastFull = now
		s.lastIncremental = now
	case index.SyncIncremental:
		s.incrementalRuns++
		s.lastIncremental = now
	}
}

// UpdateIntervals validates and applies new intervals. Running timers keep
// their last-success base; the new interval takes effect on the next tick.
func (s *Scheduler) UpdateIntervals(u IntervalUpdate) error {
	if err := u.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if u.Incremental != nil {
		s.cfg.IncrementalInterval = *u.Incremental
	}

	if u.Full != nil {
		s.cfg.FullInterval = *u.Full
	}

	s.logger.Info("scheduler intervals updated",
		slog.Duration("incremental_interval", s.cfg.IncrementalInterval),
		slog.Duration("full_interval", s.cfg.FullInterval),
	)

	return nil
}

// Status returns a snapshot of scheduler state.
func (s *Scheduler) Status() SchedulerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := SchedulerStatus{
		State:                 s.state.String(),
		IncrementalInterval:   s.cfg.IncrementalInterval.String(),
		FullInterval:          s.cfg.FullInterval.String(),
		IncrementalRuns:       s.incrementalRuns,
		FullRuns:              s.fullRuns,
		FailedRuns:            s.failedRuns,
		ConsecutiveLoopErrors: s.loopErrors,
		LastError:             s.lastErr,
	}

	if !s.lastIncremental.IsZero() {
		last, next := s.lastIncremental, s.lastIncremental.Add(s.cfg.IncrementalInterval)
		st.LastIncrementalSync, st.NextIncrementalSync = &last, &next
	}

	if !s.lastFull.IsZero() {
		last, next := s.lastFull, s.lastFull.Add(s.cfg.FullInterval)
		st.LastFullSync, st.NextFullSync = &last, &next
	}

	return st
}
