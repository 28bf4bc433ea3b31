// Package server exposes the sync service and scheduler over HTTP, and
// streams finished sync results to websocket clients.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/tonimelisma/indexsync/internal/index"
	isync "github.com/tonimelisma/indexsync/internal/sync"
)

const (
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 5 * time.Second
)

// SyncAPI is the sync service surface the server uses. Implemented by
// *sync.Service.
type SyncAPI interface {
	Launch(ctx context.Context, req isync.Request) (*isync.Launched, error)
	Status(ctx context.Context) (*isync.Status, error)
	History(ctx context.Context, limit int, t *index.SyncType) ([]*index.HistoryRecord, error)
}

// SchedulerAPI is the scheduler surface the server uses. Implemented by
// *sync.Scheduler.
type SchedulerAPI interface {
	Start(ctx context.Context)
	Stop()
	TriggerIncremental(ctx context.Context) (*isync.SyncResult, error)
	TriggerFull(ctx context.Context) (*isync.SyncResult, error)
	UpdateIntervals(u isync.IntervalUpdate) error
	Status() isync.SchedulerStatus
}

// EntryLister queries the index. Implemented by *index.Store.
type EntryLister interface {
	ListEntries(ctx context.Context, from, to time.Time) ([]*index.Entry, error)
	CountEntries(ctx context.Context) (int, error)
}

// Deps are the collaborators behind the API. Scheduler may be nil when the
// scheduler is disabled; its endpoints then answer 503.
type Deps struct {
	Sync      SyncAPI
	Scheduler SchedulerAPI
	Entries   EntryLister
}

// Server is the HTTP control API.
type Server struct {
	listen string
	deps   Deps
	hub    *hub
	logger *slog.Logger

	// baseCtx outlives individual requests; launched syncs and a scheduler
	// started over the API run under it.
	baseCtx context.Context

	nowFunc func() time.Time
}

// New creates a Server listening on listen once Run is called.
func New(listen string, deps Deps, logger *slog.Logger) *Server {
	return &Server{
		listen:  listen,
		deps:    deps,
		hub:     newHub(logger),
		logger:  logger,
		baseCtx: context.Background(),
		nowFunc: time.Now,
	}
}

// Publish queues res for every connected websocket client. It never blocks.
func (s *Server) Publish(res *isync.SyncResult) {
	s.hub.publish(res)
}

// Handler returns the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/sync/full", s.handleSyncFull)
	mux.HandleFunc("POST /api/sync/incremental", s.handleSyncIncremental)
	mux.HandleFunc("POST /api/sync/entry/{date}", s.handleSyncEntry)
	mux.HandleFunc("POST /api/sync/cleanup", s.handleSyncCleanup)
	mux.HandleFunc("GET /api/sync/status", s.handleSyncStatus)
	mux.HandleFunc("GET /api/sync/history", s.handleSyncHistory)
	mux.HandleFunc("GET /api/entries", s.handleEntries)

	mux.HandleFunc("POST /api/scheduler/start", s.handleSchedulerStart)
	mux.HandleFunc("POST /api/scheduler/stop", s.handleSchedulerStop)
	mux.HandleFunc("POST /api/scheduler/trigger/incremental", s.handleSchedulerTriggerIncremental)
	mux.HandleFunc("POST /api/scheduler/trigger/full", s.handleSchedulerTriggerFull)
	mux.HandleFunc("GET /api/scheduler/status", s.handleSchedulerStatus)
	mux.HandleFunc("PUT /api/scheduler/intervals", s.handleSchedulerIntervals)

	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /ws", s.hub.handleWebSocket)

	return s.logRequests(mux)
}

// Run serves until ctx is canceled, then shuts down gracefully and closes
// websocket clients.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.listen)
	if err != nil {
		return fmt.Errorf("server: listen on %s: %w", s.listen, err)
	}

	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.baseCtx = ctx

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	hubCtx, stopHub := context.WithCancel(ctx)
	defer stopHub()

	hubDone := make(chan struct{})

	go func() {
		defer close(hubDone)
		s.hub.run(hubCtx)
	}()

	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("http api listening", slog.String("addr", ln.Addr().String()))
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		stopHub()
		<-hubDone

		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}

		return fmt.Errorf("server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	s.hub.closeAll()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}

	<-hubDone
	s.logger.Info("http api stopped")

	return nil
}

// statusRecorder captures the response status for request logging.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Hijack is required by the websocket upgrade.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("server: response writer does not support hijacking")
	}

	r.status = http.StatusSwitchingProtocols

	return hj.Hijack()
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		s.logger.Debug("http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rec.status),
			slog.Duration("duration", time.Since(start)),
		)
	})
}
