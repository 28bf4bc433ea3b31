package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/tonimelisma/indexsync/internal/entries"
	"github.com/tonimelisma/indexsync/internal/index"
	isync "github.com/tonimelisma/indexsync/internal/sync"
)

const (
	defaultEntriesDays = 30
	maxHistoryLimit    = 1000
	maxBodyBytes       = 1 << 16
)

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

// decodeBody decodes an optional JSON body into v. An empty body is fine.
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()

	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}

	return nil
}

// launch starts req and answers 202, or 409 when a sync is running.
func (s *Server) launch(w http.ResponseWriter, req isync.Request) {
	ack, err := s.deps.Sync.Launch(s.baseCtx, req)

	switch {
	case errors.Is(err, isync.ErrSyncInProgress):
		writeError(w, http.StatusConflict, "sync already in progress")
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusAccepted, ack)
	}
}

func (s *Server) handleSyncFull(w http.ResponseWriter, r *http.Request) {
	var body struct {
		DateRangeDays int `json:"date_range_days"`
	}

	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	if body.DateRangeDays < 0 {
		writeError(w, http.StatusBadRequest, "date_range_days must be positive")
		return
	}

	s.launch(w, isync.Request{Type: index.SyncFull, RangeDays: body.DateRangeDays})
}

func (s *Server) handleSyncIncremental(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SinceDays *int `json:"since_days"`
	}

	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	req := isync.Request{Type: index.SyncIncremental}

	if body.SinceDays != nil {
		if *body.SinceDays < 0 {
			writeError(w, http.StatusBadRequest, "since_days must not be negative")
			return
		}

		req.Since = entries.Day(s.nowFunc()).AddDate(0, 0, -*body.SinceDays)
	}

	s.launch(w, req)
}

func (s *Server) handleSyncEntry(w http.ResponseWriter, r *http.Request) {
	date, err := entries.ParseDate(r.PathValue("date"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
		return
	}

	s.launch(w, isync.Request{Type: index.SyncSingleEntry, Date: date})
}

func (s *Server) handleSyncCleanup(w http.ResponseWriter, _ *http.Request) {
	s.launch(w, isync.Request{Type: index.SyncCleanup})
}

func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.deps.Sync.Status(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleSyncHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 0

	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxHistoryLimit {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}

		limit = n
	}

	var typ *index.SyncType

	if v := q.Get("sync_type"); v != "" {
		t, err := index.ParseSyncType(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		typ = &t
	}

	recs, err := s.deps.Sync.History(r.Context(), limit, typ)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if recs == nil {
		recs = []*index.HistoryRecord{}
	}

	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleEntries(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	to := entries.Day(s.nowFunc())

	if v := q.Get("to"); v != "" {
		d, err := entries.ParseDate(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "to must be YYYY-MM-DD")
			return
		}

		to = d
	}

	from := to.AddDate(0, 0, -defaultEntriesDays)

	if v := q.Get("from"); v != "" {
		d, err := entries.ParseDate(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "from must be YYYY-MM-DD")
			return
		}

		from = d
	}

	if from.After(to) {
		writeError(w, http.StatusBadRequest, "from must not be after to")
		return
	}

	list, err := s.deps.Entries.ListEntries(r.Context(), from, to)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if list == nil {
		list = []*index.Entry{}
	}

	writeJSON(w, http.StatusOK, list)
}

// --- scheduler ---

func (s *Server) scheduler(w http.ResponseWriter) (SchedulerAPI, bool) {
	if s.deps.Scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler is disabled")
		return nil, false
	}

	return s.deps.Scheduler, true
}

func (s *Server) handleSchedulerStart(w http.ResponseWriter, _ *http.Request) {
	sched, ok := s.scheduler(w)
	if !ok {
		return
	}

	sched.Start(s.baseCtx)
	writeJSON(w, http.StatusOK, sched.Status())
}

func (s *Server) handleSchedulerStop(w http.ResponseWriter, _ *http.Request) {
	sched, ok := s.scheduler(w)
	if !ok {
		return
	}

	sched.Stop()
	writeJSON(w, http.StatusOK, sched.Status())
}

func (s *Server) handleSchedulerTriggerIncremental(w http.ResponseWriter, r *http.Request) {
	sched, ok := s.scheduler(w)
	if !ok {
		return
	}

	s.writeTriggerResult(w, r, sched.TriggerIncremental)
}

func (s *Server) handleSchedulerTriggerFull(w http.ResponseWriter, r *http.Request) {
	sched, ok := s.scheduler(w)
	if !ok {
		return
	}

	s.writeTriggerResult(w, r, sched.TriggerFull)
}

// writeTriggerResult runs a manual sync to completion. Failed syncs still
// answer 200 with success=false; only a busy guard is a conflict.
func (s *Server) writeTriggerResult(
	w http.ResponseWriter, r *http.Request,
	run func(ctx context.Context) (*isync.SyncResult, error),
) {
	res, err := run(r.Context())

	switch {
	case errors.Is(err, isync.ErrSyncInProgress):
		writeError(w, http.StatusConflict, "sync already in progress")
	case res != nil:
		writeJSON(w, http.StatusOK, res)
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) handleSchedulerStatus(w http.ResponseWriter, _ *http.Request) {
	sched, ok := s.scheduler(w)
	if !ok {
		return
	}

	writeJSON(w, http.StatusOK, sched.Status())
}

func (s *Server) handleSchedulerIntervals(w http.ResponseWriter, r *http.Request) {
	sched, ok := s.scheduler(w)
	if !ok {
		return
	}

	var body struct {
		IncrementalSeconds *int `json:"incremental_seconds"`
		FullHours          *int `json:"full_hours"`
	}

	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	var u isync.IntervalUpdate

	if body.IncrementalSeconds != nil {
		d := time.Duration(*body.IncrementalSeconds) * time.Second
		u.Incremental = &d
	}

	if body.FullHours != nil {
		d := time.Duration(*body.FullHours) * time.Hour
		u.Full = &d
	}

	if err := sched.UpdateIntervals(u); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, sched.Status())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	body := map[string]any{
		"status":            "ok",
		"websocket_clients": s.hub.count(),
	}

	if n, err := s.deps.Entries.CountEntries(r.Context()); err != nil {
		s.logger.Warn("health check cannot reach index", slog.String("error", err.Error()))
		status = http.StatusServiceUnavailable
		body["status"] = "degraded"
		body["error"] = err.Error()
	} else {
		body["indexed_entries"] = n
	}

	if s.deps.Scheduler != nil {
		body["scheduler"] = s.deps.Scheduler.Status().State
	}

	writeJSON(w, status, body)
}
