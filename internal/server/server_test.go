package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	stdsync "sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/indexsync/internal/index"
	isync "github.com/tonimelisma/indexsync/internal/sync"
)

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(&testLogWriter{t: t}, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

type testLogWriter struct {
	t *testing.T
}

func (w *testLogWriter) Write(p []byte) (int, error) {
	w.t.Helper()
	w.t.Log(string(p))

	return len(p), nil
}

var testNow = time.Date(2025, 3, 20, 12, 0, 0, 0, time.UTC)

// --- fakes ---

type fakeSync struct {
	mu       stdsync.Mutex
	busy     bool
	requests []isync.Request
	history  []*index.HistoryRecord
	histType *index.SyncType
	histLim  int
}

func (f *fakeSync) Launch(_ context.Context, req isync.Request) (*isync.Launched, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.busy && req.Type != index.SyncSingleEntry {
		return nil, isync.ErrSyncInProgress
	}

	f.requests = append(f.requests, req)

	ack := &isync.Launched{Type: req.Type, StartedAt: testNow}
	if req.Type == index.SyncSingleEntry {
		ack.EntryDate = index.DateKey(req.Date)
	}

	if !req.Since.IsZero() {
		ack.SinceDate = index.DateKey(req.Since)
	}

	return ack, nil
}

func (f *fakeSync) Status(context.Context) (*isync.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	st := &isync.Status{SyncInProgress: f.busy, RecentSyncs: f.history}
	if f.busy {
		st.CurrentType = index.SyncFull
	}

	return st, nil
}

func (f *fakeSync) History(_ context.Context, limit int, t *index.SyncType) ([]*index.HistoryRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.histLim, f.histType = limit, t

	return f.history, nil
}

func (f *fakeSync) lastRequest() isync.Request {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.requests[len(f.requests)-1]
}

type fakeScheduler struct {
	mu       stdsync.Mutex
	state    isync.State
	inc      time.Duration
	full     time.Duration
	incErr   error
	triggers []string
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{inc: 5 * time.Minute, full: 24 * time.Hour}
}

func (f *fakeScheduler) Start(context.Context) {
	f.mu.Lock()
	f.state = isync.StateRunning
	f.mu.Unlock()
}
func (f *fakeScheduler) Stop() { f.mu.Lock(); f.state = isync.StateStopped; f.mu.Unlock() }

func (f *fakeScheduler) TriggerIncremental(context.Context) (*isync.SyncResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.triggers = append(f.triggers, "incremental")

	if f.incErr != nil {
		return nil, f.incErr
	}

	return &isync.SyncResult{Type: index.SyncIncremental, Success: true, EntriesAdded: 2}, nil
}

func (f *fakeScheduler) TriggerFull(context.Context) (*isync.SyncResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.triggers = append(f.triggers, "full")

	return &isync.SyncResult{Type: index.SyncFull, Success: false, Error: "discovery failed"}, errors.New("discovery failed")
}

func (f *fakeScheduler) UpdateIntervals(u isync.IntervalUpdate) error {
	if err := u.Validate(); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if u.Incremental != nil {
		f.inc = *u.Incremental
	}

	if u.Full != nil {
		f.full = *u.Full
	}

	return nil
}

func (f *fakeScheduler) Status() isync.SchedulerStatus {
	f.mu.Lock()
	defer f.mu.Unlock()

	return isync.SchedulerStatus{
		State:               f.state.String(),
		IncrementalInterval: f.inc.String(),
		FullInterval:        f.full.String(),
	}
}

type fakeEntries struct {
	from, to time.Time
	list     []*index.Entry
	countErr error
}

func (f *fakeEntries) ListEntries(_ context.Context, from, to time.Time) ([]*index.Entry, error) {
	f.from, f.to = from, to
	return f.list, nil
}

func (f *fakeEntries) CountEntries(context.Context) (int, error) {
	if f.countErr != nil {
		return 0, f.countErr
	}

	return len(f.list), nil
}

// --- helpers ---

type harness struct {
	srv     *Server
	sync    *fakeSync
	sched   *fakeScheduler
	entries *fakeEntries
	handler http.Handler
}

func newHarness(t *testing.T, withScheduler bool) *harness {
	t.Helper()

	h := &harness{sync: &fakeSync{}, entries: &fakeEntries{}}
	deps := Deps{Sync: h.sync, Entries: h.entries}

	if withScheduler {
		h.sched = newFakeScheduler()
		deps.Scheduler = h.sched
	}

	h.srv = New("127.0.0.1:0", deps, testLogger(t))
	h.srv.nowFunc = func() time.Time { return testNow }
	h.handler = h.srv.Handler()

	return h
}

func (h *harness) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()

	var rdr *bytes.Reader
	if body != "" {
		rdr = bytes.NewReader([]byte(body))
	} else {
		rdr = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, rdr)
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)

	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()

	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())

	return v
}

// --- sync endpoints ---

func TestSyncFull_Accepted(t *testing.T) {
	t.Parallel()

	h := newHarness(t, false)

	rec := h.do(t, http.MethodPost, "/api/sync/full", `{"date_range_days": 90}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	body := decode[map[string]any](t, rec)
	assert.Equal(t, "full", body["sync_type"])
	assert.Equal(t, 90, h.sync.lastRequest().RangeDays)

	rec = h.do(t, http.MethodPost, "/api/sync/full", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Zero(t, h.sync.lastRequest().RangeDays, "empty body uses default range")
}

func TestSyncFull_ConflictWhenBusy(t *testing.T) {
	t.Parallel()

	h := newHarness(t, false)
	h.sync.busy = true

	for _, path := range []string{"/api/sync/full", "/api/sync/incremental", "/api/sync/cleanup"} {
		rec := h.do(t, http.MethodPost, path, "")
		assert.Equal(t, http.StatusConflict, rec.Code, path)
		assert.Equal(t, "sync already in progress", decode[errorBody](t, rec).Error)
	}

	// Single-entry syncs are never rejected.
	rec := h.do(t, http.MethodPost, "/api/sync/entry/2025-03-14", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestSyncFull_BadBody(t *testing.T) {
	t.Parallel()

	h := newHarness(t, false)

	assert.Equal(t, http.StatusBadRequest, h.do(t, http.MethodPost, "/api/sync/full", `{"date_range_days": -1}`).Code)
	assert.Equal(t, http.StatusBadRequest, h.do(t, http.MethodPost, "/api/sync/full", `{"bogus": 1}`).Code)
	assert.Equal(t, http.StatusBadRequest, h.do(t, http.MethodPost, "/api/sync/full", `not json`).Code)
}

func TestSyncIncremental_SinceDays(t *testing.T) {
	t.Parallel()

	h := newHarness(t, false)

	rec := h.do(t, http.MethodPost, "/api/sync/incremental", `{"since_days": 3}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	body := decode[map[string]any](t, rec)
	assert.Equal(t, "incremental", body["sync_type"])
	assert.Equal(t, "2025-03-17", body["since_date"])

	rec = h.do(t, http.MethodPost, "/api/sync/incremental", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.True(t, h.sync.lastRequest().Since.IsZero())

	assert.Equal(t, http.StatusBadRequest, h.do(t, http.MethodPost, "/api/sync/incremental", `{"since_days": -2}`).Code)
}

func TestSyncEntry(t *testing.T) {
	t.Parallel()

	h := newHarness(t, false)

	rec := h.do(t, http.MethodPost, "/api/sync/entry/2025-03-14", "")
	require.Equal(t, http.StatusAccepted, rec.Code)

	body := decode[map[string]any](t, rec)
	assert.Equal(t, "single_entry", body["sync_type"])
	assert.Equal(t, "2025-03-14", body["entry_date"])

	assert.Equal(t, http.StatusBadRequest, h.do(t, http.MethodPost, "/api/sync/entry/14-03-2025", "").Code)
	assert.Equal(t, http.StatusMethodNotAllowed, h.do(t, http.MethodGet, "/api/sync/entry/2025-03-14", "").Code)
}

func TestSyncStatus(t *testing.T) {
	t.Parallel()

	h := newHarness(t, false)
	h.sync.busy = true
	h.sync.history = []*index.HistoryRecord{{ID: 1, Type: index.SyncFull, Status: index.StatusRunning}}

	rec := h.do(t, http.MethodGet, "/api/sync/status", "")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode[map[string]any](t, rec)
	assert.Equal(t, true, body["sync_in_progress"])
	assert.Nil(t, body["last_full_sync"])
	assert.Len(t, body["recent_syncs"], 1)
}

func TestSyncHistory_Params(t *testing.T) {
	t.Parallel()

	h := newHarness(t, false)

	rec := h.do(t, http.MethodGet, "/api/sync/history?limit=5&sync_type=incremental", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]\n", rec.Body.String())
	assert.Equal(t, 5, h.sync.histLim)
	require.NotNil(t, h.sync.histType)
	assert.Equal(t, index.SyncIncremental, *h.sync.histType)

	assert.Equal(t, http.StatusBadRequest, h.do(t, http.MethodGet, "/api/sync/history?limit=0", "").Code)
	assert.Equal(t, http.StatusBadRequest, h.do(t, http.MethodGet, "/api/sync/history?limit=x", "").Code)
	assert.Equal(t, http.StatusBadRequest, h.do(t, http.MethodGet, "/api/sync/history?sync_type=weekly", "").Code)
}

func TestEntries_Range(t *testing.T) {
	t.Parallel()

	h := newHarness(t, false)

	rec := h.do(t, http.MethodGet, "/api/entries", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "2025-02-18", index.DateKey(h.entries.from))
	assert.Equal(t, "2025-03-20", index.DateKey(h.entries.to))

	rec = h.do(t, http.MethodGet, "/api/entries?from=2025-01-01&to=2025-01-31", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "2025-01-01", index.DateKey(h.entries.from))
	assert.Equal(t, "2025-01-31", index.DateKey(h.entries.to))

	assert.Equal(t, http.StatusBadRequest, h.do(t, http.MethodGet, "/api/entries?from=2025-02-01&to=2025-01-01", "").Code)
	assert.Equal(t, http.StatusBadRequest, h.do(t, http.MethodGet, "/api/entries?from=yesterday", "").Code)
}

// --- scheduler endpoints ---

func TestScheduler_DisabledAnswers503(t *testing.T) {
	t.Parallel()

	h := newHarness(t, false)

	rec := h.do(t, http.MethodGet, "/api/scheduler/status", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "scheduler is disabled", decode[errorBody](t, rec).Error)
}

func TestScheduler_StartStopStatus(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true)

	rec := h.do(t, http.MethodPost, "/api/scheduler/start", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "running", decode[isync.SchedulerStatus](t, rec).State)

	rec = h.do(t, http.MethodPost, "/api/scheduler/stop", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "stopped", decode[isync.SchedulerStatus](t, rec).State)
}

func TestScheduler_Triggers(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true)

	rec := h.do(t, http.MethodPost, "/api/scheduler/trigger/incremental", "")
	require.Equal(t, http.StatusOK, rec.Code)
	res := decode[isync.SyncResult](t, rec)
	assert.True(t, res.Success)
	assert.Equal(t, 2, res.EntriesAdded)

	rec = h.do(t, http.MethodPost, "/api/scheduler/trigger/full", "")
	require.Equal(t, http.StatusOK, rec.Code, "failed sync still reports its result")
	assert.False(t, decode[isync.SyncResult](t, rec).Success)

	h.sched.incErr = isync.ErrSyncInProgress
	rec = h.do(t, http.MethodPost, "/api/scheduler/trigger/incremental", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	assert.Equal(t, []string{"incremental", "full", "incremental"}, h.sched.triggers)
}

func TestScheduler_Intervals(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true)

	rec := h.do(t, http.MethodPut, "/api/scheduler/intervals", `{"incremental_seconds": 120, "full_hours": 12}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	st := decode[isync.SchedulerStatus](t, rec)
	assert.Equal(t, "2m0s", st.IncrementalInterval)
	assert.Equal(t, "12h0m0s", st.FullInterval)

	rec = h.do(t, http.MethodPut, "/api/scheduler/intervals", `{"incremental_seconds": 10}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decode[errorBody](t, rec).Error, "incremental interval")

	rec = h.do(t, http.MethodPut, "/api/scheduler/intervals", `{"incremental_seconds": 300}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "12h0m0s", decode[isync.SchedulerStatus](t, rec).FullInterval, "omitted field unchanged")
}

func TestHealth(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true)
	h.entries.list = []*index.Entry{{}, {}}

	rec := h.do(t, http.MethodGet, "/api/health", "")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode[map[string]any](t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.EqualValues(t, 2, body["indexed_entries"])
	assert.Equal(t, "stopped", body["scheduler"])

	h.entries.countErr = errors.New("database is locked")

	rec = h.do(t, http.MethodGet, "/api/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "degraded", decode[map[string]any](t, rec)["status"])
}

// --- websocket ---

func TestWebSocket_StreamsResults(t *testing.T) {
	t.Parallel()

	h := newHarness(t, false)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- h.srv.Serve(ctx, ln) }()

	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})

	dialCtx, dialCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer dialCancel()

	conn, _, err := websocket.Dial(dialCtx, "ws://"+ln.Addr().String()+"/ws", nil)
	require.NoError(t, err)

	defer conn.CloseNow()

	read := func() Message {
		_, data, err := conn.Read(dialCtx)
		require.NoError(t, err)

		var msg Message
		require.NoError(t, json.Unmarshal(data, &msg))

		return msg
	}

	assert.Equal(t, MessageHello, read().Type)

	h.srv.Publish(&isync.SyncResult{RunID: "run-1", Type: index.SyncIncremental, Success: true, CompletedAt: testNow})

	msg := read()
	assert.Equal(t, MessageSyncComplete, msg.Type)
	require.NotNil(t, msg.Result)
	assert.Equal(t, "run-1", msg.Result.RunID)

	// Health reports the connected client over the live server.
	resp, err := http.Get("http://" + ln.Addr().String() + "/api/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	var health map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.EqualValues(t, 1, health["websocket_clients"])
}

func TestPublish_DropsWhenBufferFull(t *testing.T) {
	t.Parallel()

	h := newHarness(t, false)

	for i := range hubBufferSize + 5 {
		h.srv.Publish(&isync.SyncResult{RunID: strings.Repeat("x", i%3+1)})
	}

	assert.Len(t, h.srv.hub.broadcast, hubBufferSize)
}
