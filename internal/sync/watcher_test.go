package sync

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	stdsync "sync"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/indexsync/internal/entries"
	"github.com/tonimelisma/indexsync/internal/index"
)

type mockFsWatcher struct {
	mu     stdsync.Mutex
	added  []string
	events chan fsnotify.Event
	errs   chan error
}

func newMockFsWatcher() *mockFsWatcher {
	return &mockFsWatcher{
		events: make(chan fsnotify.Event, 10),
		errs:   make(chan error, 10),
	}
}

func (m *mockFsWatcher) Add(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.added = append(m.added, name)

	return nil
}

func (m *mockFsWatcher) Remove(string) error           { return nil }
func (m *mockFsWatcher) Close() error                  { return nil }
func (m *mockFsWatcher) Events() <-chan fsnotify.Event { return m.events }
func (m *mockFsWatcher) Errors() <-chan error          { return m.errs }
func (m *mockFsWatcher) send(name string, op fsnotify.Op) {
	m.events <- fsnotify.Event{Name: name, Op: op}
}

func (m *mockFsWatcher) watched() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]string(nil), m.added...)
}

// recordingSyncer records single-entry syncs.
type recordingSyncer struct {
	mu    stdsync.Mutex
	dates []string
	err   error
	got   chan string
}

func newRecordingSyncer() *recordingSyncer {
	return &recordingSyncer{got: make(chan string, 32)}
}

func (r *recordingSyncer) SyncSingleEntry(_ context.Context, date time.Time) (*SyncResult, error) {
	key := index.DateKey(date)

	r.mu.Lock()
	r.dates = append(r.dates, key)
	err := r.err
	r.mu.Unlock()

	r.got <- key

	if err != nil {
		return &SyncResult{Error: err.Error()}, err
	}

	return &SyncResult{Success: true, EntryDate: key}, nil
}

func (r *recordingSyncer) synced() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]string(nil), r.dates...)
}

func newTestWatcher(t *testing.T, root string, syncer EntrySyncer, debounce time.Duration) (*Watcher, *clock) {
	t.Helper()

	layout := entries.NewLayout(afero.NewOsFs(), entries.LayoutConfig{
		Root:       root,
		FilePrefix: "worklog_",
		Extension:  ".md",
		WeekEndsOn: time.Sunday,
	})

	w := NewWatcher(WatcherConfig{Root: root, Debounce: debounce, MaxSyncsPerSecond: 1000}, layout, syncer, testLogger(t))
	clk := &clock{now: fixedNow}
	w.nowFunc = clk.Now

	return w, clk
}

func TestWatcher_DebouncesBurstsPerDate(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	syncer := newRecordingSyncer()
	w, clk := newTestWatcher(t, root, syncer, 2*time.Second)
	fw := newMockFsWatcher()

	path := filepath.Join(root, "2025", "week_ending_2025-03-16", "worklog_2025-03-14.md")

	w.handleFsEvent(fw, fsnotify.Event{Name: path, Op: fsnotify.Create})
	w.handleFsEvent(fw, fsnotify.Event{Name: path, Op: fsnotify.Write})

	w.dispatchDue(context.Background())
	assert.Empty(t, syncer.synced(), "still within debounce")

	clk.Advance(time.Second)
	w.handleFsEvent(fw, fsnotify.Event{Name: path, Op: fsnotify.Write})

	clk.Advance(1500 * time.Millisecond)
	w.dispatchDue(context.Background())
	assert.Empty(t, syncer.synced(), "deadline pushed back by the last write")

	clk.Advance(time.Second)
	w.dispatchDue(context.Background())
	assert.Equal(t, []string{"2025-03-14"}, syncer.synced())

	w.dispatchDue(context.Background())
	assert.Len(t, syncer.synced(), 1, "queue drained")
}

func TestWatcher_IgnoresChmodAndForeignFiles(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	syncer := newRecordingSyncer()
	w, _ := newTestWatcher(t, root, syncer, 0)
	fw := newMockFsWatcher()

	w.handleFsEvent(fw, fsnotify.Event{Name: filepath.Join(root, "worklog_2025-03-14.md"), Op: fsnotify.Chmod})
	w.handleFsEvent(fw, fsnotify.Event{Name: filepath.Join(root, "notes.txt"), Op: fsnotify.Write})
	w.handleFsEvent(fw, fsnotify.Event{Name: filepath.Join(root, ".worklog_2025-03-14.md.swp"), Op: fsnotify.Write})

	w.dispatchDue(context.Background())
	assert.Empty(t, syncer.synced())
}

func TestWatcher_RemoveTriggersSync(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	syncer := newRecordingSyncer()
	w, _ := newTestWatcher(t, root, syncer, 0)
	fw := newMockFsWatcher()

	w.handleFsEvent(fw, fsnotify.Event{Name: filepath.Join(root, "worklog_2025-03-14.md"), Op: fsnotify.Remove})
	w.handleFsEvent(fw, fsnotify.Event{Name: filepath.Join(root, "worklog_2025-03-13.md"), Op: fsnotify.Rename})

	w.dispatchDue(context.Background())
	assert.Equal(t, []string{"2025-03-13", "2025-03-14"}, syncer.synced(), "oldest date first")
}

func TestWatcher_NewDirectoryWatchedAndScanned(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	syncer := newRecordingSyncer()
	w, _ := newTestWatcher(t, root, syncer, 0)
	fw := newMockFsWatcher()

	dir := filepath.Join(root, "2025", "week_ending_2025-03-23")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "worklog_2025-03-21.md"), []byte("hi"), 0o644))

	w.handleFsEvent(fw, fsnotify.Event{Name: filepath.Join(root, "2025"), Op: fsnotify.Create})

	assert.ElementsMatch(t, []string{filepath.Join(root, "2025"), dir}, fw.watched())

	w.dispatchDue(context.Background())
	assert.Equal(t, []string{"2025-03-21"}, syncer.synced())
}

func TestWatcher_SuppressesRepeatedFailures(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	syncer := newRecordingSyncer()
	syncer.err = errors.New("unreadable")
	w, _ := newTestWatcher(t, root, syncer, 0)
	fw := newMockFsWatcher()

	path := filepath.Join(root, "worklog_2025-03-14.md")

	for range failureThreshold + 2 {
		w.handleFsEvent(fw, fsnotify.Event{Name: path, Op: fsnotify.Write})
		w.dispatchDue(context.Background())
	}

	assert.Len(t, syncer.synced(), failureThreshold)
	assert.Equal(t, 1, w.failures.suppressed())
}

func TestWatcher_RunDispatchesUntilCanceled(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "2025", "week_ending_2025-03-16"), 0o755))

	syncer := newRecordingSyncer()
	w, _ := newTestWatcher(t, root, syncer, 0)
	w.nowFunc = time.Now

	fw := newMockFsWatcher()
	w.newWatcher = func() (FsWatcher, error) { return fw, nil }

	var slept []time.Duration

	var mu stdsync.Mutex

	w.sleepFunc = func(_ context.Context, d time.Duration) error {
		mu.Lock()
		defer mu.Unlock()

		slept = append(slept, d)

		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- w.Run(ctx) }()

	fw.errs <- errors.New("queue overflow")
	fw.send(filepath.Join(root, "2025", "week_ending_2025-03-16", "worklog_2025-03-12.md"), fsnotify.Write)

	select {
	case got := <-syncer.got:
		assert.Equal(t, "2025-03-12", got)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not dispatch the sync")
	}

	cancel()
	require.NoError(t, <-done)

	assert.Len(t, fw.watched(), 3, "root, year, and week directories")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []time.Duration{watchErrInitBackoff}, slept)
}

func TestWatcher_RunFailsOnMissingRoot(t *testing.T) {
	t.Parallel()

	syncer := newRecordingSyncer()
	w, _ := newTestWatcher(t, filepath.Join(t.TempDir(), "missing"), syncer, 0)
	w.newWatcher = func() (FsWatcher, error) { return newMockFsWatcher(), nil }

	require.Error(t, w.Run(context.Background()))
}
