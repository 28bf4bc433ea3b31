// Package sync keeps the entry index consistent with the entry files on disk.
//
// The Service runs reconciliation passes (full, incremental, single-entry,
// cleanup), records each one in sync history, and guarantees that at most one
// full, incremental, or cleanup pass runs at a time. The Scheduler drives the
// Service on fixed cadences; the Watcher drives single-entry syncs from
// filesystem events.
package sync

import (
	"context"
	"errors"
	"time"

	"github.com/tonimelisma/indexsync/internal/entries"
	"github.com/tonimelisma/indexsync/internal/index"
)

// ErrSyncInProgress is returned when a full, incremental, or cleanup sync is
// requested while another one is running.
var ErrSyncInProgress = errors.New("sync: a sync is already in progress")

// Discoverer locates entry files. Implemented by *entries.Layout.
type Discoverer interface {
	Discover(ctx context.Context, start, end time.Time) (*entries.Discovery, error)
	PathForDate(date time.Time) string
	WeekEnding(date time.Time) time.Time
	DateFromPath(path string) (time.Time, error)
	Exists(path string) (bool, error)
	CheckRoot() error
}

// FileReader reads entry files. Implemented by *entries.Reader.
type FileReader interface {
	Stat(path string) (entries.FileInfo, error)
	ReadMetadata(ctx context.Context, path string) (*entries.Metadata, error)
}

// Index is the persistence the Service needs. Implemented by *index.Store.
type Index interface {
	GetEntry(ctx context.Context, date time.Time) (*index.Entry, error)
	LookupEntries(ctx context.Context, dates []time.Time) (map[string]*index.Entry, error)
	ListIndexed(ctx context.Context) ([]index.IndexedRef, error)
	CountEntries(ctx context.Context) (int, error)
	Apply(ctx context.Context, b *index.Batch) (*index.BatchResult, error)
	StartHistory(ctx context.Context, t index.SyncType, startedAt time.Time, metadata map[string]any) (int64, error)
	FinishHistory(ctx context.Context, id int64, out index.HistoryOutcome) error
	RecentHistory(ctx context.Context, limit int, t *index.SyncType) ([]*index.HistoryRecord, error)
	LastCompleted(ctx context.Context, t index.SyncType) (*index.HistoryRecord, error)
}

// OutcomeKind classifies what reconciliation did with one file.
type OutcomeKind int

const (
	OutcomeUnchanged OutcomeKind = iota
	OutcomeInserted
	OutcomeUpdated
	OutcomeRemoved
	OutcomeErrored
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeUnchanged:
		return "unchanged"
	case OutcomeInserted:
		return "inserted"
	case OutcomeUpdated:
		return "updated"
	case OutcomeRemoved:
		return "removed"
	case OutcomeErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// Outcome is the per-file result of reconciliation. Reason is set only for
// OutcomeErrored.
type Outcome struct {
	Kind   OutcomeKind
	Path   string
	Date   time.Time
	Reason string
}

// SyncResult summarizes one sync pass. Errors lists non-fatal per-file
// problems; Error holds the message of the failure that made Success false.
type SyncResult struct {
	RunID            string         `json:"run_id"`
	Type             index.SyncType `json:"sync_type"`
	StartedAt        time.Time      `json:"started_at"`
	CompletedAt      time.Time      `json:"completed_at"`
	Success          bool           `json:"success"`
	EntriesProcessed int            `json:"entries_processed"`
	EntriesAdded     int            `json:"entries_added"`
	EntriesUpdated   int            `json:"entries_updated"`
	EntriesRemoved   int            `json:"entries_removed"`
	Errors           []string       `json:"errors"`
	Error            string         `json:"error,omitempty"`
	EntryDate        string         `json:"entry_date,omitempty"`
	Metadata         map[string]any `json:"metadata"`
}

// Duration returns how long the pass took.
func (r *SyncResult) Duration() time.Duration {
	return r.CompletedAt.Sub(r.StartedAt)
}

// Changed reports whether the pass modified the index.
func (r *SyncResult) Changed() bool {
	return r.EntriesAdded+r.EntriesUpdated+r.EntriesRemoved > 0
}

// Status is a snapshot of sync state for status queries.
type Status struct {
	SyncInProgress bool                   `json:"sync_in_progress"`
	CurrentType    index.SyncType         `json:"current_sync_type,omitempty"`
	LastFullSync   *index.HistoryRecord   `json:"last_full_sync"`
	RecentSyncs    []*index.HistoryRecord `json:"recent_syncs"`
}
