package index

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// SyncType identifies the kind of reconciliation a history record describes.
type SyncType string

const (
	SyncFull        SyncType = "full"
	SyncIncremental SyncType = "incremental"
	SyncSingleEntry SyncType = "single_entry"
	SyncCleanup     SyncType = "cleanup"
)

// ParseSyncType validates s as a SyncType.
func ParseSyncType(s string) (SyncType, error) {
	switch t := SyncType(s); t {
	case SyncFull, SyncIncremental, SyncSingleEntry, SyncCleanup:
		return t, nil
	default:
		return "", fmt.Errorf("index: unknown sync type %q", s)
	}
}

// SyncStatus is the lifecycle state of a history record.
type SyncStatus string

const (
	StatusRunning   SyncStatus = "running"
	StatusCompleted SyncStatus = "completed"
	StatusFailed    SyncStatus = "failed"
)

// abandonedMessage is recorded on runs found still running at startup.
const abandonedMessage = "abandoned: process exited during sync"

// SQL statements for sync history.
const (
	sqlHistoryColumns = `id, sync_type, status, started_at, completed_at,
		entries_processed, entries_added, entries_updated, entries_removed,
		error_message, metadata`

	sqlStartHistory = `INSERT INTO sync_history (sync_type, status, started_at, metadata)
		VALUES (?, 'running', ?, ?)`

	sqlFinishHistory = `UPDATE sync_history SET
		 status = ?, completed_at = ?, entries_processed = ?, entries_added = ?,
		 entries_updated = ?, entries_removed = ?, error_message = ?, metadata = ?
		WHERE id = ?`

	sqlRecentHistory = `SELECT ` + sqlHistoryColumns + ` FROM sync_history
		ORDER BY started_at DESC, id DESC LIMIT ?`

	sqlRecentHistoryByType = `SELECT ` + sqlHistoryColumns + ` FROM sync_history
		WHERE sync_type = ? ORDER BY started_at DESC, id DESC LIMIT ?`

	sqlLastCompleted = `SELECT ` + sqlHistoryColumns + ` FROM sync_history
		WHERE sync_type = ? AND status = 'completed'
		ORDER BY started_at DESC, id DESC LIMIT 1`

	sqlAbandonRunning = `UPDATE sync_history SET status = 'failed', completed_at = ?, error_message = ?
		WHERE status = 'running'`
)

// HistoryRecord is one row of the append-only sync log.
type HistoryRecord struct {
	ID               int64          `json:"id"`
	Type             SyncType       `json:"sync_type"`
	Status           SyncStatus     `json:"status"`
	StartedAt        time.Time      `json:"started_at"`
	CompletedAt      *time.Time     `json:"completed_at,omitempty"`
	EntriesProcessed int            `json:"entries_processed"`
	EntriesAdded     int            `json:"entries_added"`
	EntriesUpdated   int            `json:"entries_updated"`
	EntriesRemoved   int            `json:"entries_removed"`
	ErrorMessage     string         `json:"error_message,omitempty"`
	Metadata         map[string]any `json:"metadata"`
}

// HistoryOutcome is what FinishHistory records on a running record.
type HistoryOutcome struct {
	Status           SyncStatus
	CompletedAt      time.Time
	EntriesProcessed int
	EntriesAdded     int
	EntriesUpdated   int
	EntriesRemoved   int
	ErrorMessage     string
	Metadata         map[string]any
}

// StartHistory appends a running record and returns its id.
func (s *Store) StartHistory(ctx context.Context, t SyncType, startedAt time.Time, metadata map[string]any) (int64, error) {
	meta, err := encodeMetadata(metadata)
	if err != nil {
		return 0, err
	}

	r, err := s.db.ExecContext(ctx, sqlStartHistory, string(t), toMicros(startedAt), meta)
	if err != nil {
		return 0, fmt.Errorf("index: starting %s history: %w", t, err)
	}

	id, err := r.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("index: starting %s history: %w", t, err)
	}

	return id, nil
}

// FinishHistory finalizes the running record id.
func (s *Store) FinishHistory(ctx context.Context, id int64, out HistoryOutcome) error {
	if out.Status == StatusRunning {
		return errors.New("index: finishing history with status running")
	}

	meta, err := encodeMetadata(out.Metadata)
	if err != nil {
		return err
	}

	r, err := s.db.ExecContext(ctx, sqlFinishHistory,
		string(out.Status), toMicros(out.CompletedAt), out.EntriesProcessed, out.EntriesAdded,
		out.EntriesUpdated, out.EntriesRemoved, nullString(out.ErrorMessage), meta, id)
	if err != nil {
		return fmt.Errorf("index: finishing history %d: %w", id, err)
	}

	if n, _ := r.RowsAffected(); n == 0 {
		return fmt.Errorf("index: finishing history %d: no such record", id)
	}

	return nil
}

// RecentHistory returns up to limit records, newest first, optionally
// filtered by type.
func (s *Store) RecentHistory(ctx context.Context, limit int, t *SyncType) ([]*HistoryRecord, error) {
	var (
		rows *sql.Rows
		err  error
	)

	if t != nil {
		rows, err = s.db.QueryContext(ctx, sqlRecentHistoryByType, string(*t), limit)
	} else {
		rows, err = s.db.QueryContext(ctx, sqlRecentHistory, limit)
	}

	if err != nil {
		return nil, fmt.Errorf("index: querying history: %w", err)
	}
	defer rows.Close()

	var out []*HistoryRecord

	for rows.Next() {
		rec, err := scanHistory(rows)
		if err != nil {
			return nil, err
		}

		out = append(out, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("index: querying history: %w", err)
	}

	return out, nil
}

// LastCompleted returns the most recent completed record of type t, or nil.
func (s *Store) LastCompleted(ctx context.Context, t SyncType) (*HistoryRecord, error) {
	rec, err := scanHistory(s.db.QueryRowContext(ctx, sqlLastCompleted, string(t)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	return rec, nil
}

// AbandonRunning marks every running record as failed. Call it only while
// holding the writer lock: any running record then belongs to a process
// that died mid-run.
func (s *Store) AbandonRunning(ctx context.Context) (int64, error) {
	r, err := s.db.ExecContext(ctx, sqlAbandonRunning, toMicros(s.now()), abandonedMessage)
	if err != nil {
		return 0, fmt.Errorf("index: abandoning running history: %w", err)
	}

	n, _ := r.RowsAffected()

	return n, nil
}

func scanHistory(row rowScanner) (*HistoryRecord, error) {
	var (
		rec       HistoryRecord
		typ, stat string
		started   int64
		completed sql.NullInt64
		errMsg    sql.NullString
		meta      string
	)

	err := row.Scan(&rec.ID, &typ, &stat, &started, &completed,
		&rec.EntriesProcessed, &rec.EntriesAdded, &rec.EntriesUpdated, &rec.EntriesRemoved,
		&errMsg, &meta)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	if err != nil {
		return nil, fmt.Errorf("index: scanning history: %w", err)
	}

	rec.Type = SyncType(typ)
	rec.Status = SyncStatus(stat)
	rec.StartedAt = fromMicros(started)
	rec.CompletedAt = timePtr(completed)
	rec.ErrorMessage = errMsg.String

	if err := json.Unmarshal([]byte(meta), &rec.Metadata); err != nil {
		return nil, fmt.Errorf("index: decoding history %d metadata: %w", rec.ID, err)
	}

	if rec.Metadata == nil {
		rec.Metadata = map[string]any{}
	}

	return &rec, nil
}

func encodeMetadata(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}

	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("index: encoding history metadata: %w", err)
	}

	return string(b), nil
}
