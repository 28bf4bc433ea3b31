package index

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const dateLayout = "2006-01-02"

// SQL statements for entry rows.
const (
	sqlEntryColumns = `date, file_path, week_ending_date, word_count, character_count,
		line_count, has_content, file_size_bytes, file_modified_at,
		created_at, modified_at, synced_at`

	sqlGetEntry = `SELECT ` + sqlEntryColumns + ` FROM entries WHERE date = ?`

	sqlListEntries = `SELECT ` + sqlEntryColumns + ` FROM entries
		WHERE date >= ? AND date <= ? ORDER BY date`

	sqlListIndexed = `SELECT date, file_path FROM entries ORDER BY date`

	sqlCountEntries = `SELECT COUNT(*) FROM entries`

	// A concurrent single-entry sync may have inserted the row between the
	// lookup and this insert; the upsert keeps the original created_at.
	sqlInsertEntry = `INSERT INTO entries (` + sqlEntryColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(date) DO UPDATE SET
		 file_path = excluded.file_path,
		 week_ending_date = excluded.week_ending_date,
		 word_count = excluded.word_count,
		 character_count = excluded.character_count,
		 line_count = excluded.line_count,
		 has_content = excluded.has_content,
		 file_size_bytes = excluded.file_size_bytes,
		 file_modified_at = excluded.file_modified_at,
		 modified_at = excluded.modified_at,
		 synced_at = excluded.synced_at`

	sqlUpdateEntry = `UPDATE entries SET
		 file_path = ?, week_ending_date = ?, word_count = ?, character_count = ?,
		 line_count = ?, has_content = ?, file_size_bytes = ?, file_modified_at = ?,
		 modified_at = ?, synced_at = ?
		WHERE date = ?`

	sqlDeleteEntry = `DELETE FROM entries WHERE date = ?`
)

// Entry is one indexed entry file.
type Entry struct {
	Date           time.Time  `json:"date"`
	FilePath       string     `json:"file_path"`
	WeekEndingDate time.Time  `json:"week_ending_date"`
	WordCount      int        `json:"word_count"`
	CharacterCount int        `json:"character_count"`
	LineCount      int        `json:"line_count"`
	HasContent     bool       `json:"has_content"`
	FileSizeBytes  int64      `json:"file_size_bytes"`
	FileModifiedAt *time.Time `json:"file_modified_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	ModifiedAt     time.Time  `json:"modified_at"`
	SyncedAt       time.Time  `json:"synced_at"`
}

// IndexedRef identifies an indexed entry without its metadata.
type IndexedRef struct {
	Date     time.Time
	FilePath string
}

// DateKey formats a civil date the way the index stores it.
func DateKey(d time.Time) string {
	return d.Format(dateLayout)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var (
		e                      Entry
		date, weekEnding       string
		hasContent             int
		fileModified           sql.NullInt64
		created, modified, syn int64
	)

	err := row.Scan(&date, &e.FilePath, &weekEnding, &e.WordCount, &e.CharacterCount,
		&e.LineCount, &hasContent, &e.FileSizeBytes, &fileModified,
		&created, &modified, &syn)
	if err != nil {
		return nil, err
	}

	if e.Date, err = time.Parse(dateLayout, date); err != nil {
		return nil, fmt.Errorf("index: corrupt date %q: %w", date, err)
	}

	if e.WeekEndingDate, err = time.Parse(dateLayout, weekEnding); err != nil {
		return nil, fmt.Errorf("index: corrupt week_ending_date %q: %w", weekEnding, err)
	}

	e.HasContent = hasContent != 0
	e.FileModifiedAt = timePtr(fileModified)
	e.CreatedAt = fromMicros(created)
	e.ModifiedAt = fromMicros(modified)
	e.SyncedAt = fromMicros(syn)

	return &e, nil
}

// GetEntry returns the entry for date, or nil if the date is not indexed.
func (s *Store) GetEntry(ctx context.Context, date time.Time) (*Entry, error) {
	e, err := scanEntry(s.db.QueryRowContext(ctx, sqlGetEntry, DateKey(date)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("index: get entry %s: %w", DateKey(date), err)
	}

	return e, nil
}

// LookupEntries returns the indexed entries among dates, keyed by DateKey.
// Dates with no row are absent from the map.
func (s *Store) LookupEntries(ctx context.Context, dates []time.Time) (map[string]*Entry, error) {
	out := make(map[string]*Entry, len(dates))
	if len(dates) == 0 {
		return out, nil
	}

	args := make([]any, len(dates))
	for i, d := range dates {
		args[i] = DateKey(d)
	}

	query := `SELECT ` + sqlEntryColumns + ` FROM entries WHERE date IN (?` +
		strings.Repeat(", ?", len(dates)-1) + `)`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("index: lookup entries: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("index: lookup entries: %w", err)
		}

		out[DateKey(e.Date)] = e
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("index: lookup entries: %w", err)
	}

	return out, nil
}

// ListEntries returns entries with dates in [from, to], oldest first.
func (s *Store) ListEntries(ctx context.Context, from, to time.Time) ([]*Entry, error) {
	rows, err := s.db.QueryContext(ctx, sqlListEntries, DateKey(from), DateKey(to))
	if err != nil {
		return nil, fmt.Errorf("index: list entries: %w", err)
	}
	defer rows.Close()

	var out []*Entry

	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("index: list entries: %w", err)
		}

		out = append(out, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("index: list entries: %w", err)
	}

	return out, nil
}

// ListIndexed returns the date and path of every indexed entry, oldest first.
func (s *Store) ListIndexed(ctx context.Context) ([]IndexedRef, error) {
	rows, err := s.db.QueryContext(ctx, sqlListIndexed)
	if err != nil {
		return nil, fmt.Errorf("index: list indexed: %w", err)
	}
	defer rows.Close()

	var out []IndexedRef

	for rows.Next() {
		var (
			ref  IndexedRef
			date string
		)

		if err := rows.Scan(&date, &ref.FilePath); err != nil {
			return nil, fmt.Errorf("index: list indexed: %w", err)
		}

		if ref.Date, err = time.Parse(dateLayout, date); err != nil {
			return nil, fmt.Errorf("index: corrupt date %q: %w", date, err)
		}

		out = append(out, ref)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("index: list indexed: %w", err)
	}

	return out, nil
}

// CountEntries returns the number of indexed entries.
func (s *Store) CountEntries(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, sqlCountEntries).Scan(&n); err != nil {
		return 0, fmt.Errorf("index: count entries: %w", err)
	}

	return n, nil
}
