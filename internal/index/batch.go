package index

import (
	"context"
	"fmt"
	"time"
)

type opKind int

const (
	opInsert opKind = iota
	opUpdate
	opDelete
)

type batchOp struct {
	kind  opKind
	entry *Entry
	date  time.Time
	// stillGone is consulted inside the transaction immediately before a
	// delete; the row is kept when it returns false.
	stillGone func() bool
}

// Batch collects entry writes that are applied atomically by Store.Apply.
// Operations run in the order they were added.
type Batch struct {
	ops []batchOp
}

// Insert queues creation of a row for e.
func (b *Batch) Insert(e *Entry) {
	b.ops = append(b.ops, batchOp{kind: opInsert, entry: e})
}

// Update queues a refresh of the row for e.Date.
func (b *Batch) Update(e *Entry) {
	b.ops = append(b.ops, batchOp{kind: opUpdate, entry: e})
}

// Delete queues removal of the row for date. When stillGone is non-nil it is
// called inside the transaction right before the delete, and a false result
// keeps the row.
func (b *Batch) Delete(date time.Time, stillGone func() bool) {
	b.ops = append(b.ops, batchOp{kind: opDelete, date: date, stillGone: stillGone})
}

// Len returns the number of queued operations.
func (b *Batch) Len() int {
	return len(b.ops)
}

// BatchResult counts what a committed batch changed.
type BatchResult struct {
	Inserted int
	Updated  int
	Deleted  int
	// Kept lists deletes skipped because the file reappeared.
	Kept []time.Time
}

// Apply executes every queued operation in a single transaction. Either all
// of them are committed or none are. A nil or empty batch is a no-op.
func (s *Store) Apply(ctx context.Context, b *Batch) (*BatchResult, error) {
	res := &BatchResult{}
	if b == nil || len(b.ops) == 0 {
		return res, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("index: beginning transaction: %w", err)
	}
	// Rollback is a no-op after Commit succeeds.
	defer tx.Rollback()

	now := toMicros(s.now())

	for i := range b.ops {
		op := &b.ops[i]

		switch op.kind {
		case opInsert:
			e := op.entry
			if _, err := tx.ExecContext(ctx, sqlInsertEntry,
				DateKey(e.Date), e.FilePath, DateKey(e.WeekEndingDate), e.WordCount, e.CharacterCount,
				e.LineCount, boolToInt(e.HasContent), e.FileSizeBytes, nullTime(e.FileModifiedAt),
				now, now, now,
			); err != nil {
				return nil, fmt.Errorf("index: inserting entry %s: %w", DateKey(e.Date), err)
			}

			res.Inserted++

		case opUpdate:
			e := op.entry
			if _, err := tx.ExecContext(ctx, sqlUpdateEntry,
				e.FilePath, DateKey(e.WeekEndingDate), e.WordCount, e.CharacterCount,
				e.LineCount, boolToInt(e.HasContent), e.FileSizeBytes, nullTime(e.FileModifiedAt),
				now, now, DateKey(e.Date),
			); err != nil {
				return nil, fmt.Errorf("index: updating entry %s: %w", DateKey(e.Date), err)
			}

			res.Updated++

		case opDelete:
			if op.stillGone != nil && !op.stillGone() {
				res.Kept = append(res.Kept, op.date)
				continue
			}

			r, err := tx.ExecContext(ctx, sqlDeleteEntry, DateKey(op.date))
			if err != nil {
				return nil, fmt.Errorf("index: deleting entry %s: %w", DateKey(op.date), err)
			}

			if n, _ := r.RowsAffected(); n > 0 {
				res.Deleted++
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("index: committing batch: %w", err)
	}

	return res, nil
}
