package sync

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tonimelisma/indexsync/internal/entries"
	"github.com/tonimelisma/indexsync/internal/index"
)

// Decide applies the reconciliation rule for one file: insert when the date
// is not indexed, update when the stored modification time is unknown or
// older than the file's, otherwise leave the row alone. Times are compared at
// the precision the index stores, so an unchanged file never triggers a write.
func Decide(existing *index.Entry, mtime time.Time) OutcomeKind {
	if existing == nil {
		return OutcomeInserted
	}

	if existing.FileModifiedAt == nil || existing.FileModifiedAt.Before(index.TruncateTime(mtime)) {
		return OutcomeUpdated
	}

	return OutcomeUnchanged
}

// reconciler turns discovered files into index writes, one transaction per
// batch.
type reconciler struct {
	disc    Discoverer
	reader  FileReader
	idx     Index
	workers int
	logger  *slog.Logger
}

// newReconciler creates a reconciler. workers bounds concurrent file reads
// within a batch.
func newReconciler(disc Discoverer, reader FileReader, idx Index, workers int, logger *slog.Logger) *reconciler {
	if workers < 1 {
		workers = 1
	}

	return &reconciler{
		disc:    disc,
		reader:  reader,
		idx:     idx,
		workers: workers,
		logger:  logger,
	}
}

// inspection is what reading one file produced.
type inspection struct {
	path string
	date time.Time
	info entries.FileInfo
	meta *entries.Metadata
	err  error
}

// batchReport tallies one batch. Counters other than errored describe
// committed work only.
type batchReport struct {
	outcomes  []Outcome
	inserted  int
	updated   int
	unchanged int
	errored   int
}

func (b *batchReport) processed() int {
	return b.inserted + b.updated + b.unchanged
}

func (b *batchReport) errorMessages() []string {
	var out []string

	for _, o := range b.outcomes {
		if o.Kind == OutcomeErrored {
			out = append(out, fmt.Sprintf("%s: %s", o.Path, o.Reason))
		}
	}

	return out
}

// reconcileBatch inspects paths, decides each one, and applies the resulting
// writes in one transaction. Per-file failures become OutcomeErrored entries
// and do not fail the batch. The returned error is non-nil only when the
// batch transaction failed, in which case nothing from the batch was written.
//
// Once started, a batch ignores cancellation of ctx so its transaction always
// completes; callers check ctx between batches.
func (r *reconciler) reconcileBatch(ctx context.Context, paths []string) (*batchReport, error) {
	ctx = context.WithoutCancel(ctx)
	rep := &batchReport{}

	inspected := r.inspect(ctx, paths)

	var dates []time.Time

	// Per-file errors are reported even when the batch itself fails.
	for i := range inspected {
		in := &inspected[i]

		if in.err != nil {
			r.logger.Warn("skipping entry file",
				slog.String("path", in.path),
				slog.String("error", in.err.Error()),
			)
			rep.outcomes = append(rep.outcomes, erroredOutcome(in))
			rep.errored++

			continue
		}

		dates = append(dates, in.date)
	}

	existing, err := r.idx.LookupEntries(ctx, dates)
	if err != nil {
		return rep, fmt.Errorf("sync: looking up batch rows: %w", err)
	}

	var (
		batch    index.Batch
		pending  []Outcome
		outcomes = make([]Outcome, 0, len(inspected))
	)

	for i := range inspected {
		in := &inspected[i]

		if in.err != nil {
			outcomes = append(outcomes, erroredOutcome(in))
			continue
		}

		kind := Decide(existing[index.DateKey(in.date)], in.info.ModTime)
		o := Outcome{Kind: kind, Path: in.path, Date: in.date}

		switch kind {
		case OutcomeInserted:
			batch.Insert(r.buildEntry(in))
		case OutcomeUpdated:
			batch.Update(r.buildEntry(in))
		}

		pending = append(pending, o)
		outcomes = append(outcomes, o)
	}

	rep.outcomes = outcomes

	if _, err := r.idx.Apply(ctx, &batch); err != nil {
		return rep, fmt.Errorf("sync: applying batch of %d files: %w", len(paths), err)
	}

	for _, o := range pending {
		switch o.Kind {
		case OutcomeInserted:
			rep.inserted++
		case OutcomeUpdated:
			rep.updated++
		case OutcomeUnchanged:
			rep.unchanged++
		}

		r.logger.Debug("reconciled entry",
			slog.String("date", index.DateKey(o.Date)),
			slog.String("outcome", o.Kind.String()),
		)
	}

	return rep, nil
}

func erroredOutcome(in *inspection) Outcome {
	return Outcome{Kind: OutcomeErrored, Path: in.path, Date: in.date, Reason: in.err.Error()}
}

// inspect reads every path with at most r.workers concurrent reads and
// returns results in input order.
func (r *reconciler) inspect(ctx context.Context, paths []string) []inspection {
	out := make([]inspection, len(paths))

	var g errgroup.Group
	g.SetLimit(r.workers)

	for i, p := range paths {
		g.Go(func() error {
			out[i] = r.inspectOne(ctx, p)
			return nil
		})
	}

	_ = g.Wait() // workers never return errors; failures live in each inspection

	return out
}

func (r *reconciler) inspectOne(ctx context.Context, path string) inspection {
	in := inspection{path: path}

	date, err := r.disc.DateFromPath(path)
	if err != nil {
		in.err = err
		return in
	}

	in.date = date

	if in.info, err = r.reader.Stat(path); err != nil {
		in.err = err
		return in
	}

	if in.meta, err = r.reader.ReadMetadata(ctx, path); err != nil {
		in.err = err
	}

	return in
}

func (r *reconciler) buildEntry(in *inspection) *index.Entry {
	mtime := index.TruncateTime(in.info.ModTime)

	return &index.Entry{
		Date:           entries.Day(in.date),
		FilePath:       in.path,
		WeekEndingDate: r.disc.WeekEnding(in.date),
		WordCount:      in.meta.WordCount,
		CharacterCount: in.meta.CharacterCount,
		LineCount:      in.meta.LineCount,
		HasContent:     in.meta.HasContent,
		FileSizeBytes:  in.info.Size,
		FileModifiedAt: &mtime,
	}
}

// cleanupReport tallies an orphan cleanup.
type cleanupReport struct {
	candidates int
	removed    int
	kept       []time.Time
}

// cleanupOrphans removes index rows whose date is not in discovered. Each
// candidate is re-checked immediately before its delete, inside the batch
// transaction: the row is kept if either its stored path or the conventional
// path for its date exists again. A file recreated after that check is
// re-indexed by the next sync that covers its date.
func (r *reconciler) cleanupOrphans(
	ctx context.Context, discovered map[string]struct{}, batchSize int,
) (*cleanupReport, error) {
	refs, err := r.idx.ListIndexed(ctx)
	if err != nil {
		return nil, fmt.Errorf("sync: listing indexed entries: %w", err)
	}

	var orphans []index.IndexedRef

	for _, ref := range refs {
		if _, ok := discovered[index.DateKey(ref.Date)]; !ok {
			orphans = append(orphans, ref)
		}
	}

	rep := &cleanupReport{candidates: len(orphans)}
	if len(orphans) == 0 {
		return rep, nil
	}

	r.logger.Info("cleanup candidates found", slog.Int("count", len(orphans)))

	for start := 0; start < len(orphans); start += batchSize {
		if err := ctx.Err(); err != nil {
			return rep, fmt.Errorf("sync: cleanup canceled: %w", err)
		}

		end := min(start+batchSize, len(orphans))

		var batch index.Batch

		for _, ref := range orphans[start:end] {
			batch.Delete(ref.Date, func() bool { return r.stillGone(ref) })
		}

		res, err := r.idx.Apply(context.WithoutCancel(ctx), &batch)
		if err != nil {
			return rep, fmt.Errorf("sync: applying cleanup batch: %w", err)
		}

		rep.removed += res.Deleted
		rep.kept = append(rep.kept, res.Kept...)

		for _, d := range res.Kept {
			r.logger.Info("entry file reappeared, keeping row", slog.String("date", index.DateKey(d)))
		}
	}

	return rep, nil
}

// stillGone reports whether neither the stored path nor the conventional
// path of ref exists. An unverifiable path counts as present.
func (r *reconciler) stillGone(ref index.IndexedRef) bool {
	for _, p := range []string{ref.FilePath, r.disc.PathForDate(ref.Date)} {
		ok, err := r.disc.Exists(p)
		if err != nil {
			r.logger.Warn("cannot verify entry absence, keeping row",
				slog.String("path", p),
				slog.String("error", err.Error()),
			)

			return false
		}

		if ok {
			return false
		}
	}

	return true
}
