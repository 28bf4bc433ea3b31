package entries

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"time"
)

// ErrRootMissing is returned when the entries root does not exist. Discovery
// refuses to report every date as missing in that case, because a full sync
// would then remove every indexed entry.
var ErrRootMissing = errors.New("entries: root directory does not exist")

// ErrNosyncGuard is returned when a .nosync guard file is present at the
// entries root (the volume may be unmounted or mid-restore).
var ErrNosyncGuard = errors.New("entries: .nosync guard file present (entries root may be unmounted)")

const nosyncFileName = ".nosync"

// ctxCheckInterval is how many dates are probed between context checks.
const ctxCheckInterval = 64

// DiscoveryStats summarizes one discovery pass.
type DiscoveryStats struct {
	DatesScanned int           `json:"dates_scanned"`
	Found        int           `json:"found"`
	Missing      int           `json:"missing"`
	Duration     time.Duration `json:"duration"`
}

// Discovery is the result of probing a date range.
type Discovery struct {
	// Found holds the paths of existing entry files in chronological order.
	Found   []string
	Missing []time.Time
	Stats   DiscoveryStats
}

// CheckRoot verifies that the entries root exists, is a directory, and is
// not guarded by a .nosync file.
func (l *Layout) CheckRoot() error {
	info, err := l.fs.Stat(l.cfg.Root)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrRootMissing, l.cfg.Root)
	}

	if err != nil {
		return fmt.Errorf("entries: stat root %s: %w", l.cfg.Root, err)
	}

	if !info.IsDir() {
		return fmt.Errorf("entries: root %s is not a directory", l.cfg.Root)
	}

	if _, err := l.fs.Stat(filepath.Join(l.cfg.Root, nosyncFileName)); err == nil {
		return ErrNosyncGuard
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("entries: checking %s: %w", nosyncFileName, err)
	}

	return nil
}

// Exists reports whether path is an existing regular file.
func (l *Layout) Exists(path string) (bool, error) {
	info, err := l.fs.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}

	if err != nil {
		return false, fmt.Errorf("entries: stat %s: %w", path, err)
	}

	return info.Mode().IsRegular(), nil
}

// Discover probes the conventional path of every date in [start, end]
// (inclusive) and reports which entries exist. Discovery is read-only.
func (l *Layout) Discover(ctx context.Context, start, end time.Time) (*Discovery, error) {
	began := time.Now()

	start, end = Day(start), Day(end)
	if end.Before(start) {
		return nil, fmt.Errorf("entries: invalid range %s..%s", start.Format(DateLayout), end.Format(DateLayout))
	}

	if err := l.CheckRoot(); err != nil {
		return nil, err
	}

	d := &Discovery{}

	for date, i := start, 0; !date.After(end); date, i = date.AddDate(0, 0, 1), i+1 {
		if i%ctxCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return nil, fmt.Errorf("entries: discovery canceled: %w", err)
			}
		}

		path := l.PathForDate(date)

		ok, err := l.Exists(path)
		if err != nil {
			return nil, err
		}

		if ok {
			d.Found = append(d.Found, path)
		} else {
			d.Missing = append(d.Missing, date)
		}

		d.Stats.DatesScanned++
	}

	d.Stats.Found = len(d.Found)
	d.Stats.Missing = len(d.Missing)
	d.Stats.Duration = time.Since(began)

	return d, nil
}
