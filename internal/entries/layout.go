// Package entries locates dated entry files on disk and extracts the
// metadata the index stores for them. All filesystem access goes through an
// afero.Fs so tests can run against an in-memory tree.
package entries

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"github.com/spf13/afero"
)

// DateLayout is the textual form of an entry date, in file names and in the
// index.
const DateLayout = "2006-01-02"

const weekDirPrefix = "week_ending_"

const daysPerWeek = 7

// ErrNoDateInPath is returned when a path does not follow the entry naming
// convention.
var ErrNoDateInPath = errors.New("entries: no entry date in path")

// LayoutConfig describes the naming convention of entry files.
type LayoutConfig struct {
	Root       string
	FilePrefix string
	Extension  string
	WeekEndsOn time.Weekday
}

// Layout maps entry dates to paths and back. An entry for date D lives at
// <root>/<YYYY>/week_ending_<W>/<prefix><D><ext>, where W is the first day on
// or after D that falls on the configured weekday and YYYY is W's year.
type Layout struct {
	fs     afero.Fs
	cfg    LayoutConfig
	nameRE *regexp.Regexp
}

// NewLayout creates a Layout over fs.
func NewLayout(fs afero.Fs, cfg LayoutConfig) *Layout {
	pattern := "^" + regexp.QuoteMeta(cfg.FilePrefix) +
		`(\d{4}-\d{2}-\d{2})` + regexp.QuoteMeta(cfg.Extension) + "$"

	return &Layout{
		fs:     fs,
		cfg:    cfg,
		nameRE: regexp.MustCompile(pattern),
	}
}

// Root returns the entries root directory.
func (l *Layout) Root() string {
	return l.cfg.Root
}

// Day truncates t to its civil date at UTC midnight. Entry dates are civil
// dates; every date that crosses a package boundary is normalized this way.
func Day(t time.Time) time.Time {
	y, m, d := t.Date()

	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseDate parses a YYYY-MM-DD string into a civil date.
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("entries: invalid date %q: %w", s, err)
	}

	return t, nil
}

// WeekEnding returns the week-ending date for date.
func (l *Layout) WeekEnding(date time.Time) time.Time {
	date = Day(date)
	offset := (int(l.cfg.WeekEndsOn) - int(date.Weekday()) + daysPerWeek) % daysPerWeek

	return date.AddDate(0, 0, offset)
}

// PathForDate returns the conventional path of the entry for date.
func (l *Layout) PathForDate(date time.Time) string {
	date = Day(date)
	we := l.WeekEnding(date)

	return filepath.Join(
		l.cfg.Root,
		strconv.Itoa(we.Year()),
		weekDirPrefix+we.Format(DateLayout),
		l.cfg.FilePrefix+date.Format(DateLayout)+l.cfg.Extension,
	)
}

// DateFromPath extracts the entry date from the base name of path.
func (l *Layout) DateFromPath(path string) (time.Time, error) {
	m := l.nameRE.FindStringSubmatch(filepath.Base(path))
	if m == nil {
		return time.Time{}, fmt.Errorf("%w: %s", ErrNoDateInPath, path)
	}

	date, err := time.Parse(DateLayout, m[1])
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s: %w", ErrNoDateInPath, path, err)
	}

	return date, nil
}

// IsWeekDir reports whether name looks like a week directory.
func IsWeekDir(name string) bool {
	if len(name) != len(weekDirPrefix)+len(DateLayout) || name[:len(weekDirPrefix)] != weekDirPrefix {
		return false
	}

	_, err := time.Parse(DateLayout, name[len(weekDirPrefix):])

	return err == nil
}
