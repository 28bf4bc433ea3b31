package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"

	"github.com/tonimelisma/indexsync/internal/entries"
)

// dateParser understands English expressions like "yesterday" or
// "last friday" in addition to ISO dates.
var dateParser = func() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)

	return w
}()

// parseDateArg resolves a date argument relative to now. ISO dates
// (YYYY-MM-DD) are tried first; anything else goes through the
// natural-language parser. The result is truncated to a calendar day.
func parseDateArg(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty date")
	}

	if d, err := entries.ParseDate(s); err == nil {
		return d, nil
	}

	r, err := dateParser.Parse(s, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing date %q: %w", s, err)
	}

	if r == nil {
		return time.Time{}, fmt.Errorf("unrecognized date %q (use YYYY-MM-DD or e.g. \"yesterday\")", s)
	}

	return entries.Day(r.Time), nil
}
