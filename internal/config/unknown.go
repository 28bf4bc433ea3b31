package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
)

// maxLevenshteinDistance is the maximum edit distance for "did you mean?"
// suggestions when unknown config keys are detected.
const maxLevenshteinDistance = 3

// knownKeys maps each section to its valid keys.
var knownKeys = map[string][]string{
	"entries":   {"root", "file_prefix", "extension", "week_ends_on", "max_file_size"},
	"index":     {"db_path"},
	"sync":      {"full_range_days", "incremental_days", "batch_size", "read_workers", "recent_history"},
	"scheduler": {"enabled", "incremental_interval", "full_interval", "startup_delay", "tick", "error_backoff"},
	"watch":     {"enabled", "debounce", "max_syncs_per_second"},
	"server":    {"enabled", "listen"},
	"logging":   {"log_level", "log_file", "log_format", "log_retention_days"},
}

// knownSections is the sorted list of section names. Sorted for deterministic
// suggestions when two candidates have the same edit distance.
var knownSections = func() []string {
	keys := make([]string, 0, len(knownKeys))
	for k := range knownKeys {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}()

// checkUnknownKeys inspects TOML metadata for undecoded keys and returns
// an error with "did you mean?" suggestions for each unknown key.
func checkUnknownKeys(md *toml.MetaData) error {
	undecoded := md.Undecoded()
	if len(undecoded) == 0 {
		return nil
	}

	var errs []error

	for _, key := range undecoded {
		errs = append(errs, buildKeyError(key))
	}

	return errors.Join(errs...)
}

// buildKeyError describes an unknown key, suggesting the closest known
// section or the closest key within a known section.
func buildKeyError(key toml.Key) error {
	keyStr := key.String()
	section := key[0]

	fields, ok := knownKeys[section]
	if !ok || len(key) == 1 {
		if suggestion := closestMatch(section, knownSections); suggestion != "" {
			return fmt.Errorf("unknown config key %q: did you mean [%s]?", keyStr, suggestion)
		}

		return fmt.Errorf("unknown config key %q", keyStr)
	}

	field := strings.Join(key[1:], ".")

	if suggestion := closestMatch(field, fields); suggestion != "" {
		return fmt.Errorf("unknown config key %q: did you mean %q?", keyStr, section+"."+suggestion)
	}

	return fmt.Errorf("unknown config key %q", keyStr)
}

// closestMatch finds the closest known key by Levenshtein distance.
// Returns empty string if no match is within maxLevenshteinDistance.
func closestMatch(unknown string, known []string) string {
	best := ""
	bestDist := maxLevenshteinDistance + 1

	for _, k := range known {
		d := levenshtein(unknown, k)
		if d < bestDist {
			bestDist = d
			best = k
		}
	}

	if bestDist <= maxLevenshteinDistance {
		return best
	}

	return ""
}

// levenshtein computes the edit distance between two strings using a
// single-row table.
func levenshtein(a, b string) int {
	if a == "" {
		return len(b)
	}

	if b == "" {
		return len(a)
	}

	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)

	for j := range prev {
		prev[j] = j
	}

	for i := range len(a) {
		curr[0] = i + 1

		for j := range len(b) {
			cost := 1
			if a[i] == b[j] {
				cost = 0
			}

			curr[j+1] = min(curr[j]+1, prev[j+1]+1, prev[j]+cost)
		}

		prev, curr = curr, prev
	}

	return prev[len(b)]
}
