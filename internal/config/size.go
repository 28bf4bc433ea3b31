package config

import (
	"fmt"
	"strconv"
	"strings"
)

// Size multipliers, SI first then IEC.
const (
	kilobyte = 1000
	megabyte = 1000 * kilobyte
	gigabyte = 1000 * megabyte

	kibibyte = 1024
	mebibyte = 1024 * kibibyte
	gibibyte = 1024 * mebibyte
)

// sizeSuffixes is ordered longest-first so "MIB" wins over "B".
var sizeSuffixes = []struct {
	suffix     string
	multiplier int64
}{
	{"GIB", gibibyte},
	{"MIB", mebibyte},
	{"KIB", kibibyte},
	{"GB", gigabyte},
	{"MB", megabyte},
	{"KB", kilobyte},
	{"B", 1},
}

// ParseSize converts a human-readable size string ("10MiB", "512KB", "2048")
// to bytes. Empty string and "0" mean no limit and return 0.
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "0" {
		return 0, nil
	}

	upper := strings.ToUpper(s)

	for _, sf := range sizeSuffixes {
		if !strings.HasSuffix(upper, sf.suffix) {
			continue
		}

		numStr := strings.TrimSpace(s[:len(s)-len(sf.suffix)])

		n, err := strconv.ParseFloat(numStr, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid size %q: %w", s, err)
		}

		if n < 0 {
			return 0, fmt.Errorf("invalid size %q: must be non-negative", s)
		}

		return int64(n * float64(sf.multiplier)), nil
	}

	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}

	if n < 0 {
		return 0, fmt.Errorf("invalid size %q: must be non-negative", s)
	}

	return n, nil
}
