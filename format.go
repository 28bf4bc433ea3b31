package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/tonimelisma/indexsync/internal/index"
	isync "github.com/tonimelisma/indexsync/internal/sync"
)

// statusf prints a status message to stderr unless quiet mode is set.
func statusf(quiet bool, format string, args ...any) {
	if !quiet {
		fmt.Fprintf(os.Stderr, format, args...)
	}
}

// Statusf prints a status message to stderr unless quiet mode is set.
// Method form of statusf; avoids threading `quiet bool` through call chains.
func (cc *CLIContext) Statusf(format string, args ...any) {
	statusf(cc.Flags.Quiet, format, args...)
}

// Size unit constants for human-readable formatting.
const (
	sizeKB = 1024
	sizeMB = 1024 * 1024
	sizeGB = 1024 * 1024 * 1024
	sizeTB = 1024 * 1024 * 1024 * 1024
)

// formatSize returns a human-readable size string (e.g. "1.2 MB").
func formatSize(bytes int64) string {
	switch {
	case bytes >= sizeTB:
		return fmt.Sprintf("%.1f TB", float64(bytes)/float64(sizeTB))
	case bytes >= sizeGB:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(sizeGB))
	case bytes >= sizeMB:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(sizeMB))
	case bytes >= sizeKB:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(sizeKB))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}

// formatTime returns a compact timestamp for display.
func formatTime(t time.Time) string {
	now := time.Now()

	// Same calendar year: show "Jan  2 15:04"
	if t.Year() == now.Year() {
		return t.Format("Jan _2 15:04")
	}

	// Different year: show "Jan  2  2006"
	return t.Format("Jan _2  2006")
}

// formatOptionalTime renders nil as "-".
func formatOptionalTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}

	return formatTime(t.Local())
}

// printJSON writes v as indented JSON.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	return enc.Encode(v)
}

// printTable writes aligned columns to the given writer.
// headers and each row must have the same length.
func printTable(w io.Writer, headers []string, rows [][]string) {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}

	for _, row := range rows {
		for i, cell := range row {
			if len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}

	printRow(w, headers, widths)

	for _, row := range rows {
		printRow(w, row, widths)
	}
}

// printRow writes a single padded row.
func printRow(w io.Writer, cells []string, widths []int) {
	parts := make([]string, len(cells))
	for i, cell := range cells {
		parts[i] = fmt.Sprintf("%-*s", widths[i], cell)
	}

	fmt.Fprintln(w, strings.TrimRight(strings.Join(parts, "  "), " "))
}

// printSyncResult writes a human summary of one pass.
func printSyncResult(w io.Writer, res *isync.SyncResult) {
	state := "completed"
	if !res.Success {
		state = "failed"
	}

	fmt.Fprintf(w, "%s sync %s in %s\n", res.Type, state, res.Duration().Round(time.Millisecond))

	if res.EntryDate != "" {
		fmt.Fprintf(w, "  Entry:     %s\n", res.EntryDate)
	}

	fmt.Fprintf(w, "  Processed: %d\n", res.EntriesProcessed)
	fmt.Fprintf(w, "  Added:     %d\n", res.EntriesAdded)
	fmt.Fprintf(w, "  Updated:   %d\n", res.EntriesUpdated)
	fmt.Fprintf(w, "  Removed:   %d\n", res.EntriesRemoved)

	if res.Error != "" {
		fmt.Fprintf(w, "  Error:     %s\n", res.Error)
	}

	for _, e := range res.Errors {
		fmt.Fprintf(w, "  ! %s\n", e)
	}
}

// printHistory renders history records as a table, newest first.
func printHistory(w io.Writer, recs []*index.HistoryRecord) {
	if len(recs) == 0 {
		fmt.Fprintln(w, "No sync history.")
		return
	}

	rows := make([][]string, 0, len(recs))

	for _, r := range recs {
		duration := "-"
		if r.CompletedAt != nil {
			duration = r.CompletedAt.Sub(r.StartedAt).Round(time.Millisecond).String()
		}

		rows = append(rows, []string{
			strconv.FormatInt(r.ID, 10),
			string(r.Type),
			string(r.Status),
			formatTime(r.StartedAt.Local()),
			duration,
			strconv.Itoa(r.EntriesProcessed),
			fmt.Sprintf("+%d ~%d -%d", r.EntriesAdded, r.EntriesUpdated, r.EntriesRemoved),
			r.ErrorMessage,
		})
	}

	printTable(w, []string{"ID", "TYPE", "STATUS", "STARTED", "DURATION", "PROCESSED", "CHANGES", "ERROR"}, rows)
}

// printEntries renders indexed entries as a table.
func printEntries(w io.Writer, list []*index.Entry) {
	if len(list) == 0 {
		fmt.Fprintln(w, "No indexed entries in range.")
		return
	}

	rows := make([][]string, 0, len(list))

	for _, e := range list {
		rows = append(rows, []string{
			index.DateKey(e.Date),
			strconv.Itoa(e.WordCount),
			strconv.Itoa(e.LineCount),
			formatSize(e.FileSizeBytes),
			formatOptionalTime(e.FileModifiedAt),
			e.FilePath,
		})
	}

	printTable(w, []string{"DATE", "WORDS", "LINES", "SIZE", "MODIFIED", "PATH"}, rows)
}
