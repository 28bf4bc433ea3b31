package main

import (
	"fmt"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/tonimelisma/indexsync/internal/entries"
	"github.com/tonimelisma/indexsync/internal/index"
)

const defaultEntriesDays = 30

func newEntriesCmd() *cobra.Command {
	var from, to string

	cmd := &cobra.Command{
		Use:   "entries",
		Short: "List indexed entries in a date range",
		Long: `List indexed entries between --from and --to, inclusive. Without flags
the last 30 days are shown. Dates are YYYY-MM-DD or expressions such as
"2 weeks ago".`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())
			ctx := cmd.Context()

			start, end, err := entriesRange(from, to, time.Now())
			if err != nil {
				return err
			}

			a, err := openApp(ctx, cc, afero.NewOsFs(), false)
			if err != nil {
				return err
			}
			defer a.Close()

			list, err := a.store.ListEntries(ctx, start, end)
			if err != nil {
				return err
			}

			if cc.Flags.JSON {
				if list == nil {
					list = []*index.Entry{}
				}

				return printJSON(cc.Stdout, list)
			}

			printEntries(cc.Stdout, list)

			return nil
		},
	}

	cmd.Flags().StringVar(&from, "from", "", "first date (default 30 days before --to)")
	cmd.Flags().StringVar(&to, "to", "", "last date (default today)")

	return cmd
}

// entriesRange resolves the --from/--to flags.
func entriesRange(from, to string, now time.Time) (time.Time, time.Time, error) {
	end := entries.Day(now)

	if to != "" {
		d, err := parseDateArg(to, now)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("--to: %w", err)
		}

		end = d
	}

	start := end.AddDate(0, 0, -defaultEntriesDays)

	if from != "" {
		d, err := parseDateArg(from, now)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("--from: %w", err)
		}

		start = d
	}

	if start.After(end) {
		return time.Time{}, time.Time{}, fmt.Errorf("--from %s is after --to %s", index.DateKey(start), index.DateKey(end))
	}

	return start, end, nil
}
