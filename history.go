package main

import (
	"fmt"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/tonimelisma/indexsync/internal/index"
)

const maxHistoryLimit = 1000

func newHistoryCmd() *cobra.Command {
	var (
		limit    int
		syncType string
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent sync runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())
			ctx := cmd.Context()

			if limit < 1 || limit > maxHistoryLimit {
				return fmt.Errorf("--limit must be between 1 and %d", maxHistoryLimit)
			}

			var typ *index.SyncType

			if syncType != "" {
				t, err := index.ParseSyncType(syncType)
				if err != nil {
					return err
				}

				typ = &t
			}

			a, err := openApp(ctx, cc, afero.NewOsFs(), false)
			if err != nil {
				return err
			}
			defer a.Close()

			recs, err := a.svc.History(ctx, limit, typ)
			if err != nil {
				return err
			}

			if cc.Flags.JSON {
				if recs == nil {
					recs = []*index.HistoryRecord{}
				}

				return printJSON(cc.Stdout, recs)
			}

			printHistory(cc.Stdout, recs)

			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "number of records")
	cmd.Flags().StringVar(&syncType, "type", "", "only this sync type (full, incremental, single_entry, cleanup)")

	return cmd
}
