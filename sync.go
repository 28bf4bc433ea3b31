package main

import (
	"context"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	isync "github.com/tonimelisma/indexsync/internal/sync"
)

func newSyncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one sync pass against the index",
		Long: `Run one reconciliation pass in the foreground and print its result.

Only one process may write an index at a time; while "indexsync serve" is
running, trigger syncs through its HTTP API instead.`,
	}

	cmd.AddCommand(newSyncFullCmd())
	cmd.AddCommand(newSyncIncrementalCmd())
	cmd.AddCommand(newSyncEntryCmd())
	cmd.AddCommand(newSyncCleanupCmd())

	return cmd
}

func newSyncFullCmd() *cobra.Command {
	var days int

	cmd := &cobra.Command{
		Use:   "full",
		Short: "Reconcile every entry in the window and remove orphaned rows",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSyncPass(cmd, func(ctx context.Context, svc *isync.Service) (*isync.SyncResult, error) {
				return svc.FullSync(ctx, isync.FullOptions{RangeDays: days})
			})
		},
	}

	cmd.Flags().IntVar(&days, "days", 0, "window in days counted back from today (default from config)")

	return cmd
}

func newSyncIncrementalCmd() *cobra.Command {
	var since string

	cmd := &cobra.Command{
		Use:   "incremental",
		Short: "Reconcile recent entries without removing anything",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var opts isync.IncrementalOptions

			if since != "" {
				d, err := parseDateArg(since, time.Now())
				if err != nil {
					return err
				}

				opts.Since = d
			}

			return runSyncPass(cmd, func(ctx context.Context, svc *isync.Service) (*isync.SyncResult, error) {
				return svc.IncrementalSync(ctx, opts)
			})
		},
	}

	cmd.Flags().StringVar(&since, "since", "", `first date to reconcile, YYYY-MM-DD or e.g. "last monday"`)

	return cmd
}

func newSyncEntryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "entry DATE",
		Short: "Re-index the entry for one date",
		Long: `Re-index one entry. The row is created or refreshed when the file
exists and removed when it does not.

DATE is YYYY-MM-DD or an expression such as "today" or "yesterday".`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			date, err := parseDateArg(args[0], time.Now())
			if err != nil {
				return err
			}

			return runSyncPass(cmd, func(ctx context.Context, svc *isync.Service) (*isync.SyncResult, error) {
				return svc.SyncSingleEntry(ctx, date)
			})
		},
	}
}

func newSyncCleanupCmd() *cobra.Command {
	var days int

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove index rows whose files no longer exist",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSyncPass(cmd, func(ctx context.Context, svc *isync.Service) (*isync.SyncResult, error) {
				return svc.Cleanup(ctx, isync.FullOptions{RangeDays: days})
			})
		},
	}

	cmd.Flags().IntVar(&days, "days", 0, "discovery window in days (default from config)")

	return cmd
}

// runSyncPass opens the index as writer, runs pass, and prints the result.
// A pass that ran but failed prints its result and exits non-zero.
func runSyncPass(cmd *cobra.Command, pass func(context.Context, *isync.Service) (*isync.SyncResult, error)) error {
	cc := mustCLIContext(cmd.Context())
	ctx := shutdownContext(cmd.Context(), cc.Logger)

	a, err := openApp(ctx, cc, afero.NewOsFs(), true)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := pass(ctx, a.svc)
	if res == nil {
		return err
	}

	if cc.Flags.JSON {
		if jerr := printJSON(cc.Stdout, res); jerr != nil {
			return jerr
		}
	} else {
		printSyncResult(cc.Stdout, res)
	}

	if err != nil || !res.Success {
		return errSilentFailure
	}

	return nil
}
