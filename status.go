package main

import (
	"fmt"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	isync "github.com/tonimelisma/indexsync/internal/sync"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show index size, the last full sync, and recent syncs",
		Args:  cobra.NoArgs,
		RunE:  runStatus,
	}
}

// statusOutput is the JSON shape of "status".
type statusOutput struct {
	*isync.Status
	IndexedEntries int    `json:"indexed_entries"`
	EntriesRoot    string `json:"entries_root"`
	DBPath         string `json:"db_path"`
}

func runStatus(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	a, err := openApp(ctx, cc, afero.NewOsFs(), false)
	if err != nil {
		return err
	}
	defer a.Close()

	st, err := a.svc.Status(ctx)
	if err != nil {
		return err
	}

	n, err := a.svc.IndexedCount(ctx)
	if err != nil {
		return err
	}

	out := statusOutput{
		Status:         st,
		IndexedEntries: n,
		EntriesRoot:    cc.Cfg.Entries.Root,
		DBPath:         cc.Cfg.Index.DBPath,
	}

	if cc.Flags.JSON {
		return printJSON(cc.Stdout, out)
	}

	w := cc.Stdout
	fmt.Fprintf(w, "Entries root:    %s\n", out.EntriesRoot)
	fmt.Fprintf(w, "Index:           %s\n", out.DBPath)
	fmt.Fprintf(w, "Indexed entries: %d\n", out.IndexedEntries)

	if st.LastFullSync != nil {
		fmt.Fprintf(w, "Last full sync:  %s\n", formatOptionalTime(st.LastFullSync.CompletedAt))
	} else {
		fmt.Fprintln(w, "Last full sync:  never")
	}

	fmt.Fprintln(w)
	printHistory(w, st.RecentSyncs)

	return nil
}
