package main

import (
	"github.com/spf13/cobra"

	"github.com/tonimelisma/indexsync/internal/config"
)

func newReloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "reload",
		Short:       "Ask the running server to re-read its config file",
		Long:        "Send SIGHUP to the running \"indexsync serve\". Scheduler intervals and log level take effect immediately; other changes need a restart.",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{skipConfigAnnotation: "true"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())

			if err := sendSIGHUP(config.DefaultPIDPath()); err != nil {
				return err
			}

			cc.Statusf("Reload requested.\n")

			return nil
		},
	}
}
