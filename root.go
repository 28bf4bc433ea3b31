package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/indexsync/internal/config"
)

// version is set at build time via ldflags.
var version = "dev"

// Global persistent flags, bound in newRootCmd().
var (
	flagConfigPath  string
	flagEntriesRoot string
	flagDBPath      string
	flagJSON        bool
	flagVerbose     bool
	flagQuiet       bool
)

// skipConfigAnnotation marks commands that must work without a loadable
// config (reload only needs the PID file).
const skipConfigAnnotation = "skipConfig"

// CLIFlags are the parsed global flags.
type CLIFlags struct {
	ConfigPath string
	JSON       bool
	Verbose    bool
	Quiet      bool
}

// CLIContext carries per-invocation state from the root pre-run to
// subcommands through the command context.
type CLIContext struct {
	Flags   CLIFlags
	Cfg     *config.Config
	CfgPath string
	Logger  *slog.Logger
	Stdout  io.Writer

	// LogLevel is shared with the logger's handler.
	LogLevel *slog.LevelVar

	closeLog func() error
}

type cliContextKey struct{}

func withCLIContext(ctx context.Context, cc *CLIContext) context.Context {
	return context.WithValue(ctx, cliContextKey{}, cc)
}

// mustCLIContext returns the CLIContext installed by the root pre-run. A
// missing context is a programming error.
func mustCLIContext(ctx context.Context) *CLIContext {
	cc, ok := ctx.Value(cliContextKey{}).(*CLIContext)
	if !ok {
		panic("BUG: CLIContext not set on command context")
	}

	return cc
}

// newRootCmd builds and returns the fully-assembled root command with all
// subcommands registered. Called once from main().
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "indexsync",
		Short:   "Keep a SQLite index of journal entries in sync with the files on disk",
		Long:    "indexsync indexes dated entry files into SQLite and keeps the index current with scheduled, manual, and watch-triggered syncs.",
		Version: version,
		// Errors are printed by main.
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return setupCLIContext(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			if cc, ok := cmd.Context().Value(cliContextKey{}).(*CLIContext); ok && cc.closeLog != nil {
				return cc.closeLog()
			}

			return nil
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&flagConfigPath, "config", "", "config file path")
	pf.StringVar(&flagEntriesRoot, "entries-root", "", "entries root directory (overrides config)")
	pf.StringVar(&flagDBPath, "db", "", "index database path (overrides config)")
	pf.BoolVar(&flagJSON, "json", false, "output in JSON format")
	pf.BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	pf.BoolVarP(&flagQuiet, "quiet", "q", false, "suppress informational output")

	cmd.MarkFlagsMutuallyExclusive("verbose", "quiet")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newSyncCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newHistoryCmd())
	cmd.AddCommand(newEntriesCmd())
	cmd.AddCommand(newConfigCmd())
	cmd.AddCommand(newReloadCmd())

	return cmd
}

// setupCLIContext resolves configuration, builds the logger, and installs a
// CLIContext on the command.
func setupCLIContext(cmd *cobra.Command) error {
	cc := &CLIContext{
		Flags: CLIFlags{
			ConfigPath: flagConfigPath,
			JSON:       flagJSON,
			Verbose:    flagVerbose,
			Quiet:      flagQuiet,
		},
		Stdout:   cmd.OutOrStdout(),
		LogLevel: new(slog.LevelVar),
	}

	if cmd.Annotations[skipConfigAnnotation] == "" {
		cfg, path, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		cc.Cfg, cc.CfgPath = cfg, path
	}

	cc.LogLevel.Set(effectiveLevel(cc.Cfg, cc.Flags))

	logger, closeLog, err := buildLogger(cc.Cfg, cc.LogLevel, cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	cc.Logger, cc.closeLog = logger, closeLog

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	cmd.SetContext(withCLIContext(ctx, cc))

	return nil
}

// loadConfig resolves the effective configuration from the four-layer
// override chain.
func loadConfig(cmd *cobra.Command) (*config.Config, string, error) {
	cli := config.CLIOverrides{ConfigPath: flagConfigPath}

	// Only explicitly set flags override lower layers.
	if cmd.Flags().Changed("entries-root") {
		cli.EntriesRoot = &flagEntriesRoot
	}

	if cmd.Flags().Changed("db") {
		cli.DBPath = &flagDBPath
	}

	cfg, path, err := config.Resolve(config.ReadEnvOverrides(), cli)
	if err != nil {
		return nil, path, fmt.Errorf("loading config: %w", err)
	}

	return cfg, path, nil
}

// exitOnError prints a user-friendly error message to stderr and exits.
func exitOnError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

// errSilentFailure signals a failure whose details were already printed.
var errSilentFailure = errors.New("command failed")
