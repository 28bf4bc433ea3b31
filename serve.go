package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tonimelisma/indexsync/internal/config"
	"github.com/tonimelisma/indexsync/internal/server"
	isync "github.com/tonimelisma/indexsync/internal/sync"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler, file watcher, and HTTP API until interrupted",
		Long: `Run indexsync as a long-lived process. Depending on config it:
  - runs incremental and full syncs on a schedule
  - re-indexes single entries as their files change
  - serves the HTTP control API with a websocket result stream

SIGHUP (or "indexsync reload") re-reads the config file.`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	cfg := cc.Cfg
	logger := cc.Logger

	if !cfg.Scheduler.Enabled && !cfg.Watch.Enabled && !cfg.Server.Enabled {
		return errors.New("nothing to serve: enable at least one of [scheduler], [watch], [server]")
	}

	cleanup, err := writePIDFile(config.DefaultPIDPath())
	if err != nil {
		return err
	}
	defer cleanup()

	ctx := shutdownContext(cmd.Context(), logger)

	a, err := openApp(ctx, cc, afero.NewOsFs(), true)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.layout.CheckRoot(); err != nil {
		// Syncs fail and record history until the root appears.
		logger.Warn("entries root unavailable", slog.String("root", cfg.Entries.Root), slog.String("error", err.Error()))
	}

	holder := config.NewHolder(cfg, cc.CfgPath)

	var sched *isync.Scheduler
	if cfg.Scheduler.Enabled {
		sched = isync.NewScheduler(a.svc, schedulerConfig(cfg), logger)
		sched.Start(ctx)
		defer sched.Stop()
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Watch.Enabled {
		w := isync.NewWatcher(isync.WatcherConfig{
			Root:              cfg.Entries.Root,
			Debounce:          cfg.Watch.DebounceDuration(),
			MaxSyncsPerSecond: cfg.Watch.MaxSyncsPerSecond,
		}, a.layout, a.svc, logger)

		// A watcher that cannot start leaves the schedule and API running.
		g.Go(func() error {
			if err := w.Run(gctx); err != nil {
				logger.Error("file watcher stopped", slog.String("error", err.Error()))
			}

			return nil
		})
	}

	if cfg.Server.Enabled {
		deps := server.Deps{Sync: a.svc, Entries: a.store}
		// A nil *Scheduler must not become a non-nil interface.
		if sched != nil {
			deps.Scheduler = sched
		}

		srv := server.New(cfg.Server.Listen, deps, logger)
		a.svc.OnResult(srv.Publish)

		g.Go(func() error {
			if err := srv.Run(gctx); err != nil {
				return fmt.Errorf("http server: %w", err)
			}

			return nil
		})
	}

	g.Go(func() error {
		reloadLoop(gctx, cc, holder, sched)
		return nil
	})

	logger.Info("indexsync serving",
		slog.String("entries_root", cfg.Entries.Root),
		slog.String("db_path", cfg.Index.DBPath),
		slog.Bool("scheduler", cfg.Scheduler.Enabled),
		slog.Bool("watch", cfg.Watch.Enabled),
		slog.Bool("server", cfg.Server.Enabled),
	)

	if err := g.Wait(); err != nil {
		return err
	}

	logger.Info("indexsync stopped")

	return nil
}

// intervalUpdater is the slice of the scheduler a reload touches.
type intervalUpdater interface {
	UpdateIntervals(u isync.IntervalUpdate) error
}

// reloadLoop applies the config file on every SIGHUP until ctx is done.
func reloadLoop(ctx context.Context, cc *CLIContext, holder *config.Holder, sched *isync.Scheduler) {
	sigCh := reloadSignals(ctx)

	var updater intervalUpdater
	if sched != nil {
		updater = sched
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-sigCh:
			cc.Logger.Info("received SIGHUP, reloading config", slog.String("path", holder.Path()))

			next, err := config.LoadOrDefault(holder.Path())
			if err != nil {
				cc.Logger.Error("config reload failed, keeping current config", slog.String("error", err.Error()))
				continue
			}

			applyReload(cc, holder, updater, next)
		}
	}
}

// applyReload swaps in next and applies the settings that can change at
// runtime. Everything else is logged as needing a restart.
func applyReload(cc *CLIContext, holder *config.Holder, sched intervalUpdater, next *config.Config) {
	prev := holder.CarryPaths(next)

	if sched != nil {
		inc := next.Scheduler.IncrementalIntervalDuration()
		full := next.Scheduler.FullIntervalDuration()

		if err := sched.UpdateIntervals(isync.IntervalUpdate{Incremental: &inc, Full: &full}); err != nil {
			cc.Logger.Error("config reload rejected", slog.String("error", err.Error()))
			return
		}
	}

	cc.LogLevel.Set(effectiveLevel(next, cc.Flags))

	for _, field := range restartOnlyChanges(prev, next) {
		cc.Logger.Warn("config change takes effect after restart", slog.String("setting", field))
	}

	holder.Update(next)
	cc.Logger.Info("config reloaded")
}

// restartOnlyChanges lists changed settings that a running server cannot
// apply.
func restartOnlyChanges(prev, next *config.Config) []string {
	var changed []string

	check := func(name string, differs bool) {
		if differs {
			changed = append(changed, name)
		}
	}

	check("entries", prev.Entries != next.Entries)
	check("sync", prev.Sync != next.Sync)
	check("scheduler.enabled", prev.Scheduler.Enabled != next.Scheduler.Enabled)
	check("scheduler.startup_delay", prev.Scheduler.StartupDelay != next.Scheduler.StartupDelay)
	check("scheduler.tick", prev.Scheduler.Tick != next.Scheduler.Tick)
	check("watch", prev.Watch != next.Watch)
	check("server", prev.Server != next.Server)
	check("logging.log_format", prev.Logging.LogFormat != next.Logging.LogFormat)

	return changed
}
