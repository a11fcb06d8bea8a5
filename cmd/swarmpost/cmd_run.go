package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"swarmpost/internal/campaign"
	"swarmpost/internal/profile"
	"swarmpost/internal/scheduler"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// runCmd starts the unattended daemon: checkpoint recovery, the session
// watcher, pending campaign processing, then the scheduler loop until
// SIGINT/SIGTERM.
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the unattended daemon (watcher + scheduler)",
	Long: `Starts swarmpost in daemon mode.

On startup any interrupted job checkpoint is reconciled (never retried),
pending campaigns are processed, and the session directory watcher begins
registering profiles. The scheduler then fires verification/appeal batches
on the configured interval until the process is signalled to stop.`,
	RunE: runDaemon,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runDaemon(cmd *cobra.Command, args []string) error {
	a, err := buildApp()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Recovery before anything else: an interrupted job must be resolved
	// before new work or a batch can touch its profile.
	if err := a.runner.RecoverAll(ctx); err != nil {
		return err
	}

	watcher, err := profile.NewWatcher(sessionsDir(a.cfg), a.ledger, a.runner.ActiveProfiles)
	if err != nil {
		logger.Warn("session watcher unavailable", zap.Error(err))
	} else {
		if err := watcher.Rescan(); err != nil {
			logger.Warn("session rescan failed", zap.Error(err))
		}
		if err := watcher.Start(ctx); err != nil {
			logger.Warn("session watcher failed to start", zap.Error(err))
		} else {
			defer watcher.Stop()
		}
	}

	for _, c := range a.queue.List() {
		if c.Status == campaign.StatusCompleted {
			continue
		}
		logger.Info("processing pending campaign", zap.String("id", c.ID), zap.String("name", c.Name))
		if err := a.runner.Process(ctx, c.ID); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			logger.Error("campaign processing failed", zap.String("id", c.ID), zap.Error(err))
		}
	}

	sched, err := scheduler.New(a.stateDir, a.engine, a.runner.ActiveProfiles, a.sink, logger,
		a.cfg.Appeal.Enabled, a.cfg.Appeal.IntervalHours, a.cfg.TickDuration())
	if err != nil {
		return err
	}

	if err := sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("daemon stopped")
	return nil
}
