package main

import (
	"fmt"
	"os"
	"path/filepath"

	"swarmpost/internal/appeal"
	"swarmpost/internal/browser"
	"swarmpost/internal/campaign"
	"swarmpost/internal/config"
	"swarmpost/internal/executor"
	"swarmpost/internal/logging"
	"swarmpost/internal/notify"
	"swarmpost/internal/profile"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Global flags
	verbose   bool
	workspace string
	dryRun    bool

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "swarmpost",
	Short: "swarmpost - unattended campaign orchestration",
	Long: `swarmpost runs posting campaigns across a pool of browser profiles.

It rotates profiles least-recently-used first, checkpoints every job before
touching the outside world so a crash never causes a duplicate post, and
periodically verifies and appeals restricted profiles without supervision.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		if err := logging.Initialize(workspace); err != nil {
			logger.Warn("file logging unavailable", zap.Error(err))
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.CloseAll()
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// app bundles the wired components a command needs.
type app struct {
	cfg      *config.Config
	stateDir string
	ledger   *profile.Ledger
	queue    *campaign.Queue
	drafts   *campaign.DraftPool
	exec     executor.Executor
	runner   *campaign.Runner
	engine   *appeal.Engine
	sink     notify.Sink
}

// buildApp loads config and wires the components. With dryRun the scripted
// executor stands in for the browser, so nothing external happens.
func buildApp() (*app, error) {
	cfg, err := config.Load(filepath.Join(workspace, ".swarm", "config.yaml"))
	if err != nil {
		return nil, err
	}
	if workspace != "" {
		cfg.Workspace = workspace
	}
	stateDir := filepath.Join(cfg.Workspace, ".swarm")

	ledger, err := profile.NewLedger(stateDir)
	if err != nil {
		return nil, fmt.Errorf("open profile ledger: %w", err)
	}
	queue, err := campaign.NewQueue(stateDir, cfg.Campaign.LookbackDays)
	if err != nil {
		return nil, fmt.Errorf("open campaign queue: %w", err)
	}
	drafts, err := campaign.NewDraftPool(stateDir)
	if err != nil {
		return nil, fmt.Errorf("open draft pool: %w", err)
	}

	var exec executor.Executor
	if dryRun {
		exec = executor.NewScripted()
	} else {
		exec = browser.New(browser.Config{
			DebuggerURL:         cfg.Browser.DebuggerURL,
			Headless:            cfg.Browser.Headless,
			NavigationTimeoutMs: cfg.Browser.NavigationTimeoutMs,
		}, sessionsDir(cfg))
	}

	sink := buildSink(cfg)
	runner := campaign.NewRunner(queue, ledger, exec)
	engine := appeal.NewEngine(ledger, exec, nil, sink, appeal.Config{
		MaxAttempts:       cfg.Appeal.MaxAttempts,
		RetryDelay:        cfg.RetryDelayDuration(),
		VerifyConcurrency: cfg.Appeal.VerifyConcurrency,
	})

	return &app{
		cfg:      cfg,
		stateDir: stateDir,
		ledger:   ledger,
		queue:    queue,
		drafts:   drafts,
		exec:     exec,
		runner:   runner,
		engine:   engine,
		sink:     sink,
	}, nil
}

func sessionsDir(cfg *config.Config) string {
	dir := cfg.Profiles.SessionsDir
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(cfg.Workspace, dir)
	}
	return dir
}

func buildSink(cfg *config.Config) notify.Sink {
	switch cfg.Notify.Sink {
	case "webhook":
		if cfg.Notify.WebhookURL != "" {
			return notify.NewWebhookSink(cfg.Notify.WebhookURL)
		}
		return notify.NopSink{}
	case "none":
		return notify.NopSink{}
	default:
		return notify.LogSink{Logger: logger}
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", ".", "Workspace directory")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
