// Package config loads swarmpost configuration from .swarm/config.yaml with
// environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all swarmpost configuration.
type Config struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Workspace root; state lives under <workspace>/.swarm/.
	Workspace string `yaml:"workspace"`

	Profiles  ProfilesConfig  `yaml:"profiles"`
	Campaign  CampaignConfig  `yaml:"campaign"`
	Appeal    AppealConfig    `yaml:"appeal"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Browser   BrowserConfig   `yaml:"browser"`
	Notify    NotifyConfig    `yaml:"notify"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ProfilesConfig configures the profile ledger and session watcher.
type ProfilesConfig struct {
	// Directory scanned for session artifacts (<name>.json per profile).
	SessionsDir string `yaml:"sessions_dir"`
}

// CampaignConfig configures campaign processing.
type CampaignConfig struct {
	// Lookback window for the duplicate content guard, in days.
	LookbackDays int `yaml:"lookback_days"`
}

// AppealConfig configures the verification/appeal workflow.
type AppealConfig struct {
	Enabled           bool   `yaml:"enabled"`
	IntervalHours     int    `yaml:"interval_hours"`
	MaxAttempts       int    `yaml:"max_attempts"`
	RetryDelay        string `yaml:"retry_delay"`
	VerifyConcurrency int    `yaml:"verify_concurrency"`
}

// SchedulerConfig configures the background scheduler loop.
type SchedulerConfig struct {
	Tick string `yaml:"tick"`
}

// BrowserConfig configures the rod-backed executor.
type BrowserConfig struct {
	DebuggerURL         string `yaml:"debugger_url"`
	Headless            bool   `yaml:"headless"`
	NavigationTimeoutMs int    `yaml:"navigation_timeout_ms"`
}

// NotifyConfig configures the notification sink.
type NotifyConfig struct {
	// One of: none, log, webhook.
	Sink       string `yaml:"sink"`
	WebhookURL string `yaml:"webhook_url"`
}

// LoggingConfig configures categorized file logging.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Level      string          `yaml:"level"`
	Categories map[string]bool `yaml:"categories"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:      "swarmpost",
		Version:   "1.0.0",
		Workspace: ".",

		Profiles: ProfilesConfig{
			SessionsDir: "sessions",
		},

		Campaign: CampaignConfig{
			LookbackDays: 30,
		},

		Appeal: AppealConfig{
			Enabled:           true,
			IntervalHours:     24,
			MaxAttempts:       3,
			RetryDelay:        "30s",
			VerifyConcurrency: 4,
		},

		Scheduler: SchedulerConfig{
			Tick: "60s",
		},

		Browser: BrowserConfig{
			Headless:            true,
			NavigationTimeoutMs: 30000,
		},

		Notify: NotifyConfig{
			Sink: "log",
		},

		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load loads configuration from a YAML file, falling back to defaults when
// the file does not exist, then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides applies SWARM_* environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if ws := os.Getenv("SWARM_WORKSPACE"); ws != "" {
		c.Workspace = ws
	}
	if dir := os.Getenv("SWARM_SESSIONS_DIR"); dir != "" {
		c.Profiles.SessionsDir = dir
	}
	if v := os.Getenv("SWARM_LOOKBACK_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Campaign.LookbackDays = n
		}
	}
	if v := os.Getenv("SWARM_APPEAL_INTERVAL_HOURS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Appeal.IntervalHours = n
		}
	}
	if v := os.Getenv("SWARM_APPEAL_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Appeal.MaxAttempts = n
		}
	}
	if v := os.Getenv("SWARM_APPEAL_RETRY_DELAY"); v != "" {
		if _, err := time.ParseDuration(v); err == nil {
			c.Appeal.RetryDelay = v
		}
	}
	if url := os.Getenv("SWARM_WEBHOOK_URL"); url != "" {
		c.Notify.Sink = "webhook"
		c.Notify.WebhookURL = url
	}
	if url := os.Getenv("SWARM_BROWSER_DEBUGGER_URL"); url != "" {
		c.Browser.DebuggerURL = url
	}
}

// RetryDelayDuration parses the appeal retry delay, defaulting to 30s.
func (c *Config) RetryDelayDuration() time.Duration {
	d, err := time.ParseDuration(c.Appeal.RetryDelay)
	if err != nil || d <= 0 {
		return 30 * time.Second
	}
	return d
}

// TickDuration parses the scheduler tick, defaulting to 60s.
func (c *Config) TickDuration() time.Duration {
	d, err := time.ParseDuration(c.Scheduler.Tick)
	if err != nil || d <= 0 {
		return 60 * time.Second
	}
	return d
}

// Interval returns the appeal interval as a duration.
func (c *Config) Interval() time.Duration {
	hours := c.Appeal.IntervalHours
	if hours <= 0 {
		hours = 24
	}
	return time.Duration(hours) * time.Hour
}
