package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/pelletier/go-toml/v2"
)

// Config holds all application configuration
type Config struct {
	General       GeneralConfig       `toml:"general"`
	Web           WebConfig           `toml:"web"`
	Runner        RunnerConfig        `toml:"runner"`
	Stream        StreamConfig        `toml:"stream"`
	Auth          AuthConfig          `toml:"auth"`
	Triage        TriageConfig        `toml:"triage"`
	Sweep         SweepConfig         `toml:"sweep"`
	Notifications NotificationsConfig `toml:"notifications"`
}

// GeneralConfig holds general settings
type GeneralConfig struct {
	DatabasePath string `toml:"database_path"`
	// BaseURL is the externally reachable address of this control plane,
	// used to build the webhook callback URL handed to the runner
	BaseURL string `toml:"base_url"`
}

// WebConfig holds HTTP server settings
type WebConfig struct {
	Host           string   `toml:"host"`
	Port           int      `toml:"port"`
	AllowedOrigins []string `toml:"allowed_origins"`
}

// RunnerConfig holds settings for the external runner service
type RunnerConfig struct {
	URL string `toml:"url"`
	// WebhookSecret is the shared secret the runner must present on every
	// progress report. Usually set via RUNNER_WEBHOOK_SECRET instead.
	WebhookSecret  string `toml:"webhook_secret"`
	RequestTimeout int    `toml:"request_timeout_seconds"`
}

// StreamConfig holds task event stream settings
type StreamConfig struct {
	PollIntervalMs int `toml:"poll_interval_ms"`
}

// PollInterval returns the stream poll interval as a duration
func (c StreamConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// AuthConfig holds session token settings
type AuthConfig struct {
	SessionSecret string `toml:"session_secret"`
}

// TriageConfig holds GitHub issue intake settings
type TriageConfig struct {
	Repo           string `toml:"repo"`
	CandidateLabel string `toml:"candidate_label"`
	QueuedLabel    string `toml:"queued_label"`
	Cron           string `toml:"cron"`
	// OwnerUserID owns threads created from triaged issues
	OwnerUserID string `toml:"owner_user_id"`
}

// SweepConfig holds stuck-thread sweep settings
type SweepConfig struct {
	Cron              string `toml:"cron"`
	StuckAfterMinutes int    `toml:"stuck_after_minutes"`
}

// StuckAfter returns the inactivity window after which a running thread is reported stuck
func (c SweepConfig) StuckAfter() time.Duration {
	return time.Duration(c.StuckAfterMinutes) * time.Minute
}

// NotificationsConfig holds notification settings
type NotificationsConfig struct {
	SlackWebhook string `toml:"slack_webhook"`
}

// envOverrides are settings that may come from the environment instead of the
// config file. Secrets normally arrive this way.
type envOverrides struct {
	DatabasePath        string `envconfig:"DATABASE_PATH"`
	RunnerURL           string `envconfig:"RUNNER_URL"`
	RunnerWebhookSecret string `envconfig:"RUNNER_WEBHOOK_SECRET"`
	SessionSecret       string `envconfig:"SESSION_SECRET"`
	SlackWebhook        string `envconfig:"SLACK_WEBHOOK"`
}

// Default returns a Config with sensible defaults
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		General: GeneralConfig{
			DatabasePath: filepath.Join(home, ".issueforge", "issueforge.db"),
			BaseURL:      "http://127.0.0.1:8080",
		},
		Web: WebConfig{
			Host: "127.0.0.1",
			Port: 8080,
		},
		Runner: RunnerConfig{
			RequestTimeout: 30,
		},
		Stream: StreamConfig{
			PollIntervalMs: 2000,
		},
		Triage: TriageConfig{
			CandidateLabel: "forge-candidate",
			QueuedLabel:    "forge-queued",
			Cron:           "*/5 * * * *",
			OwnerUserID:    "triage-bot",
		},
		Sweep: SweepConfig{
			Cron:              "*/10 * * * *",
			StuckAfterMinutes: 60,
		},
	}
}

// Load reads configuration from a TOML file, falling back to defaults, then
// applies environment overrides on top
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
	} else if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	var env envOverrides
	if err := envconfig.Process("issueforge", &env); err != nil {
		return nil, err
	}
	if env.DatabasePath != "" {
		cfg.General.DatabasePath = env.DatabasePath
	}
	if env.RunnerURL != "" {
		cfg.Runner.URL = env.RunnerURL
	}
	if env.RunnerWebhookSecret != "" {
		cfg.Runner.WebhookSecret = env.RunnerWebhookSecret
	}
	if env.SessionSecret != "" {
		cfg.Auth.SessionSecret = env.SessionSecret
	}
	if env.SlackWebhook != "" {
		cfg.Notifications.SlackWebhook = env.SlackWebhook
	}

	cfg.General.DatabasePath = ExpandPath(cfg.General.DatabasePath)

	return cfg, nil
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file location
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "issueforge", "config.toml")
}
