// Package config loads the runtime configuration from YAML with defaults,
// validation, and environment overrides for secrets.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/royisme/mozi/internal/telemetry"
)

// QueueConfig tunes the kernel admission and pump.
type QueueConfig struct {
	// Mode is one of followup, collect, interrupt, steer, steer-backlog.
	Mode string `yaml:"mode"`

	// CollectWindowMs is the collect-mode merge window.
	CollectWindowMs int `yaml:"collect_window_ms"`

	// MaxBacklog caps pending items per session; 0 disables trimming.
	MaxBacklog int `yaml:"max_backlog"`

	// PollIntervalMs is the pump poll period.
	PollIntervalMs int `yaml:"poll_interval_ms"`
}

// RetryConfig tunes the error policy.
type RetryConfig struct {
	MaxRetries  int `yaml:"max_retries"`
	BaseDelayMs int `yaml:"base_delay_ms"`
}

// RemindersConfig tunes the reminder runner.
type RemindersConfig struct {
	PollMs int `yaml:"poll_ms"`
	Batch  int `yaml:"batch"`
}

// TelegramConfig configures the Telegram adapter.
type TelegramConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Token      string  `yaml:"token"`
	AllowedIDs []int64 `yaml:"allowed_ids"`
}

// DiscordConfig configures the Discord adapter.
type DiscordConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
}

// ChannelsConfig groups the channel adapters.
type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
	Discord  DiscordConfig  `yaml:"discord"`
}

// StorageConfig locates the SQLite database.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// Config is the full runtime configuration.
type Config struct {
	Agent     string           `yaml:"agent"`
	LogLevel  string           `yaml:"log_level"`
	Queue     QueueConfig      `yaml:"queue"`
	Retry     RetryConfig      `yaml:"retry"`
	Reminders RemindersConfig  `yaml:"reminders"`
	Channels  ChannelsConfig   `yaml:"channels"`
	Storage   StorageConfig    `yaml:"storage"`
	Telemetry telemetry.Config `yaml:"telemetry"`
}

var validModes = map[string]struct{}{
	"followup":      {},
	"collect":       {},
	"interrupt":     {},
	"steer":         {},
	"steer-backlog": {},
}

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig() Config {
	return Config{
		Agent:    "mozi",
		LogLevel: "info",
		Queue: QueueConfig{
			Mode:            "steer-backlog",
			CollectWindowMs: 400,
			PollIntervalMs:  250,
		},
		Retry: RetryConfig{
			MaxRetries:  3,
			BaseDelayMs: 1000,
		},
		Reminders: RemindersConfig{
			PollMs: 1000,
			Batch:  32,
		},
	}
}

// DefaultPath returns the default config file location.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".mozi", "config.yaml")
}

// Load reads the config at path, fills defaults, applies environment
// overrides, and validates. A missing file yields the defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		path = DefaultPath()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}

	applyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if token := os.Getenv("MOZI_TELEGRAM_TOKEN"); token != "" {
		cfg.Channels.Telegram.Token = token
	}
	if token := os.Getenv("MOZI_DISCORD_TOKEN"); token != "" {
		cfg.Channels.Discord.Token = token
	}
	if path := os.Getenv("MOZI_DB_PATH"); path != "" {
		cfg.Storage.Path = path
	}
}

// Validate checks value ranges and cross-field requirements.
func (c Config) Validate() error {
	mode := strings.TrimSpace(c.Queue.Mode)
	if _, ok := validModes[mode]; !ok {
		return fmt.Errorf("invalid queue mode %q", c.Queue.Mode)
	}
	if c.Queue.CollectWindowMs < 0 {
		return fmt.Errorf("collect_window_ms must be >= 0")
	}
	if c.Queue.MaxBacklog < 0 {
		return fmt.Errorf("max_backlog must be >= 1 or unset")
	}
	if c.Queue.PollIntervalMs < 1 {
		return fmt.Errorf("poll_interval_ms must be >= 1")
	}
	if c.Channels.Telegram.Enabled && c.Channels.Telegram.Token == "" {
		return fmt.Errorf("telegram channel enabled without a token")
	}
	if c.Channels.Discord.Enabled && c.Channels.Discord.Token == "" {
		return fmt.Errorf("discord channel enabled without a token")
	}
	return nil
}

// Save writes the config to path, creating parent directories.
func (c Config) Save(path string) error {
	if path == "" {
		path = DefaultPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
