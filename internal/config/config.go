// Package config defines and loads the daemon configuration. The file lives
// at ~/.molt/molt.json by default; MOLT_-prefixed environment variables
// override individual values.
package config

import (
	"time"

	"github.com/hollis/molt/internal/logger"
)

// Config represents the main molt configuration
type Config struct {
	// Bot identity and authorization
	Bot BotConfig `json:"bot" mapstructure:"bot"`

	// Telegram transport
	Telegram TelegramConfig `json:"telegram" mapstructure:"telegram"`

	// Session store and sweeping
	Session SessionConfig `json:"session" mapstructure:"session"`

	// Compaction
	Compaction CompactionConfig `json:"compaction" mapstructure:"compaction"`

	// Skills directory
	Skills SkillsConfig `json:"skills" mapstructure:"skills"`

	// System-event sink
	Events EventsConfig `json:"events" mapstructure:"events"`

	// Metrics endpoint
	Metrics MetricsConfig `json:"metrics" mapstructure:"metrics"`

	// Logging
	Logging logger.Config `json:"logging" mapstructure:"logging"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// BotConfig holds identity and sender authorization.
type BotConfig struct {
	// Name is the bot's mention name, stripped from group messages.
	Name string `json:"name" mapstructure:"name"`

	// Owners may change group activation; empty disables the owner gate.
	Owners []string `json:"owners" mapstructure:"owners"`

	// AllowedSenders may issue privileged commands. Empty means owners only.
	AllowedSenders []string `json:"allowed_senders" mapstructure:"allowed_senders"`

	// AbortPhrases trigger an abort of the in-flight run.
	AbortPhrases []string `json:"abort_phrases" mapstructure:"abort_phrases"`

	// DefaultSendPolicy applies when a session has no override: allow or deny.
	DefaultSendPolicy string `json:"default_send_policy" mapstructure:"default_send_policy"`
}

// TelegramConfig holds Telegram bot configuration
type TelegramConfig struct {
	Enabled   bool    `json:"enabled" mapstructure:"enabled"`
	BotToken  string  `json:"bot_token" mapstructure:"bot_token"`
	Allowlist []int64 `json:"allowlist" mapstructure:"allowlist"`
}

// SessionConfig holds session store settings.
type SessionConfig struct {
	// StorePath is the session map file. Defaults under DataDir.
	StorePath string `json:"store_path" mapstructure:"store_path"`

	// TranscriptDir holds per-run transcript files. Defaults under DataDir.
	TranscriptDir string `json:"transcript_dir" mapstructure:"transcript_dir"`

	// SweepSchedule is a cron expression for the idle-session sweep.
	SweepSchedule string `json:"sweep_schedule" mapstructure:"sweep_schedule"`

	// MaxIdle is how long a session may sit untouched before sweeping.
	MaxIdle time.Duration `json:"max_idle" mapstructure:"max_idle"`
}

// CompactionConfig holds compaction settings.
type CompactionConfig struct {
	Provider       string   `json:"provider" mapstructure:"provider"`
	APIKey         string   `json:"api_key" mapstructure:"api_key"`
	Model          string   `json:"model" mapstructure:"model"`
	FallbackModels []string `json:"fallback_models" mapstructure:"fallback_models"`
	MinMessages    int      `json:"min_messages" mapstructure:"min_messages"`
	MaxTokens      int      `json:"max_tokens" mapstructure:"max_tokens"`

	// StopTimeoutMS bounds the cancel-and-wait on an active run before
	// compaction proceeds anyway.
	StopTimeoutMS int `json:"stop_timeout_ms" mapstructure:"stop_timeout_ms"`
}

// StopTimeout returns StopTimeoutMS as a duration.
func (c CompactionConfig) StopTimeout() time.Duration {
	return time.Duration(c.StopTimeoutMS) * time.Millisecond
}

// SkillsConfig holds the skills directory settings.
type SkillsConfig struct {
	Dir   string `json:"dir" mapstructure:"dir"`
	Watch bool   `json:"watch" mapstructure:"watch"`
}

// EventsConfig holds the system-event sink settings.
type EventsConfig struct {
	// DBPath is the SQLite file for system events. Defaults under DataDir.
	DBPath string `json:"db_path" mapstructure:"db_path"`
}

// MetricsConfig holds the Prometheus endpoint settings.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Addr    string `json:"addr" mapstructure:"addr"`
}

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig() *Config {
	return &Config{
		Bot: BotConfig{
			Name:              "molt",
			AbortPhrases:      []string{"stop", "stop!", "abort"},
			DefaultSendPolicy: "allow",
		},
		Session: SessionConfig{
			SweepSchedule: "0 * * * *",
			MaxIdle:       720 * time.Hour,
		},
		Compaction: CompactionConfig{
			Provider:      "anthropic",
			Model:         "claude-sonnet-4",
			MinMessages:   6,
			MaxTokens:     2048,
			StopTimeoutMS: 15000,
		},
		Skills: SkillsConfig{
			Watch: true,
		},
		Metrics: MetricsConfig{
			Addr: "127.0.0.1:9199",
		},
		Logging: logger.DefaultConfig(),
	}
}
