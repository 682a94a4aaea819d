package config

import (
	"fmt"
	"regexp"
	"strings"
)

var telegramTokenRe = regexp.MustCompile(`^\d+:[A-Za-z0-9_-]+$`)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// Validate checks a loaded configuration for values that would break the
// daemon at runtime.
func (v *Validator) Validate(cfg *Config) error {
	if cfg.Bot.Name == "" {
		return fmt.Errorf("bot name cannot be empty")
	}

	switch cfg.Bot.DefaultSendPolicy {
	case "allow", "deny":
	default:
		return fmt.Errorf("default send policy must be allow or deny, got %q", cfg.Bot.DefaultSendPolicy)
	}

	if cfg.Telegram.Enabled {
		if err := v.ValidateTelegramToken(cfg.Telegram.BotToken); err != nil {
			return err
		}
	}

	if cfg.Compaction.Model == "" {
		return fmt.Errorf("compaction model cannot be empty")
	}
	if err := v.ValidateProvider(cfg.Compaction.Provider); err != nil {
		return err
	}
	if cfg.Compaction.APIKey != "" {
		if err := v.ValidateAPIKey(cfg.Compaction.APIKey, cfg.Compaction.Provider); err != nil {
			return err
		}
	}
	if cfg.Compaction.StopTimeoutMS < 0 {
		return fmt.Errorf("stop timeout cannot be negative")
	}

	return nil
}

// ValidateProvider checks the compaction provider name.
func (v *Validator) ValidateProvider(provider string) error {
	switch provider {
	case "anthropic", "openai":
		return nil
	default:
		return fmt.Errorf("unsupported compaction provider: %s", provider)
	}
}

// ValidateAPIKey validates an API key format
func (v *Validator) ValidateAPIKey(key string, provider string) error {
	if key == "" {
		return fmt.Errorf("%s API key cannot be empty", provider)
	}

	switch provider {
	case "anthropic":
		if !strings.HasPrefix(key, "sk-ant-") {
			return fmt.Errorf("invalid Anthropic API key format (should start with sk-ant-)")
		}
	case "openai":
		if !strings.HasPrefix(key, "sk-") {
			return fmt.Errorf("invalid OpenAI API key format (should start with sk-)")
		}
	}

	return nil
}

// ValidateTelegramToken validates a Telegram bot token
func (v *Validator) ValidateTelegramToken(token string) error {
	if token == "" {
		return fmt.Errorf("telegram bot token cannot be empty")
	}
	if !telegramTokenRe.MatchString(token) {
		return fmt.Errorf("invalid Telegram bot token format")
	}
	return nil
}
