package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidate_Defaults(t *testing.T) {
	v := NewValidator()
	assert.NoError(t, v.Validate(DefaultConfig()))
}

func TestValidate_Rejections(t *testing.T) {
	v := NewValidator()

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty bot name", func(c *Config) { c.Bot.Name = "" }},
		{"bad send policy", func(c *Config) { c.Bot.DefaultSendPolicy = "maybe" }},
		{"telegram enabled without token", func(c *Config) { c.Telegram.Enabled = true }},
		{"empty model", func(c *Config) { c.Compaction.Model = "" }},
		{"unknown provider", func(c *Config) { c.Compaction.Provider = "homegrown" }},
		{"negative stop timeout", func(c *Config) { c.Compaction.StopTimeoutMS = -1 }},
		{"wrong key prefix", func(c *Config) { c.Compaction.APIKey = "sk-plain"; c.Compaction.Provider = "anthropic" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, v.Validate(cfg))
		})
	}
}

func TestValidateTelegramToken(t *testing.T) {
	v := NewValidator()
	assert.NoError(t, v.ValidateTelegramToken("123456789:ABCdefGHIjklMNOpqrsTUVwxyz"))
	assert.Error(t, v.ValidateTelegramToken(""))
	assert.Error(t, v.ValidateTelegramToken("not-a-token"))
}

func TestValidateAPIKey(t *testing.T) {
	v := NewValidator()
	assert.NoError(t, v.ValidateAPIKey("sk-ant-abc123", "anthropic"))
	assert.NoError(t, v.ValidateAPIKey("sk-abc123", "openai"))
	assert.Error(t, v.ValidateAPIKey("plain", "anthropic"))
	assert.Error(t, v.ValidateAPIKey("", "openai"))
}
