package telegram

import (
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"

	"github.com/hollis/molt/internal/config"
)

func TestToDaemonMessage(t *testing.T) {
	m := &tgbotapi.Message{
		MessageID: 42,
		Chat:      &tgbotapi.Chat{ID: 100, Type: "supergroup"},
		From:      &tgbotapi.User{ID: 7, UserName: "alice"},
		Text:      "@molt /status",
	}

	msg := toDaemonMessage(m)
	assert.Equal(t, "telegram", msg.Surface)
	assert.Equal(t, "100", msg.ChatID)
	assert.Equal(t, "group", msg.ChatType)
	assert.Equal(t, "alice", msg.Sender)
	assert.Equal(t, "42", msg.MessageID)
	assert.Equal(t, "@molt /status", msg.Text)
}

func TestToDaemonMessage_FallsBackToUserID(t *testing.T) {
	m := &tgbotapi.Message{
		MessageID: 1,
		Chat:      &tgbotapi.Chat{ID: 5, Type: "private"},
		From:      &tgbotapi.User{ID: 99},
		Text:      "hi",
	}

	msg := toDaemonMessage(m)
	assert.Equal(t, "private", msg.ChatType)
	assert.Equal(t, "99", msg.Sender)
}

func TestAllowed(t *testing.T) {
	b := &Bot{config: &config.TelegramConfig{}}
	assert.True(t, b.allowed(123), "empty allowlist admits everyone")

	b.config.Allowlist = []int64{5, 7}
	assert.True(t, b.allowed(5))
	assert.False(t, b.allowed(123))
}
