// Package telegram is the Telegram transport: it polls for updates,
// converts them to daemon messages, and delivers replies.
package telegram

import (
	"context"
	"fmt"
	"strconv"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"github.com/hollis/molt/internal/config"
	"github.com/hollis/molt/internal/daemon"
)

// Bot polls Telegram and feeds the daemon.
type Bot struct {
	api    *tgbotapi.BotAPI
	config *config.TelegramConfig
	daemon *daemon.Daemon
	logger zerolog.Logger

	running bool
	updates tgbotapi.UpdatesChannel
}

// New authenticates against the Bot API.
func New(cfg *config.TelegramConfig, d *daemon.Daemon, logger zerolog.Logger) (*Bot, error) {
	if cfg == nil || cfg.BotToken == "" {
		return nil, fmt.Errorf("bot token is required")
	}

	api, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot API: %w", err)
	}

	bot := &Bot{
		api:    api,
		config: cfg,
		daemon: d,
		logger: logger.With().Str("component", "telegram").Logger(),
	}

	bot.logger.Info().
		Str("username", api.Self.UserName).
		Int64("id", api.Self.ID).
		Msg("Telegram bot authenticated")

	return bot, nil
}

// Start begins processing updates.
func (b *Bot) Start(ctx context.Context) error {
	if b.running {
		return fmt.Errorf("bot is already running")
	}

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	b.updates = b.api.GetUpdatesChan(u)
	b.running = true

	go b.processUpdates(ctx)

	b.logger.Info().Msg("Telegram bot started")
	return nil
}

// Stop stops polling.
func (b *Bot) Stop() {
	if !b.running {
		return
	}
	b.running = false
	b.api.StopReceivingUpdates()
	b.logger.Info().Msg("Telegram bot stopped")
}

func (b *Bot) processUpdates(ctx context.Context) {
	for update := range b.updates {
		if !b.running {
			return
		}
		if update.Message == nil || update.Message.Text == "" {
			continue
		}

		if !b.allowed(update.Message.Chat.ID) {
			b.logger.Debug().Int64("chat_id", update.Message.Chat.ID).Msg("Chat not allowlisted, ignoring")
			continue
		}

		msg := toDaemonMessage(update.Message)

		reply, _, err := b.daemon.HandleMessage(ctx, msg)
		if err != nil {
			b.logger.Error().Err(err).Int("update_id", update.UpdateID).Msg("Failed to handle update")
			continue
		}
		if reply != nil {
			if err := b.send(update.Message.Chat.ID, reply.Text); err != nil {
				b.logger.Error().Err(err).Msg("Failed to send reply")
			}
		}
	}
}

// allowed checks the chat allowlist. An empty allowlist admits everyone;
// per-sender authorization still happens in the dispatcher.
func (b *Bot) allowed(chatID int64) bool {
	if len(b.config.Allowlist) == 0 {
		return true
	}
	for _, id := range b.config.Allowlist {
		if id == chatID {
			return true
		}
	}
	return false
}

func (b *Bot) send(chatID int64, text string) error {
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := b.api.Send(msg); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

// toDaemonMessage converts a Telegram message to the transport-neutral form.
func toDaemonMessage(m *tgbotapi.Message) daemon.Message {
	chatType := "private"
	if m.Chat.IsGroup() || m.Chat.IsSuperGroup() {
		chatType = "group"
	}

	sender := ""
	if m.From != nil {
		sender = m.From.UserName
		if sender == "" {
			sender = strconv.FormatInt(m.From.ID, 10)
		}
	}

	return daemon.Message{
		Surface:   "telegram",
		ChatID:    strconv.FormatInt(m.Chat.ID, 10),
		ChatType:  chatType,
		Sender:    sender,
		MessageID: strconv.Itoa(m.MessageID),
		Text:      m.Text,
	}
}
