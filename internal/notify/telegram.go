package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const (
	telegramMaxMsgLen      = 4000
	telegramMaxSendRetries = 3
)

// Telegram is a Sender backed by the Bot API, and polls for admin commands.
type Telegram struct {
	bot       *tgbotapi.BotAPI
	parseMode string
	logger    *slog.Logger
}

type TelegramConfig struct {
	Token     string
	ParseMode string
	Logger    *slog.Logger
}

func NewTelegram(cfg TelegramConfig) (*Telegram, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	bot, err := tgbotapi.NewBotAPI(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("telegram bot init: %w", err)
	}
	cfg.Logger.Info("telegram bot connected", "username", bot.Self.UserName, "id", bot.Self.ID)
	return &Telegram{bot: bot, parseMode: cfg.ParseMode, logger: cfg.Logger}, nil
}

// Poll feeds chat commands to n until ctx is cancelled.
func (t *Telegram) Poll(ctx context.Context, n *Notifier) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := t.bot.GetUpdatesChan(u)
	t.logger.Info("telegram polling started")

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("telegram notifier stopping")
			t.bot.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			msg := update.Message
			if msg == nil || msg.Chat == nil || !msg.IsCommand() {
				continue
			}
			reply := n.HandleCommand(ctx, msg.Chat.ID, msg.Command(), msg.CommandArguments())
			if err := t.Send(msg.Chat.ID, reply); err != nil {
				t.logger.Warn("telegram reply failed", "chat_id", msg.Chat.ID, "error", err)
			}
		}
	}
}

// Send splits text into Telegram-sized chunks.
func (t *Telegram) Send(chatID int64, text string) error {
	for _, chunk := range splitMessage(text, telegramMaxMsgLen) {
		if err := t.sendChunk(chatID, chunk); err != nil {
			return err
		}
	}
	return nil
}

// sendChunk tries the configured parse mode first, falls back to plain text
// on a parse error, and backs off on rate limits and transient errors.
func (t *Telegram) sendChunk(chatID int64, text string) error {
	var err error
	for attempt := 0; attempt <= telegramMaxSendRetries; attempt++ {
		msg := tgbotapi.NewMessage(chatID, text)
		if attempt == 0 && t.parseMode != "" {
			msg.ParseMode = t.parseMode
		}
		if _, err = t.bot.Send(msg); err == nil {
			return nil
		}
		errStr := err.Error()

		if strings.Contains(errStr, "Too Many Requests") || strings.Contains(errStr, "429") {
			retryAfter := time.Duration(attempt+1) * 3 * time.Second
			t.logger.Warn("telegram rate limited, backing off", "retry_after", retryAfter, "attempt", attempt+1)
			time.Sleep(retryAfter)
			continue
		}
		if attempt == 0 && msg.ParseMode != "" && strings.Contains(errStr, "can't parse entities") {
			continue
		}
		if attempt < telegramMaxSendRetries {
			backoff := time.Duration(attempt+1) * time.Second
			t.logger.Warn("telegram send error, retrying", "err", err, "backoff", backoff)
			time.Sleep(backoff)
		}
	}
	return fmt.Errorf("telegram send failed after %d attempts: %w", telegramMaxSendRetries+1, err)
}
