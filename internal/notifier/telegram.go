package notifier

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

// TelegramNotifier sends messages to one chat via the Telegram Bot API.
type TelegramNotifier struct {
	bot    *tgbotapi.BotAPI
	chatID int64
	log    *zap.Logger
}

// NewTelegramNotifier creates a notifier with optional proxy support.
func NewTelegramNotifier(botToken string, chatID int64, proxyURL string, logger *zap.Logger) (*TelegramNotifier, error) {
	transport := &http.Transport{}
	if proxyURL != "" {
		u, err := url.Parse(proxyURL)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
		transport.Proxy = http.ProxyURL(u)
	}
	client := &http.Client{Timeout: 35 * time.Second, Transport: transport}
	return NewTelegramNotifierWithEndpoint(botToken, chatID, tgbotapi.APIEndpoint, client, logger)
}

// NewTelegramNotifierWithEndpoint is NewTelegramNotifier against a custom API endpoint.
func NewTelegramNotifierWithEndpoint(botToken string, chatID int64, endpoint string, client *http.Client, logger *zap.Logger) (*TelegramNotifier, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	bot, err := tgbotapi.NewBotAPIWithClient(botToken, endpoint, client)
	if err != nil {
		return nil, fmt.Errorf("telegram login: %w", err)
	}
	return &TelegramNotifier{bot: bot, chatID: chatID, log: logger.Named("telegram")}, nil
}

// Send sends an HTML message to the configured chat.
func (t *TelegramNotifier) Send(text string) error {
	msg := tgbotapi.NewMessage(t.chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	msg.DisableWebPagePreview = true
	if _, err := t.bot.Send(msg); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

// SendWithRetry sends a message with exponential backoff retry.
func (t *TelegramNotifier) SendWithRetry(ctx context.Context, text string, maxRetries int) error {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if err := t.Send(text); err != nil {
			lastErr = err
			backoff := time.Duration(1<<uint(i)) * time.Second
			t.log.Warn("telegram send failed, retrying",
				zap.Int("attempt", i+1), zap.Int("max", maxRetries+1), zap.Duration("backoff", backoff), zap.Error(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
				continue
			}
		}
		return nil
	}
	return fmt.Errorf("all %d retries exhausted: %w", maxRetries+1, lastErr)
}

// Notify implements Notifier.
func (t *TelegramNotifier) Notify(ctx context.Context, n Notification) error {
	return t.SendWithRetry(ctx, FormatNotification(n), 2)
}
