// ABOUTME: Outbound delivery to end users through the bot transport
// ABOUTME: Notifier interface plus the Bot API implementation

package egress

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// ErrRecipientBlocked indicates the recipient has blocked the bot.
// Callers use it to mark the account inactive instead of retrying.
var ErrRecipientBlocked = errors.New("recipient blocked the bot")

// Notifier delivers rendered content to a user's private chat.
type Notifier interface {
	// SendHTML sends an HTML-formatted message with link previews off.
	SendHTML(ctx context.Context, userID int64, html string) error

	// SendDocument sends an in-memory file with an optional caption.
	SendDocument(ctx context.Context, userID int64, filename string, data []byte, caption string) error
}

// Bot is the Notifier backed by the Bot API.
type Bot struct {
	api *tgbotapi.BotAPI
	log *slog.Logger
}

// NewBot wraps an authorized Bot API client.
func NewBot(api *tgbotapi.BotAPI, logger *slog.Logger) *Bot {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bot{api: api, log: logger.With("component", "egress")}
}

func (b *Bot) SendHTML(ctx context.Context, userID int64, html string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := tgbotapi.NewMessage(userID, html)
	msg.ParseMode = tgbotapi.ModeHTML
	msg.DisableWebPagePreview = true
	if _, err := b.api.Send(msg); err != nil {
		return classify(err)
	}
	return nil
}

func (b *Bot) SendDocument(ctx context.Context, userID int64, filename string, data []byte, caption string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	doc := tgbotapi.NewDocument(userID, tgbotapi.FileBytes{Name: filename, Bytes: data})
	doc.Caption = caption
	if _, err := b.api.Send(doc); err != nil {
		return classify(err)
	}
	return nil
}

// classify maps Bot API failures onto package errors. A 403 means the
// user blocked the bot or deactivated their account; both are terminal.
func classify(err error) error {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) && apiErr.Code == 403 {
		return fmt.Errorf("%w: %s", ErrRecipientBlocked, apiErr.Message)
	}
	if strings.Contains(err.Error(), "blocked by the user") {
		return fmt.Errorf("%w: %v", ErrRecipientBlocked, err)
	}
	return err
}
