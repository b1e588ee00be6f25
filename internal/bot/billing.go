// ABOUTME: Billing adapter around the history extractor: debit up front,
// ABOUTME: stream progress, refund when the run produced nothing.

package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/leadwatch/leadwatch/internal/history"
	"github.com/leadwatch/leadwatch/internal/store"
)

func (b *Bot) handleParse(ctx context.Context, userID int64, args string) {
	parts := strings.SplitN(strings.TrimSpace(args), " ", 2)
	if parts[0] == "" {
		b.reply(userID, "Usage: /parse &lt;@chat&gt; [keywords, comma separated]")
		return
	}
	handle := parts[0]
	keywords := ""
	if len(parts) == 2 {
		keywords = strings.TrimSpace(parts[1])
	}

	cost := int64(b.cfg.Snapshot().HistoryParseCost)
	if cost > 0 {
		if _, err := b.store.AddToBalance(ctx, userID, -cost); err != nil {
			if errors.Is(err, store.ErrNegativeBalance) {
				b.reply(userID, fmt.Sprintf(
					"Extraction costs %d ₽ and your balance is too low. Top up with /topup.", cost))
				return
			}
			b.log.Error("debit failed", "user_id", userID, "error", err)
			b.replyWithSupport(userID, "Could not start the extraction.")
			return
		}
	}

	progress, err := b.api.Send(tgbotapi.NewMessage(userID, "Extracting history... 0%"))
	if err != nil {
		b.log.Warn("progress message failed", "user_id", userID, "error", err)
	}

	var payload *history.Payload
	for update := range b.extractor.Extract(ctx, history.Request{
		ChatHandle: handle,
		Keywords:   keywords,
	}) {
		if update.Payload != nil {
			payload = update.Payload
			continue
		}
		if progress.MessageID != 0 && update.Progress < 100 {
			edit := tgbotapi.NewEditMessageText(userID, progress.MessageID,
				fmt.Sprintf("Extracting history... %d%%", update.Progress))
			if _, err := b.api.Send(edit); err != nil {
				b.log.Debug("progress edit failed", "error", err)
			}
		}
	}

	if payload == nil || len(payload.Rows) == 0 {
		b.refund(ctx, userID, cost)
		b.replyWithSupport(userID, fmt.Sprintf(
			"Nothing could be extracted from %s. The charge was refunded.", handle))
		return
	}

	data, err := history.ExportXLSX(payload)
	if err != nil {
		b.log.Error("export failed", "chat", handle, "error", err)
		b.refund(ctx, userID, cost)
		b.replyWithSupport(userID, "The extraction failed. The charge was refunded.")
		return
	}

	caption := fmt.Sprintf("%s — %d messages scanned, %d matched",
		payload.Summary.ChatTitle, payload.Summary.TotalScanned, payload.Summary.Matched)
	filename := fmt.Sprintf("history_%s.xlsx", strings.TrimPrefix(handle, "@"))
	if err := b.notifier.SendDocument(ctx, userID, filename, data, caption); err != nil {
		b.log.Error("document send failed", "user_id", userID, "error", err)
		b.refund(ctx, userID, cost)
		b.replyWithSupport(userID, "Could not deliver the spreadsheet. The charge was refunded.")
	}
}

func (b *Bot) refund(ctx context.Context, userID, cost int64) {
	if cost <= 0 {
		return
	}
	if _, err := b.store.AddToBalance(ctx, userID, cost); err != nil {
		b.log.Error("refund failed", "user_id", userID, "amount", cost, "error", err)
	}
}
