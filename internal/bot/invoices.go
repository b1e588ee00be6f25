// ABOUTME: Purchase surface: tariff list with buy buttons, top-up links,
// ABOUTME: in-band invoices, and settlement of successful payments

package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/leadwatch/leadwatch/internal/payments"
)

func (b *Bot) handleTariffs(ctx context.Context, userID int64) {
	plans, err := b.store.ListTariffPlans(ctx, true)
	if err != nil {
		b.log.Error("listing plans failed", "error", err)
		b.replyWithSupport(userID, "Could not load the tariff list.")
		return
	}

	var sb strings.Builder
	sb.WriteString("<b>Tariffs</b>\n")
	var rows [][]tgbotapi.InlineKeyboardButton
	for _, plan := range plans {
		if plan.Price == 0 {
			continue
		}
		fmt.Fprintf(&sb, "\n<b>%s</b> — %d ₽ / 30 days\n%d projects, %d chats each\n",
			plan.Name, plan.Price, plan.MaxProjects, plan.MaxChatsPerProject)
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(
				fmt.Sprintf("Buy %s — %d ₽", plan.Name, plan.Price),
				fmt.Sprintf("buy_%d", plan.ID))))
	}
	if len(rows) == 0 {
		b.reply(userID, "No paid tariffs are available right now.")
		return
	}

	msg := tgbotapi.NewMessage(userID, sb.String())
	msg.ParseMode = tgbotapi.ModeHTML
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(rows...)
	if _, err := b.api.Send(msg); err != nil {
		b.log.Warn("tariff list send failed", "user_id", userID, "error", err)
	}
}

func (b *Bot) handleCallback(ctx context.Context, q *tgbotapi.CallbackQuery) {
	if _, err := b.api.Request(tgbotapi.NewCallback(q.ID, "")); err != nil {
		b.log.Warn("callback ack failed", "error", err)
	}

	userID := q.From.ID
	if planStr, ok := strings.CutPrefix(q.Data, "buy_"); ok {
		planID, err := strconv.ParseInt(planStr, 10, 64)
		if err != nil {
			return
		}
		b.sendTariffInvoice(ctx, userID, planID)
	}
}

// sendTariffInvoice offers the in-band invoice when a provider token is
// configured, falling back to a signed payment-form link otherwise.
func (b *Bot) sendTariffInvoice(ctx context.Context, userID, planID int64) {
	plan, err := b.store.GetTariffPlan(ctx, planID)
	if err != nil {
		b.reply(userID, "That tariff is no longer available.")
		return
	}

	params := b.cfg.Snapshot()
	payload := payments.NewTariffOrderID(userID, planID)

	if params.YookassaProviderToken == "" {
		link := payments.BuildPaymentURL(strconv.Itoa(params.ShopID), params.SecretWord1, plan.Price, payload)
		b.reply(userID, fmt.Sprintf(
			"Pay for <b>%s</b> here:\n%s\n\nThe tariff activates automatically after payment.",
			plan.Name, link))
		return
	}

	description := fmt.Sprintf("%s: %d projects, %d chats each, 30 days",
		plan.Name, plan.MaxProjects, plan.MaxChatsPerProject)
	receipt, err := payments.BuildReceiptJSON(params, "Tariff "+plan.Name, plan.Price*100)
	if err != nil {
		b.log.Error("receipt build failed", "plan_id", planID, "error", err)
		b.replyWithSupport(userID, "Could not prepare the invoice.")
		return
	}

	inv := tgbotapi.NewInvoice(userID, "Tariff "+plan.Name, description, payload,
		params.YookassaProviderToken, "", "RUB",
		[]tgbotapi.LabeledPrice{{Label: plan.Name, Amount: int(plan.Price * 100)}})
	inv.ProviderData = receipt
	inv.NeedPhoneNumber = true
	inv.SendPhoneNumberToProvider = true
	inv.SuggestedTipAmounts = []int{}

	if _, err := b.api.Send(inv); err != nil {
		b.log.Error("invoice send failed", "user_id", userID, "error", err)
		b.replyWithSupport(userID, "Could not send the invoice.")
	}
}

func (b *Bot) handleTopUp(ctx context.Context, userID int64, args string) {
	amount, err := strconv.ParseInt(strings.TrimSpace(args), 10, 64)
	if err != nil || amount <= 0 {
		b.reply(userID, "Usage: /topup &lt;amount&gt; (whole rubles)")
		return
	}

	params := b.cfg.Snapshot()
	payload := payments.NewTopUpOrderID(userID)
	link := payments.BuildPaymentURL(strconv.Itoa(params.ShopID), params.SecretWord1, amount, payload)
	b.reply(userID, fmt.Sprintf(
		"Top up your balance by %d ₽ here:\n%s\n\nThe balance updates automatically after payment.",
		amount, link))
}

// handlePreCheckout always approves; validation already happened when the
// invoice was built, and settlement is idempotent.
func (b *Bot) handlePreCheckout(q *tgbotapi.PreCheckoutQuery) {
	_, err := b.api.Request(tgbotapi.PreCheckoutConfig{
		PreCheckoutQueryID: q.ID,
		OK:                 true,
	})
	if err != nil {
		b.log.Error("pre-checkout answer failed", "query_id", q.ID, "error", err)
	}
}

func (b *Bot) handleSuccessfulPayment(ctx context.Context, msg *tgbotapi.Message) {
	sp := msg.SuccessfulPayment
	amount := int64(sp.TotalAmount) / 100

	err := b.payments.Settle(ctx, sp.InvoicePayload, amount)
	if err == nil {
		return
	}
	// Legacy in-band payloads: anything starting with an integer is a
	// balance top-up for that user.
	if errors.Is(err, payments.ErrBadOrderID) {
		if userID, ok := leadingInt(sp.InvoicePayload); ok {
			if serr := b.payments.Settle(ctx, fmt.Sprintf("%d_0", userID), amount); serr == nil {
				return
			}
		}
	}
	b.log.Error("in-band settlement failed",
		"payload", sp.InvoicePayload, "charge_id", sp.ProviderPaymentChargeID, "error", err)
}

func leadingInt(s string) (int64, bool) {
	end := 0
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	if end == 0 {
		return 0, false
	}
	v, err := strconv.ParseInt(s[:end], 10, 64)
	return v, err == nil
}
