// ABOUTME: Bot front-end: long-polling update loop, command dispatch,
// ABOUTME: required-channel gate, and in-band payment event handling

package bot

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/leadwatch/leadwatch/internal/config"
	"github.com/leadwatch/leadwatch/internal/egress"
	"github.com/leadwatch/leadwatch/internal/history"
	"github.com/leadwatch/leadwatch/internal/monitor"
	"github.com/leadwatch/leadwatch/internal/payments"
	"github.com/leadwatch/leadwatch/internal/sessions"
	"github.com/leadwatch/leadwatch/internal/store"
	"github.com/leadwatch/leadwatch/internal/tariff"
)

// Bot is the command and keyboard interface. It is purely an adapter:
// every action delegates to the store, monitor, checker, extractor, or
// payment service.
type Bot struct {
	api       *tgbotapi.BotAPI
	store     store.Store
	cfg       *config.Manager
	checker   *tariff.Checker
	monitor   *monitor.Monitor
	realtime  *sessions.Pool
	historyP  *sessions.Pool
	extractor *history.Extractor
	payments  *payments.Service
	notifier  egress.Notifier
	log       *slog.Logger
}

// Deps carries the components the front-end adapts.
type Deps struct {
	API       *tgbotapi.BotAPI
	Store     store.Store
	Config    *config.Manager
	Checker   *tariff.Checker
	Monitor   *monitor.Monitor
	Realtime  *sessions.Pool
	History   *sessions.Pool
	Extractor *history.Extractor
	Payments  *payments.Service
	Notifier  egress.Notifier
	Logger    *slog.Logger
}

func New(d Deps) *Bot {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Bot{
		api:       d.API,
		store:     d.Store,
		cfg:       d.Config,
		checker:   d.Checker,
		monitor:   d.Monitor,
		realtime:  d.Realtime,
		historyP:  d.History,
		extractor: d.Extractor,
		payments:  d.Payments,
		notifier:  d.Notifier,
		log:       logger.With("component", "bot"),
	}
}

// Run polls for updates until ctx is cancelled.
func (b *Bot) Run(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := b.api.GetUpdatesChan(u)
	b.log.Info("bot polling started", "username", b.api.Self.UserName)

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			b.handleUpdate(ctx, update)
		}
	}
}

func (b *Bot) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	switch {
	case update.PreCheckoutQuery != nil:
		b.handlePreCheckout(update.PreCheckoutQuery)
	case update.CallbackQuery != nil:
		b.handleCallback(ctx, update.CallbackQuery)
	case update.Message != nil && update.Message.SuccessfulPayment != nil:
		b.handleSuccessfulPayment(ctx, update.Message)
	case update.Message != nil && update.Message.Chat.IsPrivate():
		b.handleMessage(ctx, update.Message)
	}
}

func (b *Bot) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if !msg.IsCommand() {
		return
	}
	userID := msg.From.ID

	if msg.Command() == "start" {
		b.handleStart(ctx, msg)
		return
	}

	if ok := b.passesChannelGate(ctx, userID); !ok {
		return
	}

	switch msg.Command() {
	case "help":
		b.reply(userID, helpText)
	case "projects":
		b.handleProjects(ctx, userID)
	case "newproject":
		b.handleNewProject(ctx, userID, msg.CommandArguments())
	case "addchat":
		b.handleAddChat(ctx, userID, msg.CommandArguments())
	case "delchat":
		b.handleDelChat(ctx, userID, msg.CommandArguments())
	case "tariffs":
		b.handleTariffs(ctx, userID)
	case "topup":
		b.handleTopUp(ctx, userID, msg.CommandArguments())
	case "parse":
		b.handleParse(ctx, userID, msg.CommandArguments())
	case "admin":
		b.handleAdmin(ctx, userID, msg.CommandArguments())
	default:
		b.reply(userID, "Unknown command. See /help.")
	}
}

// passesChannelGate verifies the user is a member of every required
// channel; on failure it lists what is missing and returns false. An
// empty requirement list always passes, as do lookups the Bot API cannot
// perform (the bot may not be an admin of the channel).
func (b *Bot) passesChannelGate(ctx context.Context, userID int64) bool {
	required := b.cfg.RequiredChannelList()
	if len(required) == 0 {
		return true
	}

	var missing []string
	for _, channel := range required {
		member, err := b.api.GetChatMember(tgbotapi.GetChatMemberConfig{
			ChatConfigWithUser: tgbotapi.ChatConfigWithUser{
				SuperGroupUsername: channel,
				UserID:             userID,
			},
		})
		if err != nil {
			b.log.Warn("membership check failed", "channel", channel, "error", err)
			continue
		}
		switch member.Status {
		case "member", "administrator", "creator":
		default:
			missing = append(missing, channel)
		}
	}
	if len(missing) == 0 {
		return true
	}

	var sb strings.Builder
	sb.WriteString("To use the service, first join:\n")
	for _, ch := range missing {
		fmt.Fprintf(&sb, "• https://t.me/%s\n", strings.TrimPrefix(ch, "@"))
	}
	b.reply(userID, sb.String())
	return false
}

func (b *Bot) reply(userID int64, text string) {
	if err := b.notifier.SendHTML(context.Background(), userID, text); err != nil {
		b.log.Warn("reply failed", "user_id", userID, "error", err)
	}
}

func (b *Bot) replyWithSupport(userID int64, text string) {
	if link := b.cfg.Snapshot().SupportLink; link != "" {
		text += "\n\nNeed help? " + link
	}
	b.reply(userID, text)
}

const helpText = `<b>Commands</b>
/projects — your projects and chats
/newproject &lt;name&gt; — create a project
/addchat &lt;project_id&gt; &lt;@chat&gt; [keywords, comma separated] — monitor a chat
/delchat &lt;chat_id&gt; — stop monitoring
/tariffs — plans and purchase
/topup &lt;amount&gt; — top up balance
/parse &lt;@chat&gt; [keywords] — extract chat history (billed)
/help — this message`
