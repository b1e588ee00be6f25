// ABOUTME: User-facing commands: registration, project and chat management.
// ABOUTME: Every mutation goes through the store and the monitor.

package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/leadwatch/leadwatch/internal/store"
)

func (b *Bot) handleStart(ctx context.Context, msg *tgbotapi.Message) {
	userID := msg.From.ID
	fullName := strings.TrimSpace(msg.From.FirstName + " " + msg.From.LastName)
	code := strings.TrimSpace(msg.CommandArguments())

	user, created, err := b.store.GetOrCreateUser(ctx, userID, msg.From.UserName, fullName, code)
	if err != nil {
		b.log.Error("registration failed", "user_id", userID, "error", err)
		b.replyWithSupport(userID, "Something went wrong, please try again.")
		return
	}

	if created {
		b.log.Info("user registered", "user_id", userID, "referrer", user.ReferrerCode)
		b.reply(userID, "👋 Welcome! You're on the free plan: one project, one monitored chat.\n"+
			"Create a project with /newproject, then attach a chat with /addchat.\n"+helpText)
		return
	}
	b.reply(userID, "Welcome back!\n"+helpText)
}

func (b *Bot) handleProjects(ctx context.Context, userID int64) {
	projects, err := b.store.ListUserProjects(ctx, userID, false)
	if err != nil {
		b.log.Error("listing projects failed", "user_id", userID, "error", err)
		b.replyWithSupport(userID, "Could not load your projects.")
		return
	}
	if len(projects) == 0 {
		b.reply(userID, "You have no projects yet. Create one with /newproject &lt;name&gt;.")
		return
	}

	var sb strings.Builder
	sb.WriteString("<b>Your projects</b>\n")
	for _, p := range projects {
		state := "▶️"
		if !p.IsActive {
			state = "⏸"
		}
		fmt.Fprintf(&sb, "\n%s <b>%s</b> (id %d)\n", state, p.Name, p.ID)
		chats, err := b.store.ListProjectChats(ctx, p.ID, false)
		if err != nil {
			continue
		}
		for _, c := range chats {
			kw := c.Keywords
			if kw == "" {
				kw = "all messages"
			}
			fmt.Fprintf(&sb, "   • %s (id %d) — %s\n", c.ChatHandle, c.ID, kw)
		}
	}
	b.reply(userID, sb.String())
}

func (b *Bot) handleNewProject(ctx context.Context, userID int64, args string) {
	name := strings.TrimSpace(args)
	if name == "" {
		b.reply(userID, "Usage: /newproject &lt;name&gt;")
		return
	}

	ok, err := b.checker.CanCreateProject(ctx, userID)
	if err != nil {
		b.log.Error("project gate failed", "user_id", userID, "error", err)
		b.replyWithSupport(userID, "Could not check your tariff.")
		return
	}
	if !ok {
		b.reply(userID, "Your tariff does not allow more projects. See /tariffs.")
		return
	}

	project, err := b.store.CreateProject(ctx, userID, name, "")
	if err != nil {
		b.reply(userID, "Could not create the project: "+err.Error())
		return
	}
	b.reply(userID, fmt.Sprintf("Project <b>%s</b> created (id %d). Attach a chat with /addchat %d &lt;@chat&gt;.",
		project.Name, project.ID, project.ID))
}

func (b *Bot) handleAddChat(ctx context.Context, userID int64, args string) {
	parts := strings.SplitN(strings.TrimSpace(args), " ", 3)
	if len(parts) < 2 {
		b.reply(userID, "Usage: /addchat &lt;project_id&gt; &lt;@chat&gt; [keywords, comma separated]")
		return
	}
	projectID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		b.reply(userID, "The project id must be a number. See /projects.")
		return
	}
	handle := parts[1]
	keywords := ""
	if len(parts) == 3 {
		keywords = strings.TrimSpace(parts[2])
	}

	project, err := b.store.GetProject(ctx, projectID)
	if err != nil || project.UserID != userID {
		b.reply(userID, "No such project. See /projects.")
		return
	}

	ok, err := b.checker.CanAddChat(ctx, userID, projectID)
	if err != nil {
		b.log.Error("chat gate failed", "user_id", userID, "error", err)
		b.replyWithSupport(userID, "Could not check your tariff.")
		return
	}
	if !ok {
		b.reply(userID, "Your tariff does not allow more chats in this project. See /tariffs.")
		return
	}

	chatType := "group"
	if strings.HasPrefix(handle, "@") {
		chatType = "channel"
	}
	chat, err := b.store.AddChat(ctx, &store.MonitoredChat{
		ProjectID:  projectID,
		ChatHandle: handle,
		Type:       chatType,
		Keywords:   keywords,
	})
	if errors.Is(err, store.ErrDuplicateChat) {
		b.reply(userID, "That chat is already in this project.")
		return
	}
	if err != nil {
		b.reply(userID, "Could not add the chat: "+err.Error())
		return
	}

	if err := b.monitor.StartChat(ctx, chat.ID, projectID); err != nil {
		b.log.Warn("subscription failed, will retry on maintenance",
			"chat_id", chat.ID, "error", err)
		b.replyWithSupport(userID, fmt.Sprintf(
			"Chat %s saved, but I could not join it yet — I'll keep retrying.", handle))
		return
	}
	b.reply(userID, fmt.Sprintf("✅ Now monitoring %s (id %d).", handle, chat.ID))
}

func (b *Bot) handleDelChat(ctx context.Context, userID int64, args string) {
	chatID, err := strconv.ParseInt(strings.TrimSpace(args), 10, 64)
	if err != nil {
		b.reply(userID, "Usage: /delchat &lt;chat_id&gt; (ids are shown in /projects)")
		return
	}

	chat, err := b.store.GetChat(ctx, chatID)
	if err != nil {
		b.reply(userID, "No such chat.")
		return
	}
	project, err := b.store.GetProject(ctx, chat.ProjectID)
	if err != nil || project.UserID != userID {
		b.reply(userID, "No such chat.")
		return
	}

	b.monitor.StopChat(ctx, chatID)
	if err := b.store.DeleteChat(ctx, chatID); err != nil {
		b.replyWithSupport(userID, "Could not remove the chat.")
		return
	}
	b.reply(userID, fmt.Sprintf("Stopped monitoring %s.", chat.ChatHandle))
}
