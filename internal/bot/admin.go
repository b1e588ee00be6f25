// ABOUTME: Admin surface: status snapshot, referral link management,
// ABOUTME: plan management, runtime parameter edits, forced resync.

package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/leadwatch/leadwatch/internal/store"
)

func (b *Bot) handleAdmin(ctx context.Context, userID int64, args string) {
	user, err := b.store.GetUser(ctx, userID)
	if err != nil || !user.IsAdmin {
		b.reply(userID, "Unknown command. See /help.")
		return
	}

	fields := strings.Fields(args)
	if len(fields) == 0 {
		b.adminStatus(ctx, userID)
		return
	}

	switch fields[0] {
	case "addref":
		b.adminAddRef(ctx, userID, fields[1:])
	case "delref":
		b.adminDelRef(ctx, userID, fields[1:])
	case "refs":
		b.adminListRefs(ctx, userID)
	case "restart":
		b.adminRestart(ctx, userID)
	case "set":
		b.adminSet(userID, fields[1:])
	case "addplan":
		b.adminAddPlan(ctx, userID, fields[1:])
	default:
		b.reply(userID, "Admin subcommands: addref, delref, refs, restart, set, addplan")
	}
}

func (b *Bot) adminStatus(ctx context.Context, userID int64) {
	status := b.monitor.Status()
	users, _ := b.store.ListUsers(ctx)
	tariffs, _ := b.store.ListActiveUserTariffs(ctx)

	var sb strings.Builder
	sb.WriteString("<b>Status</b>\n")
	fmt.Fprintf(&sb, "Users: %d\n", len(users))
	fmt.Fprintf(&sb, "Active tariffs: %d\n", len(tariffs))
	fmt.Fprintf(&sb, "Subscribed chats: %d\n", status.SubscribedChats)

	sb.WriteString("\n<b>Realtime sessions</b>\n")
	for _, info := range status.Sessions {
		state := "offline"
		if info.Connected {
			state = "online"
		}
		fmt.Fprintf(&sb, "• %s (%s) — %s, %d chats\n", info.Name, info.Phone, state, info.BoundChats)
	}
	sb.WriteString("\n<b>History sessions</b>\n")
	for _, info := range b.historyP.ListInfo() {
		state := "idle"
		if info.Connected {
			state = "in use"
		}
		fmt.Fprintf(&sb, "• %s (%s) — %s\n", info.Name, info.Phone, state)
	}
	b.reply(userID, sb.String())
}

func (b *Bot) adminAddRef(ctx context.Context, userID int64, args []string) {
	if len(args) != 1 {
		b.reply(userID, "Usage: /admin addref &lt;code&gt;")
		return
	}
	if _, err := b.store.CreateReferralLink(ctx, args[0]); err != nil {
		b.reply(userID, "Could not create the link: "+err.Error())
		return
	}
	b.reply(userID, fmt.Sprintf("Referral link created:\nhttps://t.me/%s?start=%s",
		b.api.Self.UserName, args[0]))
}

func (b *Bot) adminDelRef(ctx context.Context, userID int64, args []string) {
	if len(args) != 1 {
		b.reply(userID, "Usage: /admin delref &lt;code&gt;")
		return
	}
	err := b.store.DeleteReferralLink(ctx, args[0])
	switch {
	case errors.Is(err, store.ErrReferralInUse):
		b.reply(userID, "That code has registered users and cannot be deleted.")
	case errors.Is(err, store.ErrNotFound):
		b.reply(userID, "No such code.")
	case err != nil:
		b.reply(userID, "Could not delete the link: "+err.Error())
	default:
		b.reply(userID, "Deleted.")
	}
}

func (b *Bot) adminListRefs(ctx context.Context, userID int64) {
	links, err := b.store.ListReferralLinks(ctx)
	if err != nil {
		b.reply(userID, "Could not list referral links.")
		return
	}
	if len(links) == 0 {
		b.reply(userID, "No referral links yet.")
		return
	}
	var sb strings.Builder
	sb.WriteString("<b>Referral links</b>\n")
	for _, link := range links {
		n, _ := b.store.CountReferralUsers(ctx, link.Code)
		fmt.Fprintf(&sb, "• %s — %d users\n", link.Code, n)
	}
	b.reply(userID, sb.String())
}

func (b *Bot) adminRestart(ctx context.Context, userID int64) {
	n, err := b.monitor.RestartAllActive(ctx)
	if err != nil {
		b.reply(userID, "Resync failed: "+err.Error())
		return
	}
	b.reply(userID, fmt.Sprintf("Resync complete: %d chats subscribed.", n))
}

func (b *Bot) adminSet(userID int64, args []string) {
	if len(args) < 2 {
		b.reply(userID, "Usage: /admin set &lt;key&gt; &lt;value&gt;")
		return
	}
	key := args[0]
	value := strings.Join(args[1:], " ")
	if err := b.cfg.Set(key, value); err != nil {
		b.reply(userID, "Could not set the parameter: "+err.Error())
		return
	}
	b.reply(userID, fmt.Sprintf("%s updated.", key))
}

func (b *Bot) adminAddPlan(ctx context.Context, userID int64, args []string) {
	if len(args) != 4 {
		b.reply(userID, "Usage: /admin addplan &lt;name&gt; &lt;price&gt; &lt;projects&gt; &lt;chats&gt;")
		return
	}
	price, err1 := strconv.ParseInt(args[1], 10, 64)
	projects, err2 := strconv.Atoi(args[2])
	chats, err3 := strconv.Atoi(args[3])
	if err1 != nil || err2 != nil || err3 != nil {
		b.reply(userID, "Price, projects, and chats must be numbers.")
		return
	}
	plan, err := b.store.CreateTariffPlan(ctx, &store.TariffPlan{
		Name:               args[0],
		Price:              price,
		MaxProjects:        projects,
		MaxChatsPerProject: chats,
	})
	if err != nil {
		b.reply(userID, "Could not create the plan: "+err.Error())
		return
	}
	b.reply(userID, fmt.Sprintf("Plan <b>%s</b> created (id %d).", plan.Name, plan.ID))
}
