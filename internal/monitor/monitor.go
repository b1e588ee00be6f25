// ABOUTME: Monitor engine: turns active projects and chats into live event
// ABOUTME: subscriptions on the realtime pool, with periodic self-heal

package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/leadwatch/leadwatch/internal/platform"
	"github.com/leadwatch/leadwatch/internal/processor"
	"github.com/leadwatch/leadwatch/internal/sessions"
	"github.com/leadwatch/leadwatch/internal/store"
)

const (
	// reloadInterval is how often maintenance clears caches and resyncs.
	reloadInterval = 6 * time.Hour
	// checkTick bounds how long the loop takes to observe cancellation.
	checkTick = time.Minute
)

type subscription struct {
	client         platform.Client
	session        string
	platformChatID int64
	projectID      int64
}

// Status is a snapshot for admin surfaces.
type Status struct {
	SubscribedChats int
	Sessions        []sessions.SessionInfo
}

// Monitor owns the control path between the persistent model and the
// session pool. All mutations of subscription state are serialised
// through its mutex.
type Monitor struct {
	store store.Store
	pool  *sessions.Pool
	proc  *processor.Processor
	log   *slog.Logger

	mu   sync.Mutex
	subs map[int64]*subscription
}

// New wires a Monitor and registers itself as the processor's stop-chat
// sink so dead subscriptions get torn down.
func New(st store.Store, pool *sessions.Pool, proc *processor.Processor, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Monitor{
		store: st,
		pool:  pool,
		proc:  proc,
		log:   logger.With("component", "monitor"),
		subs:  make(map[int64]*subscription),
	}
	proc.SetStopChat(func(chatID int64) {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		m.StopChat(ctx, chatID)
	})
	return m
}

// StartChat subscribes a single chat. Idempotent: an already-subscribed
// chat is left alone.
func (m *Monitor) StartChat(ctx context.Context, chatID, projectID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.startChatLocked(ctx, chatID, projectID)
}

func (m *Monitor) startChatLocked(ctx context.Context, chatID, projectID int64) error {
	if _, ok := m.subs[chatID]; ok {
		return nil
	}

	chat, err := m.store.GetChat(ctx, chatID)
	if err != nil {
		return fmt.Errorf("load chat %d: %w", chatID, err)
	}
	if !chat.IsActive {
		return nil
	}

	client, session, err := m.pool.ChooseForChat(ctx, chatID)
	if err != nil {
		return fmt.Errorf("choose session for %s: %w", chat.ChatHandle, err)
	}

	info, err := m.ensureJoined(ctx, client, chat)
	if err != nil {
		m.pool.Unbind(ctx, chatID)
		return fmt.Errorf("join %s: %w", chat.ChatHandle, err)
	}

	if info.Title != "" && info.Title != chat.Title {
		if uerr := m.store.UpdateChatTitle(ctx, chatID, info.Title); uerr != nil {
			m.log.Warn("title refresh failed", "chat_id", chatID, "error", uerr)
		}
	}

	keywords := chat.Keywords
	client.Subscribe(info.ID, func(msg *platform.Message) {
		m.proc.Handle(processor.Event{
			ProjectID: projectID,
			ChatID:    chatID,
			Keywords:  keywords,
			Message:   msg,
		})
	})

	m.subs[chatID] = &subscription{
		client:         client,
		session:        session,
		platformChatID: info.ID,
		projectID:      projectID,
	}
	m.log.Info("chat subscribed",
		"chat_id", chatID, "handle", chat.ChatHandle, "session", session)
	return nil
}

// ensureJoined makes the chosen client a participant of the chat and
// returns the resolved chat. Public chats are joined by handle; private
// ones need an invite link on the record.
func (m *Monitor) ensureJoined(ctx context.Context, client platform.Client, chat *store.MonitoredChat) (*platform.ChatInfo, error) {
	info, rerr := client.ResolveChat(ctx, chat.ChatHandle)
	if rerr == nil {
		if member, merr := client.IsMember(ctx, info.ID); merr == nil && member {
			return info, nil
		}
	}

	hash := inviteHash(chat.InviteLink)
	switch {
	case strings.HasPrefix(chat.ChatHandle, "@"):
		if err := client.JoinByUsername(ctx, chat.ChatHandle); err != nil {
			return nil, err
		}
	case hash != "":
		if err := client.ImportInvite(ctx, hash); err != nil {
			return nil, err
		}
	default:
		if rerr != nil {
			return nil, rerr
		}
		return nil, fmt.Errorf("%w: not a member and no invite link", platform.ErrChatUnavailable)
	}

	if info == nil {
		var err error
		info, err = client.ResolveChat(ctx, chat.ChatHandle)
		if err != nil {
			return nil, err
		}
	}
	return info, nil
}

// inviteHash extracts the invite hash from a t.me link. Supported shapes:
// t.me/+HASH and t.me/joinchat/HASH, with or without scheme.
func inviteHash(link string) string {
	link = strings.TrimSpace(link)
	if link == "" {
		return ""
	}
	if idx := strings.LastIndex(link, "/"); idx >= 0 {
		link = link[idx+1:]
	}
	return strings.TrimPrefix(link, "+")
}

// StopChat removes a chat's subscription. Calling it on a chat that is
// not subscribed is a no-op returning false.
func (m *Monitor) StopChat(ctx context.Context, chatID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopChatLocked(ctx, chatID)
}

func (m *Monitor) stopChatLocked(ctx context.Context, chatID int64) bool {
	sub, ok := m.subs[chatID]
	if !ok {
		return false
	}
	sub.client.Unsubscribe(sub.platformChatID)
	m.pool.Unbind(ctx, chatID)
	delete(m.subs, chatID)
	m.log.Info("chat unsubscribed", "chat_id", chatID, "session", sub.session)
	return true
}

// StartProject subscribes every active chat of a project and returns the
// count that succeeded. Per-chat failures are logged and retried by the
// next maintenance cycle.
func (m *Monitor) StartProject(ctx context.Context, projectID int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.startProjectLocked(ctx, projectID)
}

func (m *Monitor) startProjectLocked(ctx context.Context, projectID int64) (int, error) {
	chats, err := m.store.ListProjectChats(ctx, projectID, true)
	if err != nil {
		return 0, fmt.Errorf("list chats of project %d: %w", projectID, err)
	}
	started := 0
	for _, chat := range chats {
		if err := m.startChatLocked(ctx, chat.ID, projectID); err != nil {
			m.log.Warn("chat failed to start", "chat_id", chat.ID, "error", err)
			continue
		}
		started++
	}
	return started, nil
}

// StopProject unsubscribes every chat bound to the project.
func (m *Monitor) StopProject(ctx context.Context, projectID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for chatID, sub := range m.subs {
		if sub.projectID == projectID {
			m.stopChatLocked(ctx, chatID)
		}
	}
}

// RestartAllActive performs a full resync: stop everything, reload active
// projects, re-subscribe. Returns the number of chats subscribed.
func (m *Monitor) RestartAllActive(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for chatID := range m.subs {
		m.stopChatLocked(ctx, chatID)
	}

	projects, err := m.store.ListActiveProjects(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active projects: %w", err)
	}
	total := 0
	for _, project := range projects {
		n, err := m.startProjectLocked(ctx, project.ID)
		if err != nil {
			m.log.Warn("project failed to start", "project_id", project.ID, "error", err)
			continue
		}
		total += n
	}
	m.log.Info("resync complete", "projects", len(projects), "chats", total)
	return total, nil
}

// Run drives the maintenance loop until ctx is cancelled: every
// reloadInterval it clears processor caches and resyncs, checking the
// stop flag once per tick.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(checkTick)
	defer ticker.Stop()

	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if now.Sub(last) < reloadInterval {
				continue
			}
			last = now
			m.proc.ClearCaches()
			if _, err := m.RestartAllActive(ctx); err != nil {
				m.log.Error("maintenance resync failed", "error", err)
			}
		}
	}
}

// Status reports the current subscription and session state.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	n := len(m.subs)
	m.mu.Unlock()
	return Status{
		SubscribedChats: n,
		Sessions:        m.pool.ListInfo(),
	}
}
