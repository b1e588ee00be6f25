// ABOUTME: Per-message pipeline: resolve, filter, tariff gate, render, deliver
// ABOUTME: Event handlers enqueue; a bounded worker pool does the work

package processor

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/leadwatch/leadwatch/internal/egress"
	"github.com/leadwatch/leadwatch/internal/platform"
	"github.com/leadwatch/leadwatch/internal/store"
)

const (
	entityTTL = 60 * time.Second
	tariffTTL = 600 * time.Second
	cacheSize = 4096

	workerCount  = 20
	queueSize    = 256
	sendSlots    = 10
	sendAttempts = 3
)

// tariffStub is sent in place of a full notification when the project
// owner's tariff has lapsed.
const tariffStub = "A message matched your keywords, but your tariff has ended — full notifications are paused. Renew to see the details."

// Event is one inbound message attributed to a monitored chat.
type Event struct {
	ProjectID int64
	ChatID    int64
	Keywords  string
	Message   *platform.Message
}

// Processor turns inbound events into notifications. Handle never blocks
// the caller; work happens on an internal worker pool and deliveries are
// throttled by a global semaphore.
type Processor struct {
	store    store.Store
	notifier egress.Notifier
	log      *slog.Logger

	projects *ttlCache[*store.Project]
	chats    *ttlCache[*store.MonitoredChat]
	tariffs  *ttlCache[bool]

	sendSem *semaphore.Weighted
	queue   chan Event
	wg      sync.WaitGroup

	// stopChat asks the monitor to drop a subscription whose backing rows
	// disappeared. Set by the monitor after construction.
	mu       sync.RWMutex
	stopChat func(chatID int64)
}

// New builds a stopped Processor; call Start before feeding events.
func New(st store.Store, notifier egress.Notifier, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		store:    st,
		notifier: notifier,
		log:      logger.With("component", "processor"),
		projects: newTTLCache[*store.Project](entityTTL, cacheSize),
		chats:    newTTLCache[*store.MonitoredChat](entityTTL, cacheSize),
		tariffs:  newTTLCache[bool](tariffTTL, cacheSize),
		sendSem:  semaphore.NewWeighted(sendSlots),
		queue:    make(chan Event, queueSize),
	}
}

// SetStopChat installs the monitor callback used to drop dead subscriptions.
func (p *Processor) SetStopChat(fn func(chatID int64)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopChat = fn
}

// Start launches the worker pool. Workers exit when ctx is cancelled.
func (p *Processor) Start(ctx context.Context) {
	for i := 0; i < workerCount; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case ev := <-p.queue:
					p.process(ctx, ev)
				}
			}
		}()
	}
}

// Wait blocks until every worker has exited.
func (p *Processor) Wait() {
	p.wg.Wait()
}

// Handle enqueues an event. When the queue is full the event is dropped
// with a warning; the inbound event path must never block.
func (p *Processor) Handle(ev Event) {
	select {
	case p.queue <- ev:
	default:
		p.log.Warn("event queue full, dropping message",
			"chat_id", ev.ChatID, "message_id", ev.Message.ID)
	}
}

// ClearCaches drops all cached lookups. Invoked by monitor maintenance.
func (p *Processor) ClearCaches() {
	p.projects.purge()
	p.chats.purge()
	p.tariffs.purge()
}

func (p *Processor) process(ctx context.Context, ev Event) {
	project, chat, ok := p.resolve(ctx, ev)
	if !ok {
		p.requestStop(ev.ChatID)
		return
	}

	match, pos, admitted := MatchKeywords(ev.Message.Text, ev.Keywords)
	if !admitted {
		return
	}

	var body string
	if p.tariffActive(ctx, project.UserID) {
		body = renderNotification(chat, ev.Message, match, pos)
	} else {
		body = tariffStub
	}

	p.deliver(ctx, project.UserID, body)
}

// resolve loads the project and chat through the read-through caches and
// verifies both are still active.
func (p *Processor) resolve(ctx context.Context, ev Event) (*store.Project, *store.MonitoredChat, bool) {
	projectKey := fmt.Sprintf("p:%d", ev.ProjectID)
	project, ok := p.projects.get(projectKey)
	if !ok {
		var err error
		project, err = p.store.GetProject(ctx, ev.ProjectID)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				p.log.Error("project lookup failed", "project_id", ev.ProjectID, "error", err)
			}
			return nil, nil, false
		}
		p.projects.put(projectKey, project)
	}

	chatKey := fmt.Sprintf("c:%d", ev.ChatID)
	chat, ok := p.chats.get(chatKey)
	if !ok {
		var err error
		chat, err = p.store.GetChat(ctx, ev.ChatID)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				p.log.Error("chat lookup failed", "chat_id", ev.ChatID, "error", err)
			}
			return nil, nil, false
		}
		p.chats.put(chatKey, chat)
	}

	if !project.IsActive || !chat.IsActive {
		return nil, nil, false
	}
	return project, chat, true
}

func (p *Processor) tariffActive(ctx context.Context, userID int64) bool {
	key := fmt.Sprintf("t:%d", userID)
	if active, ok := p.tariffs.get(key); ok {
		return active
	}
	tariff, err := p.store.GetUserTariff(ctx, userID)
	active := err == nil && tariff.IsActive
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		p.log.Error("tariff lookup failed", "user_id", userID, "error", err)
		// Do not cache transient store failures
		return active
	}
	p.tariffs.put(key, active)
	return active
}

// deliver sends with the global send semaphore held, retrying transient
// failures with exponential backoff. A blocked recipient flips the user
// inactive; a successful send flips them back.
func (p *Processor) deliver(ctx context.Context, userID int64, body string) {
	if err := p.sendSem.Acquire(ctx, 1); err != nil {
		return
	}
	defer p.sendSem.Release(1)

	backoff := time.Second
	for attempt := 1; attempt <= sendAttempts; attempt++ {
		err := p.notifier.SendHTML(ctx, userID, body)
		if err == nil {
			if uerr := p.store.SetUserActive(ctx, userID, true); uerr != nil && !errors.Is(uerr, store.ErrNotFound) {
				p.log.Error("reactivating user failed", "user_id", userID, "error", uerr)
			}
			return
		}
		if errors.Is(err, egress.ErrRecipientBlocked) {
			p.log.Info("recipient blocked the bot, deactivating", "user_id", userID)
			if uerr := p.store.SetUserActive(ctx, userID, false); uerr != nil && !errors.Is(uerr, store.ErrNotFound) {
				p.log.Error("deactivating user failed", "user_id", userID, "error", uerr)
			}
			return
		}
		if attempt == sendAttempts {
			p.log.Error("delivery failed after retries", "user_id", userID, "error", err)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

func (p *Processor) requestStop(chatID int64) {
	p.mu.RLock()
	fn := p.stopChat
	p.mu.RUnlock()
	if fn != nil {
		go fn(chatID)
	}
}

// renderNotification builds the full HTML notification body.
func renderNotification(chat *store.MonitoredChat, msg *platform.Message, match string, pos int) string {
	var b strings.Builder

	title := chat.Title
	if title == "" {
		title = chat.ChatHandle
	}
	b.WriteString("🔔 <b>New lead</b> in <b>")
	b.WriteString(html.EscapeString(title))
	b.WriteString("</b>\n")

	name := msg.Sender.DisplayName()
	if name == "" {
		name = "Unknown sender"
	}
	b.WriteString("👤 ")
	b.WriteString(html.EscapeString(name))
	if msg.Sender != nil && msg.Sender.Username != "" {
		b.WriteString(" (@")
		b.WriteString(html.EscapeString(msg.Sender.Username))
		b.WriteString(")")
	}
	b.WriteString("\n")

	if match != "" {
		b.WriteString("🔑 Keyword: <b>")
		b.WriteString(html.EscapeString(match))
		b.WriteString("</b>\n")
	}

	b.WriteString("\n")
	b.WriteString(html.EscapeString(Snippet(msg.Text, pos, len([]rune(match)))))
	b.WriteString("\n")

	var links []string
	if link := messageLink(chat, msg); link != "" {
		links = append(links, fmt.Sprintf(`<a href="%s">Open message</a>`, link))
	}
	if link := senderLink(msg.Sender); link != "" {
		links = append(links, fmt.Sprintf(`<a href="%s">Contact sender</a>`, link))
	}
	if len(links) > 0 {
		b.WriteString("\n")
		b.WriteString(strings.Join(links, " | "))
	}
	return b.String()
}

// messageLink is constructible only for handle-based public chats.
func messageLink(chat *store.MonitoredChat, msg *platform.Message) string {
	handle := chat.ChatHandle
	if !strings.HasPrefix(handle, "@") {
		if msg.ChatUsername == "" {
			return ""
		}
		handle = "@" + msg.ChatUsername
	}
	return fmt.Sprintf("https://t.me/%s/%d", strings.TrimPrefix(handle, "@"), msg.ID)
}

func senderLink(s *platform.Sender) string {
	switch {
	case s == nil:
		return ""
	case s.Username != "":
		return "https://t.me/" + s.Username
	case s.ID != 0:
		return fmt.Sprintf("tg://user?id=%d", s.ID)
	}
	return ""
}
