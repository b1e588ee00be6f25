// ABOUTME: Pipeline tests over a real temp-file store and a capturing
// ABOUTME: fake notifier: admission, tariff gate, delivery side effects.

package processor

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leadwatch/leadwatch/internal/egress"
	"github.com/leadwatch/leadwatch/internal/platform"
	"github.com/leadwatch/leadwatch/internal/store"
)

type fakeNotifier struct {
	mu    sync.Mutex
	sent  []string
	errs  []error
	calls int
}

func (f *fakeNotifier) SendHTML(_ context.Context, _ int64, html string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return err
		}
	}
	f.sent = append(f.sent, html)
	return nil
}

func (f *fakeNotifier) SendDocument(context.Context, int64, string, []byte, string) error {
	return nil
}

func (f *fakeNotifier) messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

type fixture struct {
	store    *store.SQLiteStore
	notifier *fakeNotifier
	proc     *Processor
	project  *store.Project
	chat     *store.MonitoredChat
}

func newFixture(t *testing.T, keywords string) *fixture {
	t.Helper()
	ctx := context.Background()

	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	_, _, err = st.GetOrCreateUser(ctx, 100, "owner", "Owner", "")
	require.NoError(t, err)
	project, err := st.CreateProject(ctx, 100, "Leads", "")
	require.NoError(t, err)
	chat, err := st.AddChat(ctx, &store.MonitoredChat{
		ProjectID:  project.ID,
		ChatHandle: "@golang",
		Title:      "Go Jobs",
		Type:       "channel",
		Keywords:   keywords,
	})
	require.NoError(t, err)

	notifier := &fakeNotifier{}
	proc := New(st, notifier, nil)
	runCtx, cancel := context.WithCancel(ctx)
	proc.Start(runCtx)
	t.Cleanup(func() { cancel(); proc.Wait() })

	return &fixture{store: st, notifier: notifier, proc: proc, project: project, chat: chat}
}

func (fx *fixture) event(text string) Event {
	return Event{
		ProjectID: fx.project.ID,
		ChatID:    fx.chat.ID,
		Keywords:  fx.chat.Keywords,
		Message: &platform.Message{
			ID:           7,
			ChatID:       123,
			ChatUsername: "golang",
			Text:         text,
			Date:         time.Now(),
			Sender:       &platform.Sender{ID: 55, Username: "alice", FirstName: "Alice"},
		},
	}
}

func waitForSends(t *testing.T, n *fakeNotifier, want int) []string {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(n.messages()) >= want
	}, 5*time.Second, 10*time.Millisecond)
	return n.messages()
}

func TestProcess_MatchDeliversNotification(t *testing.T) {
	fx := newFixture(t, "hiring")

	fx.proc.Handle(fx.event("We are Hiring a Go developer"))

	msgs := waitForSends(t, fx.notifier, 1)
	body := msgs[0]
	assert.Contains(t, body, "Go Jobs")
	assert.Contains(t, body, "Alice")
	assert.Contains(t, body, "<b>Hiring</b>", "keyword keeps the casing from the text")
	assert.Contains(t, body, "https://t.me/golang/7")
	assert.Contains(t, body, "https://t.me/alice")
}

func TestProcess_NoMatchIsSilent(t *testing.T) {
	fx := newFixture(t, "hiring")

	fx.proc.Handle(fx.event("nothing relevant here"))

	time.Sleep(200 * time.Millisecond)
	assert.Empty(t, fx.notifier.messages())
}

func TestProcess_EmptyKeywordsAdmitsEverything(t *testing.T) {
	fx := newFixture(t, "")

	fx.proc.Handle(fx.event("any text at all"))

	msgs := waitForSends(t, fx.notifier, 1)
	assert.Contains(t, msgs[0], "any text at all")
}

func TestProcess_ExpiredTariffSendsStub(t *testing.T) {
	fx := newFixture(t, "hiring")
	require.NoError(t, fx.store.DeactivateUserTariff(context.Background(), 100))

	fx.proc.Handle(fx.event("hiring now"))

	msgs := waitForSends(t, fx.notifier, 1)
	assert.Contains(t, msgs[0], "tariff has ended")
	assert.NotContains(t, msgs[0], "hiring now", "stub must not leak the message")
}

func TestProcess_InactiveProjectRequestsStop(t *testing.T) {
	fx := newFixture(t, "")
	require.NoError(t, fx.store.SetProjectActive(context.Background(), fx.project.ID, false))

	stopped := make(chan int64, 1)
	fx.proc.SetStopChat(func(chatID int64) { stopped <- chatID })

	fx.proc.Handle(fx.event("text"))

	select {
	case chatID := <-stopped:
		assert.Equal(t, fx.chat.ID, chatID)
	case <-time.After(5 * time.Second):
		t.Fatal("stop_chat was not requested")
	}
	assert.Empty(t, fx.notifier.messages())
}

func TestDeliver_BlockedRecipientDeactivatesUser(t *testing.T) {
	fx := newFixture(t, "")
	fx.notifier.errs = []error{fmt.Errorf("wrapped: %w", egress.ErrRecipientBlocked)}

	fx.proc.Handle(fx.event("text"))

	require.Eventually(t, func() bool {
		user, err := fx.store.GetUser(context.Background(), 100)
		return err == nil && !user.IsActive
	}, 5*time.Second, 10*time.Millisecond)
	assert.Empty(t, fx.notifier.messages(), "no retry after a terminal failure")
}

func TestDeliver_SuccessReactivatesUser(t *testing.T) {
	fx := newFixture(t, "")
	require.NoError(t, fx.store.SetUserActive(context.Background(), 100, false))

	fx.proc.Handle(fx.event("text"))

	waitForSends(t, fx.notifier, 1)
	require.Eventually(t, func() bool {
		user, err := fx.store.GetUser(context.Background(), 100)
		return err == nil && user.IsActive
	}, 5*time.Second, 10*time.Millisecond)
}

func TestClearCaches(t *testing.T) {
	fx := newFixture(t, "")

	fx.proc.Handle(fx.event("warm the caches"))
	waitForSends(t, fx.notifier, 1)

	require.Eventually(t, func() bool { return fx.proc.projects.len() > 0 }, time.Second, 10*time.Millisecond)
	fx.proc.ClearCaches()
	assert.Zero(t, fx.proc.projects.len())
	assert.Zero(t, fx.proc.chats.len())
	assert.Zero(t, fx.proc.tariffs.len())
}

func TestRender_NumericHandleOmitsMessageLink(t *testing.T) {
	chat := &store.MonitoredChat{ChatHandle: "-1001234", Title: "Private"}
	msg := &platform.Message{ID: 9, Text: "hello", Sender: &platform.Sender{ID: 1, FirstName: "A"}}

	body := renderNotification(chat, msg, "", -1)
	assert.NotContains(t, body, "Open message")
	assert.Contains(t, body, "tg://user?id=1")
}

func TestTTLCache_EvictsOldestAtCapacity(t *testing.T) {
	c := newTTLCache[int](time.Minute, 2)
	c.put("a", 1)
	c.put("b", 2)
	c.put("c", 3)

	_, ok := c.get("a")
	assert.False(t, ok)
	v, ok := c.get("c")
	assert.True(t, ok)
	assert.Equal(t, 3, v)
	assert.Equal(t, 2, c.len())
}

func TestTTLCache_Expiry(t *testing.T) {
	c := newTTLCache[string](10*time.Millisecond, 10)
	c.put("k", "v")
	_, ok := c.get("k")
	require.True(t, ok)

	time.Sleep(20 * time.Millisecond)
	_, ok = c.get("k")
	assert.False(t, ok)
}
