// ABOUTME: Monitor engine tests over a real store, a fake dialer, and a
// ABOUTME: capturing notifier: subscribe, teardown, resync, join failures.

package monitor

import (
	"context"
	"fmt"
	"hash/fnv"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leadwatch/leadwatch/internal/platform"
	"github.com/leadwatch/leadwatch/internal/processor"
	"github.com/leadwatch/leadwatch/internal/sessions"
	"github.com/leadwatch/leadwatch/internal/store"
)

func chatIDFor(handle string) int64 {
	h := fnv.New32a()
	h.Write([]byte(handle))
	return int64(h.Sum32())
}

type fakeClient struct {
	mu         sync.Mutex
	handlers   map[int64]platform.NewMessageHandler
	member     map[int64]bool
	joinErr    map[string]error
	subscribes int
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		handlers: make(map[int64]platform.NewMessageHandler),
		member:   make(map[int64]bool),
		joinErr:  make(map[string]error),
	}
}

func (f *fakeClient) ResolveChat(_ context.Context, handle string) (*platform.ChatInfo, error) {
	if handle == "" || handle[0] != '@' {
		return nil, platform.ErrChatUnavailable
	}
	return &platform.ChatInfo{ID: chatIDFor(handle), Title: "Title of " + handle, Username: handle[1:]}, nil
}

func (f *fakeClient) JoinByUsername(_ context.Context, username string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.joinErr[username]; err != nil {
		return err
	}
	f.member[chatIDFor(username)] = true
	return nil
}

func (f *fakeClient) ImportInvite(context.Context, string) error { return nil }

func (f *fakeClient) IsMember(_ context.Context, chatID int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.member[chatID], nil
}

func (f *fakeClient) Subscribe(chatID int64, h platform.NewMessageHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[chatID] = h
	f.subscribes++
}

func (f *fakeClient) Unsubscribe(chatID int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.handlers, chatID)
}

func (f *fakeClient) HistoryPage(context.Context, *platform.ChatInfo, int64, int) ([]*platform.Message, error) {
	return nil, nil
}
func (f *fakeClient) ResolveSender(context.Context, *platform.Message) (*platform.Sender, error) {
	return nil, nil
}
func (f *fakeClient) Disconnect(context.Context) error { return nil }

// inject fires the installed handler for a chat, if any.
func (f *fakeClient) inject(chatID int64, msg *platform.Message) bool {
	f.mu.Lock()
	h := f.handlers[chatID]
	f.mu.Unlock()
	if h == nil {
		return false
	}
	h(msg)
	return true
}

func (f *fakeClient) handlerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handlers)
}

type fakeDialer struct {
	client *fakeClient
}

func (d *fakeDialer) Dial(context.Context, platform.Credential) (platform.Client, error) {
	return d.client, nil
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []string
}

func (f *fakeNotifier) SendHTML(_ context.Context, _ int64, html string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
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
	client   *fakeClient
	notifier *fakeNotifier
	pool     *sessions.Pool
	monitor  *Monitor
	project  *store.Project
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	_, _, err = st.GetOrCreateUser(ctx, 100, "owner", "Owner", "")
	require.NoError(t, err)
	project, err := st.CreateProject(ctx, 100, "Leads", "")
	require.NoError(t, err)

	client := newFakeClient()
	pool := sessions.NewPool("realtime",
		[]platform.Credential{{Name: "s1", AppID: 1, AppHash: "h"}},
		&fakeDialer{client: client}, nil)
	require.NoError(t, pool.Connect(ctx))

	notifier := &fakeNotifier{}
	proc := processor.New(st, notifier, nil)
	runCtx, cancel := context.WithCancel(ctx)
	proc.Start(runCtx)
	t.Cleanup(func() { cancel(); proc.Wait() })

	m := New(st, pool, proc, nil)
	return &fixture{store: st, client: client, notifier: notifier, pool: pool, monitor: m, project: project}
}

func (fx *fixture) addChat(t *testing.T, handle, keywords string) *store.MonitoredChat {
	t.Helper()
	chat, err := fx.store.AddChat(context.Background(), &store.MonitoredChat{
		ProjectID:  fx.project.ID,
		ChatHandle: handle,
		Type:       "group",
		Keywords:   keywords,
	})
	require.NoError(t, err)
	return chat
}

func TestStartChat_SubscribesAndForwards(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	chat := fx.addChat(t, "@leads", "boiler")

	require.NoError(t, fx.monitor.StartChat(ctx, chat.ID, fx.project.ID))

	ok := fx.client.inject(chatIDFor("@leads"), &platform.Message{
		ID:     1,
		Text:   "my boiler broke, any recommendations?",
		Date:   time.Now(),
		Sender: &platform.Sender{ID: 5, Username: "bob", FirstName: "Bob"},
	})
	require.True(t, ok, "a handler must be installed for the chat")

	require.Eventually(t, func() bool {
		return len(fx.notifier.messages()) == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Contains(t, fx.notifier.messages()[0], "boiler")
}

func TestStartChat_Idempotent(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	chat := fx.addChat(t, "@leads", "")

	require.NoError(t, fx.monitor.StartChat(ctx, chat.ID, fx.project.ID))
	require.NoError(t, fx.monitor.StartChat(ctx, chat.ID, fx.project.ID))
	assert.Equal(t, 1, fx.client.subscribes)
}

func TestStartChat_RefreshesTitle(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	chat := fx.addChat(t, "@leads", "")

	require.NoError(t, fx.monitor.StartChat(ctx, chat.ID, fx.project.ID))

	got, err := fx.store.GetChat(ctx, chat.ID)
	require.NoError(t, err)
	assert.Equal(t, "Title of @leads", got.Title)
}

func TestStartChat_NumericHandleWithoutInviteFails(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	chat := fx.addChat(t, "-1001234", "")

	err := fx.monitor.StartChat(ctx, chat.ID, fx.project.ID)
	assert.ErrorIs(t, err, platform.ErrChatUnavailable)
	assert.Zero(t, fx.monitor.Status().SubscribedChats)
}

func TestStopChat_RemovesHandlerAndBinding(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	chat := fx.addChat(t, "@leads", "")

	require.NoError(t, fx.monitor.StartChat(ctx, chat.ID, fx.project.ID))
	assert.True(t, fx.monitor.StopChat(ctx, chat.ID))

	assert.Zero(t, fx.client.handlerCount())
	assert.Zero(t, fx.monitor.Status().SubscribedChats)
	// A repeat stop is a no-op and says so
	assert.False(t, fx.monitor.StopChat(ctx, chat.ID))
}

func TestStartProject_CountsFailures(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.addChat(t, "@good", "")
	fx.addChat(t, "@banned", "")
	fx.client.joinErr["@banned"] = fmt.Errorf("%w: banned", platform.ErrChatUnavailable)

	n, err := fx.monitor.StartProject(ctx, fx.project.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestStopProject(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.addChat(t, "@a", "")
	fx.addChat(t, "@b", "")

	_, err := fx.monitor.StartProject(ctx, fx.project.ID)
	require.NoError(t, err)
	require.Equal(t, 2, fx.monitor.Status().SubscribedChats)

	fx.monitor.StopProject(ctx, fx.project.ID)
	assert.Zero(t, fx.monitor.Status().SubscribedChats)
}

func TestRestartAllActive(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.addChat(t, "@a", "")
	chatB := fx.addChat(t, "@b", "")

	n, err := fx.monitor.RestartAllActive(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// Deactivating a chat drops it from the next resync
	require.NoError(t, fx.store.SetChatActive(ctx, chatB.ID, false))
	n, err = fx.monitor.RestartAllActive(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestInviteHash(t *testing.T) {
	assert.Equal(t, "AbCd", inviteHash("https://t.me/+AbCd"))
	assert.Equal(t, "AbCd", inviteHash("https://t.me/joinchat/AbCd"))
	assert.Equal(t, "AbCd", inviteHash("t.me/+AbCd"))
	assert.Empty(t, inviteHash(""))
}
