// ABOUTME: Front-end tests for the store-backed command handlers that do
// ABOUTME: not require a live Bot API connection.

package bot

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leadwatch/leadwatch/internal/config"
	"github.com/leadwatch/leadwatch/internal/monitor"
	"github.com/leadwatch/leadwatch/internal/platform"
	"github.com/leadwatch/leadwatch/internal/processor"
	"github.com/leadwatch/leadwatch/internal/sessions"
	"github.com/leadwatch/leadwatch/internal/store"
	"github.com/leadwatch/leadwatch/internal/tariff"
)

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
func (f *fakeNotifier) last() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return ""
	}
	return f.sent[len(f.sent)-1]
}

type fakeClient struct{}

func (fakeClient) ResolveChat(_ context.Context, handle string) (*platform.ChatInfo, error) {
	if !strings.HasPrefix(handle, "@") {
		return nil, platform.ErrChatUnavailable
	}
	return &platform.ChatInfo{ID: 1, Title: "T", Username: handle[1:]}, nil
}
func (fakeClient) JoinByUsername(context.Context, string) error  { return nil }
func (fakeClient) ImportInvite(context.Context, string) error    { return nil }
func (fakeClient) IsMember(context.Context, int64) (bool, error) { return true, nil }
func (fakeClient) Subscribe(int64, platform.NewMessageHandler)   {}
func (fakeClient) Unsubscribe(int64)                             {}
func (fakeClient) HistoryPage(context.Context, *platform.ChatInfo, int64, int) ([]*platform.Message, error) {
	return nil, nil
}
func (fakeClient) ResolveSender(context.Context, *platform.Message) (*platform.Sender, error) {
	return nil, nil
}
func (fakeClient) Disconnect(context.Context) error { return nil }

type fakeDialer struct{}

func (fakeDialer) Dial(context.Context, platform.Credential) (platform.Client, error) {
	return fakeClient{}, nil
}

type fixture struct {
	bot      *Bot
	store    *store.SQLiteStore
	notifier *fakeNotifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	notifier := &fakeNotifier{}
	proc := processor.New(st, notifier, nil)
	runCtx, cancel := context.WithCancel(ctx)
	proc.Start(runCtx)
	t.Cleanup(func() { cancel(); proc.Wait() })

	pool := sessions.NewPool("realtime",
		[]platform.Credential{{Name: "s1", AppID: 1, AppHash: "h"}}, fakeDialer{}, nil)
	require.NoError(t, pool.Connect(ctx))

	cfgPath := filepath.Join(t.TempDir(), "parameters.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("parameters:\n  bot_token: \"123:abc\"\n"), 0o600))
	cfg, err := config.Load(cfgPath)
	require.NoError(t, err)

	b := New(Deps{
		Store:    st,
		Config:   cfg,
		Checker:  tariff.NewChecker(st, notifier, nil),
		Monitor:  monitor.New(st, pool, proc, nil),
		Realtime: pool,
		History:  sessions.NewPool("history", nil, fakeDialer{}, nil),
		Notifier: notifier,
	})
	return &fixture{bot: b, store: st, notifier: notifier}
}

func register(t *testing.T, fx *fixture, userID int64) {
	t.Helper()
	_, _, err := fx.store.GetOrCreateUser(context.Background(), userID, "u", "U", "")
	require.NoError(t, err)
}

func TestNewProject_GatedByTariff(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	register(t, fx, 100)

	fx.bot.handleNewProject(ctx, 100, "First")
	assert.Contains(t, fx.notifier.last(), "created")

	// The zero plan allows a single project
	fx.bot.handleNewProject(ctx, 100, "Second")
	assert.Contains(t, fx.notifier.last(), "does not allow")

	projects, err := fx.store.ListUserProjects(ctx, 100, false)
	require.NoError(t, err)
	assert.Len(t, projects, 1)
}

func TestAddChat_SubscribesAndGates(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	register(t, fx, 100)

	project, err := fx.store.CreateProject(ctx, 100, "P", "")
	require.NoError(t, err)

	fx.bot.handleAddChat(ctx, 100, fmt.Sprintf("%d @leads boiler, plumber", project.ID))
	assert.Contains(t, fx.notifier.last(), "Now monitoring")

	chats, err := fx.store.ListProjectChats(ctx, project.ID, true)
	require.NoError(t, err)
	require.Len(t, chats, 1)
	assert.Equal(t, "boiler, plumber", chats[0].Keywords)

	// The zero plan allows one chat per project
	fx.bot.handleAddChat(ctx, 100, fmt.Sprintf("%d @other", project.ID))
	assert.Contains(t, fx.notifier.last(), "does not allow")
}

func TestAddChat_RejectsForeignProject(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	register(t, fx, 100)
	register(t, fx, 200)

	project, err := fx.store.CreateProject(ctx, 100, "P", "")
	require.NoError(t, err)

	fx.bot.handleAddChat(ctx, 200, fmt.Sprintf("%d @leads", project.ID))
	assert.Contains(t, fx.notifier.last(), "No such project")
}

func TestDelChat_StopsAndDeletes(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	register(t, fx, 100)

	project, err := fx.store.CreateProject(ctx, 100, "P", "")
	require.NoError(t, err)
	fx.bot.handleAddChat(ctx, 100, fmt.Sprintf("%d @leads", project.ID))

	chats, err := fx.store.ListProjectChats(ctx, project.ID, true)
	require.NoError(t, err)
	require.Len(t, chats, 1)

	fx.bot.handleDelChat(ctx, 100, fmt.Sprintf("%d", chats[0].ID))
	assert.Contains(t, fx.notifier.last(), "Stopped monitoring")

	chats, err = fx.store.ListProjectChats(ctx, project.ID, false)
	require.NoError(t, err)
	assert.Empty(t, chats)
}

func TestAdmin_RequiresAdminFlag(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	register(t, fx, 100)

	fx.bot.handleAdmin(ctx, 100, "")
	assert.Contains(t, fx.notifier.last(), "Unknown command")
}

func TestLeadingInt(t *testing.T) {
	v, ok := leadingInt("100_167")
	assert.True(t, ok)
	assert.EqualValues(t, 100, v)

	v, ok = leadingInt("42")
	assert.True(t, ok)
	assert.EqualValues(t, 42, v)

	_, ok = leadingInt("tariff_1")
	assert.False(t, ok)
	_, ok = leadingInt("")
	assert.False(t, ok)
}
