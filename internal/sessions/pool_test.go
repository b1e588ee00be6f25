// ABOUTME: Tests for pool binding policy, transient checkout, and shutdown
// ABOUTME: using an in-memory fake dialer instead of live connections.

package sessions

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leadwatch/leadwatch/internal/platform"
)

type fakeClient struct {
	name string

	mu           sync.Mutex
	disconnected bool
	hangOnClose  bool
}

func (f *fakeClient) ResolveChat(context.Context, string) (*platform.ChatInfo, error) {
	return nil, platform.ErrChatUnavailable
}
func (f *fakeClient) JoinByUsername(context.Context, string) error { return nil }
func (f *fakeClient) ImportInvite(context.Context, string) error   { return nil }
func (f *fakeClient) IsMember(context.Context, int64) (bool, error) {
	return false, nil
}
func (f *fakeClient) Subscribe(int64, platform.NewMessageHandler) {}
func (f *fakeClient) Unsubscribe(int64)                           {}
func (f *fakeClient) HistoryPage(context.Context, *platform.ChatInfo, int64, int) ([]*platform.Message, error) {
	return nil, nil
}
func (f *fakeClient) ResolveSender(context.Context, *platform.Message) (*platform.Sender, error) {
	return nil, nil
}

func (f *fakeClient) Disconnect(ctx context.Context) error {
	if f.hangOnClose {
		<-ctx.Done()
		return ctx.Err()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnected = true
	return nil
}

func (f *fakeClient) isDisconnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disconnected
}

type fakeDialer struct {
	mu      sync.Mutex
	fail    map[string]bool
	hang    map[string]bool
	clients map[string]*fakeClient
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{
		fail:    make(map[string]bool),
		hang:    make(map[string]bool),
		clients: make(map[string]*fakeClient),
	}
}

func (d *fakeDialer) Dial(_ context.Context, cred platform.Credential) (platform.Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail[cred.Name] {
		return nil, fmt.Errorf("%s: %w", cred.Name, platform.ErrNotAuthorized)
	}
	c := &fakeClient{name: cred.Name, hangOnClose: d.hang[cred.Name]}
	d.clients[cred.Name] = c
	return c, nil
}

func testCreds(names ...string) []platform.Credential {
	creds := make([]platform.Credential, 0, len(names))
	for _, n := range names {
		creds = append(creds, platform.Credential{Name: n, AppID: 1, AppHash: "h"})
	}
	return creds
}

func TestChooseForChat_LeastLoaded(t *testing.T) {
	d := newFakeDialer()
	p := NewPool("realtime", testCreds("a", "b"), d, nil)
	ctx := context.Background()
	require.NoError(t, p.Connect(ctx))

	counts := make(map[string]int)
	for chatID := int64(1); chatID <= 4; chatID++ {
		_, name, err := p.ChooseForChat(ctx, chatID)
		require.NoError(t, err)
		counts[name]++
	}

	// Four chats over two sessions must split evenly
	assert.Equal(t, 2, counts["a"])
	assert.Equal(t, 2, counts["b"])
}

func TestChooseForChat_StickyBinding(t *testing.T) {
	d := newFakeDialer()
	p := NewPool("realtime", testCreds("a", "b"), d, nil)
	ctx := context.Background()
	require.NoError(t, p.Connect(ctx))

	_, first, err := p.ChooseForChat(ctx, 42)
	require.NoError(t, err)
	_, second, err := p.ChooseForChat(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestChooseForChat_PromotesWhenNothingActive(t *testing.T) {
	d := newFakeDialer()
	d.fail["a"] = true
	p := NewPool("realtime", testCreds("a", "b"), d, nil)
	ctx := context.Background()

	// No Connect: pool starts empty and must promote a working credential
	_, name, err := p.ChooseForChat(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "b", name)
}

func TestChooseForChat_AllUnusable(t *testing.T) {
	d := newFakeDialer()
	d.fail["a"] = true
	p := NewPool("realtime", testCreds("a"), d, nil)

	_, _, err := p.ChooseForChat(context.Background(), 1)
	assert.ErrorIs(t, err, ErrNoSessionAvailable)
}

func TestConnect_PartialFailureIsHealthy(t *testing.T) {
	d := newFakeDialer()
	d.fail["a"] = true
	p := NewPool("realtime", testCreds("a", "b"), d, nil)

	require.NoError(t, p.Connect(context.Background()))

	infos := p.ListInfo()
	byName := make(map[string]SessionInfo)
	for _, info := range infos {
		byName[info.Name] = info
	}
	assert.False(t, byName["a"].Connected)
	assert.True(t, byName["b"].Connected)
}

func TestUnbind_ReleasesIdleSession(t *testing.T) {
	d := newFakeDialer()
	p := NewPool("realtime", testCreds("a"), d, nil)
	ctx := context.Background()
	require.NoError(t, p.Connect(ctx))

	_, name, err := p.ChooseForChat(ctx, 1)
	require.NoError(t, err)

	p.Unbind(ctx, 1)
	assert.True(t, d.clients[name].isDisconnected())

	infos := p.ListInfo()
	require.Len(t, infos, 1)
	assert.False(t, infos[0].Connected)
}

func TestReleaseUnusable_OrphansChats(t *testing.T) {
	d := newFakeDialer()
	p := NewPool("realtime", testCreds("a"), d, nil)
	ctx := context.Background()
	require.NoError(t, p.Connect(ctx))

	_, name, err := p.ChooseForChat(ctx, 1)
	require.NoError(t, err)
	_, _, err = p.ChooseForChat(ctx, 2)
	require.NoError(t, err)

	orphans := p.ReleaseUnusable(name)
	assert.ElementsMatch(t, []int64{1, 2}, orphans)

	// Orphaned chats can be re-bound once a credential is usable again
	_, _, err = p.ChooseForChat(ctx, 1)
	require.NoError(t, err)
}

func TestAcquireTransient_MarksBusy(t *testing.T) {
	d := newFakeDialer()
	p := NewPool("history", testCreds("a"), d, nil)
	ctx := context.Background()

	tr, err := p.AcquireTransient(ctx)
	require.NoError(t, err)
	require.NotNil(t, tr)

	_, err = p.AcquireTransient(ctx)
	assert.ErrorIs(t, err, ErrNoSessionAvailable)

	p.ReleaseTransient(ctx, tr)
	assert.True(t, d.clients[tr.Name].isDisconnected())

	tr2, err := p.AcquireTransient(ctx)
	require.NoError(t, err)
	p.ReleaseTransient(ctx, tr2)
}

func TestAcquireTransient_SkipsFailingCredentials(t *testing.T) {
	d := newFakeDialer()
	d.fail["a"] = true
	p := NewPool("history", testCreds("a", "b"), d, nil)

	tr, err := p.AcquireTransient(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "b", tr.Name)
}

func TestShutdown_ClearsBookkeepingDespiteHangs(t *testing.T) {
	d := newFakeDialer()
	d.hang["a"] = true
	p := NewPool("realtime", testCreds("a", "b"), d, nil)
	ctx := context.Background()
	require.NoError(t, p.Connect(ctx))
	_, _, err := p.ChooseForChat(ctx, 1)
	require.NoError(t, err)

	start := time.Now()
	p.Shutdown(ctx)
	assert.Less(t, time.Since(start), 5*time.Second)

	for _, info := range p.ListInfo() {
		assert.False(t, info.Connected)
		assert.Zero(t, info.BoundChats)
	}
	assert.True(t, d.clients["b"].isDisconnected())
}
