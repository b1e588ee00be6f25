// ABOUTME: Tests for user, referral, payment, project, and chat persistence.
// ABOUTME: Each test opens a fresh temp-file SQLite database.

package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestGetOrCreateUser_CreatesWithZeroTariff(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	user, created, err := s.GetOrCreateUser(ctx, 100, "alice", "Alice A", "")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, int64(100), user.UserID)
	assert.True(t, user.IsActive)
	assert.EqualValues(t, 0, user.Balance)

	// The zero plan is auto-assigned with a far-future expiry
	tariff, err := s.GetUserTariff(ctx, 100)
	require.NoError(t, err)
	assert.True(t, tariff.IsActive)

	plan, err := s.GetTariffPlan(ctx, tariff.TariffPlanID)
	require.NoError(t, err)
	assert.EqualValues(t, 0, plan.Price)
	assert.Equal(t, 1, plan.MaxProjects)
	assert.Equal(t, 1, plan.MaxChatsPerProject)
}

func TestGetOrCreateUser_RefreshesProfile(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, created, err := s.GetOrCreateUser(ctx, 100, "old", "Old Name", "")
	require.NoError(t, err)
	require.True(t, created)

	user, created, err := s.GetOrCreateUser(ctx, 100, "new", "New Name", "")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "new", user.Username)
	assert.Equal(t, "New Name", user.FullName)
}

func TestGetOrCreateUser_ReferralCode(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.CreateReferralLink(ctx, "promo_1")
	require.NoError(t, err)

	user, _, err := s.GetOrCreateUser(ctx, 100, "a", "A", "promo_1")
	require.NoError(t, err)
	assert.Equal(t, "promo_1", user.ReferrerCode)

	// Unknown codes are dropped rather than failing registration
	user2, _, err := s.GetOrCreateUser(ctx, 200, "b", "B", "no_such_code")
	require.NoError(t, err)
	assert.Empty(t, user2.ReferrerCode)

	n, err := s.CountReferralUsers(ctx, "promo_1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestDeleteReferralLink_InUse(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.CreateReferralLink(ctx, "promo")
	require.NoError(t, err)
	_, _, err = s.GetOrCreateUser(ctx, 100, "a", "A", "promo")
	require.NoError(t, err)

	err = s.DeleteReferralLink(ctx, "promo")
	assert.ErrorIs(t, err, ErrReferralInUse)

	// Unreferenced codes delete fine
	_, err = s.CreateReferralLink(ctx, "unused")
	require.NoError(t, err)
	assert.NoError(t, s.DeleteReferralLink(ctx, "unused"))
}

func TestAddToBalance(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, _, err := s.GetOrCreateUser(ctx, 100, "a", "A", "")
	require.NoError(t, err)

	balance, err := s.AddToBalance(ctx, 100, 500)
	require.NoError(t, err)
	assert.EqualValues(t, 500, balance)

	balance, err = s.AddToBalance(ctx, 100, -200)
	require.NoError(t, err)
	assert.EqualValues(t, 300, balance)

	_, err = s.AddToBalance(ctx, 100, -1000)
	assert.ErrorIs(t, err, ErrNegativeBalance)

	user, err := s.GetUser(ctx, 100)
	require.NoError(t, err)
	assert.EqualValues(t, 300, user.Balance, "failed debit must not change the balance")
}

func TestAddToBalance_UnknownUser(t *testing.T) {
	s := newTestStore(t)
	_, err := s.AddToBalance(context.Background(), 999, 100)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRecordPayment(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, _, err := s.GetOrCreateUser(ctx, 100, "a", "A", "")
	require.NoError(t, err)

	p, err := s.RecordPayment(ctx, 100, 500)
	require.NoError(t, err)
	assert.EqualValues(t, 500, p.Amount)

	payments, err := s.ListPayments(ctx, 100)
	require.NoError(t, err)
	assert.Len(t, payments, 1)
}

func TestProjects_CRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, _, err := s.GetOrCreateUser(ctx, 100, "a", "A", "")
	require.NoError(t, err)

	p, err := s.CreateProject(ctx, 100, "Leads", "paint buyers")
	require.NoError(t, err)
	assert.True(t, p.IsActive)

	got, err := s.GetProject(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "Leads", got.Name)

	require.NoError(t, s.SetProjectActive(ctx, p.ID, false))
	active, err := s.ListActiveProjects(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)

	n, err := s.CountActiveProjects(ctx, 100)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestProjects_NameLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, _, err := s.GetOrCreateUser(ctx, 100, "a", "A", "")
	require.NoError(t, err)

	long := make([]rune, 51)
	for i := range long {
		long[i] = 'x'
	}
	_, err = s.CreateProject(ctx, 100, string(long), "")
	assert.Error(t, err)

	_, err = s.CreateProject(ctx, 100, "", "")
	assert.Error(t, err)
}

func TestChats_UniquePerProject(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, _, err := s.GetOrCreateUser(ctx, 100, "a", "A", "")
	require.NoError(t, err)
	p, err := s.CreateProject(ctx, 100, "P", "")
	require.NoError(t, err)

	c, err := s.AddChat(ctx, &MonitoredChat{
		ProjectID:  p.ID,
		ChatHandle: "@golang",
		Type:       "channel",
		Keywords:   "hiring, remote",
	})
	require.NoError(t, err)
	assert.True(t, c.IsActive)

	_, err = s.AddChat(ctx, &MonitoredChat{ProjectID: p.ID, ChatHandle: "@golang", Type: "channel"})
	assert.ErrorIs(t, err, ErrDuplicateChat)

	// Same handle in a different project is fine
	p2, err := s.CreateProject(ctx, 100, "P2", "")
	require.NoError(t, err)
	_, err = s.AddChat(ctx, &MonitoredChat{ProjectID: p2.ID, ChatHandle: "@golang", Type: "channel"})
	assert.NoError(t, err)
}

func TestDeleteProject_CascadesToChats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, _, err := s.GetOrCreateUser(ctx, 100, "a", "A", "")
	require.NoError(t, err)
	p, err := s.CreateProject(ctx, 100, "P", "")
	require.NoError(t, err)
	c, err := s.AddChat(ctx, &MonitoredChat{ProjectID: p.ID, ChatHandle: "@x", Type: "group"})
	require.NoError(t, err)

	require.NoError(t, s.DeleteProject(ctx, p.ID))

	_, err = s.GetChat(ctx, c.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSetAdminAndListAdmins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, _, err := s.GetOrCreateUser(ctx, 100, "a", "A", "")
	require.NoError(t, err)
	_, _, err = s.GetOrCreateUser(ctx, 200, "b", "B", "")
	require.NoError(t, err)

	require.NoError(t, s.SetAdmin(ctx, 200, true))

	admins, err := s.ListAdmins(ctx)
	require.NoError(t, err)
	require.Len(t, admins, 1)
	assert.EqualValues(t, 200, admins[0].UserID)
}
