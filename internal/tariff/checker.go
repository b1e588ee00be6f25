// ABOUTME: Tariff checker: expires entitlements on schedule and sends the
// ABOUTME: day/hour/expired/post-expired notification ladder with dedup

package tariff

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/leadwatch/leadwatch/internal/egress"
	"github.com/leadwatch/leadwatch/internal/store"
)

const (
	checkInterval    = 30 * time.Minute
	errBackoff       = 5 * time.Minute
	resetWindow      = 24 * time.Hour
	postExpiredDelay = 24 * time.Hour
)

const (
	notifyDay         = "day"
	notifyHour        = "hour"
	notifyExpired     = "expired"
	notifyPostExpired = "post_expired"
)

const (
	textDay         = "⏳ Your tariff expires in one day. Renew now to keep receiving leads without interruption."
	textHour        = "⏰ Your tariff expires in one hour. Renew now to keep receiving leads without interruption."
	textExpired     = "❌ Your tariff has expired. Notifications are paused until you renew."
	textPostExpired = "📉 You've been without a tariff for a day — leads matching your keywords are passing you by. Renew to catch them again."
)

// Checker walks active entitlements on a fixed interval, flips expired
// ones inactive, and keeps tenants informed. Notification state is
// deduplicated per (user, type) and cleared every 24 h so a re-purchased
// tariff re-notifies on its next expiry.
type Checker struct {
	store    store.Store
	notifier egress.Notifier
	log      *slog.Logger

	// now is swapped in tests
	now func() time.Time

	mu        sync.Mutex
	sent      map[string]struct{}
	expiredAt map[int64]time.Time
	lastReset time.Time
}

func NewChecker(st store.Store, notifier egress.Notifier, logger *slog.Logger) *Checker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Checker{
		store:     st,
		notifier:  notifier,
		log:       logger.With("component", "tariff"),
		now:       time.Now,
		sent:      make(map[string]struct{}),
		expiredAt: make(map[int64]time.Time),
	}
}

// Run drives the check loop until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	for {
		wait := checkInterval
		started := time.Now()
		if err := c.CheckOnce(ctx); err != nil {
			c.log.Error("scan failed", "error", err)
			wait = errBackoff
		}
		if elapsed := time.Since(started); elapsed > checkInterval {
			c.log.Warn("scan overran the check interval", "elapsed", elapsed)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// CheckOnce performs a single pass over active entitlements. A non-nil
// error means the pass could not enumerate tariffs and should be retried
// sooner than the regular interval.
func (c *Checker) CheckOnce(ctx context.Context) error {
	now := c.now()

	c.mu.Lock()
	if c.lastReset.IsZero() {
		c.lastReset = now
	} else if now.Sub(c.lastReset) >= resetWindow {
		c.sent = make(map[string]struct{})
		c.lastReset = now
	}
	c.mu.Unlock()

	tariffs, err := c.store.ListActiveUserTariffs(ctx)
	if err != nil {
		return fmt.Errorf("listing active tariffs: %w", err)
	}

	for _, t := range tariffs {
		if !t.EndDate.After(now) {
			c.expire(ctx, t, now)
			continue
		}
		hoursLeft := t.EndDate.Sub(now).Hours()
		switch {
		case hoursLeft >= 23 && hoursLeft <= 24:
			c.notifyOnce(ctx, t.UserID, notifyDay, textDay)
		case hoursLeft >= 0.5 && hoursLeft <= 1:
			c.notifyOnce(ctx, t.UserID, notifyHour, textHour)
		}
	}

	c.nudgeExpired(ctx, now)
	return nil
}

func (c *Checker) expire(ctx context.Context, t *store.UserTariff, now time.Time) {
	if err := c.store.DeactivateUserTariff(ctx, t.UserID); err != nil && !errors.Is(err, store.ErrNotFound) {
		c.log.Error("deactivating tariff failed", "user_id", t.UserID, "error", err)
		return
	}
	c.log.Info("tariff expired", "user_id", t.UserID, "plan_id", t.TariffPlanID)

	c.mu.Lock()
	if _, ok := c.expiredAt[t.UserID]; !ok {
		c.expiredAt[t.UserID] = now
	}
	c.mu.Unlock()

	c.notifyOnce(ctx, t.UserID, notifyExpired, textExpired)
}

// nudgeExpired sends the follow-up a day after expiry and drops the
// bookkeeping entry either way.
func (c *Checker) nudgeExpired(ctx context.Context, now time.Time) {
	c.mu.Lock()
	due := make([]int64, 0)
	for userID, ts := range c.expiredAt {
		if now.Sub(ts) >= postExpiredDelay {
			due = append(due, userID)
			delete(c.expiredAt, userID)
		}
	}
	c.mu.Unlock()

	for _, userID := range due {
		c.notifyOnce(ctx, userID, notifyPostExpired, textPostExpired)
	}
}

// notifyOnce sends unless the (user, type) pair was already notified in
// the current dedup window.
func (c *Checker) notifyOnce(ctx context.Context, userID int64, kind, text string) {
	key := fmt.Sprintf("%d:%s", userID, kind)
	c.mu.Lock()
	if _, ok := c.sent[key]; ok {
		c.mu.Unlock()
		return
	}
	c.sent[key] = struct{}{}
	c.mu.Unlock()

	if err := c.notifier.SendHTML(ctx, userID, text); err != nil {
		c.log.Warn("tariff notification failed", "user_id", userID, "type", kind, "error", err)
	}
}

// IsTariffActive reports whether the user currently holds an active
// entitlement. Pure read.
func (c *Checker) IsTariffActive(ctx context.Context, userID int64) (bool, error) {
	t, err := c.store.GetUserTariff(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return t.IsActive, nil
}

// CanCreateProject checks the active-tariff project cap. Pure read.
func (c *Checker) CanCreateProject(ctx context.Context, userID int64) (bool, error) {
	usage, err := c.store.GetTariffUsage(ctx, userID)
	if err != nil {
		return false, err
	}
	return usage.HasTariff && usage.CurrentProjects < usage.MaxProjects, nil
}

// CanAddChat checks the per-project chat cap. Pure read.
func (c *Checker) CanAddChat(ctx context.Context, userID, projectID int64) (bool, error) {
	usage, err := c.store.GetTariffUsage(ctx, userID)
	if err != nil {
		return false, err
	}
	if !usage.HasTariff {
		return false, nil
	}
	chats, err := c.store.CountActiveChats(ctx, projectID)
	if err != nil {
		return false, err
	}
	return chats < usage.MaxChatsPerProject, nil
}
