// ABOUTME: Settlement service: commits settled payments from either channel
// ABOUTME: (webhook or in-band) and notifies the buyer and the admins

package payments

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/leadwatch/leadwatch/internal/config"
	"github.com/leadwatch/leadwatch/internal/egress"
	"github.com/leadwatch/leadwatch/internal/store"
)

// tariffTerm is the entitlement period granted per tariff purchase.
const tariffTerm = 30 * 24 * time.Hour

// Service commits settled payments. Both channels funnel into Settle, so
// idempotency lives in the store operations underneath it.
type Service struct {
	store    store.Store
	cfg      *config.Manager
	notifier egress.Notifier
	log      *slog.Logger
}

func NewService(st store.Store, cfg *config.Manager, notifier egress.Notifier, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    st,
		cfg:      cfg,
		notifier: notifier,
		log:      logger.With("component", "payments"),
	}
}

// Settle dispatches a settled payment by its order id: tariff orders
// assign the plan for 30 days, everything else credits the balance.
func (s *Service) Settle(ctx context.Context, orderID string, amount int64) error {
	order, err := ParseOrderID(orderID)
	if err != nil {
		return err
	}

	switch order.Kind {
	case OrderTariff:
		return s.settleTariff(ctx, order, amount)
	default:
		return s.settleTopUp(ctx, order, amount)
	}
}

func (s *Service) settleTariff(ctx context.Context, order *Order, amount int64) error {
	plan, err := s.store.GetTariffPlan(ctx, order.TariffID)
	if err != nil {
		return fmt.Errorf("looking up tariff %d: %w", order.TariffID, err)
	}
	assigned, err := s.store.AssignTariff(ctx, order.UserID, order.TariffID, tariffTerm)
	if err != nil {
		return fmt.Errorf("assigning tariff %d to %d: %w", order.TariffID, order.UserID, err)
	}
	if _, err := s.store.RecordPayment(ctx, order.UserID, amount); err != nil {
		s.log.Error("recording payment failed", "user_id", order.UserID, "error", err)
	}

	s.log.Info("tariff purchased",
		"user_id", order.UserID, "plan", plan.Name, "amount", amount)
	s.notify(ctx, order.UserID, fmt.Sprintf(
		"✅ Payment received. Tariff <b>%s</b> is active until %s.",
		plan.Name, assigned.EndDate.Format("02.01.2006")))
	s.notifyAdmins(ctx, fmt.Sprintf(
		"💰 User %d bought tariff %s for %d.", order.UserID, plan.Name, amount))
	return nil
}

func (s *Service) settleTopUp(ctx context.Context, order *Order, amount int64) error {
	balance, err := s.store.AddToBalance(ctx, order.UserID, amount)
	if err != nil {
		return fmt.Errorf("crediting user %d: %w", order.UserID, err)
	}
	if _, err := s.store.RecordPayment(ctx, order.UserID, amount); err != nil {
		s.log.Error("recording payment failed", "user_id", order.UserID, "error", err)
	}

	s.log.Info("balance credited", "user_id", order.UserID, "amount", amount, "balance", balance)
	s.notify(ctx, order.UserID, fmt.Sprintf(
		"✅ Payment received. Your balance was topped up by %d and is now %d.", amount, balance))
	s.notifyAdmins(ctx, fmt.Sprintf(
		"💰 User %d topped up by %d.", order.UserID, amount))
	return nil
}

func (s *Service) notify(ctx context.Context, userID int64, body string) {
	if err := s.notifier.SendHTML(ctx, userID, body); err != nil {
		s.log.Warn("payment notification failed", "user_id", userID, "error", err)
	}
}

func (s *Service) notifyAdmins(ctx context.Context, body string) {
	admins, err := s.store.ListAdmins(ctx)
	if err != nil {
		s.log.Error("listing admins failed", "error", err)
		return
	}
	for _, admin := range admins {
		if err := s.notifier.SendHTML(ctx, admin.UserID, body); err != nil {
			s.log.Warn("admin notification failed", "user_id", admin.UserID, "error", err)
		}
	}
}
