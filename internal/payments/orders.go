// ABOUTME: Order-id grammar shared by the webhook and in-band settlement:
// ABOUTME: tariff_<uid>_<tid>_<ts> buys a tariff, <uid>_<ts> tops up balance

package payments

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrBadOrderID indicates an order id that matches neither format.
var ErrBadOrderID = errors.New("unrecognised order id")

// OrderKind discriminates the two settlement flavours.
type OrderKind int

const (
	OrderTopUp OrderKind = iota
	OrderTariff
)

// Order is a parsed order id.
type Order struct {
	Kind      OrderKind
	UserID    int64
	TariffID  int64
	Timestamp int64
}

// NewTariffOrderID mints an order id for a tariff purchase.
func NewTariffOrderID(userID, tariffID int64) string {
	return fmt.Sprintf("tariff_%d_%d_%d", userID, tariffID, time.Now().Unix())
}

// NewTopUpOrderID mints an order id for a balance top-up. The bare
// <uid>_<ts> shape predates tariffs and is kept for provider-side
// compatibility.
func NewTopUpOrderID(userID int64) string {
	return fmt.Sprintf("%d_%d", userID, time.Now().Unix())
}

// ParseOrderID dispatches an order id by its shape.
func ParseOrderID(s string) (*Order, error) {
	s = strings.TrimSpace(s)
	if rest, ok := strings.CutPrefix(s, "tariff_"); ok {
		parts := strings.Split(rest, "_")
		if len(parts) != 3 {
			return nil, fmt.Errorf("%w: %q", ErrBadOrderID, s)
		}
		userID, err1 := strconv.ParseInt(parts[0], 10, 64)
		tariffID, err2 := strconv.ParseInt(parts[1], 10, 64)
		ts, err3 := strconv.ParseInt(parts[2], 10, 64)
		if err1 != nil || err2 != nil || err3 != nil {
			return nil, fmt.Errorf("%w: %q", ErrBadOrderID, s)
		}
		return &Order{Kind: OrderTariff, UserID: userID, TariffID: tariffID, Timestamp: ts}, nil
	}

	parts := strings.Split(s, "_")
	if len(parts) != 2 {
		return nil, fmt.Errorf("%w: %q", ErrBadOrderID, s)
	}
	userID, err1 := strconv.ParseInt(parts[0], 10, 64)
	ts, err2 := strconv.ParseInt(parts[1], 10, 64)
	if err1 != nil || err2 != nil {
		return nil, fmt.Errorf("%w: %q", ErrBadOrderID, s)
	}
	return &Order{Kind: OrderTopUp, UserID: userID, Timestamp: ts}, nil
}
