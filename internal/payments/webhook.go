// ABOUTME: HTTP endpoint for provider webhooks: verifies the signature,
// ABOUTME: settles the order, and answers the literal body the provider expects

package payments

import (
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/leadwatch/leadwatch/internal/config"
	"github.com/leadwatch/leadwatch/internal/store"
)

// Webhook serves the provider's server-to-server notification endpoint.
type Webhook struct {
	svc *Service
	cfg *config.Manager
	log *slog.Logger
}

func NewWebhook(svc *Service, cfg *config.Manager, logger *slog.Logger) *Webhook {
	if logger == nil {
		logger = slog.Default()
	}
	return &Webhook{svc: svc, cfg: cfg, log: logger.With("component", "webhook")}
}

// Handler returns the HTTP routes.
func (h *Webhook) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Post("/tracking/payment/notification", h.handleNotification)
	return r
}

type notification struct {
	MerchantID string `json:"MERCHANT_ID"`
	Amount     string `json:"AMOUNT"`
	OrderID    string `json:"MERCHANT_ORDER_ID"`
	Sign       string `json:"SIGN"`
}

func (h *Webhook) handleNotification(w http.ResponseWriter, r *http.Request) {
	n, err := parseNotification(r)
	if err != nil {
		h.log.Warn("unparseable webhook", "error", err)
		writeError(w, http.StatusBadRequest, "bad request")
		return
	}

	params := h.cfg.Snapshot()
	if !VerifyWebhookSignature(strconv.Itoa(params.ShopID), n.Amount, params.SecretWord2, n.OrderID, n.Sign) {
		h.log.Warn("webhook signature mismatch", "order_id", n.OrderID)
		writeError(w, http.StatusBadRequest, "bad sign")
		return
	}

	amount, err := parseAmount(n.Amount)
	if err != nil {
		h.log.Warn("bad webhook amount", "amount", n.Amount)
		writeError(w, http.StatusBadRequest, "bad amount")
		return
	}

	if err := h.svc.Settle(r.Context(), n.OrderID, amount); err != nil {
		if errors.Is(err, ErrBadOrderID) || errors.Is(err, store.ErrNotFound) {
			h.log.Warn("webhook order rejected", "order_id", n.OrderID, "error", err)
			writeError(w, http.StatusBadRequest, "bad order")
			return
		}
		h.log.Error("settlement failed", "order_id", n.OrderID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("YES"))
}

// parseNotification accepts both form-urlencoded posts and JSON bodies;
// providers differ on which they send for retries.
func parseNotification(r *http.Request) (*notification, error) {
	if strings.Contains(r.Header.Get("Content-Type"), "application/json") {
		var n notification
		if err := json.NewDecoder(r.Body).Decode(&n); err != nil {
			return nil, err
		}
		return &n, nil
	}
	if err := r.ParseForm(); err != nil {
		return nil, err
	}
	n := &notification{
		MerchantID: r.PostFormValue("MERCHANT_ID"),
		Amount:     r.PostFormValue("AMOUNT"),
		OrderID:    r.PostFormValue("MERCHANT_ORDER_ID"),
		Sign:       r.PostFormValue("SIGN"),
	}
	if n.OrderID != "" || n.Sign != "" {
		return n, nil
	}
	// Some provider retries post a JSON document with a form content
	// type; the whole body then lands in a single form key.
	if len(r.PostForm) == 1 {
		for key, vals := range r.PostForm {
			raw := key
			if len(vals) == 1 && vals[0] != "" {
				raw = key + "=" + vals[0]
			}
			var alt notification
			if err := json.Unmarshal([]byte(raw), &alt); err == nil {
				return &alt, nil
			}
		}
	}
	return n, nil
}

// writeError emits the JSON error body the provider integration expects
// on rejected notifications.
func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// parseAmount converts the provider's amount string to whole currency
// units, tolerating both "500" and "500.00".
func parseAmount(s string) (int64, error) {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(f) || f <= 0 {
		return 0, errors.New("non-positive amount")
	}
	return int64(math.Round(f)), nil
}
