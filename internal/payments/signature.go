// ABOUTME: Provider signature scheme: md5 over colon-joined fields, both
// ABOUTME: for verifying inbound webhooks and signing outbound payment URLs

package payments

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
)

const payFormBase = "https://pay.fk.money/"

func md5hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

// VerifyWebhookSignature checks the provider's SIGN field. The amount is
// hashed exactly as received; comparison is case-insensitive.
func VerifyWebhookSignature(shopID, amount, secretWord2, orderID, sign string) bool {
	want := md5hex(fmt.Sprintf("%s:%s:%s:%s", shopID, amount, secretWord2, orderID))
	return sign != "" && strings.EqualFold(want, sign)
}

// BuildPaymentURL signs a payment-form link for the given order.
func BuildPaymentURL(shopID, secretWord1 string, amount int64, orderID string) string {
	amountStr := fmt.Sprintf("%d", amount)
	sign := md5hex(fmt.Sprintf("%s:%s:%s:RUB:%s", shopID, amountStr, secretWord1, orderID))
	return fmt.Sprintf("%s?m=%s&oa=%s&currency=RUB&o=%s&s=%s",
		payFormBase,
		url.QueryEscape(shopID),
		amountStr,
		url.QueryEscape(orderID),
		sign)
}
