// ABOUTME: Builds fiscal receipt provider data for in-band invoices.
// ABOUTME: One item per invoice; tax fields come from configuration.

package payments

import (
	"encoding/json"
	"fmt"

	"github.com/leadwatch/leadwatch/internal/config"
)

type receiptAmount struct {
	Value    string `json:"value"`
	Currency string `json:"currency"`
}

type receiptItem struct {
	Description    string        `json:"description"`
	Quantity       string        `json:"quantity"`
	Amount         receiptAmount `json:"amount"`
	VATCode        int           `json:"vat_code"`
	PaymentMode    string        `json:"payment_mode"`
	PaymentSubject string        `json:"payment_subject"`
}

type receipt struct {
	Items []receiptItem `json:"items"`
}

type providerData struct {
	Receipt receipt `json:"receipt"`
}

// BuildReceiptJSON renders the provider_data blob for an invoice with a
// single line item. amountKopeks is the item price in minor units.
func BuildReceiptJSON(params config.Parameters, description string, amountKopeks int64) (string, error) {
	data := providerData{Receipt: receipt{Items: []receiptItem{{
		Description: description,
		Quantity:    "1.00",
		Amount: receiptAmount{
			Value:    fmt.Sprintf("%d.%02d", amountKopeks/100, amountKopeks%100),
			Currency: "RUB",
		},
		VATCode:        params.ReceiptVATCode,
		PaymentMode:    params.ReceiptPaymentMode,
		PaymentSubject: params.ReceiptPaymentSubject,
	}}}}

	raw, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("marshalling receipt: %w", err)
	}
	return string(raw), nil
}
