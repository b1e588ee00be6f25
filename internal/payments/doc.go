// Package payments accepts settled payment events from two channels — a
// signed provider webhook and the bot's in-band invoice flow — and commits
// them idempotently: tariff orders assign an entitlement, everything else
// credits the user's balance.
package payments
