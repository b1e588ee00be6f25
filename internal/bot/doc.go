// Package bot is the command and keyboard front-end. It owns no business
// logic: commands read and mutate the store, gate actions through the
// tariff helpers, drive the monitor for subscriptions, and wrap the
// history extractor with billing.
package bot
