// Package tariff enforces time-bounded entitlements: a periodic checker
// that expires assignments and notifies tenants, plus pure query helpers
// the bot front-end uses to gate project and chat creation.
package tariff
