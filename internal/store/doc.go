// Package store provides persistence for leadwatch: users and their
// balances, referral links, payment history, projects, monitored chats,
// and tariff entitlements. The SQLite implementation is the single source
// of truth; all other components hold at most cached or indexed views.
package store
