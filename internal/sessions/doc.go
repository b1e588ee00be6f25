// Package sessions manages pools of authenticated platform clients. Two
// instances exist at runtime with disjoint credential directories: a
// realtime pool whose clients stay connected for the process lifetime and
// carry chat subscriptions, and a history pool whose clients are checked
// out per backfill and released afterwards.
package sessions
