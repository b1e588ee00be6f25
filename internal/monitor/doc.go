// Package monitor translates the persistent model of active projects and
// chats into live event subscriptions on the realtime session pool, and
// keeps the two in sync through a periodic maintenance resync.
package monitor
