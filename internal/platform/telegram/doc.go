// Package telegram adapts gotd/td to the platform.Client interface.
// It owns everything MTProto-specific: session files, update dispatch,
// access-hash caching, and flood-wait translation. Nothing outside this
// package imports gotd.
package telegram
