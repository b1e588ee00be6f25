// Package platform defines the narrow capability set the core needs from
// the messaging platform: resolve, join, subscribe, iterate history, and
// disconnect. The concrete MTProto implementation lives in the telegram
// subpackage; everything above it depends only on these interfaces so tests
// can substitute fakes.
package platform
