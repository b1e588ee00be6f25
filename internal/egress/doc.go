// Package egress sends rendered notifications and documents to users
// over the Bot API, translating delivery failures into typed errors the
// processor can act on.
package egress
