// Package config holds the runtime parameter store: provider credentials,
// pricing, and service options read from config/parameters.yaml. Values are
// served from memory; admin writes go through Set, which coerces the raw
// input to the parameter's type and rewrites the file.
package config
