// Package config handles configuration loading, parsing, and validation
// from defaults, an optional config.yaml and GLYPH_ environment variables.
// It provides type-safe access to settings for the coordination store, the
// translation backend, the worker pool and the autoscaler while keeping
// configuration details separate from business logic.
package config
