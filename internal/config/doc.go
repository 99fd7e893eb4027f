// Package config handles configuration loading, parsing, and validation
// from various sources (defaults, an optional config.yaml, environment
// variables prefixed with REPACKD_). It provides type-safe access to the
// settings needed by the task runner, the repackaging worker, the realtime
// connection manager and the marketplace client.
package config
