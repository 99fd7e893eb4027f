// Package memory provides in-process implementations of the storage
// interfaces defined in internal/store. They are used when no Redis URL is
// configured and in tests.
package memory
