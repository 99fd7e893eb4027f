// Package store defines interfaces for data persistence operations.
// These interfaces abstract the underlying storage mechanism (Redis or
// process memory) from the task tracker, and define the errors every
// implementation reports.
package store
