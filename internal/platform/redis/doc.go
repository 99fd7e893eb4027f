// Package redis provides Redis-backed implementations of the task store and
// the event bus. Records are stored as JSON strings with a native key expiry;
// events travel over pub/sub so that an API process and a worker process
// observe the same task updates.
package redis
