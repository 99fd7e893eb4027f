// Package task owns the execution side of the service: the Tracker that
// applies state machine updates to task records and publishes them, the
// in-process TaskRunner that executes queued work on a fixed number of
// goroutines, and the retry helpers workers use for bounded, backed-off
// re-attempts.
package task
