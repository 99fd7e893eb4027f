// Package queue dispatches tasks through a Redis-backed asynq queue so that
// the HTTP API and the workers can run as separate processes. The API side
// enqueues with a Dispatcher; a Server in the worker process consumes the
// queue and executes each task. asynq's own retries are disabled because
// workers run their own bounded retry policy and always write a terminal
// record.
package queue
