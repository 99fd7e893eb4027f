// Package api exposes the repackaging service over HTTP: task submission,
// polling, cancellation and artifact download, plus marketplace lookups.
// Handlers translate internal errors into status codes and safe messages;
// raw errors are only ever logged, redacted.
package api
