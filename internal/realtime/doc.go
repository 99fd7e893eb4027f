// Package realtime pushes task updates to websocket clients. A Manager keeps
// sessions grouped by channel (a task id or the global channel), fans bus
// events out to them, and runs a liveness sweep that pings idle sessions and
// evicts the ones that stopped answering.
package realtime
