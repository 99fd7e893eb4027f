// Package events provides the publish/subscribe contract used to propagate
// "task changed" notifications from workers to the realtime layer.
//
// The primary components are:
// - Event: an envelope addressed to a channel (a task id or the global channel)
// - EventHandler: interface for components that consume events
// - EventEmitter: interface for components that publish events
// - Bus: an emitter that also accepts subscriptions
//
// InMemoryEventEmitter delivers synchronously inside one process; the Redis
// implementation in platform/redis spans processes.
package events
