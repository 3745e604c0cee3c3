// Package watcher delivers inotify events to callbacks and to an event bus.
//
// A single goroutine reads the channel and resolves each record against the
// registered watches. Callbacks run on that goroutine, so a slow callback
// delays every other delivery; hand work off when it may block. Queue
// overflows mean events were lost and are reported through Options.OnOverflow
// rather than to callbacks.
package watcher
