// Package notifier delivers outbound chat lines.
//
// Every destination chat gets its own lane: a bounded FIFO queue drained by a single
// worker behind a token-bucket limiter. Lines for the same chat are therefore sent in
// the order they were enqueued, even when main and announce share a chat.
//
// Enqueueing never blocks. A full lane drops the line and publishes notifier.dropped.
// Failed sends are not retried; they are logged and published as notifier.failed.
//
// Lanes for reply targets are created on demand and retire after sitting idle.
package notifier
