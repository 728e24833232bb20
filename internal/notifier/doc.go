// Package notifier delivers small, high-signal operator messages.
//
// Notifications carry a priority, a target chat (optionally with a
// thread/topic), and send options. Delivery runs through an async
// pipeline: bounded queue, worker pool, token-bucket rate limiting,
// bounded retry with jittered backoff, and a short dedup window so
// repeated identical alerts collapse into one message.
//
// The service delegates the actual send to a transport adapter; it
// keeps a small in-memory history of recent deliveries for /stats.
package notifier
