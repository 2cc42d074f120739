// Package notifier delivers owner notifications asynchronously.
//
// Notify only enqueues. A small worker pool drains the queue through a shared
// rate limiter and retries failed sends with jittered exponential backoff.
// Delivery is best effort: a full queue rejects the message and a message
// that exhausts its retries is dropped.
//
// # Transport
//
// The service delegates delivery to a transport.Sender (the Telegram
// adapter in production). The owner id doubles as the private chat id.
//
// # History
//
// The service keeps a small in-memory history of recently delivered
// messages for diagnostics.
package notifier
