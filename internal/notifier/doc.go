// Package notifier delivers announcement lines asynchronously.
//
// Notify only enqueues. One worker drains the queue in FIFO order, so the
// lines of a cycle reach the chat in the order the watcher produced them.
// Sends are paced by a token bucket, retried with backoff on transport
// errors, and optionally suppressed when the same text was sent to the same
// target within the dedup window.
package notifier
