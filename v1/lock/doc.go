// Package lock provides lease-based distributed locks over a shared Store.
// A held lease is renewed by a watchdog while the guarded task runs, and
// acquisition is retried with jittered exponential backoff.
package lock
