// Package dedupe tracks Idempotency-Key headers so a retried signal or
// claim returns its first outcome instead of being applied twice.
package dedupe
