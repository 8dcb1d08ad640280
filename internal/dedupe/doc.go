// Package dedupe provides a time-based result cache so a request repeated
// with the same idempotency key within a configurable window is answered
// with the original result instead of being processed again.
package dedupe
