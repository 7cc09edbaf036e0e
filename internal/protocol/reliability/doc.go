// Package reliability owns client<->edge connection reliability primitives.
//
// Ownership boundary:
// - timeout/backoff/queue defaults
// - ordered bounded outbox
// - transport security validation and tls material loading
//
// Defaults (DefaultConfig):
// - backoff 250ms initial, x2, capped at 5s, +/-50% jitter
// - 5 reconnect attempts before the client settles into failed
// - outbound queue capacity 256, message timeout 10s
package reliability
