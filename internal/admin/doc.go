// Package admin owns the pause/unpause control plane.
//
// Ownership boundary:
// - pause registry (receipt-ordered, idempotent apply)
// - JSON-line TCP control endpoint and its client
// - NATS command stream per project
//
// Admin does not own fan-out to client connections; consumers subscribe
// to registry changes and broadcast them.
package admin
