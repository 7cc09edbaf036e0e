// Package client owns the PubSub client connection state machine.
//
// Ownership boundary:
// - one connection per client, re-established with bounded backoff
// - the bounded outbound queue and its in-order writer
// - per-message status tracking and reconciliation
// - honoring admin pauses for the session project
//
// Lifecycle order:
// - idle -> connecting -> connected <-> reconnecting
// - any -> failed on grant rejection or exhausted retries
// - any -> closed on Close
package client
