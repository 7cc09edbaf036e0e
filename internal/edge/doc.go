// Package edge owns the server side of the messaging layer.
//
// Ownership boundary:
// - handshake validation (grant signature, expiry, topic subset)
// - per-connection send queue, publish rate limit and topic subscriptions
// - fan-out to subscribers of the same project, channel and topic
// - admin pause enforcement and admin frame broadcast
// - gin HTTP surface (websocket upgrade, health, region, admin routes)
// - service lifecycle (http, tcp control endpoint, nats stream, usage sink)
package edge
