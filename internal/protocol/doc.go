// Package protocol owns the edge wire contract.
//
// Ownership boundary:
// - frame shapes exchanged over a client connection
// - admin command and usage event envelopes
// - json/cbor codecs
// - the error taxonomy shared by client and edge
//
// Subpackages:
// - reliability: backoff, outbox and transport security primitives
package protocol
