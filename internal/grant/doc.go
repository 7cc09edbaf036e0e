// Package grant owns session credentials.
//
// Ownership boundary:
// - grant shape and validation
// - session construction and read-only accessors
// - HS256 grant token signing and parsing
//
// Expiry is never enforced here at construction; callers check it lazily
// against their own clock when a connection is attempted.
package grant
