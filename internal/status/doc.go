// Package status owns message delivery status.
//
// Ownership boundary:
// - the sending -> terminal transition rule
// - pure batch reconciliation against server reports
// - a concurrent tracker used by the client
package status
