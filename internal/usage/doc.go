// Package usage is the boundary toward the external accounting sink.
//
// Reports are fire-and-forget: a slow or failing sink never blocks the
// caller and never fails a publish.
package usage
