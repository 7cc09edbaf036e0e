// Package transport owns the connection boundary between client and edge.
//
// Ownership boundary:
// - Dialer/Conn contracts carrying protocol frames
// - websocket implementation (dial + accept)
// - in-memory pipes for tests and embedded edges
package transport

import (
	"context"
	"errors"

	"github.com/danmuck/edgepub/internal/protocol"
)

var (
	ErrClosed           = errors.New("transport: connection closed")
	ErrEndpointRequired = errors.New("transport: endpoint required")
)

// Conn carries frames in both directions. Send and Recv may be called
// concurrently with each other; Close unblocks both.
type Conn interface {
	Send(ctx context.Context, f protocol.Frame) error
	Recv(ctx context.Context) (protocol.Frame, error)
	Close() error
}

// Dialer opens a Conn to an edge endpoint. A Dialer is shared by
// sessions and outlives any one of them.
type Dialer interface {
	Dial(ctx context.Context, endpoint string) (Conn, error)
}

// DialerFunc adapts a function into a Dialer.
type DialerFunc func(ctx context.Context, endpoint string) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context, endpoint string) (Conn, error) {
	return f(ctx, endpoint)
}
