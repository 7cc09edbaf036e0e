package transport

import (
	"context"
	"sync"

	"github.com/danmuck/edgepub/internal/protocol"
)

const pipeBuffer = 64

type pipeState struct {
	once sync.Once
	done chan struct{}
}

func (p *pipeState) close() {
	p.once.Do(func() { close(p.done) })
}

type pipeConn struct {
	state *pipeState
	in    <-chan protocol.Frame
	out   chan<- protocol.Frame
}

// Pipe returns two connected in-memory ends. Closing either end closes both.
func Pipe() (Conn, Conn) {
	state := &pipeState{done: make(chan struct{})}
	ab := make(chan protocol.Frame, pipeBuffer)
	ba := make(chan protocol.Frame, pipeBuffer)
	return &pipeConn{state: state, in: ba, out: ab}, &pipeConn{state: state, in: ab, out: ba}
}

func (c *pipeConn) Send(ctx context.Context, f protocol.Frame) error {
	if err := f.Validate(); err != nil {
		return err
	}
	select {
	case <-c.state.done:
		return ErrClosed
	default:
	}
	select {
	case c.out <- f:
		return nil
	case <-c.state.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *pipeConn) Recv(ctx context.Context) (protocol.Frame, error) {
	select {
	case f := <-c.in:
		return f, nil
	case <-c.state.done:
		// Frames sent before Close are still delivered.
		select {
		case f := <-c.in:
			return f, nil
		default:
		}
		return protocol.Frame{}, ErrClosed
	case <-ctx.Done():
		return protocol.Frame{}, ctx.Err()
	}
}

func (c *pipeConn) Close() error {
	c.state.close()
	return nil
}

// MemDialer hands the server end of a fresh Pipe to Serve for every dial.
type MemDialer struct {
	Serve func(ctx context.Context, conn Conn)
}

func (d MemDialer) Dial(ctx context.Context, endpoint string) (Conn, error) {
	if endpoint == "" {
		return nil, ErrEndpointRequired
	}
	client, server := Pipe()
	go d.Serve(context.WithoutCancel(ctx), server)
	return client, nil
}
