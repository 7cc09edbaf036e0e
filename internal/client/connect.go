package client

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/danmuck/edgepub/internal/protocol"
	"github.com/danmuck/edgepub/internal/protocol/reliability"
	"github.com/danmuck/edgepub/internal/region"
	"github.com/danmuck/edgepub/internal/transport"
)

// established is one successfully handshaken connection.
type established struct {
	conn     transport.Conn
	ack      protocol.HelloAck
	region   region.Code
	endpoint string
}

// Connect opens the connection and blocks until the handshake completes.
// It is a no-op while connecting, connected or reconnecting. An expired
// grant fails immediately and leaves the client idle.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateConnected, StateConnecting, StateReconnecting:
		c.mu.Unlock()
		return nil
	case StateClosed:
		c.mu.Unlock()
		return ErrClientClosed
	case StateFailed:
		err := c.err
		c.mu.Unlock()
		return err
	}
	if c.session.Expired(c.now()) {
		c.mu.Unlock()
		return expiredGrant()
	}
	from, changed := c.setStateLocked(StateConnecting)
	c.mu.Unlock()
	c.notifyState(from, StateConnecting, changed)
	c.startSweeper()

	est, err := c.establish(ctx)
	if err != nil {
		if isPermanent(err) || errors.Is(err, protocol.ErrTransport) {
			c.fail(err)
			return err
		}
		// Caller gave up or the client was closed underneath us.
		c.mu.Lock()
		if c.state == StateClosed {
			c.mu.Unlock()
			return ErrClientClosed
		}
		from, changed := c.setStateLocked(StateIdle)
		c.mu.Unlock()
		c.notifyState(from, StateIdle, changed)
		return err
	}
	return c.install(est)
}

func expiredGrant() error {
	return protocol.NewAuthError(protocol.ReasonExpiredGrant, "grant expired")
}

// isPermanent reports errors that must never be retried.
func isPermanent(err error) bool {
	var authErr *protocol.AuthError
	var pausedErr *protocol.PausedError
	return errors.As(err, &authErr) || errors.As(err, &pausedErr) || errors.Is(err, region.ErrNoEndpoint)
}

// establish dials and handshakes with bounded exponential backoff.
func (c *Client) establish(parent context.Context) (established, error) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	stop := context.AfterFunc(c.rootCtx, cancel)
	defer stop()

	attempts := 0
	op := func() (established, error) {
		attempts++
		if c.session.Expired(c.now()) {
			return established{}, backoff.Permanent(expiredGrant())
		}
		code, endpoint, err := c.router.Resolve(c.continent, c.location)
		if err != nil {
			return established{}, backoff.Permanent(err)
		}
		conn, err := c.session.Dialer().Dial(ctx, endpoint)
		if err != nil {
			return established{}, err
		}
		ack, err := c.handshake(ctx, conn, code)
		if err != nil {
			_ = conn.Close()
			if isPermanent(err) {
				return established{}, backoff.Permanent(err)
			}
			return established{}, err
		}
		return established{conn: conn, ack: ack, region: code, endpoint: endpoint}, nil
	}
	notify := func(err error, next time.Duration) {
		c.log.Warn().Err(err).Int("attempt", attempts).Dur("retry_in", next).Msg("connect attempt failed")
	}

	est, err := backoff.Retry(ctx, op, reliability.RetryOptions(c.rel.Backoff, notify)...)
	if err == nil {
		return est, nil
	}
	if isPermanent(err) {
		return established{}, err
	}
	if ctx.Err() != nil {
		if parent.Err() != nil {
			return established{}, parent.Err()
		}
		return established{}, ErrClientClosed
	}
	return established{}, &protocol.TransportError{Attempts: attempts, Err: err}
}

// handshake sends hello and waits for hello.ack. Admin frames that arrive
// first are applied.
func (c *Client) handshake(ctx context.Context, conn transport.Conn, code region.Code) (protocol.HelloAck, error) {
	hctx, cancel := context.WithTimeout(ctx, c.rel.HandshakeTimeout)
	defer cancel()

	g := c.session.Grant()
	hello := protocol.Hello{
		Token:     g.Token,
		UserID:    g.UserID,
		ProjectID: g.ProjectID,
		Channel:   g.Channel,
		Topics:    g.Topics,
		Region:    string(code),
	}
	if err := conn.Send(hctx, protocol.HelloFrame(hello)); err != nil {
		return protocol.HelloAck{}, err
	}
	for {
		f, err := conn.Recv(hctx)
		if err != nil {
			return protocol.HelloAck{}, err
		}
		switch f.Type {
		case protocol.FrameHelloAck:
			return *f.HelloAck, f.HelloAck.Err()
		case protocol.FrameAdmin:
			c.applyAdmin(*f.Admin)
		default:
			c.log.Debug().Str("type", string(f.Type)).Msg("frame before hello.ack ignored")
		}
	}
}

// install makes est the live connection and starts its goroutines.
func (c *Client) install(est established) error {
	c.mu.Lock()
	if c.state == StateClosed || c.state == StateFailed {
		c.mu.Unlock()
		_ = est.conn.Close()
		return ErrClientClosed
	}
	c.gen++
	gen := c.gen
	connCtx, cancel := context.WithCancel(c.rootCtx)
	c.conn = est.conn
	c.connCancel = cancel
	c.wake = make(chan struct{}, 1)
	c.region = est.region
	c.endpoint = est.endpoint
	c.sessionID = est.ack.SessionID
	replayed := c.outbox.Rewind()
	topics := make([]string, 0, len(c.subscribed))
	for topic := range c.subscribed {
		topics = append(topics, topic)
	}
	slices.Sort(topics)
	wake := c.wake
	from, changed := c.setStateLocked(StateConnected)
	c.mu.Unlock()

	go c.readLoop(connCtx, gen, est.conn)
	go c.writeLoop(connCtx, gen, est.conn, wake)
	transport.KeepAlive(connCtx, est.conn, c.rel.PingInterval)

	for _, topic := range topics {
		frame := protocol.SubscribeFrame(protocol.Subscribe{RequestID: c.newID(), Topic: topic})
		if err := est.conn.Send(connCtx, frame); err != nil {
			c.log.Warn().Err(err).Str("topic", topic).Msg("resubscribe failed")
		}
	}

	c.log.Info().
		Str("region", string(est.region)).
		Str("endpoint", est.endpoint).
		Str("session_id", est.ack.SessionID).
		Int("replayed", replayed).
		Int("resubscribed", len(topics)).
		Msg("client connected")
	c.report(protocol.UsageConnect, -1)
	c.notifyState(from, StateConnected, changed)
	return nil
}

// connLost moves a live generation to reconnecting and starts recovery.
func (c *Client) connLost(gen uint64, cause error) {
	c.mu.Lock()
	if gen != c.gen || c.state != StateConnected {
		c.mu.Unlock()
		return
	}
	c.teardownLocked()
	c.failWaitersLocked(&protocol.NotConnectedError{State: string(StateReconnecting)})
	from, changed := c.setStateLocked(StateReconnecting)
	c.mu.Unlock()

	c.log.Warn().Err(cause).Int("pending", c.outbox.Len()).Msg("connection lost")
	c.notifyState(from, StateReconnecting, changed)
	go c.reconnect()
}

func (c *Client) reconnect() {
	est, err := c.establish(c.rootCtx)
	if err != nil {
		if errors.Is(err, ErrClientClosed) || c.rootCtx.Err() != nil {
			return
		}
		c.fail(err)
		return
	}
	if err := c.install(est); err != nil {
		c.log.Debug().Err(err).Msg("reconnect discarded")
	}
}

// teardownLocked releases the live connection. c.mu must be held.
func (c *Client) teardownLocked() {
	if c.connCancel != nil {
		c.connCancel()
		c.connCancel = nil
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

func (c *Client) failWaitersLocked(err error) {
	for id, w := range c.waiters {
		w.ch <- err
		delete(c.waiters, id)
	}
}

// fail is the terminal transition for rejected grants and spent retries.
func (c *Client) fail(err error) {
	c.mu.Lock()
	if c.state == StateClosed || c.state == StateFailed {
		c.mu.Unlock()
		return
	}
	c.err = err
	c.teardownLocked()
	c.failWaitersLocked(err)
	from, changed := c.setStateLocked(StateFailed)
	c.mu.Unlock()

	c.rootCancel()
	c.log.Error().Err(err).Msg("client failed")
	c.settle("failed: " + err.Error())
	c.notifyState(from, StateFailed, changed)
	c.doneOnce.Do(func() { close(c.done) })
}

// Close tears the client down. Every message still sending settles to
// error. Safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	c.teardownLocked()
	c.failWaitersLocked(ErrClientClosed)
	from, changed := c.setStateLocked(StateClosed)
	c.mu.Unlock()

	c.rootCancel()
	c.settle("closed")
	c.notifyState(from, StateClosed, changed)
	c.doneOnce.Do(func() { close(c.done) })
	return nil
}

func (c *Client) settle(reason string) {
	c.outbox.Drain()
	c.emitTransitions(c.tracker.SettleAll(reason, c.now()))
}

// applyAdmin records a pause/unpause observed on the connection.
func (c *Client) applyAdmin(cmd protocol.AdminCommand) {
	changed, err := c.registry.Apply(cmd)
	if err != nil {
		c.log.Warn().Err(err).Msg("admin frame rejected")
		return
	}
	c.log.Info().
		Str("command", cmd.Command).
		Str("target_project", cmd.ProjectID).
		Str("target_channel", cmd.Channel).
		Bool("changed", changed).
		Msg("admin command observed")
}
