package client

import (
	"context"

	"github.com/danmuck/edgepub/internal/protocol"
	"github.com/danmuck/edgepub/internal/protocol/reliability"
	"github.com/danmuck/edgepub/internal/status"
	"github.com/danmuck/edgepub/internal/transport"
)

// writeLoop delivers the outbox in submission order for one generation.
func (c *Client) writeLoop(ctx context.Context, gen uint64, conn transport.Conn, wake <-chan struct{}) {
	for {
		for {
			p, ok := c.nextFor(gen)
			if !ok {
				break
			}
			if err := conn.Send(ctx, protocol.MessageFrame(p.Envelope)); err != nil {
				// The next generation rewinds the outbox, so nothing is lost.
				if ctx.Err() == nil {
					c.connLost(gen, err)
				}
				return
			}
			c.report(protocol.UsageMessage, len(p.Envelope.Payload))
			if p.Attempts > 1 {
				c.log.Debug().Str("client_msg_id", p.Envelope.ClientMsgID).Int("attempt", p.Attempts).Msg("message replayed")
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-wake:
		}
	}
}

// nextFor claims the next unwritten entry while gen is still live, so a
// stale writer can never claim entries rewound for its successor.
func (c *Client) nextFor(gen uint64) (reliability.Pending, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen || c.state != StateConnected {
		return reliability.Pending{}, false
	}
	return c.outbox.NextUnwritten(c.now())
}

// readLoop dispatches inbound frames for one generation.
func (c *Client) readLoop(ctx context.Context, gen uint64, conn transport.Conn) {
	for {
		f, err := conn.Recv(ctx)
		if err != nil {
			if ctx.Err() == nil {
				c.connLost(gen, err)
			}
			return
		}
		switch f.Type {
		case protocol.FrameAck:
			c.handleAck(*f.Ack)
		case protocol.FrameSubscribeAck:
			c.handleSubscribeAck(*f.SubscribeAck)
		case protocol.FrameMessage:
			if c.onMessage != nil {
				c.onMessage(*f.Message)
			}
		case protocol.FrameAdmin:
			c.applyAdmin(*f.Admin)
		default:
			c.log.Debug().Str("type", string(f.Type)).Msg("unexpected frame ignored")
		}
	}
}

// handleAck settles one message. Repeated or late acks are no-ops.
func (c *Client) handleAck(ack protocol.Ack) {
	to, err := status.Parse(ack.Status)
	if err != nil || !to.Terminal() {
		c.log.Warn().Str("client_msg_id", ack.ClientMsgID).Str("status", ack.Status).Msg("ack with invalid status")
		return
	}
	tr, changed, err := c.tracker.Apply(ack.ClientMsgID, status.Update{
		Status:   to,
		ServerID: ack.ServerID,
		Reason:   ack.Reason,
		At:       c.now(),
	})
	if err != nil {
		c.log.Debug().Err(err).Str("client_msg_id", ack.ClientMsgID).Msg("ack for unknown message")
		return
	}
	c.outbox.Remove(ack.ClientMsgID)
	if changed {
		c.emitTransitions([]status.Transition{tr})
	}
}

func (c *Client) handleSubscribeAck(ack protocol.SubscribeAck) {
	err := ack.Err(c.session.ProjectID(), c.session.Channel())
	c.mu.Lock()
	w, waiting := c.waiters[ack.RequestID]
	delete(c.waiters, ack.RequestID)
	topic := ack.Topic
	if waiting {
		topic = w.topic
	}
	if err == nil {
		c.subscribed[topic] = true
	} else if !waiting {
		// A resubscribe was refused after reconnect.
		delete(c.subscribed, topic)
	}
	c.mu.Unlock()

	if waiting {
		w.ch <- err
	} else if err != nil {
		c.log.Warn().Err(err).Str("topic", ack.Topic).Msg("resubscribe rejected")
	}
}

func (c *Client) startSweeper() {
	c.sweepOnce.Do(func() { go c.sweep() })
}

// sweep times out messages left sending past MessageTimeout. It runs
// through reconnects and stops with the client.
func (c *Client) sweep() {
	ticker := newTicker(c.rel.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.rootCtx.Done():
			return
		case <-ticker.C:
			c.expire()
		}
	}
}

func (c *Client) expire() []status.Transition {
	now := c.now()
	transitions := c.tracker.Expire(now.Add(-c.rel.MessageTimeout), now)
	for _, tr := range transitions {
		c.outbox.Remove(tr.ID)
	}
	c.emitTransitions(transitions)
	return transitions
}
