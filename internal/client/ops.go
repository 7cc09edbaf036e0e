package client

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/danmuck/edgepub/internal/protocol"
	"github.com/danmuck/edgepub/internal/status"
)

// checkLocked applies the shared publish/subscribe preconditions in order:
// connected, not paused, topic granted. c.mu must be held.
func (c *Client) checkLocked(topic string) error {
	if c.state != StateConnected {
		return &protocol.NotConnectedError{State: string(c.state)}
	}
	if err := c.registry.Check(c.session.ProjectID(), c.session.Channel()); err != nil {
		return err
	}
	if !c.session.Authorizes(topic) {
		return protocol.NewAuthError(protocol.ReasonUnauthorizedTopic, "topic %q is not granted on channel %q", topic, c.session.Channel())
	}
	return nil
}

// Subscribe asks the edge for topic and waits for its acknowledgment.
// Subscribing to an acknowledged topic returns nil without a round trip.
func (c *Client) Subscribe(ctx context.Context, topic string) error {
	topic = strings.TrimSpace(topic)
	c.mu.Lock()
	if err := c.checkLocked(topic); err != nil {
		c.mu.Unlock()
		return err
	}
	if c.subscribed[topic] {
		c.mu.Unlock()
		return nil
	}
	requestID := c.newID()
	w := subscribeWaiter{topic: topic, ch: make(chan error, 1)}
	c.waiters[requestID] = w
	conn := c.conn
	c.mu.Unlock()

	frame := protocol.SubscribeFrame(protocol.Subscribe{RequestID: requestID, Topic: topic})
	if err := conn.Send(ctx, frame); err != nil {
		c.dropWaiter(requestID)
		return fmt.Errorf("client: send subscribe: %w", err)
	}

	select {
	case err := <-w.ch:
		if err == nil {
			c.report(protocol.UsageSubscribe, -1)
		}
		return err
	case <-ctx.Done():
		c.dropWaiter(requestID)
		return ctx.Err()
	case <-c.rootCtx.Done():
		c.dropWaiter(requestID)
		return ErrClientClosed
	}
}

func (c *Client) dropWaiter(requestID string) {
	c.mu.Lock()
	delete(c.waiters, requestID)
	c.mu.Unlock()
}

// Publish queues content for topic and returns its message id without
// waiting for delivery. The message starts sending; later transitions are
// reported through OnStatus and Message.
func (c *Client) Publish(ctx context.Context, topic string, content []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	topic = strings.TrimSpace(topic)
	c.mu.Lock()
	if err := c.checkLocked(topic); err != nil {
		c.mu.Unlock()
		return "", err
	}
	// Pushes only happen under c.mu, so the outbox cannot grow past this check.
	if c.outbox.Len() >= c.outbox.Capacity() {
		c.mu.Unlock()
		return "", &protocol.BackpressureError{Capacity: c.outbox.Capacity()}
	}
	now := c.now()
	id := c.newID()
	payload := slices.Clone(content)
	env := protocol.Envelope{
		ClientMsgID: id,
		Channel:     c.session.Channel(),
		Topic:       topic,
		Payload:     payload,
		TimestampMS: uint64(now.UnixMilli()),
	}
	if err := c.tracker.Track(status.Message{
		ID:          id,
		ClientMsgID: id,
		Channel:     env.Channel,
		Topic:       topic,
		Content:     payload,
		Status:      status.Sending,
		CreatedAt:   now,
	}); err != nil {
		c.mu.Unlock()
		return "", err
	}
	if err := c.outbox.Push(env, now); err != nil {
		c.mu.Unlock()
		return "", err
	}
	wake := c.wake
	c.mu.Unlock()

	select {
	case wake <- struct{}{}:
	default:
	}
	return id, nil
}
