package edge

import (
	"context"
	"sync"

	"github.com/danmuck/edgepub/internal/grant"
	"github.com/danmuck/edgepub/internal/protocol"
	"golang.org/x/time/rate"
)

// peer is one accepted connection. send is never closed; the writer exits
// on ctx cancellation instead.
type peer struct {
	sessionID string
	grant     grant.Grant
	send      chan protocol.Frame
	limiter   *rate.Limiter
	cancel    context.CancelFunc

	mu     sync.RWMutex
	topics map[string]struct{}
}

func newPeer(sessionID string, g grant.Grant, queue int, limit rate.Limit, burst int, cancel context.CancelFunc) *peer {
	return &peer{
		sessionID: sessionID,
		grant:     g,
		send:      make(chan protocol.Frame, queue),
		limiter:   rate.NewLimiter(limit, burst),
		cancel:    cancel,
		topics:    make(map[string]struct{}),
	}
}

// enqueue never blocks. False means the queue is full.
func (p *peer) enqueue(f protocol.Frame) bool {
	select {
	case p.send <- f:
		return true
	default:
		return false
	}
}

func (p *peer) subscribe(topic string) {
	p.mu.Lock()
	p.topics[topic] = struct{}{}
	p.mu.Unlock()
}

func (p *peer) subscribed(topic string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.topics[topic]
	return ok
}

// matches reports whether env should be delivered to p.
func (p *peer) matches(projectID string, env protocol.Envelope) bool {
	return p.grant.ProjectID == projectID &&
		p.grant.Channel == env.Channel &&
		p.subscribed(env.Topic)
}
