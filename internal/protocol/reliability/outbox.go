package reliability

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/edgepub/internal/protocol"
)

var ErrDuplicateMessage = errors.New("reliability: duplicate client_msg_id")

// Pending tracks one outbound message awaiting a server ack.
type Pending struct {
	Envelope      protocol.Envelope
	QueuedAt      time.Time
	LastAttemptAt time.Time
	Attempts      int
	// Written is true once the current connection has carried the message.
	Written bool
}

// Outbox is the bounded, submission-ordered queue of unacknowledged messages.
// Entries leave only by ack, timeout, or Drain.
type Outbox struct {
	mu       sync.Mutex
	capacity int
	items    []Pending
}

func NewOutbox(capacity int) *Outbox {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &Outbox{
		capacity: capacity,
		items:    make([]Pending, 0, capacity),
	}
}

func (o *Outbox) Capacity() int {
	return o.capacity
}

// Push appends env or rejects it with a BackpressureError when full.
func (o *Outbox) Push(env protocol.Envelope, at time.Time) error {
	key := strings.TrimSpace(env.ClientMsgID)
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.items) >= o.capacity {
		return &protocol.BackpressureError{Capacity: o.capacity}
	}
	for i := range o.items {
		if o.items[i].Envelope.ClientMsgID == key {
			return ErrDuplicateMessage
		}
	}
	o.items = append(o.items, Pending{Envelope: env, QueuedAt: at})
	return nil
}

// NextUnwritten marks and returns the oldest entry not yet written on the
// current connection.
func (o *Outbox) NextUnwritten(at time.Time) (Pending, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i := range o.items {
		if o.items[i].Written {
			continue
		}
		o.items[i].Written = true
		o.items[i].Attempts++
		o.items[i].LastAttemptAt = at
		return o.items[i], true
	}
	return Pending{}, false
}

// Rewind schedules every entry for replay, preserving order. It returns
// the number of entries that will be replayed.
func (o *Outbox) Rewind() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i := range o.items {
		o.items[i].Written = false
	}
	return len(o.items)
}

func (o *Outbox) Remove(clientMsgID string) bool {
	key := strings.TrimSpace(clientMsgID)
	o.mu.Lock()
	defer o.mu.Unlock()
	for i := range o.items {
		if o.items[i].Envelope.ClientMsgID == key {
			o.items = append(o.items[:i], o.items[i+1:]...)
			return true
		}
	}
	return false
}

func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.items)
}

// Drain removes and returns every entry in submission order.
func (o *Outbox) Drain() []Pending {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := o.items
	o.items = make([]Pending, 0, o.capacity)
	return out
}
