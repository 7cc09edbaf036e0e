package status

import (
	"errors"
	"slices"
	"sync"
	"time"
)

var (
	ErrUnknownMessage   = errors.New("status: unknown message")
	ErrDuplicateMessage = errors.New("status: duplicate message id")
)

// Tracker holds message state for one client. Safe for concurrent use.
type Tracker struct {
	mu    sync.Mutex
	order []string
	byID  map[string]*Message
	// byClientID maps ClientMsgID to ID.
	byClientID map[string]string
}

func NewTracker() *Tracker {
	return &Tracker{
		byID:       make(map[string]*Message),
		byClientID: make(map[string]string),
	}
}

// Track registers m. Locally published messages start as Sending.
func (t *Tracker) Track(m Message) error {
	if m.ClientMsgID == "" {
		m.ClientMsgID = m.ID
	}
	if m.Status == "" {
		m.Status = Sending
	}
	if m.UpdatedAt.IsZero() {
		m.UpdatedAt = m.CreatedAt
	}
	m.Content = slices.Clone(m.Content)

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.byID[m.ID]; exists {
		return ErrDuplicateMessage
	}
	if _, exists := t.byClientID[m.ClientMsgID]; exists {
		return ErrDuplicateMessage
	}
	t.byID[m.ID] = &m
	t.byClientID[m.ClientMsgID] = m.ID
	t.order = append(t.order, m.ID)
	return nil
}

// Apply reconciles one server report. ok is false when the report was
// stale or a repeat.
func (t *Tracker) Apply(clientMsgID string, u Update) (Transition, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id, found := t.byClientID[clientMsgID]
	if !found {
		return Transition{}, false, ErrUnknownMessage
	}
	m := t.byID[id]
	next, tr, changed := apply(*m, u)
	if changed {
		*m = next
	}
	return tr, changed, nil
}

// ApplyBatch is Sync over the tracked set, updating state in place.
func (t *Tracker) ApplyBatch(updates map[string]Update) []Transition {
	t.mu.Lock()
	defer t.mu.Unlock()
	current := t.snapshotLocked()
	next, transitions := Sync(current, updates)
	for i := range next {
		*t.byID[next[i].ID] = next[i]
	}
	return transitions
}

// Expire moves every message sending since before deadline to Timeout.
func (t *Tracker) Expire(deadline, now time.Time) []Transition {
	return t.settleWhere(Timeout, "timeout", now, func(m *Message) bool {
		return m.CreatedAt.Before(deadline)
	})
}

// SettleAll moves every sending message to Error.
func (t *Tracker) SettleAll(reason string, now time.Time) []Transition {
	return t.settleWhere(Error, reason, now, func(*Message) bool { return true })
}

func (t *Tracker) settleWhere(to Status, reason string, now time.Time, match func(*Message) bool) []Transition {
	t.mu.Lock()
	defer t.mu.Unlock()
	var transitions []Transition
	for _, id := range t.order {
		m := t.byID[id]
		if m.Status != Sending || !match(m) {
			continue
		}
		next, tr, changed := apply(*m, Update{Status: to, Reason: reason, At: now})
		if changed {
			*m = next
			transitions = append(transitions, tr)
		}
	}
	return transitions
}

func (t *Tracker) Get(id string) (Message, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.byID[id]
	if !ok {
		return Message{}, false
	}
	out := *m
	out.Content = slices.Clone(m.Content)
	return out, true
}

// Snapshot returns copies in tracking order.
func (t *Tracker) Snapshot() []Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

func (t *Tracker) snapshotLocked() []Message {
	out := make([]Message, 0, len(t.order))
	for _, id := range t.order {
		m := *t.byID[id]
		m.Content = slices.Clone(m.Content)
		out = append(out, m)
	}
	return out
}

// Pending counts messages still Sending.
func (t *Tracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, m := range t.byID {
		if m.Status == Sending {
			n++
		}
	}
	return n
}
