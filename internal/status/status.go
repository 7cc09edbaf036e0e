package status

import (
	"fmt"
	"time"

	"github.com/danmuck/edgepub/internal/protocol"
)

// Status is the delivery state of one message.
type Status string

const (
	Sending Status = "sending"
	Sent    Status = "sent"
	Error   Status = "error"
	Timeout Status = "timeout"
)

// Terminal reports whether s can never change again.
func (s Status) Terminal() bool {
	return s == Sent || s == Error || s == Timeout
}

func (s Status) Valid() bool {
	return s == Sending || s.Terminal()
}

// Parse maps a wire delivery status onto Status.
func Parse(raw string) (Status, error) {
	switch raw {
	case protocol.DeliverySent:
		return Sent, nil
	case protocol.DeliveryError:
		return Error, nil
	case protocol.DeliveryTimeout:
		return Timeout, nil
	case string(Sending):
		return Sending, nil
	default:
		return "", fmt.Errorf("status: unknown status %q", raw)
	}
}

// CanTransition allows only sending -> terminal.
func CanTransition(from, to Status) bool {
	return from == Sending && to.Terminal()
}

// Message is one published or received message with its delivery state.
type Message struct {
	ID          string
	ClientMsgID string
	Channel     string
	Topic       string
	Content     []byte
	Status      Status
	ServerID    string
	Reason      string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Update is a server-reported outcome for one ClientMsgID.
type Update struct {
	Status   Status
	ServerID string
	Reason   string
	At       time.Time
}

// Transition records one applied status change.
type Transition struct {
	ID       string
	From     Status
	To       Status
	ServerID string
	Reason   string
}

// apply returns the updated message and whether anything changed.
func apply(m Message, u Update) (Message, Transition, bool) {
	if u.Status == m.Status || !CanTransition(m.Status, u.Status) {
		return m, Transition{}, false
	}
	tr := Transition{ID: m.ID, From: m.Status, To: u.Status, ServerID: u.ServerID, Reason: u.Reason}
	m.Status = u.Status
	if u.ServerID != "" {
		m.ServerID = u.ServerID
	}
	m.Reason = u.Reason
	if !u.At.IsZero() {
		m.UpdatedAt = u.At
	}
	return m, tr, true
}

// Sync reconciles messages against updates keyed by ClientMsgID. It never
// mutates its input. Running it twice on the same batch yields no
// transitions the second time.
func Sync(messages []Message, updates map[string]Update) ([]Message, []Transition) {
	out := make([]Message, len(messages))
	copy(out, messages)
	var transitions []Transition
	for i := range out {
		u, ok := updates[out[i].ClientMsgID]
		if !ok {
			continue
		}
		next, tr, changed := apply(out[i], u)
		if !changed {
			continue
		}
		out[i] = next
		transitions = append(transitions, tr)
	}
	return out, transitions
}
