package protocol

import (
	"fmt"
	"strings"
)

// FrameType names the payload carried by a Frame.
type FrameType string

const (
	FrameHello        FrameType = "hello"
	FrameHelloAck     FrameType = "hello.ack"
	FrameSubscribe    FrameType = "subscribe"
	FrameSubscribeAck FrameType = "subscribe.ack"
	FrameMessage      FrameType = "message"
	FrameAck          FrameType = "message.ack"
	FrameAdmin        FrameType = "admin"
)

const (
	AckStatusAccepted = "accepted"
	AckStatusRejected = "rejected"
)

// RejectPaused is a non-auth reject reason used when a channel is paused.
const RejectPaused AuthReason = "paused"

// Hello is the client->edge handshake.
type Hello struct {
	Token     string   `json:"token,omitempty"`
	UserID    string   `json:"user_id"`
	ProjectID string   `json:"project_id"`
	Channel   string   `json:"channel"`
	Topics    []string `json:"topics"`
	Region    string   `json:"region,omitempty"`
}

func (h Hello) Validate() error {
	if strings.TrimSpace(h.Token) == "" && strings.TrimSpace(h.UserID) == "" {
		return fmt.Errorf("%w: hello missing token and user_id", ErrInvalidFrame)
	}
	if strings.TrimSpace(h.Channel) == "" {
		return fmt.Errorf("%w: hello missing channel", ErrInvalidFrame)
	}
	return nil
}

// HelloAck is the edge->client handshake response.
type HelloAck struct {
	Status      string     `json:"status"`
	Reason      AuthReason `json:"reason,omitempty"`
	Message     string     `json:"message,omitempty"`
	SessionID   string     `json:"session_id,omitempty"`
	Region      string     `json:"region,omitempty"`
	TimestampMS uint64     `json:"timestamp_ms"`
}

func (a HelloAck) Validate() error {
	status := strings.TrimSpace(a.Status)
	if status != AckStatusAccepted && status != AckStatusRejected {
		return fmt.Errorf("%w: hello.ack invalid status %q", ErrInvalidFrame, a.Status)
	}
	if status == AckStatusRejected && a.Reason == "" {
		return fmt.Errorf("%w: hello.ack rejected without reason", ErrInvalidFrame)
	}
	return nil
}

// Err maps a rejected handshake onto the error taxonomy.
func (a HelloAck) Err() error {
	if a.Status == AckStatusAccepted {
		return nil
	}
	if a.Reason == RejectPaused {
		return &PausedError{}
	}
	msg := a.Message
	if msg == "" {
		msg = fmt.Sprintf("handshake rejected: %s", a.Reason)
	}
	return &AuthError{Reason: a.Reason, Message: msg}
}

// Subscribe requests delivery of one topic on the session channel.
type Subscribe struct {
	RequestID string `json:"request_id"`
	Topic     string `json:"topic"`
}

func (s Subscribe) Validate() error {
	if strings.TrimSpace(s.RequestID) == "" {
		return fmt.Errorf("%w: subscribe missing request_id", ErrInvalidFrame)
	}
	if strings.TrimSpace(s.Topic) == "" {
		return fmt.Errorf("%w: subscribe missing topic", ErrInvalidFrame)
	}
	return nil
}

// SubscribeAck answers one Subscribe by request id.
type SubscribeAck struct {
	RequestID string     `json:"request_id"`
	Topic     string     `json:"topic"`
	Status    string     `json:"status"`
	Reason    AuthReason `json:"reason,omitempty"`
}

// Err maps a rejected subscribe onto the error taxonomy.
func (a SubscribeAck) Err(projectID, channel string) error {
	if a.Status == AckStatusAccepted {
		return nil
	}
	if a.Reason == RejectPaused {
		return &PausedError{ProjectID: projectID, Channel: channel}
	}
	return &AuthError{Reason: a.Reason, Message: fmt.Sprintf("subscribe %q rejected: %s", a.Topic, a.Reason)}
}

// Envelope is one message travelling in either direction.
type Envelope struct {
	ClientMsgID string `json:"client_msg_id"`
	Channel     string `json:"channel"`
	Topic       string `json:"topic"`
	Payload     []byte `json:"payload"`
	TimestampMS uint64 `json:"timestamp_ms"`
	ServerID    string `json:"server_id,omitempty"`
}

func (e Envelope) Validate() error {
	if strings.TrimSpace(e.ClientMsgID) == "" {
		return fmt.Errorf("%w: message missing client_msg_id", ErrInvalidFrame)
	}
	if strings.TrimSpace(e.Channel) == "" {
		return fmt.Errorf("%w: message missing channel", ErrInvalidFrame)
	}
	if strings.TrimSpace(e.Topic) == "" {
		return fmt.Errorf("%w: message missing topic", ErrInvalidFrame)
	}
	return nil
}

// Delivery statuses reported by the edge for one client message.
const (
	DeliverySent    = "sent"
	DeliveryError   = "error"
	DeliveryTimeout = "timeout"
)

// Ack reports the server outcome for one client message.
type Ack struct {
	ClientMsgID string `json:"client_msg_id"`
	Status      string `json:"status"`
	ServerID    string `json:"server_id,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

func (a Ack) Validate() error {
	if strings.TrimSpace(a.ClientMsgID) == "" {
		return fmt.Errorf("%w: ack missing client_msg_id", ErrInvalidFrame)
	}
	switch a.Status {
	case DeliverySent, DeliveryError, DeliveryTimeout:
		return nil
	default:
		return fmt.Errorf("%w: ack invalid status %q", ErrInvalidFrame, a.Status)
	}
}

// Frame is the single message unit exchanged over a connection.
type Frame struct {
	Type         FrameType     `json:"type"`
	Hello        *Hello        `json:"hello,omitempty"`
	HelloAck     *HelloAck     `json:"hello_ack,omitempty"`
	Subscribe    *Subscribe    `json:"subscribe,omitempty"`
	SubscribeAck *SubscribeAck `json:"subscribe_ack,omitempty"`
	Message      *Envelope     `json:"message,omitempty"`
	Ack          *Ack          `json:"ack,omitempty"`
	Admin        *AdminCommand `json:"admin,omitempty"`
}

// Validate checks that the body matching Type is present and well formed.
func (f Frame) Validate() error {
	switch f.Type {
	case FrameHello:
		if f.Hello == nil {
			return fmt.Errorf("%w: %s without body", ErrInvalidFrame, f.Type)
		}
		return f.Hello.Validate()
	case FrameHelloAck:
		if f.HelloAck == nil {
			return fmt.Errorf("%w: %s without body", ErrInvalidFrame, f.Type)
		}
		return f.HelloAck.Validate()
	case FrameSubscribe:
		if f.Subscribe == nil {
			return fmt.Errorf("%w: %s without body", ErrInvalidFrame, f.Type)
		}
		return f.Subscribe.Validate()
	case FrameSubscribeAck:
		if f.SubscribeAck == nil {
			return fmt.Errorf("%w: %s without body", ErrInvalidFrame, f.Type)
		}
		return nil
	case FrameMessage:
		if f.Message == nil {
			return fmt.Errorf("%w: %s without body", ErrInvalidFrame, f.Type)
		}
		return f.Message.Validate()
	case FrameAck:
		if f.Ack == nil {
			return fmt.Errorf("%w: %s without body", ErrInvalidFrame, f.Type)
		}
		return f.Ack.Validate()
	case FrameAdmin:
		if f.Admin == nil {
			return fmt.Errorf("%w: %s without body", ErrInvalidFrame, f.Type)
		}
		return f.Admin.Validate()
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidFrame, f.Type)
	}
}

func HelloFrame(h Hello) Frame               { return Frame{Type: FrameHello, Hello: &h} }
func HelloAckFrame(a HelloAck) Frame         { return Frame{Type: FrameHelloAck, HelloAck: &a} }
func SubscribeFrame(s Subscribe) Frame       { return Frame{Type: FrameSubscribe, Subscribe: &s} }
func SubscribeAckFrame(a SubscribeAck) Frame { return Frame{Type: FrameSubscribeAck, SubscribeAck: &a} }
func MessageFrame(e Envelope) Frame          { return Frame{Type: FrameMessage, Message: &e} }
func AckFrame(a Ack) Frame                   { return Frame{Type: FrameAck, Ack: &a} }
func AdminFrame(c AdminCommand) Frame        { return Frame{Type: FrameAdmin, Admin: &c} }
