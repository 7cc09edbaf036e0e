package protocol

import (
	"fmt"
	"strings"
)

// Command names carried by AdminCommand. Stable wire values.
const (
	CommandPause   = "pause_project_id"
	CommandUnpause = "unpause_project_id"
)

// AdminCommand pauses or resumes traffic for a project channel.
// An empty Channel targets every channel of the project.
type AdminCommand struct {
	Command   string `json:"command"`
	ProjectID string `json:"project_id"`
	Channel   string `json:"channel,omitempty"`
}

func (c AdminCommand) Validate() error {
	switch c.Command {
	case CommandPause, CommandUnpause:
	default:
		return fmt.Errorf("%w: unknown command %q", ErrInvalidCommand, c.Command)
	}
	if strings.TrimSpace(c.ProjectID) == "" {
		return fmt.Errorf("%w: missing project_id", ErrInvalidCommand)
	}
	return nil
}

// Usage event names reported to the accounting collaborator.
const (
	UsageConnect   = "websocket.connect"
	UsageSubscribe = "websocket.subscribe"
	UsageMessage   = "websocket.message"
)

// UsageEvent is a fire-and-forget accounting record.
type UsageEvent struct {
	ProjectID     string `json:"project_id"`
	Event         string `json:"event"`
	PayloadLength *int   `json:"payload_length,omitempty"`
	APIKeyID      string `json:"api_key_id,omitempty"`
	TimestampMS   uint64 `json:"timestamp_ms"`
}

func (u UsageEvent) Validate() error {
	if strings.TrimSpace(u.ProjectID) == "" {
		return fmt.Errorf("%w: usage event missing project_id", ErrInvalidFrame)
	}
	switch u.Event {
	case UsageConnect, UsageSubscribe, UsageMessage:
		return nil
	default:
		return fmt.Errorf("%w: usage event unknown event %q", ErrInvalidFrame, u.Event)
	}
}
