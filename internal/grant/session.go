package grant

import (
	"strings"
	"time"

	"github.com/danmuck/edgepub/internal/protocol"
	"github.com/danmuck/edgepub/internal/transport"
)

// Session binds one Grant to the shared transport dialer. Immutable.
type Session struct {
	grant  Grant
	dialer transport.Dialer
}

// NewSession rejects grants without a user. Nothing else is checked here.
func NewSession(g Grant, dialer transport.Dialer) (*Session, error) {
	if strings.TrimSpace(g.UserID) == "" {
		return nil, &protocol.AuthError{
			Reason:  protocol.ReasonMissingUserID,
			Message: protocol.MissingUserIDMessage,
		}
	}
	return &Session{grant: g.Clone(), dialer: dialer}, nil
}

func (s *Session) UserID() string    { return s.grant.UserID }
func (s *Session) Channel() string   { return s.grant.Channel }
func (s *Session) ProjectID() string { return s.grant.ProjectID }

// Topics returns a copy of the granted topics in grant order.
func (s *Session) Topics() []string {
	return s.grant.Clone().Topics
}

// Grant returns a copy of the owned grant.
func (s *Session) Grant() Grant {
	return s.grant.Clone()
}

func (s *Session) Authorizes(topic string) bool {
	return s.grant.Authorizes(topic)
}

func (s *Session) Expired(now time.Time) bool {
	return s.grant.Expired(now)
}

func (s *Session) Dialer() transport.Dialer {
	return s.dialer
}
