package grant

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/danmuck/edgepub/internal/protocol"
)

// Grant is a short-lived authorization for one user on one channel.
type Grant struct {
	UserID    string
	Channel   string
	Topics    []string
	ProjectID string
	IssuedAt  time.Time
	ExpiresAt time.Time
	// Token is the signed form, when known.
	Token string
}

// Validate checks the fields a signer or edge requires before trusting a grant.
func (g Grant) Validate() error {
	if strings.TrimSpace(g.UserID) == "" {
		return &protocol.AuthError{Reason: protocol.ReasonMissingUserID, Message: protocol.MissingUserIDMessage}
	}
	if strings.TrimSpace(g.Channel) == "" {
		return protocol.NewAuthError(protocol.ReasonInvalidGrant, "grant missing channel")
	}
	if !g.ExpiresAt.After(g.IssuedAt) {
		return protocol.NewAuthError(protocol.ReasonInvalidGrant,
			"grant expires_at %s must be after issued_at %s",
			g.ExpiresAt.UTC().Format(time.RFC3339), g.IssuedAt.UTC().Format(time.RFC3339))
	}
	for i, topic := range g.Topics {
		if strings.TrimSpace(topic) == "" {
			return protocol.NewAuthError(protocol.ReasonInvalidGrant, "grant topic %d is empty", i)
		}
	}
	return nil
}

// Expired reports whether now is at or past ExpiresAt.
func (g Grant) Expired(now time.Time) bool {
	return !now.Before(g.ExpiresAt)
}

// Authorizes reports whether topic is one of the granted topics.
func (g Grant) Authorizes(topic string) bool {
	return slices.Contains(g.Topics, topic)
}

// Clone returns a copy that shares no slices with g.
func (g Grant) Clone() Grant {
	g.Topics = slices.Clone(g.Topics)
	return g
}

func (g Grant) String() string {
	return fmt.Sprintf("grant{user=%s project=%s channel=%s topics=%v expires=%s}",
		g.UserID, g.ProjectID, g.Channel, g.Topics, g.ExpiresAt.UTC().Format(time.RFC3339))
}
