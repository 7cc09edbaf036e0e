package grant

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/edgepub/internal/protocol"
	"github.com/danmuck/edgepub/internal/testutil/testlog"
	"github.com/danmuck/edgepub/internal/transport"
)

func fixtureGrant(now time.Time) Grant {
	return Grant{
		UserID:    "user-1",
		ProjectID: "proj-1",
		Channel:   "lobby",
		Topics:    []string{"chat", "presence"},
		IssuedAt:  now,
		ExpiresAt: now.Add(time.Hour),
	}
}

func TestNewSessionRequiresUserID(t *testing.T) {
	testlog.Start(t)
	now := time.Unix(1_700_000_000, 0)

	for _, userID := range []string{"", "   ", "\t"} {
		g := fixtureGrant(now)
		g.UserID = userID
		s, err := NewSession(g, nil)
		if s != nil {
			t.Fatalf("expected nil session for user %q", userID)
		}
		var authErr *protocol.AuthError
		if !errors.As(err, &authErr) {
			t.Fatalf("expected AuthError, got %T %v", err, err)
		}
		if authErr.Message != "User ID is required to create a session" {
			t.Fatalf("unexpected message %q", authErr.Message)
		}
		if authErr.Reason != protocol.ReasonMissingUserID {
			t.Fatalf("unexpected reason %q", authErr.Reason)
		}
		if !errors.Is(err, protocol.ErrAuth) {
			t.Fatalf("expected ErrAuth match")
		}
	}
}

func TestNewSessionSkipsExpiryCheck(t *testing.T) {
	testlog.Start(t)
	now := time.Unix(1_700_000_000, 0)
	g := fixtureGrant(now)
	g.ExpiresAt = now.Add(-time.Hour)

	s, err := NewSession(g, transport.MemDialer{})
	if err != nil {
		t.Fatalf("construction must not check expiry: %v", err)
	}
	if !s.Expired(now) {
		t.Fatalf("expected lazily observable expiry")
	}
	if s.Dialer() == nil {
		t.Fatalf("expected dialer to be kept")
	}
}

func TestSessionAccessorsAreReadOnly(t *testing.T) {
	testlog.Start(t)
	now := time.Unix(1_700_000_000, 0)
	g := fixtureGrant(now)
	s, err := NewSession(g, nil)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}

	g.Topics[0] = "mutated"
	topics := s.Topics()
	topics[1] = "mutated"
	if got := s.Topics(); got[0] != "chat" || got[1] != "presence" {
		t.Fatalf("session topics leaked mutation: %v", got)
	}
	if s.Channel() != "lobby" || s.ProjectID() != "proj-1" || s.UserID() != "user-1" {
		t.Fatalf("unexpected accessors: %s", s.Grant())
	}
	if !s.Authorizes("chat") || s.Authorizes("admin") {
		t.Fatalf("unexpected authorization result")
	}
}

func TestGrantValidate(t *testing.T) {
	testlog.Start(t)
	now := time.Unix(1_700_000_000, 0)
	tests := []struct {
		name   string
		mutate func(*Grant)
		reason protocol.AuthReason
	}{
		{name: "valid", mutate: func(*Grant) {}},
		{name: "missing user", mutate: func(g *Grant) { g.UserID = "" }, reason: protocol.ReasonMissingUserID},
		{name: "missing channel", mutate: func(g *Grant) { g.Channel = " " }, reason: protocol.ReasonInvalidGrant},
		{name: "expiry before issue", mutate: func(g *Grant) { g.ExpiresAt = g.IssuedAt }, reason: protocol.ReasonInvalidGrant},
		{name: "empty topic", mutate: func(g *Grant) { g.Topics = []string{"chat", ""} }, reason: protocol.ReasonInvalidGrant},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			g := fixtureGrant(now)
			tc.mutate(&g)
			err := g.Validate()
			if tc.reason == "" {
				if err != nil {
					t.Fatalf("expected valid grant, got %v", err)
				}
				return
			}
			var authErr *protocol.AuthError
			if !errors.As(err, &authErr) || authErr.Reason != tc.reason {
				t.Fatalf("expected reason %q, got %v", tc.reason, err)
			}
		})
	}
}

func TestSignerRoundTrip(t *testing.T) {
	testlog.Start(t)
	signer, err := NewSigner([]byte("test-secret"))
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	now := time.Unix(1_700_000_000, 0)
	g := fixtureGrant(now)

	token, err := signer.Sign(g)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	parsed, err := signer.Parse(token)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed.UserID != g.UserID || parsed.Channel != g.Channel || parsed.ProjectID != g.ProjectID {
		t.Fatalf("unexpected parsed grant %s", parsed)
	}
	if strings.Join(parsed.Topics, ",") != "chat,presence" {
		t.Fatalf("unexpected topics %v", parsed.Topics)
	}
	if !parsed.IssuedAt.Equal(g.IssuedAt) || !parsed.ExpiresAt.Equal(g.ExpiresAt) {
		t.Fatalf("unexpected times issued=%s expires=%s", parsed.IssuedAt, parsed.ExpiresAt)
	}
	if parsed.Token != token {
		t.Fatalf("expected token to be retained")
	}
}

func TestSignerParseKeepsExpiredGrants(t *testing.T) {
	testlog.Start(t)
	signer, _ := NewSigner([]byte("test-secret"))
	g := fixtureGrant(time.Now().Add(-2 * time.Hour))

	token, err := signer.Sign(g)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	parsed, err := signer.Parse(token)
	if err != nil {
		t.Fatalf("expired grants must still parse: %v", err)
	}
	if !parsed.Expired(time.Now()) {
		t.Fatalf("expected parsed grant to be expired")
	}
}

func TestSignerParseRejectsForeignTokens(t *testing.T) {
	testlog.Start(t)
	signer, _ := NewSigner([]byte("test-secret"))
	other, _ := NewSigner([]byte("other-secret"))
	now := time.Unix(1_700_000_000, 0)
	token, err := other.Sign(fixtureGrant(now))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	for _, input := range []string{"", "not-a-jwt", token} {
		_, err := signer.Parse(input)
		var authErr *protocol.AuthError
		if !errors.As(err, &authErr) || authErr.Reason != protocol.ReasonInvalidGrant {
			t.Fatalf("expected invalid_grant for %q, got %v", input, err)
		}
	}
}

func TestNewSignerRequiresKey(t *testing.T) {
	if _, err := NewSigner(nil); !errors.Is(err, ErrSigningKeyRequired) {
		t.Fatalf("expected ErrSigningKeyRequired, got %v", err)
	}
}
