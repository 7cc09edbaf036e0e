package grant

import (
	"errors"
	"strings"
	"time"

	"github.com/danmuck/edgepub/internal/protocol"
	"github.com/golang-jwt/jwt/v5"
)

var ErrSigningKeyRequired = errors.New("grant: signing key required")

// Claims is the JWT body carried by a grant token.
type Claims struct {
	Channel   string   `json:"channel"`
	Topics    []string `json:"topics"`
	ProjectID string   `json:"project_id,omitempty"`
	jwt.RegisteredClaims
}

// Signer issues and verifies HS256 grant tokens.
type Signer struct {
	key []byte
}

func NewSigner(key []byte) (*Signer, error) {
	if len(key) == 0 {
		return nil, ErrSigningKeyRequired
	}
	return &Signer{key: append([]byte(nil), key...)}, nil
}

// Sign validates g and returns its compact JWT form.
func (s *Signer) Sign(g Grant) (string, error) {
	if err := g.Validate(); err != nil {
		return "", err
	}
	claims := Claims{
		Channel:   g.Channel,
		Topics:    append([]string(nil), g.Topics...),
		ProjectID: g.ProjectID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   g.UserID,
			IssuedAt:  jwt.NewNumericDate(g.IssuedAt),
			ExpiresAt: jwt.NewNumericDate(g.ExpiresAt),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
}

// Parse verifies signature and algorithm. Time claims are left to the
// caller so an expired grant surfaces as expired_grant, not invalid_grant.
func (s *Signer) Parse(token string) (Grant, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Grant{}, protocol.NewAuthError(protocol.ReasonInvalidGrant, "grant token is empty")
	}
	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return s.key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithoutClaimsValidation())
	if err != nil {
		return Grant{}, protocol.NewAuthError(protocol.ReasonInvalidGrant, "grant token rejected: %v", err)
	}
	g := Grant{
		UserID:    claims.Subject,
		Channel:   claims.Channel,
		Topics:    claims.Topics,
		ProjectID: claims.ProjectID,
		Token:     token,
	}
	if claims.IssuedAt != nil {
		g.IssuedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		g.ExpiresAt = claims.ExpiresAt.Time
	}
	return g, nil
}

// Issue builds and signs a grant valid for ttl from now.
func (s *Signer) Issue(userID, projectID, channel string, topics []string, now time.Time, ttl time.Duration) (Grant, error) {
	g := Grant{
		UserID:    userID,
		ProjectID: projectID,
		Channel:   channel,
		Topics:    append([]string(nil), topics...),
		IssuedAt:  now.Truncate(time.Second),
		ExpiresAt: now.Add(ttl).Truncate(time.Second),
	}
	token, err := s.Sign(g)
	if err != nil {
		return Grant{}, err
	}
	g.Token = token
	return g, nil
}
