// Package auth guards the operator surfaces of an edge node.
//
// It intentionally avoids policy decisions and storage concerns. Grant
// validation for client sessions lives in the grant package.
package auth

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/danmuck/edgepub/internal/hashing"
)

var ErrUnauthorized = errors.New("auth: unauthorized")

// Validator validates an operator token.
type Validator interface {
	Validate(token string) error
}

// StaticToken is a validator for a single shared token.
// An empty Token denies everything.
type StaticToken struct {
	Token string
}

func (s StaticToken) Validate(token string) error {
	if s.Token == "" {
		return ErrUnauthorized
	}
	if subtle.ConstantTimeCompare([]byte(s.Token), []byte(token)) != 1 {
		return ErrUnauthorized
	}
	return nil
}

// DigestToken compares fingerprints so the plain token never has to be
// kept in config. Digest is Hasher.Sum of the expected token.
type DigestToken struct {
	Hasher hashing.Hasher
	Digest string
}

func (d DigestToken) Validate(token string) error {
	if d.Hasher == nil || d.Digest == "" || token == "" {
		return ErrUnauthorized
	}
	got := d.Hasher.Sum([]byte(token))
	if subtle.ConstantTimeCompare([]byte(d.Digest), []byte(got)) != 1 {
		return ErrUnauthorized
	}
	return nil
}

// FuncValidator adapts a function into a Validator.
type FuncValidator func(token string) error

func (f FuncValidator) Validate(token string) error {
	return f(token)
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) string {
	const prefix = "bearer "
	header = strings.TrimSpace(header)
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

// AdminTokenHeader is the fallback header for admin tokens.
const AdminTokenHeader = "X-Edgepub-Admin-Token"

// RequestToken reads the bearer token, falling back to AdminTokenHeader.
func RequestToken(r *http.Request) string {
	if token := BearerToken(r.Header.Get("Authorization")); token != "" {
		return token
	}
	return strings.TrimSpace(r.Header.Get(AdminTokenHeader))
}
