package protocol

import (
	"errors"
	"fmt"
)

var (
	ErrAuth         = errors.New("protocol: auth")
	ErrNotConnected = errors.New("protocol: not connected")
	ErrBackpressure = errors.New("protocol: backpressure")
	ErrPaused       = errors.New("protocol: paused")
	ErrTransport    = errors.New("protocol: transport")

	ErrInvalidFrame   = errors.New("protocol: invalid frame")
	ErrFrameTooLarge  = errors.New("protocol: frame too large")
	ErrUnknownCodec   = errors.New("protocol: unknown codec")
	ErrInvalidCommand = errors.New("protocol: invalid admin command")
)

// AuthReason distinguishes credential failures on the wire and in errors.
type AuthReason string

const (
	ReasonMissingUserID     AuthReason = "missing_user_id"
	ReasonExpiredGrant      AuthReason = "expired_grant"
	ReasonUnauthorizedTopic AuthReason = "unauthorized_topic"
	ReasonInvalidGrant      AuthReason = "invalid_grant"
)

// MissingUserIDMessage is the construction-time failure text for grants without a user.
const MissingUserIDMessage = "User ID is required to create a session"

// AuthError reports invalid, expired, or missing credential material.
// It is never retried automatically.
type AuthError struct {
	Reason  AuthReason
	Message string
}

func NewAuthError(reason AuthReason, format string, args ...any) *AuthError {
	return &AuthError{Reason: reason, Message: fmt.Sprintf(format, args...)}
}

func (e *AuthError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("auth error: %s", e.Reason)
	}
	return fmt.Sprintf("auth error: %s", e.Message)
}

func (e *AuthError) Is(target error) bool { return target == ErrAuth }

// NotConnectedError is returned for operations attempted outside the connected state.
type NotConnectedError struct {
	State string
}

func (e *NotConnectedError) Error() string {
	return fmt.Sprintf("not connected: client state is %s", e.State)
}

func (e *NotConnectedError) Is(target error) bool { return target == ErrNotConnected }

// BackpressureError is returned when the outbound queue is at capacity.
type BackpressureError struct {
	Capacity int
}

func (e *BackpressureError) Error() string {
	return fmt.Sprintf("backpressure: outbound queue full (capacity=%d)", e.Capacity)
}

func (e *BackpressureError) Is(target error) bool { return target == ErrBackpressure }

// PausedError is returned while an admin pause covers the project channel.
type PausedError struct {
	ProjectID string
	Channel   string
}

func (e *PausedError) Error() string {
	return fmt.Sprintf("paused: project=%q channel=%q", e.ProjectID, e.Channel)
}

func (e *PausedError) Is(target error) bool { return target == ErrPaused }

// TransportError is the terminal error after the reconnect budget is spent.
type TransportError struct {
	Attempts int
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Is(target error) bool { return target == ErrTransport }
