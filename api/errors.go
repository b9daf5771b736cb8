package api

import (
	"errors"
	"fmt"
)

// AuthReason narrows an AuthError to the failure the server reported.
type AuthReason int

const (
	ReasonInvalidCredentials AuthReason = iota
	ReasonUserExists
	ReasonNetwork
)

func (r AuthReason) String() string {
	switch r {
	case ReasonInvalidCredentials:
		return "invalid credentials"
	case ReasonUserExists:
		return "user already exists"
	case ReasonNetwork:
		return "network error"
	default:
		return "unknown"
	}
}

// TransportError wraps a network-level failure (timeout, DNS, connection
// reset). Transport errors are the only retryable class.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// AuthError is terminal for the attempted login or signup.
type AuthError struct {
	Reason AuthReason
	Detail string
}

func (e *AuthError) Error() string {
	if e.Detail != "" {
		return "auth error: " + e.Detail
	}
	return "auth error: " + e.Reason.String()
}

// SessionInvalidError means the account is banned or the token was
// rejected. It is always terminal for the session.
type SessionInvalidError struct {
	Username string
	Detail   string
}

func (e *SessionInvalidError) Error() string {
	if e.Detail != "" {
		return "session invalid: " + e.Detail
	}
	return "session invalid for " + e.Username
}

// ValidationError means the request was malformed. Never retried.
type ValidationError struct {
	Detail string
}

func (e *ValidationError) Error() string { return "validation error: " + e.Detail }

// NotFoundError means the referenced message or user does not exist.
type NotFoundError struct {
	Kind string // "message", "user", "file"
	Key  string
}

func (e *NotFoundError) Error() string { return e.Kind + " not found: " + e.Key }

// IsTransport reports whether err is a retryable transport failure.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// IsSessionInvalid reports whether err terminates the session.
func IsSessionInvalid(err error) bool {
	var se *SessionInvalidError
	return errors.As(err, &se)
}

func IsAuth(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

func IsNotFound(err error) bool {
	var ne *NotFoundError
	return errors.As(err, &ne)
}

func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
