package panel

import (
	"errors"
	"fmt"
)

// Base error types
var (
	ErrClientNotFound       = errors.New("client not found")
	ErrInboundNotFound      = errors.New("inbound not found")
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrConnection           = errors.New("connection error")
	ErrPanelNotFound        = errors.New("panel not found")
)

// ErrorKind represents the category of a gateway failure
type ErrorKind string

const (
	KindClientNotFound  ErrorKind = "client_not_found"
	KindInboundNotFound ErrorKind = "inbound_not_found"
	KindAuth            ErrorKind = "auth"
	KindConnection      ErrorKind = "connection"
	KindAPI             ErrorKind = "api"
)

// GatewayError is a structured error for panel operations
type GatewayError struct {
	Kind       ErrorKind
	Op         string // e.g. "add_client", "disable_client"
	Panel      string // panel name or base URL
	Err        error
	StatusCode int
}

func (e *GatewayError) Error() string {
	if e.Panel != "" {
		return fmt.Sprintf("%s failed on %s: %v", e.Op, e.Panel, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is interface
func (e *GatewayError) Is(target error) bool {
	switch target {
	case ErrClientNotFound:
		return e.Kind == KindClientNotFound
	case ErrInboundNotFound:
		return e.Kind == KindInboundNotFound
	case ErrAuthenticationFailed:
		return e.Kind == KindAuth
	case ErrConnection:
		return e.Kind == KindConnection
	}
	return false
}

func newError(kind ErrorKind, op, panel string, err error) *GatewayError {
	return &GatewayError{Kind: kind, Op: op, Panel: panel, Err: err}
}

// IsPermanent reports whether the panel said the client or inbound does not exist.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrClientNotFound) || errors.Is(err, ErrInboundNotFound)
}

// IsTransient reports network, authentication and server-side failures that may succeed on retry.
func IsTransient(err error) bool {
	if errors.Is(err, ErrConnection) || errors.Is(err, ErrAuthenticationFailed) {
		return true
	}
	var gwErr *GatewayError
	if errors.As(err, &gwErr) {
		return gwErr.Kind == KindAPI && (gwErr.StatusCode >= 500 || gwErr.StatusCode == 429)
	}
	return false
}

// Kind returns the error kind for logging and metrics labels.
func Kind(err error) ErrorKind {
	var gwErr *GatewayError
	if errors.As(err, &gwErr) {
		return gwErr.Kind
	}
	switch {
	case errors.Is(err, ErrClientNotFound):
		return KindClientNotFound
	case errors.Is(err, ErrInboundNotFound):
		return KindInboundNotFound
	case errors.Is(err, ErrAuthenticationFailed):
		return KindAuth
	case errors.Is(err, ErrConnection):
		return KindConnection
	}
	return KindAPI
}
