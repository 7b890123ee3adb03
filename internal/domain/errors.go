package domain

import (
	"errors"
	"fmt"
)

// Error taxonomy. Every failure surfaced by the client wraps one of these.
var (
	ErrServiceUnreachable = fmt.Errorf("webapi daemon unreachable")
	ErrResponseTimeout    = fmt.Errorf("response timeout")
	ErrRemoteRejected     = fmt.Errorf("rejected by daemon")
	ErrTransportClosed    = fmt.Errorf("transport closed")
)

// Sentinel errors for client-side misuse and state checks.
var (
	ErrNotConnected      = fmt.Errorf("not connected")
	ErrConnectInProgress = fmt.Errorf("connect already in progress")
	ErrNotReady          = fmt.Errorf("handshake not completed")
	ErrHandshakeFailed   = fmt.Errorf("handshake failed")
	ErrSessionInvalid    = fmt.Errorf("session is no longer valid")
	ErrInvalidInput      = fmt.Errorf("invalid input")
	ErrInvalidFrame      = fmt.Errorf("invalid frame")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op     string // operation name (e.g., "Transport.Send")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// RemoteError is the (message, code) pair delivered to every failure handler.
// Code is zero when the failure did not originate from the daemon (timeouts,
// closed transports).
type RemoteError struct {
	Message string
	Code    ErrorCode
	Err     error // taxonomy sentinel
}

func (e *RemoteError) Error() string {
	if e.Code != CodeOK {
		return fmt.Sprintf("%s (%s, code %d)", e.Message, e.Code, int(e.Code))
	}
	return e.Message
}

func (e *RemoteError) Unwrap() error { return e.Err }

// NewRemoteError builds a RemoteError for a daemon-side rejection.
func NewRemoteError(message string, code ErrorCode) *RemoteError {
	return &RemoteError{Message: message, Code: code, Err: ErrRemoteRejected}
}

// AsRemoteError converts any error into the (message, code) shape. Errors that
// are already RemoteErrors are returned as-is.
func AsRemoteError(err error) *RemoteError {
	if err == nil {
		return nil
	}
	var re *RemoteError
	if errors.As(err, &re) {
		return re
	}
	switch {
	case errors.Is(err, ErrResponseTimeout):
		return &RemoteError{Message: "Response timeout", Err: err}
	case errors.Is(err, ErrTransportClosed):
		return &RemoteError{Message: "Connection closed", Err: err}
	default:
		return &RemoteError{Message: err.Error(), Err: err}
	}
}

// CodeOf returns the daemon error code carried by err, or CodeOK.
func CodeOf(err error) ErrorCode {
	var re *RemoteError
	if errors.As(err, &re) {
		return re.Code
	}
	return CodeOK
}
