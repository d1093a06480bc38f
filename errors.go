package taskrelay

import (
	"errors"
	"fmt"
)

// Sentinel errors for common conditions.
var (
	ErrClosed             = errors.New("taskrelay: connection closed")
	ErrNotConnected       = errors.New("taskrelay: not connected")
	ErrServiceUnavailable = errors.New("taskrelay: websocket client is not connected")
	ErrQueueOverflow      = errors.New("taskrelay: consumer queue full")
	ErrDuplicateConsumer  = errors.New("taskrelay: consumer already registered")
	ErrInvalidInstruction = errors.New("taskrelay: instruction must be 1-10000 characters")
	ErrMissingToken       = errors.New("taskrelay: api token not configured")
	ErrAlreadyInitialized = errors.New("taskrelay: already initialized")
	ErrShutdown           = errors.New("taskrelay: relay is shut down")
)

// DialError is returned when the service cannot be reached or rejects the
// handshake.
type DialError struct {
	URL string
	Err error
}

func (e *DialError) Error() string {
	if e.URL != "" {
		return fmt.Sprintf("taskrelay: dial %s: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("taskrelay: dial: %v", e.Err)
}

func (e *DialError) Unwrap() error {
	return e.Err
}

// SendError is returned when a write fails on a connection believed open.
type SendError struct {
	Op  string
	Err error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("taskrelay: send %s: %v", e.Op, e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// ReceiveError wraps a failed read on the transport.
type ReceiveError struct {
	Err error
}

func (e *ReceiveError) Error() string {
	return fmt.Sprintf("taskrelay: receive: %v", e.Err)
}

func (e *ReceiveError) Unwrap() error {
	return e.Err
}

// DecodeError describes an inbound payload that was not valid JSON. It is
// attached to the decoded message for logging and never returned to callers.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("taskrelay: decode: %v", e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// CallbackError reports a panic recovered from a response callback.
type CallbackError struct {
	Value any
}

func (e *CallbackError) Error() string {
	return fmt.Sprintf("taskrelay: response callback panicked: %v", e.Value)
}
