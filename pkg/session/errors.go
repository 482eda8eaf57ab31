package session

import (
	"errors"
	"fmt"
)

// Sentinel errors surfaced by the engine.
var (
	// ErrHandshakeTimeout is returned when no hello acknowledgment arrives
	// before the deadline. The session moves to Failed.
	ErrHandshakeTimeout = errors.New("hello handshake timed out")

	// ErrHandshakeProtocol is returned when the handshake cannot proceed,
	// e.g. the connection dropped while awaiting the hello.
	ErrHandshakeProtocol = errors.New("hello handshake protocol error")

	// ErrNotListening rejects an outbound audio frame while the session is
	// not in the listening state.
	ErrNotListening = errors.New("session is not listening")

	// ErrSessionClosed is returned by operations on a terminal session.
	ErrSessionClosed = errors.New("session is closed")
)

// ConnectError wraps a failure to establish the transport: DNS, TCP, TLS or
// the upgrade handshake. The caller decides whether to retry with a new
// session.
type ConnectError struct {
	Endpoint string
	Err      error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Endpoint, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// MalformedControlError reports a text frame that did not parse as JSON.
// It is delivered to the error handler and never tears down the connection.
type MalformedControlError struct {
	Raw []byte
	Err error
}

func (e *MalformedControlError) Error() string {
	return fmt.Sprintf("malformed control message: %v", e.Err)
}

func (e *MalformedControlError) Unwrap() error { return e.Err }
