package transport

import (
	"errors"
	"fmt"
)

var (
	// ErrMethodNotFound indicates an inbound call named an unregistered method.
	ErrMethodNotFound = errors.New("method not found")

	// ErrPayloadTooLarge indicates the inbound body exceeded the configured
	// limit. Checked before any parsing.
	ErrPayloadTooLarge = errors.New("payload too large")

	// ErrMalformedRequest indicates the inbound body could not be parsed into
	// a call envelope. Rejected before any handler runs.
	ErrMalformedRequest = errors.New("malformed request")

	// ErrHandlerExists indicates a duplicate method registration.
	ErrHandlerExists = errors.New("handler already registered")

	// ErrNotRunning indicates an operation on a stopped transport.
	ErrNotRunning = errors.New("transport not running")
)

// StartError reports one transport failing to start. TransportManager
// aggregates these rather than failing fast; transports that did start keep
// running.
type StartError struct {
	Transport string
	Err       error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("start %s transport: %v", e.Transport, e.Err)
}

func (e *StartError) Unwrap() error { return e.Err }

// HandlerError wraps a failure raised by a registered handler. It is caught
// per invocation at the transport boundary and converted to a structured
// error response.
type HandlerError struct {
	Method string
	Err    error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler %s: %v", e.Method, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }
