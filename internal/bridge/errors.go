package bridge

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrTransportClosed is returned when writing to a process that has exited
	// or a transport that was closed.
	ErrTransportClosed = errors.New("transport closed")

	// ErrTimeout is returned when no response or line arrives within the bound.
	ErrTimeout = errors.New("timeout")

	// ErrNotReady is returned when a tool is invoked before the session is ready.
	ErrNotReady = errors.New("session not ready")

	// ErrAlreadyInitialized is returned from a second Initialize call.
	ErrAlreadyInitialized = errors.New("session already initialized")
)

// TransportError reports a failure of the underlying byte stream. It is fatal
// to the session that observes it.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// HandshakeError reports a failed initialization step.
type HandshakeError struct {
	Step string
	Err  error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("handshake failed at %s: %v", e.Step, e.Err)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// TimeoutError reports a request that received no response in time.
// errors.Is(err, ErrTimeout) holds for every TimeoutError.
type TimeoutError struct {
	Method string
	After  time.Duration
}

func (e *TimeoutError) Error() string {
	if e.Method == "" {
		return fmt.Sprintf("timeout after %s", e.After)
	}
	return fmt.Sprintf("%s: timeout after %s", e.Method, e.After)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// IsFatal reports whether err leaves the session unusable.
func IsFatal(err error) bool {
	var te *TransportError
	var he *HandshakeError
	return errors.As(err, &te) || errors.As(err, &he)
}
