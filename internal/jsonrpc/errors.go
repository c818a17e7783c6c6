// ABOUTME: Error taxonomy for JSON-RPC transports: transport, protocol, timeout, remote.
// ABOUTME: Each type unwraps to a sentinel so callers can use errors.Is.

package jsonrpc

import (
	"errors"
	"fmt"
)

// Sentinel errors. Use errors.Is to check.
var (
	ErrTransport = errors.New("transport error")
	ErrProtocol  = errors.New("protocol error")
	ErrTimeout   = errors.New("request timed out")
	ErrRemote    = errors.New("remote error")
	ErrClosed    = errors.New("connection closed")
)

// TransportError reports a dead or unusable byte stream. It is fatal to the
// owning connection only.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("transport %s failed", e.Op)
	}
	return fmt.Sprintf("transport %s failed: %v", e.Op, e.Err)
}

func (e *TransportError) Is(target error) bool { return target == ErrTransport }

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError reports a malformed frame or message. The offending message
// is dropped and the connection continues.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err == nil {
		return "protocol error: " + e.Reason
	}
	return fmt.Sprintf("protocol error: %s: %v", e.Reason, e.Err)
}

func (e *ProtocolError) Is(target error) bool { return target == ErrProtocol }

func (e *ProtocolError) Unwrap() error { return e.Err }

// TimeoutError resolves one pending request as failed.
type TimeoutError struct {
	Method string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("request %q timed out", e.Method)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// RemoteError carries the error member of a response.
type RemoteError struct {
	Method  string
	Code    int
	Message string
	Data    []byte
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: remote error %d: %s", e.Method, e.Code, e.Message)
}

func (e *RemoteError) Is(target error) bool { return target == ErrRemote }

// NewError builds a WireError a request handler can return to its peer.
func NewError(code int, message string) *WireError {
	return &WireError{Code: code, Message: message}
}

func (e *WireError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}
