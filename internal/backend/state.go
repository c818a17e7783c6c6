// ABOUTME: Session lifecycle states and the errors surfaced by session startup.

package backend

import (
	"errors"
	"fmt"
)

// State is a point in the session lifecycle.
type State int

const (
	StateUnstarted State = iota
	StateStarting
	StateAwaitingAuth
	StateConfiguring
	StateReady
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUnstarted:
		return "unstarted"
	case StateStarting:
		return "starting"
	case StateAwaitingAuth:
		return "awaiting_auth"
	case StateConfiguring:
		return "configuring"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	// ErrNotReady is returned by operations that need a Ready session.
	ErrNotReady = errors.New("backend session not ready")

	// ErrSessionClosed is returned once Close has run.
	ErrSessionClosed = errors.New("backend session closed")

	// ErrAuth is matched by every *AuthError.
	ErrAuth = errors.New("backend authentication failed")

	// ErrNoCredential means the credential store had nothing to offer.
	ErrNoCredential = errors.New("no cached credential")

	// ErrCredentialExpired means the cached token is past its expiry.
	ErrCredentialExpired = errors.New("cached credential expired")
)

// AuthError ends startup when the backend never reports a signed-in status.
type AuthError struct {
	Status string
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("backend authentication failed (status %q): %v", e.Status, e.Err)
	}
	return fmt.Sprintf("backend authentication failed (status %q)", e.Status)
}

func (e *AuthError) Is(target error) bool { return target == ErrAuth }

func (e *AuthError) Unwrap() error { return e.Err }

// Routing selects where tool servers run.
type Routing string

const (
	// RoutingAuto follows the backend's mcp feature flag.
	RoutingAuto Routing = "auto"
	// RoutingClient runs tool servers locally and registers compound tools.
	RoutingClient Routing = "client"
	// RoutingServer pushes tool server definitions to the backend.
	RoutingServer Routing = "server"
)
