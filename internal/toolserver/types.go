// ABOUTME: Configuration, tool descriptors and the Conn contract shared by both transports.
// ABOUTME: Also defines StartError, the startup failure reported with the resolved command line.

package toolserver

import (
	"context"
	"errors"
	"fmt"

	"github.com/2389/coven-relay/internal/jsonrpc"
	"github.com/2389/coven-relay/internal/jsonx"
)

// Kind selects the transport for a server.
type Kind string

const (
	KindStdio Kind = "stdio"
	KindSSE   Kind = "sse"
)

// Sentinel errors.
var (
	ErrNotStarted    = errors.New("tool server not started")
	ErrUnknownServer = errors.New("unknown tool server")
	ErrInvalidConfig = errors.New("invalid tool server config")
)

// ServerConfig describes one tool server.
type ServerConfig struct {
	Name     string            `yaml:"name" toml:"name" json:"name"`
	Type     Kind              `yaml:"type" toml:"type" json:"type"`
	Command  string            `yaml:"command" toml:"command" json:"command,omitempty"`
	Args     []string          `yaml:"args" toml:"args" json:"args,omitempty"`
	Env      map[string]string `yaml:"env" toml:"env" json:"env,omitempty"`
	Cwd      string            `yaml:"cwd" toml:"cwd" json:"cwd,omitempty"`
	URL      string            `yaml:"url" toml:"url" json:"url,omitempty"`
	Headers  map[string]string `yaml:"headers" toml:"headers" json:"headers,omitempty"`
	Disabled bool              `yaml:"disabled" toml:"disabled" json:"disabled,omitempty"`

	// IgnorePostStatus makes an SSE server's POST responses fully ignored.
	// By default a non-2xx POST fails the call instead of waiting for a
	// reply that will not come.
	IgnorePostStatus bool `yaml:"ignore_post_status" toml:"ignore_post_status" json:"ignorePostStatus,omitempty"`
}

// EffectiveKind infers the transport when Type is empty.
func (c ServerConfig) EffectiveKind() Kind {
	if c.Type != "" {
		return c.Type
	}
	if c.URL != "" && c.Command == "" {
		return KindSSE
	}
	return KindStdio
}

// Validate checks that the config names a usable transport.
func (c ServerConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidConfig)
	}
	switch c.EffectiveKind() {
	case KindStdio:
		if c.Command == "" {
			return fmt.Errorf("%w: %s: command is required for stdio servers", ErrInvalidConfig, c.Name)
		}
	case KindSSE:
		if c.URL == "" {
			return fmt.Errorf("%w: %s: url is required for sse servers", ErrInvalidConfig, c.Name)
		}
	default:
		return fmt.Errorf("%w: %s: unknown type %q", ErrInvalidConfig, c.Name, c.Type)
	}
	return nil
}

// fingerprint identifies a config for change detection.
func (c ServerConfig) fingerprint() string {
	b, err := jsonx.Marshal(c)
	if err != nil {
		return c.Name
	}
	return string(b)
}

// Tool is one tool advertised by a server.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"inputSchema,omitempty"`
}

// Conn is the uniform lifecycle of a tool server connection.
type Conn interface {
	Name() string
	Kind() Kind
	Start(ctx context.Context) error
	Initialize(ctx context.Context) error
	ListTools(ctx context.Context) ([]Tool, error)
	CallTool(ctx context.Context, name string, args map[string]any) (string, error)
	Stop() error
}

// StartError reports a server that could not be started. It matches
// jsonrpc.ErrTransport.
type StartError struct {
	Server      string
	CommandLine string
	Stderr      string
	Err         error
}

func (e *StartError) Error() string {
	msg := fmt.Sprintf("starting tool server %s", e.Server)
	if e.CommandLine != "" {
		msg += fmt.Sprintf(" (%s)", e.CommandLine)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Stderr != "" {
		msg += "\nstderr: " + e.Stderr
	}
	return msg
}

func (e *StartError) Unwrap() []error {
	return []error{jsonrpc.ErrTransport, e.Err}
}
