// ABOUTME: Tool-server protocol methods shared by both transports.
// ABOUTME: Handshake, paginated tools/list and tools/call result rendering.

package toolserver

import (
	"context"
	"fmt"
	"strings"

	"github.com/2389/coven-relay/internal/jsonx"
)

// ProtocolVersion is sent in the initialize handshake.
const ProtocolVersion = "2024-11-05"

// maxToolPages bounds tools/list pagination.
const maxToolPages = 64

// ClientName and ClientVersion identify this client to tool servers.
var (
	ClientName    = "coven-relay"
	ClientVersion = "dev"
)

// caller is the request surface both transports provide.
type caller interface {
	Call(ctx context.Context, method string, params, result any) error
	Notify(ctx context.Context, method string, params any) error
}

type clientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type initializeParams struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ClientInfo      clientInfo     `json:"clientInfo"`
}

// InitializeResult is the server's half of the handshake.
type InitializeResult struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ServerInfo      struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"serverInfo"`
}

func handshake(ctx context.Context, c caller) (*InitializeResult, error) {
	var res InitializeResult
	err := c.Call(ctx, "initialize", initializeParams{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    map[string]any{},
		ClientInfo:      clientInfo{Name: ClientName, Version: ClientVersion},
	}, &res)
	if err != nil {
		return nil, fmt.Errorf("initialize: %w", err)
	}
	if err := c.Notify(ctx, "notifications/initialized", nil); err != nil {
		return nil, fmt.Errorf("initialized notification: %w", err)
	}
	return &res, nil
}

type listToolsParams struct {
	Cursor string `json:"cursor,omitempty"`
}

type listToolsResult struct {
	Tools      []Tool `json:"tools"`
	NextCursor string `json:"nextCursor,omitempty"`
}

func listAllTools(ctx context.Context, c caller) ([]Tool, error) {
	var tools []Tool
	cursor := ""
	for page := 0; page < maxToolPages; page++ {
		var params any
		if cursor != "" {
			params = listToolsParams{Cursor: cursor}
		}
		var res listToolsResult
		if err := c.Call(ctx, "tools/list", params, &res); err != nil {
			return nil, fmt.Errorf("tools/list: %w", err)
		}
		tools = append(tools, res.Tools...)
		if res.NextCursor == "" || res.NextCursor == cursor {
			break
		}
		cursor = res.NextCursor
	}
	return tools, nil
}

type callToolParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

type contentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

type callToolResult struct {
	Content []contentPart `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}

func callTool(ctx context.Context, c caller, name string, args map[string]any) (string, error) {
	if args == nil {
		args = map[string]any{}
	}
	var raw jsonx.RawMessage
	if err := c.Call(ctx, "tools/call", callToolParams{Name: name, Arguments: args}, &raw); err != nil {
		return "", fmt.Errorf("tools/call %s: %w", name, err)
	}
	var res callToolResult
	if err := jsonx.Unmarshal(raw, &res); err != nil {
		// Not the usual envelope; hand back the raw result.
		return string(raw), nil
	}
	return renderResult(res), nil
}

func renderResult(res callToolResult) string {
	parts := make([]string, 0, len(res.Content))
	for _, p := range res.Content {
		if p.Type == "text" {
			parts = append(parts, p.Text)
			continue
		}
		parts = append(parts, fmt.Sprintf("[%s content]", p.Type))
	}
	text := strings.Join(parts, "\n")
	if res.IsError {
		return "Error: " + text
	}
	return text
}
