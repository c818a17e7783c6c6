// ABOUTME: Configuring phase and tool plumbing: proxy push, routing, tool servers, registration.
// ABOUTME: Dispatch runs a backend tool call against local tools or compound tool-server tools.

package backend

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cast"

	"github.com/2389/coven-relay/internal/jsonx"
	"github.com/2389/coven-relay/internal/packs"
	"github.com/2389/coven-relay/internal/toolserver"
)

func (s *Session) configure(ctx context.Context) error {
	if s.cfg.Proxy != "" {
		change := configChange{Settings: map[string]any{"http": s.proxySettings()}}
		if err := s.conn.Notify(ctx, MethodDidChangeConfig, change); err != nil {
			return fmt.Errorf("push proxy settings: %w", err)
		}
	}

	s.waitFlags(ctx)
	serverSide := s.decideRouting()
	s.mu.Lock()
	s.serverSide = serverSide
	s.mu.Unlock()

	s.toolMu.Lock()
	defer s.toolMu.Unlock()
	if serverSide {
		if err := s.pushServers(ctx); err != nil {
			return err
		}
	} else {
		s.startServers(ctx)
	}
	return s.registerTools(ctx)
}

func (s *Session) proxySettings() map[string]any {
	return map[string]any{
		"proxy":          s.cfg.Proxy,
		"proxyStrictSSL": s.cfg.ProxyStrictSSL,
	}
}

// waitFlags gives the backend a short window to announce feature flags.
func (s *Session) waitFlags(ctx context.Context) {
	timer := time.NewTimer(s.cfg.FeatureFlagWait)
	defer timer.Stop()
	select {
	case <-s.flagsReady:
	case <-timer.C:
		s.logger.Debug("no feature flags within wait window", "wait", s.cfg.FeatureFlagWait)
	case <-ctx.Done():
	}
}

func (s *Session) decideRouting() bool {
	switch s.cfg.Routing {
	case RoutingServer:
		return true
	case RoutingClient:
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cast.ToBool(s.flags["mcp"])
}

func (s *Session) enabledServers() []toolserver.ServerConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]toolserver.ServerConfig, 0, len(s.toolServers))
	for _, cfg := range s.toolServers {
		if !cfg.Disabled {
			out = append(out, cfg)
		}
	}
	return out
}

// startServers never fails the session: a server that cannot start is
// logged and left out.
func (s *Session) startServers(ctx context.Context) {
	cfgs := s.enabledServers()
	if len(cfgs) == 0 {
		return
	}
	if err := s.servers.StartAll(ctx, cfgs); err != nil {
		s.logger.Warn("some tool servers failed to start", "error", err)
	}
	s.agg.Rebuild(s.servers.Handles())
}

// pushServers hands tool server definitions to the backend as settings.
func (s *Session) pushServers(ctx context.Context) error {
	cfgs := s.enabledServers()
	defs := make(map[string]any, len(cfgs))
	for _, cfg := range cfgs {
		defs[cfg.Name] = serverSetting(cfg)
	}
	body, err := jsonx.Marshal(map[string]any{"servers": defs})
	if err != nil {
		return fmt.Errorf("encode tool servers: %w", err)
	}
	change := configChange{Settings: map[string]any{
		"github": map[string]any{"copilot": map[string]any{"mcp": string(body)}},
	}}
	if err := s.conn.Notify(ctx, MethodDidChangeConfig, change); err != nil {
		return fmt.Errorf("push tool servers: %w", err)
	}
	s.logger.Info("tool servers pushed to backend", "count", len(cfgs))
	return nil
}

func serverSetting(cfg toolserver.ServerConfig) map[string]any {
	if cfg.EffectiveKind() == toolserver.KindSSE {
		out := map[string]any{"type": "sse", "url": cfg.URL}
		if len(cfg.Headers) > 0 {
			out["headers"] = cfg.Headers
		}
		return out
	}
	out := map[string]any{"command": cfg.Command, "args": cfg.Args}
	if len(cfg.Env) > 0 {
		out["env"] = cfg.Env
	}
	if cfg.Cwd != "" {
		out["cwd"] = cfg.Cwd
	}
	return out
}

func (s *Session) keep(name string) bool {
	return s.allowed == nil || s.allowed[name]
}

// Allowed reports whether this session exposes a tool by name. A compound
// tool is exposed when the allow-list names it or the server it fronts.
func (s *Session) Allowed(name string) bool {
	if s.keep(name) {
		return true
	}
	server, ok := s.ToolServer(name)
	return ok && s.keep(server)
}

// ToolServer returns the tool server behind a compound tool name, matching
// both the sanitized and the original compound name.
func (s *Session) ToolServer(name string) (string, bool) {
	e, ok := s.agg.Lookup(name)
	if !ok {
		return "", false
	}
	return e.Server, true
}

// toolDefinitions collects local tools and compound tool-server tools
// permitted by the allow-list.
func (s *Session) toolDefinitions() []ToolDefinition {
	var defs []ToolDefinition
	for _, d := range s.registry.Definitions(s.keep) {
		defs = append(defs, ToolDefinition{Name: d.Name, Description: d.Description, InputSchema: d.InputSchema})
	}
	if s.ServerSideTools() {
		return defs
	}
	for _, e := range s.agg.Entries() {
		if !s.keep(e.Name) && !s.keep(e.Server) {
			continue
		}
		if _, local := s.registry.Get(e.Name); local {
			s.logger.Warn("compound tool shadowed by local tool", "tool_name", e.Name, "server", e.Server)
			continue
		}
		defs = append(defs, ToolDefinition{Name: e.Name, Description: e.Description, InputSchema: e.Schema})
	}
	return defs
}

// registerTools sends the tool list. Callers hold toolMu.
func (s *Session) registerTools(ctx context.Context) error {
	defs := s.toolDefinitions()
	if err := s.conn.Call(ctx, MethodRegisterTools, registerToolsParams{Tools: defs}, nil); err != nil {
		return fmt.Errorf("register tools: %w", err)
	}
	names := make([]string, len(defs))
	for i, d := range defs {
		names[i] = d.Name
	}
	s.mu.Lock()
	s.registered = names
	s.mu.Unlock()
	s.logger.Info("tools registered", "count", len(defs))
	return nil
}

// RegisterTools re-sends the current tool list.
func (s *Session) RegisterTools(ctx context.Context) error {
	if _, err := s.ready(); err != nil {
		return err
	}
	s.toolMu.Lock()
	defer s.toolMu.Unlock()
	return s.registerTools(ctx)
}

// ReregisterTools applies a new tool server set and pushes the resulting
// tool list without repeating the handshake.
func (s *Session) ReregisterTools(ctx context.Context, servers []toolserver.ServerConfig) error {
	if _, err := s.ready(); err != nil {
		return err
	}
	s.toolMu.Lock()
	defer s.toolMu.Unlock()

	s.mu.Lock()
	s.toolServers = servers
	serverSide := s.serverSide
	s.mu.Unlock()

	if serverSide {
		if err := s.pushServers(ctx); err != nil {
			return err
		}
	} else {
		changed, err := s.servers.Reconcile(ctx, s.enabledServers())
		if err != nil {
			s.logger.Warn("some tool servers failed to start", "error", err)
		}
		if changed {
			s.agg.Rebuild(s.servers.Handles())
		}
	}
	return s.registerTools(ctx)
}

// Dispatch runs a tool call locally. Local tools win over compound tools of
// the same name. The result is already in the envelope the backend expects.
func (s *Session) Dispatch(ctx context.Context, call ToolCall) any {
	if !s.router.HasTool(call.Name) {
		if _, ok := s.agg.Lookup(call.Name); ok {
			text := s.agg.Call(ctx, call.Name, call.Input)
			status := packs.ResultSuccess
			if strings.HasPrefix(text, "Error:") {
				status = packs.ResultError
			}
			return packs.Envelope(text, status, nil)
		}
	}
	return s.router.Invoke(ctx, packs.Call{
		Name:           call.Name,
		Args:           call.Input,
		ConversationID: call.ConversationID,
		TurnID:         call.TurnID,
		RoundID:        call.RoundID,
		ToolCallID:     call.ToolCallID,
		WorkspaceRoot:  call.WorkspaceRoot,
	})
}

// Reject builds the error result for a call that must not run, shaped for
// the tool's class.
func Reject(name, message string) any {
	if packs.IsNativeName(name) {
		return packs.Text("Error: " + message)
	}
	return packs.Envelope("Error: "+message, packs.ResultError, &packs.EnvelopeError{Message: message})
}
