// ABOUTME: Manager owns every tool server handle: start, reconcile, stop and call.
// ABOUTME: One failing server never blocks the others and call failures come back as text.

package toolserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/2389/coven-relay/internal/procenv"
)

// Handle is a started server and the tools it advertised.
type Handle struct {
	Config ServerConfig
	Conn   Conn
	Tools  []Tool

	fingerprint string
}

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	Logger         *slog.Logger
	Env            *procenv.Builder
	HTTPClient     *http.Client
	GraceWindow    time.Duration
	EndpointWait   time.Duration
	RequestTimeout time.Duration

	// Dial overrides connection construction. Used by tests.
	Dial func(cfg ServerConfig) (Conn, error)
}

// Manager starts and tracks tool servers.
type Manager struct {
	cfg    ManagerConfig
	logger *slog.Logger

	mu      sync.RWMutex
	handles map[string]*Handle
}

// NewManager creates a manager with no servers.
func NewManager(cfg ManagerConfig) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:     cfg,
		logger:  logger.With("component", "toolserver"),
		handles: make(map[string]*Handle),
	}
}

func (m *Manager) dial(cfg ServerConfig) (Conn, error) {
	if m.cfg.Dial != nil {
		return m.cfg.Dial(cfg)
	}
	switch cfg.EffectiveKind() {
	case KindStdio:
		return NewStdioConn(cfg, StdioOptions{
			Env:         m.cfg.Env,
			Logger:      m.logger,
			GraceWindow: m.cfg.GraceWindow,
			Timeout:     m.cfg.RequestTimeout,
		}), nil
	case KindSSE:
		return NewSSEConn(cfg, SSEOptions{
			HTTPClient:   m.cfg.HTTPClient,
			Logger:       m.logger,
			EndpointWait: m.cfg.EndpointWait,
			Timeout:      m.cfg.RequestTimeout,
		}), nil
	default:
		return nil, fmt.Errorf("%w: %s: unknown type %q", ErrInvalidConfig, cfg.Name, cfg.Type)
	}
}

// StartServer starts one server, performs the handshake and lists its tools.
// An existing server with the same name is stopped first.
func (m *Manager) StartServer(ctx context.Context, cfg ServerConfig) (*Handle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	conn, err := m.dial(cfg)
	if err != nil {
		return nil, err
	}
	if err := conn.Start(ctx); err != nil {
		return nil, err
	}
	if err := conn.Initialize(ctx); err != nil {
		_ = conn.Stop()
		return nil, fmt.Errorf("tool server %s: %w", cfg.Name, err)
	}
	tools, err := conn.ListTools(ctx)
	if err != nil {
		_ = conn.Stop()
		return nil, fmt.Errorf("tool server %s: %w", cfg.Name, err)
	}

	h := &Handle{Config: cfg, Conn: conn, Tools: tools, fingerprint: cfg.fingerprint()}

	m.mu.Lock()
	old := m.handles[cfg.Name]
	m.handles[cfg.Name] = h
	m.mu.Unlock()

	if old != nil {
		if err := old.Conn.Stop(); err != nil {
			m.logger.Warn("failed to stop replaced tool server", "server", cfg.Name, "error", err)
		}
	}
	m.logger.Info("tool server ready", "server", cfg.Name, "tools", len(tools))
	return h, nil
}

// StartAll starts every enabled server concurrently. Failures are logged and
// joined into the returned error; successful servers stay running.
func (m *Manager) StartAll(ctx context.Context, cfgs []ServerConfig) error {
	var wg sync.WaitGroup
	errs := make([]error, len(cfgs))
	for i, cfg := range cfgs {
		if cfg.Disabled {
			continue
		}
		wg.Add(1)
		go func(i int, cfg ServerConfig) {
			defer wg.Done()
			if _, err := m.StartServer(ctx, cfg); err != nil {
				m.logger.Error("tool server failed to start", "server", cfg.Name, "error", err)
				errs[i] = err
			}
		}(i, cfg)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// Reconcile brings the running set in line with cfgs: removed or disabled
// servers are stopped, new or changed ones started. It reports whether the
// set of handles changed.
func (m *Manager) Reconcile(ctx context.Context, cfgs []ServerConfig) (bool, error) {
	want := make(map[string]ServerConfig, len(cfgs))
	for _, c := range cfgs {
		if !c.Disabled {
			want[c.Name] = c
		}
	}

	m.mu.RLock()
	var stale []string
	var start []ServerConfig
	for name, h := range m.handles {
		c, ok := want[name]
		if !ok {
			stale = append(stale, name)
		} else if c.fingerprint() != h.fingerprint {
			start = append(start, c)
		}
	}
	for name, c := range want {
		if _, ok := m.handles[name]; !ok {
			start = append(start, c)
		}
	}
	m.mu.RUnlock()

	for _, name := range stale {
		if err := m.Stop(name); err != nil {
			m.logger.Warn("failed to stop tool server", "server", name, "error", err)
		}
	}
	err := m.StartAll(ctx, start)
	return len(stale) > 0 || len(start) > 0, err
}

// Stop stops and forgets one server.
func (m *Manager) Stop(name string) error {
	m.mu.Lock()
	h, ok := m.handles[name]
	delete(m.handles, name)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownServer, name)
	}
	return h.Conn.Stop()
}

// StopAll stops every server.
func (m *Manager) StopAll() error {
	m.mu.Lock()
	handles := m.handles
	m.handles = make(map[string]*Handle)
	m.mu.Unlock()

	var errs []error
	for name, h := range handles {
		if err := h.Conn.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// Handles returns the running servers sorted by name.
func (m *Manager) Handles() []*Handle {
	m.mu.RLock()
	out := make([]*Handle, 0, len(m.handles))
	for _, h := range m.handles {
		out = append(out, h)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Config.Name < out[j].Config.Name })
	return out
}

// Handle returns one running server.
func (m *Manager) Handle(name string) (*Handle, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.handles[name]
	return h, ok
}

// Call invokes a tool on a server. Every failure is rendered as text.
func (m *Manager) Call(ctx context.Context, server, tool string, args map[string]any) string {
	h, ok := m.Handle(server)
	if !ok {
		return fmt.Sprintf("Error: tool server %q is not running", server)
	}
	out, err := h.Conn.CallTool(ctx, tool, args)
	if err != nil {
		m.logger.Warn("tool call failed", "server", server, "tool", tool, "error", err)
		return fmt.Sprintf("Error: calling %s on %s: %v", tool, server, err)
	}
	return out
}
