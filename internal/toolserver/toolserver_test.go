// ABOUTME: Tests for both tool server transports against real servers and for the Manager.
// ABOUTME: The stdio server is this test binary re-executed in helper mode.

package toolserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cast"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-relay/internal/jsonrpc"
	"github.com/2389/coven-relay/internal/procenv"
)

const helperEnv = "TOOLSERVER_TEST_HELPER"

func TestMain(m *testing.M) {
	switch os.Getenv(helperEnv) {
	case "serve":
		if err := server.ServeStdio(newTestMCPServer()); err != nil {
			os.Exit(1)
		}
		os.Exit(0)
	case "crash":
		fmt.Fprintln(os.Stderr, "fatal: missing API key")
		os.Exit(3)
	}
	os.Exit(m.Run())
}

func newTestMCPServer() *server.MCPServer {
	s := server.NewMCPServer("test-tools", "1.0.0")
	s.AddTool(
		mcp.NewTool("echo",
			mcp.WithDescription("Echo text back"),
			mcp.WithString("text", mcp.Required(), mcp.Description("Text to echo")),
		),
		func(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return mcp.NewToolResultText("echo: " + cast.ToString(req.GetArguments()["text"])), nil
		},
	)
	s.AddTool(
		mcp.NewTool("explode", mcp.WithDescription("Always fails")),
		func(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return mcp.NewToolResultError("it broke"), nil
		},
	)
	return s
}

func helperConfig(t *testing.T, name, mode string) ServerConfig {
	t.Helper()
	exe, err := os.Executable()
	require.NoError(t, err)
	return ServerConfig{
		Name:    name,
		Type:    KindStdio,
		Command: exe,
		Env:     map[string]string{helperEnv: mode},
	}
}

func toolNames(tools []Tool) []string {
	names := make([]string, 0, len(tools))
	for _, tool := range tools {
		names = append(names, tool.Name)
	}
	return names
}

func TestStdioConn(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	conn := NewStdioConn(helperConfig(t, "helper", "serve"), StdioOptions{Env: &procenv.Builder{}})
	require.NoError(t, conn.Start(ctx))
	defer func() { assert.NoError(t, conn.Stop()) }()

	require.NoError(t, conn.Initialize(ctx))

	tools, err := conn.ListTools(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"echo", "explode"}, toolNames(tools))
	for _, tool := range tools {
		if tool.Name == "echo" {
			assert.Equal(t, "Echo text back", tool.Description)
			assert.Equal(t, "object", tool.InputSchema["type"])
		}
	}

	out, err := conn.CallTool(ctx, "echo", map[string]any{"text": "hi"})
	require.NoError(t, err)
	assert.Equal(t, "echo: hi", out)

	out, err = conn.CallTool(ctx, "explode", nil)
	require.NoError(t, err)
	assert.Equal(t, "Error: it broke", out)
}

func TestStdioConnEarlyExit(t *testing.T) {
	cfg := helperConfig(t, "crasher", "crash")
	conn := NewStdioConn(cfg, StdioOptions{GraceWindow: 5 * time.Second})

	err := conn.Start(context.Background())
	require.Error(t, err)

	var se *StartError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "crasher", se.Server)
	assert.Contains(t, se.CommandLine, cfg.Command)
	assert.Contains(t, se.Stderr, "missing API key")
	assert.ErrorIs(t, err, jsonrpc.ErrTransport)

	// A failed start can be retried; it must not report success.
	err = conn.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, jsonrpc.ErrTransport)
	_, err = conn.ListTools(context.Background())
	assert.ErrorIs(t, err, ErrNotStarted)
}

func TestStdioConnMissingCommand(t *testing.T) {
	conn := NewStdioConn(ServerConfig{Name: "ghost", Command: "no-such-tool-server-binary"}, StdioOptions{})
	err := conn.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, jsonrpc.ErrTransport)
	assert.ErrorIs(t, err, procenv.ErrNotFound)
	assert.Contains(t, err.Error(), "no-such-tool-server-binary")

	_, err = conn.ListTools(context.Background())
	assert.ErrorIs(t, err, ErrNotStarted)
}

func TestSSEConn(t *testing.T) {
	ts := server.NewTestServer(newTestMCPServer())
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn := NewSSEConn(ServerConfig{Name: "remote", Type: KindSSE, URL: ts.URL + "/sse"}, SSEOptions{})
	require.NoError(t, conn.Start(ctx))
	t.Cleanup(func() { _ = conn.Stop() })
	assert.NotEmpty(t, conn.Endpoint())

	require.NoError(t, conn.Initialize(ctx))

	tools, err := conn.ListTools(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"echo", "explode"}, toolNames(tools))

	var wg sync.WaitGroup
	results := make([]string, 10)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := conn.CallTool(ctx, "echo", map[string]any{"text": fmt.Sprint(i)})
			if err != nil {
				results[i] = err.Error()
				return
			}
			results[i] = out
		}(i)
	}
	wg.Wait()
	for i, out := range results {
		assert.Equal(t, fmt.Sprintf("echo: %d", i), out)
	}
}

func TestSSEConnBadStatus(t *testing.T) {
	ts := server.NewTestServer(newTestMCPServer())
	t.Cleanup(ts.Close)

	conn := NewSSEConn(ServerConfig{Name: "remote", Type: KindSSE, URL: ts.URL + "/nope"}, SSEOptions{})
	err := conn.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, jsonrpc.ErrTransport)

	err = conn.Start(context.Background())
	require.Error(t, err, "a failed start is not remembered as started")
	assert.ErrorIs(t, err, jsonrpc.ErrTransport)
	assert.Empty(t, conn.Endpoint())
}

// postRejectingServer announces an endpoint on its stream and answers every
// POST with 503.
func postRejectingServer(t *testing.T) string {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/sse", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: endpoint\ndata: /message\n\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	})
	mux.HandleFunc("/message", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts.URL + "/sse"
}

func TestSSEConnPostStatus(t *testing.T) {
	ctx := context.Background()

	t.Run("non-2xx fails the call", func(t *testing.T) {
		cfg := ServerConfig{Name: "busy", Type: KindSSE, URL: postRejectingServer(t)}
		conn := NewSSEConn(cfg, SSEOptions{Timeout: 5 * time.Second})
		require.NoError(t, conn.Start(ctx))
		t.Cleanup(func() { _ = conn.Stop() })

		started := time.Now()
		_, err := conn.ListTools(ctx)
		require.Error(t, err)
		assert.ErrorIs(t, err, jsonrpc.ErrTransport)
		assert.Contains(t, err.Error(), "503")
		assert.Less(t, time.Since(started), 5*time.Second)
	})

	t.Run("ignored status waits for the stream", func(t *testing.T) {
		cfg := ServerConfig{Name: "busy", Type: KindSSE, URL: postRejectingServer(t), IgnorePostStatus: true}
		conn := NewSSEConn(cfg, SSEOptions{Timeout: 100 * time.Millisecond})
		require.NoError(t, conn.Start(ctx))
		t.Cleanup(func() { _ = conn.Stop() })

		_, err := conn.ListTools(ctx)
		require.Error(t, err)
		assert.ErrorIs(t, err, jsonrpc.ErrTimeout)
	})
}

func TestRenderResult(t *testing.T) {
	tests := []struct {
		name string
		in   callToolResult
		want string
	}{
		{"text parts joined", callToolResult{Content: []contentPart{{Type: "text", Text: "a"}, {Type: "text", Text: "b"}}}, "a\nb"},
		{"non-text placeholder", callToolResult{Content: []contentPart{{Type: "image", MimeType: "image/png"}}}, "[image content]"},
		{"error prefix", callToolResult{Content: []contentPart{{Type: "text", Text: "nope"}}, IsError: true}, "Error: nope"},
		{"empty", callToolResult{}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, renderResult(tt.in))
		})
	}
}

// pagingCaller serves tools/list in pages.
type pagingCaller struct {
	pages [][]Tool
	calls int
}

func (p *pagingCaller) Call(_ context.Context, method string, params, result any) error {
	if method != "tools/list" {
		return errors.New("unexpected method " + method)
	}
	page := p.calls
	p.calls++
	res := result.(*listToolsResult)
	res.Tools = p.pages[page]
	if page+1 < len(p.pages) {
		res.NextCursor = fmt.Sprintf("page-%d", page+1)
	}
	return nil
}

func (p *pagingCaller) Notify(context.Context, string, any) error { return nil }

func TestListAllToolsPaginates(t *testing.T) {
	c := &pagingCaller{pages: [][]Tool{{{Name: "a"}}, {{Name: "b"}}, {{Name: "c"}}}}
	tools, err := listAllTools(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, toolNames(tools))
	assert.Equal(t, 3, c.calls)
}

func TestServerConfigValidate(t *testing.T) {
	assert.NoError(t, ServerConfig{Name: "a", Command: "x"}.Validate())
	assert.NoError(t, ServerConfig{Name: "a", URL: "http://x"}.Validate())
	assert.Equal(t, KindSSE, ServerConfig{Name: "a", URL: "http://x"}.EffectiveKind())
	assert.ErrorIs(t, ServerConfig{Command: "x"}.Validate(), ErrInvalidConfig)
	assert.ErrorIs(t, ServerConfig{Name: "a", Type: KindSSE}.Validate(), ErrInvalidConfig)
	assert.ErrorIs(t, ServerConfig{Name: "a", Type: "carrier-pigeon", Command: "x"}.Validate(), ErrInvalidConfig)
}

// fakeConn is an in-memory Conn for manager tests.
type fakeConn struct {
	name     string
	tools    []Tool
	startErr error

	mu      sync.Mutex
	stopped bool
}

func (f *fakeConn) Name() string                     { return f.name }
func (f *fakeConn) Kind() Kind                       { return KindStdio }
func (f *fakeConn) Start(context.Context) error      { return f.startErr }
func (f *fakeConn) Initialize(context.Context) error { return nil }
func (f *fakeConn) ListTools(context.Context) ([]Tool, error) {
	return f.tools, nil
}

func (f *fakeConn) CallTool(_ context.Context, name string, _ map[string]any) (string, error) {
	if name == "broken" {
		return "", errors.New("socket closed")
	}
	return f.name + ":" + name, nil
}

func (f *fakeConn) Stop() error {
	f.mu.Lock()
	f.stopped = true
	f.mu.Unlock()
	return nil
}

func (f *fakeConn) isStopped() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped
}

func setupManagerTest(t *testing.T) (*Manager, map[string]*fakeConn) {
	t.Helper()
	var mu sync.Mutex
	conns := make(map[string]*fakeConn)
	m := NewManager(ManagerConfig{
		Logger: slog.Default(),
		Dial: func(cfg ServerConfig) (Conn, error) {
			c := &fakeConn{name: cfg.Name, tools: []Tool{{Name: cfg.Name + "_tool"}}}
			if cfg.Command == "fail" {
				c.startErr = &StartError{Server: cfg.Name, CommandLine: "fail", Err: errors.New("boom")}
			}
			mu.Lock()
			conns[cfg.Name+"@"+cfg.Command] = c
			mu.Unlock()
			return c, nil
		},
	})
	t.Cleanup(func() { _ = m.StopAll() })
	return m, conns
}

func TestManagerStartAll(t *testing.T) {
	t.Run("one failure does not block others", func(t *testing.T) {
		m, _ := setupManagerTest(t)
		err := m.StartAll(context.Background(), []ServerConfig{
			{Name: "good", Command: "ok"},
			{Name: "bad", Command: "fail"},
			{Name: "off", Command: "ok", Disabled: true},
		})
		require.Error(t, err)
		assert.ErrorIs(t, err, jsonrpc.ErrTransport)
		assert.Contains(t, err.Error(), "fail")

		handles := m.Handles()
		require.Len(t, handles, 1)
		assert.Equal(t, "good", handles[0].Config.Name)
		assert.Equal(t, "good_tool", handles[0].Tools[0].Name)
	})

	t.Run("real missing command alongside a real server", func(t *testing.T) {
		m := NewManager(ManagerConfig{Env: &procenv.Builder{}})
		t.Cleanup(func() { _ = m.StopAll() })

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()
		err := m.StartAll(ctx, []ServerConfig{
			helperConfig(t, "helper", "serve"),
			{Name: "ghost", Command: "no-such-tool-server-binary"},
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no-such-tool-server-binary")

		_, ok := m.Handle("helper")
		require.True(t, ok)
		assert.Equal(t, "echo: ok", m.Call(ctx, "helper", "echo", map[string]any{"text": "ok"}))
	})
}

func TestManagerCall(t *testing.T) {
	m, _ := setupManagerTest(t)
	require.NoError(t, m.StartAll(context.Background(), []ServerConfig{{Name: "s", Command: "ok"}}))

	assert.Equal(t, "s:hello", m.Call(context.Background(), "s", "hello", nil))
	assert.Contains(t, m.Call(context.Background(), "s", "broken", nil), "socket closed")
	assert.Contains(t, m.Call(context.Background(), "missing", "x", nil), "not running")
}

func TestManagerReconcile(t *testing.T) {
	m, conns := setupManagerTest(t)
	ctx := context.Background()
	require.NoError(t, m.StartAll(ctx, []ServerConfig{
		{Name: "keep", Command: "ok"},
		{Name: "drop", Command: "ok"},
		{Name: "change", Command: "ok"},
	}))

	changed, err := m.Reconcile(ctx, []ServerConfig{
		{Name: "keep", Command: "ok"},
		{Name: "change", Command: "ok2"},
		{Name: "new", Command: "ok"},
	})
	require.NoError(t, err)
	assert.True(t, changed)

	var names []string
	for _, h := range m.Handles() {
		names = append(names, h.Config.Name)
	}
	assert.Equal(t, []string{"change", "keep", "new"}, names)
	assert.True(t, conns["drop@ok"].isStopped())
	assert.True(t, conns["change@ok"].isStopped())
	assert.False(t, conns["keep@ok"].isStopped())

	changed, err = m.Reconcile(ctx, []ServerConfig{
		{Name: "keep", Command: "ok"},
		{Name: "change", Command: "ok2"},
		{Name: "new", Command: "ok"},
	})
	require.NoError(t, err)
	assert.False(t, changed)

	assert.ErrorIs(t, m.Stop("nope"), ErrUnknownServer)
}
