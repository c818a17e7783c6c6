// ABOUTME: Tests for compound tool construction, name rewriting and call routing.

package aggregate

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-relay/internal/toolserver"
)

type recordedCall struct {
	Server string
	Tool   string
	Args   map[string]any
}

// recordingCaller records forwarded calls and echoes them back.
type recordingCaller struct {
	mu    sync.Mutex
	calls []recordedCall
}

func (r *recordingCaller) Call(_ context.Context, server, tool string, args map[string]any) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, recordedCall{Server: server, Tool: tool, Args: args})
	return server + "/" + tool
}

func (r *recordingCaller) last() recordedCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[len(r.calls)-1]
}

func browserTools() []toolserver.Tool {
	return []toolserver.Tool{
		{
			Name:        "browser_navigate",
			Description: "Navigate to a URL\nMore detail here.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"url": map[string]any{"type": "string"},
				},
				"required": []any{"url"},
			},
		},
		{
			Name:        "browser_click",
			Description: "Click an element",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"selector": map[string]any{"anyOf": []any{map[string]any{"type": "string"}, map[string]any{"type": "null"}}},
					"url":      map[string]any{"type": "integer", "description": "ignored, url already merged"},
				},
			},
		},
		{
			Name:        "browser_screenshot",
			Description: "Take a screenshot",
		},
	}
}

func setupAggregatorTest(t *testing.T, opts Options) (*Aggregator, *recordingCaller) {
	t.Helper()
	caller := &recordingCaller{}
	a := New(caller, opts, nil)
	a.Set("playwright-browser", browserTools())
	return a, caller
}

func TestRenamer(t *testing.T) {
	r := NewRenamer(DefaultAliases)
	tests := []struct {
		in, want string
	}{
		{"playwright-browser", "pw-web"},
		{"Browser_Navigate", "web_goto"},
		{"browser_screenshot", "web_capture"},
		{"my tools!", "my_tools"},
		{"AUTOMATION.server", "tasks_server"},
		{"plain", "plain"},
		{"???", "tool"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, r.Rename(tt.in))
		})
	}

	long := strings.Repeat("a", 100)
	assert.Len(t, r.Rename(long), MaxNameLength)
}

func TestBuild(t *testing.T) {
	e := Build("playwright-browser", browserTools(), Options{})

	assert.Equal(t, "pw-web", e.Name)
	assert.Equal(t, "playwright-browser", e.Server)
	assert.Equal(t, []string{"web_goto", "web_press", "web_capture"}, e.Actions())

	props := e.Schema["properties"].(map[string]any)
	action := props[ActionParam].(map[string]any)
	assert.Equal(t, []any{"web_goto", "web_press", "web_capture"}, action["enum"])
	assert.Equal(t, []any{ActionParam}, e.Schema["required"])

	assert.Equal(t, map[string]any{"type": "string"}, props["url"], "first write wins")
	assert.Equal(t, map[string]any{"type": "string"}, props["selector"], "merged properties are sanitized")

	assert.Contains(t, e.Description, "- web_goto: Navigate to a URL (parameters: url)")
	assert.NotContains(t, e.Description, "More detail")
	assert.Contains(t, e.Description, "- web_capture: Take a screenshot")
}

func TestBuildAliasCollisions(t *testing.T) {
	e := Build("srv", []toolserver.Tool{
		{Name: "browser_open"},
		{Name: "web_open"},
		{Name: "BROWSER_open"},
	}, Options{})

	assert.Equal(t, []string{"web_open_2", "web_open", "web_open_3"}, e.Actions())

	tests := []struct {
		action string
		want   string
	}{
		{"web_open", "web_open"},
		{"web_open_2", "browser_open"},
		{"web_open_3", "BROWSER_open"},
		{"browser_open", "browser_open"},
		{"BROWSER_open", "BROWSER_open"},
	}
	for _, tt := range tests {
		t.Run(tt.action, func(t *testing.T) {
			tool, ok := e.Resolve(tt.action)
			require.True(t, ok)
			assert.Equal(t, tt.want, tool)
		})
	}
}

func TestAggregatorOriginalActionNameWins(t *testing.T) {
	caller := &recordingCaller{}
	a := New(caller, Options{}, nil)
	a.Set("srv", []toolserver.Tool{{Name: "browser_open"}, {Name: "web_open"}})

	assert.Equal(t, "srv/web_open", a.Call(context.Background(), "srv", map[string]any{"action": "web_open"}))
	assert.Equal(t, "srv/browser_open", a.Call(context.Background(), "srv", map[string]any{"action": "browser_open"}))
}

func TestAggregatorServerNameCollisions(t *testing.T) {
	t.Run("display names are suffixed", func(t *testing.T) {
		a := New(&recordingCaller{}, Options{}, nil)
		a.Set("web", []toolserver.Tool{{Name: "fetch_page"}})
		a.Set("browser", []toolserver.Tool{{Name: "open"}})

		entries := a.Entries()
		require.Len(t, entries, 2)
		assert.Equal(t, "web", entries[0].Name)
		assert.Equal(t, "web", entries[0].Server)
		assert.Equal(t, "web_2", entries[1].Name)
		assert.Equal(t, "browser", entries[1].Server)
		assert.Contains(t, entries[1].Description, "Operations provided by web_2")
	})

	t.Run("original name displaces an earlier display name", func(t *testing.T) {
		caller := &recordingCaller{}
		a := New(caller, Options{}, nil)
		a.Set("browser", []toolserver.Tool{{Name: "open"}})
		a.Set("web", []toolserver.Tool{{Name: "fetch_page"}})

		names := map[string]string{}
		for _, e := range a.Entries() {
			names[e.Server] = e.Name
		}
		assert.Equal(t, map[string]string{"web": "web", "browser": "web_2"}, names)

		ctx := context.Background()
		assert.Equal(t, "web/fetch_page", a.Call(ctx, "web", map[string]any{"action": "fetch_page"}))
		assert.Equal(t, "browser/open", a.Call(ctx, "web_2", map[string]any{"action": "open"}))
		assert.Equal(t, "browser/open", a.Call(ctx, "browser", map[string]any{"action": "open"}))
	})
}

func TestAggregatorRoutingEquivalence(t *testing.T) {
	a, caller := setupAggregatorTest(t, Options{})
	ctx := context.Background()

	sanitized := a.Call(ctx, "pw-web", map[string]any{"action": "web_goto", "url": "https://example.com"})
	first := caller.last()

	original := a.Call(ctx, "playwright-browser", map[string]any{"action": "browser_navigate", "url": "https://example.com"})
	second := caller.last()

	assert.Equal(t, sanitized, original)
	assert.Equal(t, first, second)
	assert.Equal(t, "playwright-browser", first.Server)
	assert.Equal(t, "browser_navigate", first.Tool)
	assert.Equal(t, map[string]any{"url": "https://example.com"}, first.Args, "action is stripped")
}

func TestAggregatorCallErrors(t *testing.T) {
	a, caller := setupAggregatorTest(t, Options{})
	ctx := context.Background()

	assert.Contains(t, a.Call(ctx, "nope", map[string]any{"action": "x"}), `unknown tool server "nope"`)
	assert.Contains(t, a.Call(ctx, "pw-web", map[string]any{}), "web_goto")
	out := a.Call(ctx, "pw-web", map[string]any{"action": "fly"})
	assert.Contains(t, out, `unknown action "fly"`)
	assert.Empty(t, caller.calls)
}

func TestAggregatorRequiredLenience(t *testing.T) {
	t.Run("lenient by default", func(t *testing.T) {
		a, caller := setupAggregatorTest(t, Options{})
		out := a.Call(context.Background(), "pw-web", map[string]any{"action": "web_goto"})
		assert.Equal(t, "playwright-browser/browser_navigate", out)
		assert.Len(t, caller.calls, 1)
	})

	t.Run("strict rejects missing required", func(t *testing.T) {
		a, caller := setupAggregatorTest(t, Options{StrictRequired: true})
		out := a.Call(context.Background(), "pw-web", map[string]any{"action": "web_goto"})
		assert.Contains(t, out, "requires: url")
		assert.Empty(t, caller.calls)
	})
}

func TestAggregatorEntries(t *testing.T) {
	a, _ := setupAggregatorTest(t, Options{})
	a.Set("files", []toolserver.Tool{{Name: "read"}})

	entries := a.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "files", entries[0].Name)
	assert.Equal(t, "pw-web", entries[1].Name)

	a.Remove("playwright-browser")
	_, ok := a.Lookup("pw-web")
	assert.False(t, ok)
	_, ok = a.Lookup("playwright-browser")
	assert.False(t, ok)

	a.Rebuild([]*toolserver.Handle{{Config: toolserver.ServerConfig{Name: "x"}, Tools: []toolserver.Tool{{Name: "t"}}}})
	entries = a.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "x", entries[0].Name)
}
