// ABOUTME: Tests for the orchestrator against the in-memory fake backend and a real session pool.
// ABOUTME: Covers streaming, tool routing, allow-lists, cancellation and backend loss.

package conversation

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-relay/internal/backend"
	"github.com/2389/coven-relay/internal/backend/backendtest"
	"github.com/2389/coven-relay/internal/packs"
	"github.com/2389/coven-relay/internal/pool"
	"github.com/2389/coven-relay/internal/toolserver"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testRegistry(t *testing.T) *packs.Registry {
	t.Helper()
	reg := packs.NewRegistry(quietLogger())
	require.NoError(t, reg.RegisterPack(&packs.Pack{
		ID: "test",
		Tools: []packs.Registration{
			{
				Name:        "echo_back",
				Description: "Echo the input",
				InputSchema: map[string]any{
					"type":       "object",
					"properties": map[string]any{"text": map[string]any{"type": "string"}},
				},
				Executor: func(_ context.Context, _ packs.ExecEnv, args map[string]any) (any, error) {
					return packs.Text("echo: " + args["text"].(string)), nil
				},
			},
			{
				Name:  "where_am_i",
				Class: packs.ClassNative,
				Executor: func(_ context.Context, env packs.ExecEnv, _ map[string]any) (any, error) {
					return packs.Text(env.WorkspaceRoot), nil
				},
			},
		},
	}))
	return reg
}

type stubServer struct{ name string }

func (f *stubServer) Name() string                     { return f.name }
func (f *stubServer) Kind() toolserver.Kind            { return toolserver.KindStdio }
func (f *stubServer) Start(context.Context) error      { return nil }
func (f *stubServer) Initialize(context.Context) error { return nil }
func (f *stubServer) Stop() error                      { return nil }
func (f *stubServer) ListTools(context.Context) ([]toolserver.Tool, error) {
	return []toolserver.Tool{
		{Name: "open_page", Description: "Open a page", InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"url": map[string]any{"type": "string"}},
		}},
	}, nil
}

func (f *stubServer) CallTool(_ context.Context, name string, args map[string]any) (string, error) {
	url, _ := args["url"].(string)
	return f.name + "/" + name + " " + url, nil
}

type serviceFixture struct {
	svc    *Service
	fake   *backendtest.Backend
	pool   *pool.Pool[*backend.Session]
	events <-chan ChatEvent
}

func setupServiceTest(t *testing.T, script backendtest.Script, mutate func(*Config)) *serviceFixture {
	t.Helper()
	return setupServiceTestWithServers(t, nil, script, mutate)
}

func setupServiceTestWithServers(t *testing.T, servers []toolserver.ServerConfig, script backendtest.Script, mutate func(*Config)) *serviceFixture {
	t.Helper()
	fake := backendtest.New(backendtest.Options{Script: script})
	reg := testRegistry(t)
	p := pool.New(func(key pool.ToolSetKey, tools []string) *backend.Session {
		return backend.NewSession(backend.Config{
			Name:            string(key),
			Dialer:          fake,
			Logger:          quietLogger(),
			Registry:        reg,
			AllowedTools:    tools,
			FeatureFlagWait: 10 * time.Millisecond,
			RequestTimeout:  2 * time.Second,
			ToolServers:     servers,
			Servers: toolserver.ManagerConfig{
				Logger: quietLogger(),
				Dial: func(cfg toolserver.ServerConfig) (toolserver.Conn, error) {
					return &stubServer{name: cfg.Name}, nil
				},
			},
		})
	}, quietLogger())

	cfg := Config{Pool: p, Logger: quietLogger(), DefaultModel: "gpt-test"}
	if mutate != nil {
		mutate(&cfg)
	}
	svc := New(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	events := svc.Subscribe(ctx)

	t.Cleanup(func() {
		cancel()
		_ = svc.Close(context.Background())
		_ = p.Close(context.Background())
		fake.Close()
	})
	return &serviceFixture{svc: svc, fake: fake, pool: p, events: events}
}

// untilDone collects events for one token up to and including its Done.
func untilDone(t *testing.T, events <-chan ChatEvent, token string) []ChatEvent {
	t.Helper()
	var got []ChatEvent
	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			require.True(t, ok, "event stream closed early")
			if ev.Token != "" && ev.Token != token {
				continue
			}
			got = append(got, ev)
			if ev.Kind == EventDone {
				return got
			}
		case <-timeout:
			t.Fatalf("no Done for %s; got %d events", token, len(got))
		}
	}
}

func assertNoMoreDone(t *testing.T, events <-chan ChatEvent, token string) {
	t.Helper()
	deadline := time.After(100 * time.Millisecond)
	for {
		select {
		case ev := <-events:
			if ev.Token == token {
				assert.NotEqual(t, EventDone, ev.Kind, "second Done for %s", token)
			}
		case <-deadline:
			return
		}
	}
}

func kinds(events []ChatEvent) []EventKind {
	out := make([]EventKind, len(events))
	for i, ev := range events {
		out[i] = ev.Kind
	}
	return out
}

func TestSendTurnStreamsReply(t *testing.T) {
	f := setupServiceTest(t, func(_ context.Context, p *backendtest.Peer, turn backendtest.Turn) {
		_ = p.Begin(turn)
		_ = p.Report(turn, "Hello ")
		_ = p.Report(turn, "world")
		_ = p.End(turn)
	}, nil)

	turn, err := f.svc.SendTurn(context.Background(), TurnRequest{Text: "hi"})
	require.NoError(t, err)
	assert.Equal(t, LeadAgent, turn.AgentID)

	got := untilDone(t, f.events, turn.Token)
	assert.Equal(t, []EventKind{EventDelta, EventDelta, EventDone}, kinds(got))
	done := got[len(got)-1]
	assert.Equal(t, "Hello world", done.Text)
	assert.Equal(t, "conv-1", done.ConversationID)
	assert.False(t, done.Cancelled)
	assertNoMoreDone(t, f.events, turn.Token)

	calls := f.fake.Calls(backend.MethodCreate)
	require.Len(t, calls, 1)
	assert.Equal(t, "gpt-test", calls[0].Fields()["model"])
	assert.Equal(t, "Agent", calls[0].Fields()["chatMode"])
}

func TestSendTurnContinuesConversation(t *testing.T) {
	f := setupServiceTest(t, func(_ context.Context, p *backendtest.Peer, turn backendtest.Turn) {
		_ = p.Begin(turn)
		_ = p.End(turn)
	}, nil)
	ctx := context.Background()

	first, err := f.svc.SendTurn(ctx, TurnRequest{Text: "one"})
	require.NoError(t, err)
	untilDone(t, f.events, first.Token)

	second, err := f.svc.SendTurn(ctx, TurnRequest{ConversationID: first.ConversationID, Text: "two", ToolMode: ToolModeAsk})
	require.NoError(t, err)
	untilDone(t, f.events, second.Token)

	calls := f.fake.Calls(backend.MethodTurn)
	require.Len(t, calls, 1)
	assert.Equal(t, first.ConversationID, calls[0].Fields()["conversationId"])
	assert.Equal(t, "two", calls[0].Fields()["message"])
	assert.Equal(t, "Ask", calls[0].Fields()["chatMode"])
	assert.Equal(t, 1, f.fake.Dials(), "lead turns share one session")
}

func TestSendTurnEmbedsHistory(t *testing.T) {
	f := setupServiceTest(t, func(_ context.Context, p *backendtest.Peer, turn backendtest.Turn) {
		_ = p.End(turn)
	}, func(cfg *Config) {
		cfg.History = StaticHistory{
			{Role: RoleUser, Content: "earlier question"},
			{Role: RoleAssistant, Content: "earlier answer"},
		}
	})

	turn, err := f.svc.SendTurn(context.Background(), TurnRequest{Text: "now"})
	require.NoError(t, err)
	untilDone(t, f.events, turn.Token)

	calls := f.fake.Calls(backend.MethodCreate)
	require.Len(t, calls, 1)
	turns, ok := calls[0].Fields()["turns"].([]any)
	require.True(t, ok)
	require.Len(t, turns, 2)
	assert.Equal(t, map[string]any{"request": "earlier question", "response": "earlier answer"}, turns[0])
}

func TestSendTurnRejectsBadRequests(t *testing.T) {
	f := setupServiceTest(t, nil, nil)
	ctx := context.Background()

	_, err := f.svc.SendTurn(ctx, TurnRequest{Text: "   "})
	assert.ErrorIs(t, err, ErrEmptyMessage)

	_, err = f.svc.SendTurn(ctx, TurnRequest{Text: "hi", AgentID: "ghost"})
	assert.ErrorIs(t, err, ErrUnknownAgent)
}

func TestToolCallbackEmitsEvents(t *testing.T) {
	results := make(chan string, 1)
	f := setupServiceTest(t, func(ctx context.Context, p *backendtest.Peer, turn backendtest.Turn) {
		_ = p.Begin(turn)
		raw, err := p.InvokeTool(ctx, turn, "call-1", "echo_back", map[string]any{"text": "ping"})
		if err == nil {
			results <- string(raw)
		}
		_ = p.End(turn)
	}, nil)

	turn, err := f.svc.SendTurn(context.Background(), TurnRequest{Text: "use a tool"})
	require.NoError(t, err)
	got := untilDone(t, f.events, turn.Token)

	require.Equal(t, []EventKind{EventToolCall, EventToolResult, EventDone}, kinds(got))
	assert.Equal(t, "echo_back", got[0].ToolName)
	assert.Equal(t, "call-1", got[0].ToolCallID)
	assert.Equal(t, map[string]any{"text": "ping"}, got[0].ToolInput)
	assert.Equal(t, "echo: ping", got[1].Text)
	assert.False(t, got[1].IsError)
	assert.Contains(t, <-results, "echo: ping")
}

func TestSubAgentAllowList(t *testing.T) {
	results := make(chan string, 1)
	f := setupServiceTest(t, func(ctx context.Context, p *backendtest.Peer, turn backendtest.Turn) {
		_ = p.Begin(turn)
		raw, err := p.InvokeTool(ctx, turn, "call-1", "echo_back", map[string]any{"text": "x"})
		if err == nil {
			results <- string(raw)
		}
		_ = p.End(turn)
	}, nil)
	ctx := context.Background()

	agent, err := f.svc.SpawnAgent(ctx, AgentSpec{ID: "reader", Tools: []string{"where_am_i"}})
	require.NoError(t, err)
	_, err = f.svc.SpawnAgent(ctx, AgentSpec{ID: "reader"})
	assert.ErrorIs(t, err, ErrAgentExists)

	turn, err := f.svc.SendTurn(ctx, TurnRequest{AgentID: agent.ID, Text: "try echo"})
	require.NoError(t, err)
	got := untilDone(t, f.events, turn.Token)

	var rejected *ChatEvent
	for i := range got {
		if got[i].Kind == EventToolResult {
			rejected = &got[i]
		}
	}
	require.NotNil(t, rejected)
	assert.True(t, rejected.IsError)
	assert.Equal(t, "reader", rejected.AgentID)
	assert.Contains(t, rejected.Text, `tool "echo_back" is not available in this conversation`)
	assert.Contains(t, <-results, "not available in this conversation")

	stats := f.pool.Stats()
	require.Len(t, stats, 2)
	assert.Equal(t, pool.AllTools, stats[0].Key)
	assert.Equal(t, pool.ToolSetKey("where_am_i"), stats[1].Key)
}

func TestSubAgentCompoundToolAllowedByServer(t *testing.T) {
	answers := make(chan string, 1)
	results := make(chan string, 1)
	servers := []toolserver.ServerConfig{{Name: "browser-tools", Command: "browser-mcp"}}
	f := setupServiceTestWithServers(t, servers, func(ctx context.Context, p *backendtest.Peer, turn backendtest.Turn) {
		_ = p.Begin(turn)
		if raw, err := p.Confirm(ctx, turn, "web-tools"); err == nil {
			answers <- string(raw)
		}
		args := map[string]any{"action": "open_page", "url": "example.com"}
		if raw, err := p.InvokeTool(ctx, turn, "call-1", "web-tools", args); err == nil {
			results <- string(raw)
		}
		_ = p.End(turn)
	}, nil)
	ctx := context.Background()

	_, err := f.svc.SpawnAgent(ctx, AgentSpec{ID: "surfer", Tools: []string{"browser-tools"}})
	require.NoError(t, err)
	turn, err := f.svc.SendTurn(ctx, TurnRequest{AgentID: "surfer", Text: "open it"})
	require.NoError(t, err)
	got := untilDone(t, f.events, turn.Token)

	assert.JSONEq(t, `[{"result":"accept"},null]`, <-answers)
	raw := <-results
	assert.NotContains(t, raw, "not available")
	assert.Contains(t, raw, "browser-tools/open_page example.com")

	require.Equal(t, []EventKind{EventToolCall, EventToolResult, EventDone}, kinds(got))
	assert.Equal(t, "web-tools", got[0].ToolName)
	assert.False(t, got[1].IsError)
}

func TestConfirmationFollowsAllowList(t *testing.T) {
	answers := make(chan string, 2)
	f := setupServiceTest(t, func(ctx context.Context, p *backendtest.Peer, turn backendtest.Turn) {
		_ = p.Begin(turn)
		for _, name := range []string{"where_am_i", "echo_back"} {
			raw, err := p.Confirm(ctx, turn, name)
			if err == nil {
				answers <- string(raw)
			}
		}
		_ = p.End(turn)
	}, nil)
	ctx := context.Background()

	_, err := f.svc.SpawnAgent(ctx, AgentSpec{ID: "reader", Tools: []string{"where_am_i"}})
	require.NoError(t, err)
	turn, err := f.svc.SendTurn(ctx, TurnRequest{AgentID: "reader", Text: "confirm"})
	require.NoError(t, err)
	untilDone(t, f.events, turn.Token)

	assert.JSONEq(t, `[{"result":"accept"},null]`, <-answers)
	assert.JSONEq(t, `[{"result":"dismiss"},null]`, <-answers)
}

func TestWorkspaceOverrideReachesTools(t *testing.T) {
	results := make(chan string, 1)
	f := setupServiceTest(t, func(ctx context.Context, p *backendtest.Peer, turn backendtest.Turn) {
		_ = p.Begin(turn)
		raw, err := p.InvokeTool(ctx, turn, "call-1", "where_am_i", nil)
		if err == nil {
			results <- string(raw)
		}
		_ = p.End(turn)
	}, nil)

	turn, err := f.svc.SendTurn(context.Background(), TurnRequest{Text: "where", Workspace: "/tmp/project"})
	require.NoError(t, err)
	got := untilDone(t, f.events, turn.Token)

	root, ok := f.svc.Workspaces().Get(turn.ConversationID)
	assert.True(t, ok)
	assert.Equal(t, "/tmp/project", root)
	assert.Contains(t, <-results, "/tmp/project")
	assert.Equal(t, "/tmp/project", got[1].Text)
}

func TestRoundToolCallsAreDeduplicated(t *testing.T) {
	f := setupServiceTest(t, func(ctx context.Context, p *backendtest.Peer, turn backendtest.Turn) {
		_ = p.Begin(turn)
		_, _ = p.InvokeTool(ctx, turn, "local-1", "echo_back", map[string]any{"text": "a"})
		round := map[string]any{
			"kind": "report", "conversationId": turn.ConversationID, "turnId": turn.TurnID,
			"editAgentRounds": []any{map[string]any{
				"roundId": 1,
				"reply":   "Checked the issues.",
				"toolCalls": []any{
					map[string]any{"id": "local-1", "name": "echo_back", "status": "completed"},
					map[string]any{
						"id": "remote-1", "name": "search_issues", "status": "completed",
						"input":  map[string]any{"q": "bug"},
						"result": []any{map[string]any{"type": "text", "value": "**3** open issues"}},
					},
				},
			}},
		}
		_ = p.Progress(turn.Token, round)
		_ = p.Progress(turn.Token, round)
		_ = p.End(turn)
	}, nil)

	turn, err := f.svc.SendTurn(context.Background(), TurnRequest{Text: "issues"})
	require.NoError(t, err)
	got := untilDone(t, f.events, turn.Token)

	calls := map[string]int{}
	resultsByID := map[string]string{}
	rounds := 0
	for _, ev := range got {
		switch ev.Kind {
		case EventToolCall:
			calls[ev.ToolCallID]++
		case EventToolResult:
			resultsByID[ev.ToolCallID] = ev.Text
		case EventAgentRound:
			rounds++
		}
	}
	assert.Equal(t, map[string]int{"local-1": 1, "remote-1": 1}, calls)
	assert.Equal(t, "3 open issues", resultsByID["remote-1"])
	assert.Equal(t, "echo: a", resultsByID["local-1"])
	assert.Equal(t, 2, rounds, "round replies are not deduplicated")
}

func TestCancelEndsTurnOnce(t *testing.T) {
	release := make(chan struct{})
	f := setupServiceTest(t, func(_ context.Context, p *backendtest.Peer, turn backendtest.Turn) {
		_ = p.Begin(turn)
		_ = p.Report(turn, "partial")
		<-release
		_ = p.End(turn)
	}, nil)
	ctx := context.Background()

	turn, err := f.svc.SendTurn(ctx, TurnRequest{Text: "long"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		select {
		case ev := <-f.events:
			return ev.Kind == EventDelta
		default:
			return false
		}
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, f.svc.Cancel(ctx, turn.Token))
	got := untilDone(t, f.events, turn.Token)
	done := got[len(got)-1]
	assert.True(t, done.Cancelled)
	assert.Equal(t, "partial", done.Text)
	assert.True(t, f.fake.WaitFor(backend.MethodCancelProgress, 1, time.Second))

	close(release)
	assertNoMoreDone(t, f.events, turn.Token)
	assert.ErrorIs(t, f.svc.Cancel(ctx, turn.Token), ErrUnknownTurn)
	assert.Zero(t, f.svc.ActiveTurns())
}

func TestBackendLossEndsTurn(t *testing.T) {
	f := setupServiceTest(t, func(_ context.Context, p *backendtest.Peer, turn backendtest.Turn) {
		_ = p.Begin(turn)
		time.Sleep(50 * time.Millisecond)
		p.Kill()
	}, nil)
	ctx := context.Background()

	turn, err := f.svc.SendTurn(ctx, TurnRequest{Text: "doomed", Workspace: "/tmp/w"})
	require.NoError(t, err)
	got := untilDone(t, f.events, turn.Token)

	require.GreaterOrEqual(t, len(got), 2)
	assert.Equal(t, EventError, got[len(got)-2].Kind)
	assert.Contains(t, got[len(got)-2].Text, "backend connection lost")
	assert.Zero(t, f.svc.Workspaces().Len())

	// The next turn runs on a replacement session.
	next, err := f.svc.SendTurn(ctx, TurnRequest{Text: "again"})
	require.NoError(t, err)
	untilDone(t, f.events, next.Token)
	assert.Equal(t, 2, f.fake.Dials())
}

func TestTranscriptSinkReceivesTurns(t *testing.T) {
	var mu sync.Mutex
	var records []TurnRecord
	f := setupServiceTest(t, func(_ context.Context, p *backendtest.Peer, turn backendtest.Turn) {
		_ = p.Begin(turn)
		_ = p.Report(turn, "answer")
		_ = p.End(turn)
	}, func(cfg *Config) {
		cfg.Transcripts = TranscriptFunc(func(_ context.Context, rec TurnRecord) error {
			mu.Lock()
			records = append(records, rec)
			mu.Unlock()
			return nil
		})
	})

	turn, err := f.svc.SendTurn(context.Background(), TurnRequest{Text: "question"})
	require.NoError(t, err)
	untilDone(t, f.events, turn.Token)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(records) == 1
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "question", records[0].Prompt)
	assert.Equal(t, "answer", records[0].Reply)
	assert.Equal(t, LeadAgent, records[0].AgentID)
}

func TestCloseAgent(t *testing.T) {
	f := setupServiceTest(t, nil, nil)
	ctx := context.Background()

	assert.ErrorIs(t, f.svc.CloseAgent(ctx, LeadAgent), ErrLeadAgent)
	assert.ErrorIs(t, f.svc.CloseAgent(ctx, "ghost"), ErrUnknownAgent)

	_, err := f.svc.SpawnAgent(ctx, AgentSpec{ID: "helper", Tools: []string{"echo_back"}})
	require.NoError(t, err)
	assert.Len(t, f.svc.Agents(), 2)
	assert.Len(t, f.pool.Stats(), 2)

	require.NoError(t, f.svc.CloseAgent(ctx, "helper"))
	assert.Len(t, f.svc.Agents(), 1)
	assert.Len(t, f.pool.Stats(), 1)
}

func TestConcurrentConversationsStayIsolated(t *testing.T) {
	f := setupServiceTest(t, func(_ context.Context, p *backendtest.Peer, turn backendtest.Turn) {
		_ = p.Begin(turn)
		_ = p.Report(turn, "reply to "+turn.Message)
		_ = p.End(turn)
	}, nil)
	ctx := context.Background()

	a, err := f.svc.SendTurn(ctx, TurnRequest{Text: "alpha"})
	require.NoError(t, err)
	b, err := f.svc.SendTurn(ctx, TurnRequest{Text: "beta"})
	require.NoError(t, err)

	dones := map[string]string{}
	timeout := time.After(3 * time.Second)
	for len(dones) < 2 {
		select {
		case ev := <-f.events:
			if ev.Kind == EventDone {
				_, dup := dones[ev.Token]
				assert.False(t, dup, "second Done for %s", ev.Token)
				dones[ev.Token] = ev.Text
			}
		case <-timeout:
			t.Fatal("turns did not finish")
		}
	}
	assert.Equal(t, "reply to alpha", dones[a.Token])
	assert.Equal(t, "reply to beta", dones[b.Token])
	assert.NotEqual(t, a.ConversationID, b.ConversationID)
}

func TestServiceCloseEndsSubscriptions(t *testing.T) {
	f := setupServiceTest(t, nil, nil)
	require.NoError(t, f.svc.Close(context.Background()))

	select {
	case _, ok := <-f.events:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("subscription not closed")
	}
	_, err := f.svc.SendTurn(context.Background(), TurnRequest{Text: "late"})
	assert.ErrorIs(t, err, ErrServiceClosed)
}
