// ABOUTME: In-memory fake backend speaking the framed JSON-RPC dialect over net.Pipe.
// ABOUTME: Records every call and lets tests script progress and tool callbacks per turn.

// Package backendtest provides a scriptable fake backend for tests.
package backendtest

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/2389/coven-relay/internal/jsonrpc"
	"github.com/2389/coven-relay/internal/jsonx"
)

// Call is one request or notification the fake received.
type Call struct {
	Method string
	Params jsonx.RawMessage
}

// Fields decodes Params as a JSON object. It returns nil when Params is
// absent or not an object.
func (c Call) Fields() map[string]any {
	var m map[string]any
	if err := jsonx.Unmarshal(c.Params, &m); err != nil {
		return nil
	}
	return m
}

// Turn describes a create or continue request the script must answer.
type Turn struct {
	Token          string
	ConversationID string
	TurnID         string
	Message        string
	Params         map[string]any
}

// Script plays out a turn. It runs in its own goroutine after the request
// arrives; the request is answered immediately.
type Script func(ctx context.Context, p *Peer, turn Turn)

// Options shapes the fake's behavior.
type Options struct {
	// Status is what checkStatus reports before sign-in. Defaults to "OK".
	Status string
	// SignInStatus is what checkStatus reports after signInConfirm.
	SignInStatus string
	// Flags, when non-nil, are sent as featureFlagsNotification after initialized.
	Flags map[string]any
	// Script runs for every create and turn request.
	Script Script
	// FailInitialize makes initialize return a remote error.
	FailInitialize bool
	Logger         *slog.Logger
}

// Backend is a fake backend. Each Dial produces a new Peer.
type Backend struct {
	opts Options

	mu     sync.Mutex
	calls  []Call
	peers  []*Peer
	convs  int
	notify chan struct{}
}

// New creates a fake backend.
func New(opts Options) *Backend {
	if opts.Status == "" {
		opts.Status = "OK"
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Backend{opts: opts, notify: make(chan struct{}, 1)}
}

// Dial satisfies backend.Dialer.
func (b *Backend) Dial(context.Context) (io.ReadWriteCloser, error) {
	client, server := net.Pipe()
	p := &Peer{b: b, status: b.opts.Status}
	p.conn = jsonrpc.NewConn(jsonrpc.NewFramedCodec(server, server, server), jsonrpc.Options{
		Name:   "fake-backend",
		Logger: b.opts.Logger,
	})
	p.install()
	p.conn.Start()

	b.mu.Lock()
	b.peers = append(b.peers, p)
	b.mu.Unlock()
	return client, nil
}

// Dials reports how many connections were opened.
func (b *Backend) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.peers)
}

// Peer returns the i-th connection.
func (b *Backend) Peer(i int) *Peer {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.peers[i]
}

// Calls returns every recorded call for method, or all calls when method is empty.
func (b *Backend) Calls(method string) []Call {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Call
	for _, c := range b.calls {
		if method == "" || c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

// WaitFor blocks until method has been seen n times or the timeout passes.
func (b *Backend) WaitFor(method string, n int, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		if len(b.Calls(method)) >= n {
			return true
		}
		select {
		case <-b.notify:
		case <-deadline:
			return false
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// Close drops every connection.
func (b *Backend) Close() {
	b.mu.Lock()
	peers := append([]*Peer(nil), b.peers...)
	b.mu.Unlock()
	for _, p := range peers {
		_ = p.conn.Close()
	}
}

func (b *Backend) record(method string, params jsonx.RawMessage) {
	b.mu.Lock()
	b.calls = append(b.calls, Call{Method: method, Params: params})
	b.mu.Unlock()
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

func (b *Backend) nextConversation() (string, string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.convs++
	return fmt.Sprintf("conv-%d", b.convs), fmt.Sprintf("turn-%d", b.convs)
}

// Peer is the server side of one dialed connection.
type Peer struct {
	b    *Backend
	conn *jsonrpc.Conn

	mu     sync.Mutex
	status string
	turns  int
}

func (p *Peer) install() {
	opts := p.b.opts
	p.conn.HandleRequest("initialize", func(_ context.Context, params jsonx.RawMessage) (any, error) {
		p.b.record("initialize", params)
		if opts.FailInitialize {
			return nil, jsonrpc.NewError(jsonrpc.CodeInternalError, "initialize refused")
		}
		return map[string]any{"capabilities": map[string]any{}, "serverInfo": map[string]any{"name": "fake-backend"}}, nil
	})
	p.conn.HandleNotification("initialized", func(ctx context.Context, params jsonx.RawMessage) {
		p.b.record("initialized", params)
		if opts.Flags != nil {
			_ = p.conn.Notify(ctx, "featureFlagsNotification", opts.Flags)
		}
	})
	p.conn.HandleRequest("setEditorInfo", p.recordOnly("setEditorInfo", "OK"))
	p.conn.HandleRequest("checkStatus", func(_ context.Context, params jsonx.RawMessage) (any, error) {
		p.b.record("checkStatus", params)
		p.mu.Lock()
		defer p.mu.Unlock()
		return map[string]any{"status": p.status, "user": "octocat"}, nil
	})
	p.conn.HandleRequest("signInConfirm", func(_ context.Context, params jsonx.RawMessage) (any, error) {
		p.b.record("signInConfirm", params)
		p.mu.Lock()
		defer p.mu.Unlock()
		if opts.SignInStatus != "" {
			p.status = opts.SignInStatus
		}
		return map[string]any{"status": p.status}, nil
	})
	p.conn.HandleRequest("conversation/registerTools", p.recordOnly("conversation/registerTools", nil))
	p.conn.HandleRequest("shutdown", p.recordOnly("shutdown", nil))
	p.conn.HandleRequest("conversation/create", func(_ context.Context, params jsonx.RawMessage) (any, error) {
		p.b.record("conversation/create", params)
		convID, turnID := p.b.nextConversation()
		turn := decodeTurn(params)
		turn.ConversationID, turn.TurnID = convID, turnID
		if first, ok := turn.Params["turns"].([]any); ok && len(first) > 0 {
			if last, ok := first[len(first)-1].(map[string]any); ok {
				turn.Message, _ = last["request"].(string)
			}
		}
		p.play(turn)
		return map[string]any{"conversationId": convID, "turnId": turnID}, nil
	})
	p.conn.HandleRequest("conversation/turn", func(_ context.Context, params jsonx.RawMessage) (any, error) {
		p.b.record("conversation/turn", params)
		turn := decodeTurn(params)
		turn.ConversationID, _ = turn.Params["conversationId"].(string)
		turn.Message, _ = turn.Params["message"].(string)
		p.mu.Lock()
		p.turns++
		turn.TurnID = fmt.Sprintf("%s-turn-%d", turn.ConversationID, p.turns)
		p.mu.Unlock()
		p.play(turn)
		return map[string]any{"conversationId": turn.ConversationID, "turnId": turn.TurnID}, nil
	})
	p.conn.HandleOtherNotifications(func(method string, params jsonx.RawMessage) {
		p.b.record(method, params)
	})
}

func (p *Peer) recordOnly(method string, result any) jsonrpc.RequestHandler {
	return func(_ context.Context, params jsonx.RawMessage) (any, error) {
		p.b.record(method, params)
		return result, nil
	}
}

func decodeTurn(params jsonx.RawMessage) Turn {
	var m map[string]any
	_ = jsonx.Unmarshal(params, &m)
	token, _ := m["workDoneToken"].(string)
	return Turn{Token: token, Params: m}
}

func (p *Peer) play(turn Turn) {
	if p.b.opts.Script == nil {
		return
	}
	go p.b.opts.Script(context.Background(), p, turn)
}

// Progress sends a $/progress notification.
func (p *Peer) Progress(token string, value map[string]any) error {
	return p.conn.Notify(context.Background(), "$/progress", map[string]any{"token": token, "value": value})
}

// Begin, Report and End are shorthands for the three progress kinds.
func (p *Peer) Begin(turn Turn) error {
	return p.Progress(turn.Token, map[string]any{
		"kind": "begin", "conversationId": turn.ConversationID, "turnId": turn.TurnID,
	})
}

func (p *Peer) Report(turn Turn, reply string) error {
	return p.Progress(turn.Token, map[string]any{
		"kind": "report", "conversationId": turn.ConversationID, "turnId": turn.TurnID, "reply": reply,
	})
}

func (p *Peer) End(turn Turn) error {
	return p.Progress(turn.Token, map[string]any{
		"kind": "end", "conversationId": turn.ConversationID, "turnId": turn.TurnID,
	})
}

// InvokeTool sends conversation/invokeClientTool and returns the raw result.
func (p *Peer) InvokeTool(ctx context.Context, turn Turn, id, name string, input map[string]any) (jsonx.RawMessage, error) {
	var out jsonx.RawMessage
	err := p.conn.Call(ctx, "conversation/invokeClientTool", map[string]any{
		"name":           name,
		"input":          input,
		"conversationId": turn.ConversationID,
		"turnId":         turn.TurnID,
		"roundId":        1,
		"toolCallId":     id,
	}, &out)
	return out, err
}

// Confirm sends conversation/invokeClientToolConfirmation.
func (p *Peer) Confirm(ctx context.Context, turn Turn, name string) (jsonx.RawMessage, error) {
	var out jsonx.RawMessage
	err := p.conn.Call(ctx, "conversation/invokeClientToolConfirmation", map[string]any{
		"name":           name,
		"input":          map[string]any{},
		"conversationId": turn.ConversationID,
		"turnId":         turn.TurnID,
	}, &out)
	return out, err
}

// Notify sends an arbitrary notification to the client.
func (p *Peer) Notify(method string, params any) error {
	return p.conn.Notify(context.Background(), method, params)
}

// Kill drops the connection as if the backend process died.
func (p *Peer) Kill() {
	_ = p.conn.Close()
}
