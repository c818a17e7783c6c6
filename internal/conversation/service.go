// ABOUTME: Service runs turns on pooled backend sessions and turns progress into ChatEvents.
// ABOUTME: Tool callbacks are routed by conversation ownership and checked against allow-lists.

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-relay/internal/backend"
	"github.com/2389/coven-relay/internal/dedupe"
)

// LeadAgent owns conversations started without an agent id. It may use
// every tool.
const LeadAgent = "lead"

var (
	ErrUnknownAgent  = errors.New("unknown agent")
	ErrAgentExists   = errors.New("agent already exists")
	ErrLeadAgent     = errors.New("the lead agent cannot be closed")
	ErrUnknownTurn   = errors.New("unknown turn")
	ErrEmptyMessage  = errors.New("message is empty")
	ErrWrongAgent    = errors.New("conversation belongs to another agent")
	ErrServiceClosed = errors.New("conversation service closed")
)

// Pool hands out started sessions per tool set. *pool.Pool[*backend.Session]
// satisfies it.
type Pool interface {
	Acquire(ctx context.Context, tools []string) (*backend.Session, error)
	Release(ctx context.Context, tools []string) error
}

// ToolMode selects how the backend may use tools in a turn.
type ToolMode string

const (
	ToolModeAgent ToolMode = "agent"
	ToolModeAsk   ToolMode = "ask"
)

func (m ToolMode) chatMode() string {
	if m == ToolModeAsk {
		return "Ask"
	}
	return "Agent"
}

// Config configures a Service.
type Config struct {
	Pool         Pool
	Logger       *slog.Logger
	History      HistorySource
	Transcripts  TranscriptSink
	DefaultModel string
	// SummaryLimit bounds tool result summaries; zero means SummaryLimit.
	SummaryLimit int
	// Handled tracks surfaced tool calls; nil creates a private set.
	Handled *dedupe.Set
	// LeadWorkspace is the workspace root of the lead agent.
	LeadWorkspace string
}

// TurnRequest is one user message.
type TurnRequest struct {
	// ConversationID continues a conversation; empty creates one.
	ConversationID string
	// AgentID defaults to the conversation's owner, or LeadAgent.
	AgentID   string
	Text      string
	Model     string
	ToolMode  ToolMode
	Workspace string
}

// Turn identifies a turn in flight.
type Turn struct {
	Token          string
	ConversationID string
	AgentID        string
}

// AgentSpec describes a delegated sub-agent.
type AgentSpec struct {
	// ID defaults to a fresh UUID.
	ID string
	// Tools is the allow-list. Empty allows every tool.
	Tools     []string
	Workspace string
	// Handler, when set, answers tool callbacks for the agent's
	// conversations instead of the session's local dispatch.
	Handler backend.ToolCallHandler
}

// Agent describes a live agent.
type Agent struct {
	ID        string
	Tools     []string
	Workspace string
}

type agentState struct {
	id        string
	tools     []string
	allowed   map[string]bool
	workspace string
	handler   backend.ToolCallHandler

	acquireMu sync.Mutex
	session   *backend.Session
}

// allows reports whether the agent may call name on session. A compound
// tool is allowed by its own name or by the tool server it fronts.
func (a *agentState) allows(session *backend.Session, name string) bool {
	if a.allowed == nil || a.allowed[name] {
		return true
	}
	if session == nil {
		return false
	}
	server, ok := session.ToolServer(name)
	return ok && a.allowed[server]
}

type convState struct {
	id      string
	agent   *agentState
	session *backend.Session
}

type turnState struct {
	token     string
	prompt    string
	agent     *agentState
	session   *backend.Session
	workspace string
	started   time.Time

	// Guarded by Service.mu.
	convID string
	reply  strings.Builder
	done   bool
}

type outcome struct {
	err       string
	cancelled bool
}

// Service orchestrates conversations for one lead agent and its sub-agents.
type Service struct {
	pool        Pool
	logger      *slog.Logger
	events      *Broadcaster
	workspaces  *WorkspaceTable
	handled     *dedupe.Set
	ownHandled  bool
	history     HistorySource
	transcripts TranscriptSink
	model       string
	limit       int

	mu     sync.Mutex
	agents map[string]*agentState
	convs  map[string]*convState
	turns  map[string]*turnState
	wired  map[*backend.Session][]func()
	closed bool
}

// New creates a Service.
func New(cfg Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	limit := cfg.SummaryLimit
	if limit == 0 {
		limit = SummaryLimit
	}
	handled, own := cfg.Handled, false
	if handled == nil {
		handled, own = dedupe.NewDefault(), true
	}
	s := &Service{
		pool:        cfg.Pool,
		logger:      logger.With("component", "conversation"),
		events:      NewBroadcaster(logger),
		workspaces:  NewWorkspaceTable(),
		handled:     handled,
		ownHandled:  own,
		history:     cfg.History,
		transcripts: cfg.Transcripts,
		model:       cfg.DefaultModel,
		limit:       limit,
		agents:      make(map[string]*agentState),
		convs:       make(map[string]*convState),
		turns:       make(map[string]*turnState),
		wired:       make(map[*backend.Session][]func()),
	}
	s.agents[LeadAgent] = &agentState{id: LeadAgent, workspace: cfg.LeadWorkspace}
	return s
}

// Subscribe returns the outward event stream. It closes when ctx ends or
// the service closes.
func (s *Service) Subscribe(ctx context.Context) <-chan ChatEvent {
	ch, _ := s.events.Subscribe(ctx)
	return ch
}

// Workspaces exposes the per-conversation workspace overrides.
func (s *Service) Workspaces() *WorkspaceTable { return s.workspaces }

// SendTurn starts a turn and returns once the backend accepted it. Its
// events, ending with exactly one Done, arrive on the subscription.
func (s *Service) SendTurn(ctx context.Context, req TurnRequest) (*Turn, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, ErrEmptyMessage
	}

	agent, err := s.resolveAgent(req)
	if err != nil {
		return nil, err
	}
	session, err := s.sessionFor(ctx, agent)
	if err != nil {
		return nil, fmt.Errorf("acquire session for agent %s: %w", agent.id, err)
	}
	s.wire(session)

	workspace := req.Workspace
	if workspace == "" {
		workspace = agent.workspace
	}
	turn := &turnState{
		token:     uuid.NewString(),
		prompt:    req.Text,
		agent:     agent,
		session:   session,
		workspace: workspace,
		started:   time.Now(),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrServiceClosed
	}
	s.turns[turn.token] = turn
	if req.ConversationID != "" {
		s.bindLocked(turn, req.ConversationID)
	}
	s.mu.Unlock()

	model := req.Model
	if model == "" {
		model = s.model
	}
	var ref backend.ConversationRef
	if req.ConversationID == "" {
		ref, err = session.CreateConversation(ctx, backend.CreateRequest{
			WorkDoneToken:   turn.token,
			Message:         req.Text,
			History:         s.historyTurns(),
			Model:           model,
			ChatMode:        req.ToolMode.chatMode(),
			WorkspaceFolder: workspace,
		})
	} else {
		ref, err = session.ContinueConversation(ctx, backend.TurnRequest{
			WorkDoneToken:   turn.token,
			ConversationID:  req.ConversationID,
			Message:         req.Text,
			Model:           model,
			ChatMode:        req.ToolMode.chatMode(),
			WorkspaceFolder: workspace,
		})
	}
	if err != nil {
		s.finish(turn, outcome{err: err.Error()})
		return nil, err
	}

	s.mu.Lock()
	if turn.convID == "" && ref.ConversationID != "" {
		s.bindLocked(turn, ref.ConversationID)
	}
	convID := turn.convID
	s.mu.Unlock()

	s.logger.Debug("turn started", "token", turn.token, "conversation_id", convID, "agent_id", agent.id)
	return &Turn{Token: turn.token, ConversationID: convID, AgentID: agent.id}, nil
}

func (s *Service) resolveAgent(req TurnRequest) (*agentState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrServiceClosed
	}

	var owner *agentState
	if req.ConversationID != "" {
		if conv, ok := s.convs[req.ConversationID]; ok {
			owner = conv.agent
		}
	}
	switch {
	case req.AgentID == "" && owner != nil:
		return owner, nil
	case req.AgentID == "":
		return s.agents[LeadAgent], nil
	}
	agent, ok := s.agents[req.AgentID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, req.AgentID)
	}
	if owner != nil && owner != agent {
		return nil, fmt.Errorf("%w: %s is owned by %s", ErrWrongAgent, req.ConversationID, owner.id)
	}
	return agent, nil
}

// sessionFor returns the agent's live session, replacing a failed one.
func (s *Service) sessionFor(ctx context.Context, agent *agentState) (*backend.Session, error) {
	agent.acquireMu.Lock()
	defer agent.acquireMu.Unlock()

	s.mu.Lock()
	current := agent.session
	s.mu.Unlock()
	if current != nil && !current.Failed() {
		return current, nil
	}
	if current != nil {
		s.mu.Lock()
		agent.session = nil
		s.mu.Unlock()
		if err := s.pool.Release(ctx, agent.tools); err != nil {
			s.logger.Debug("releasing failed session", "agent_id", agent.id, "error", err)
		}
	}

	session, err := s.pool.Acquire(ctx, agent.tools)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	agent.session = session
	s.mu.Unlock()
	return session, nil
}

// wire installs the service's hooks on a session once.
func (s *Service) wire(session *backend.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.wired[session]; ok {
		return
	}
	session.SetToolCallHandler(s.toolCallHandler(session))
	session.SetConfirmationHandler(s.confirmHandler(session))
	s.wired[session] = []func(){
		session.OnProgress(func(p backend.Progress) { s.onProgress(session, p) }),
		session.OnFailure(func(err error) { s.onSessionFailure(session, err) }),
	}
}

func (s *Service) unwireLocked(session *backend.Session) {
	removers, ok := s.wired[session]
	if !ok {
		return
	}
	delete(s.wired, session)
	for _, remove := range removers {
		remove()
	}
	session.SetToolCallHandler(nil)
	session.SetConfirmationHandler(nil)
}

// bindLocked attaches a conversation id to a turn. Callers hold mu.
func (s *Service) bindLocked(turn *turnState, convID string) {
	turn.convID = convID
	if _, ok := s.convs[convID]; !ok {
		s.convs[convID] = &convState{id: convID, agent: turn.agent, session: turn.session}
	}
	if turn.workspace != "" {
		s.workspaces.Set(convID, turn.workspace)
	}
}

// conversationLocked finds the owner of a callback's conversation. A
// callback can beat both the begin event and the create response; then the
// single unbound turn on that session is adopted.
func (s *Service) conversationLocked(session *backend.Session, convID string) (*convState, bool) {
	if conv, ok := s.convs[convID]; ok {
		return conv, true
	}
	if convID == "" {
		return nil, false
	}
	var candidate *turnState
	for _, t := range s.turns {
		if t.session != session || t.convID != "" || t.done {
			continue
		}
		if candidate != nil {
			return nil, false
		}
		candidate = t
	}
	if candidate == nil {
		return nil, false
	}
	s.bindLocked(candidate, convID)
	return s.convs[convID], true
}

func (s *Service) activeTokenLocked(convID string) string {
	for _, t := range s.turns {
		if t.convID == convID && !t.done {
			return t.token
		}
	}
	return ""
}

func (s *Service) historyTurns() []backend.HistoryTurn {
	if s.history == nil {
		return nil
	}
	var turns []backend.HistoryTurn
	for _, m := range s.history.Messages() {
		switch m.Role {
		case RoleUser:
			turns = append(turns, backend.HistoryTurn{Request: m.Content})
		case RoleAssistant:
			if n := len(turns); n > 0 && turns[n-1].Response == "" {
				turns[n-1].Response = m.Content
			}
		}
	}
	return turns
}

func (s *Service) onProgress(session *backend.Session, p backend.Progress) {
	s.mu.Lock()
	turn, ok := s.turns[p.Token]
	if !ok || turn.done || turn.session != session {
		s.mu.Unlock()
		return
	}
	if turn.convID == "" && p.ConversationID != "" {
		s.bindLocked(turn, p.ConversationID)
	}
	base := ChatEvent{Token: turn.token, ConversationID: turn.convID, AgentID: turn.agent.id}

	var events []ChatEvent
	if p.Reply != "" {
		turn.reply.WriteString(p.Reply)
		ev := base
		ev.Kind, ev.Text = EventDelta, p.Reply
		events = append(events, ev)
	}
	for _, round := range p.Rounds {
		if round.Reply != "" {
			turn.reply.WriteString(round.Reply)
			ev := base
			ev.Kind, ev.Text, ev.Round = EventAgentRound, round.Reply, round.RoundID
			events = append(events, ev)
		}
		for _, tc := range round.ToolCalls {
			events = append(events, s.roundToolEvents(base, round.RoundID, tc)...)
		}
	}
	s.mu.Unlock()

	for _, ev := range events {
		s.events.Publish(ev)
	}
	if p.Kind == backend.ProgressEnd {
		s.finish(turn, outcome{err: p.Error, cancelled: p.CancellationReason != ""})
	}
}

// roundToolEvents surfaces a tool call the backend reported inside a round,
// unless a direct callback already did.
func (s *Service) roundToolEvents(base ChatEvent, round int, tc backend.RoundToolCall) []ChatEvent {
	if tc.ID == "" {
		return nil
	}
	key := dedupe.CallKey(base.ConversationID, tc.ID)
	if s.handled.Has(key + "|callback") {
		return nil
	}
	var out []ChatEvent
	if s.handled.Add(key + "|call") {
		ev := base
		ev.Kind, ev.ToolName, ev.ToolCallID, ev.ToolInput, ev.Round = EventToolCall, tc.Name, tc.ID, tc.Input, round
		out = append(out, ev)
	}
	if tc.Finished() && s.handled.Add(key+"|result") {
		text := roundResultText(tc.Result)
		if tc.Error != "" {
			text = tc.Error
		}
		ev := base
		ev.Kind, ev.ToolName, ev.ToolCallID, ev.Round = EventToolResult, tc.Name, tc.ID, round
		ev.Text = Summarize(text, s.limit)
		ev.IsError = tc.Status == "error" || tc.Error != ""
		out = append(out, ev)
	}
	return out
}

// finish ends a turn exactly once: an optional Error, then Done.
func (s *Service) finish(turn *turnState, o outcome) {
	s.mu.Lock()
	if turn.done {
		s.mu.Unlock()
		return
	}
	turn.done = true
	delete(s.turns, turn.token)
	reply := turn.reply.String()
	convID := turn.convID
	s.mu.Unlock()

	base := ChatEvent{Token: turn.token, ConversationID: convID, AgentID: turn.agent.id}
	if o.err != "" {
		ev := base
		ev.Kind, ev.Text, ev.IsError = EventError, o.err, true
		s.events.Publish(ev)
	}
	done := base
	done.Kind, done.Text, done.Cancelled = EventDone, reply, o.cancelled
	s.events.Publish(done)

	if s.transcripts == nil {
		return
	}
	rec := TurnRecord{
		Token:          turn.token,
		ConversationID: convID,
		AgentID:        turn.agent.id,
		Prompt:         turn.prompt,
		Reply:          reply,
		Cancelled:      o.cancelled,
		Err:            o.err,
		StartedAt:      turn.started,
		EndedAt:        time.Now(),
	}
	if err := s.transcripts.RecordTurn(context.Background(), rec); err != nil {
		s.logger.Warn("recording transcript failed", "conversation_id", convID, "error", err)
	}
}

// Cancel stops a turn. The backend is told to stop, local state is dropped
// and a Done event is emitted even if the backend never answers.
func (s *Service) Cancel(ctx context.Context, token string) error {
	s.mu.Lock()
	turn, ok := s.turns[token]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTurn, token)
	}
	if err := turn.session.CancelProgress(ctx, token); err != nil {
		s.logger.Warn("cancel request failed", "token", token, "error", err)
	}
	s.finish(turn, outcome{cancelled: true})
	return nil
}

func (s *Service) toolCallHandler(session *backend.Session) backend.ToolCallHandler {
	return func(ctx context.Context, call backend.ToolCall) any {
		s.mu.Lock()
		conv, ok := s.conversationLocked(session, call.ConversationID)
		var token string
		if ok {
			token = s.activeTokenLocked(conv.id)
		}
		s.mu.Unlock()
		if !ok {
			s.logger.Warn("tool call for unknown conversation",
				"conversation_id", call.ConversationID, "tool_name", call.Name)
			return backend.Reject(call.Name, fmt.Sprintf("unknown conversation %q", call.ConversationID))
		}

		agent := conv.agent
		base := ChatEvent{Token: token, ConversationID: conv.id, AgentID: agent.id}
		if !agent.allows(session, call.Name) {
			msg := fmt.Sprintf("tool %q is not available in this conversation", call.Name)
			s.logger.Warn("tool call rejected", "conversation_id", conv.id, "agent_id", agent.id, "tool_name", call.Name)
			ev := base
			ev.Kind, ev.ToolName, ev.ToolCallID, ev.Round = EventToolResult, call.Name, call.ToolCallID, call.RoundID
			ev.Text, ev.IsError = msg, true
			s.events.Publish(ev)
			return backend.Reject(call.Name, msg)
		}

		s.handled.Touch(dedupe.CallKey(conv.id, call.ToolCallID) + "|callback")
		ev := base
		ev.Kind, ev.ToolName, ev.ToolCallID, ev.ToolInput, ev.Round = EventToolCall, call.Name, call.ToolCallID, call.Input, call.RoundID
		s.events.Publish(ev)

		if root, ok := s.workspaces.Get(conv.id); ok {
			call.WorkspaceRoot = root
		}
		var out any
		if agent.handler != nil {
			out = agent.handler(ctx, call)
		} else {
			out = session.Dispatch(ctx, call)
		}

		text, isErr := resultText(out)
		res := base
		res.Kind, res.ToolName, res.ToolCallID, res.Round = EventToolResult, call.Name, call.ToolCallID, call.RoundID
		res.Text, res.IsError = Summarize(text, s.limit), isErr
		s.events.Publish(res)
		return out
	}
}

func (s *Service) confirmHandler(session *backend.Session) backend.ConfirmationHandler {
	return func(_ context.Context, call backend.ToolCall) bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		conv, ok := s.conversationLocked(session, call.ConversationID)
		return ok && conv.agent.allows(session, call.Name)
	}
}

func (s *Service) onSessionFailure(session *backend.Session, err error) {
	s.mu.Lock()
	var affected []*turnState
	for _, t := range s.turns {
		if t.session == session && !t.done {
			affected = append(affected, t)
		}
	}
	for id, c := range s.convs {
		if c.session == session {
			delete(s.convs, id)
			s.workspaces.Delete(id)
		}
	}
	s.unwireLocked(session)
	s.mu.Unlock()

	s.logger.Error("backend session lost", "turns", len(affected), "error", err)
	for _, t := range affected {
		s.finish(t, outcome{err: "backend connection lost: " + err.Error()})
	}
}

// SpawnAgent creates a sub-agent with its own allow-list and acquires a
// session for its tool set.
func (s *Service) SpawnAgent(ctx context.Context, as AgentSpec) (*Agent, error) {
	id := as.ID
	if id == "" {
		id = uuid.NewString()
	}
	agent := &agentState{
		id:        id,
		tools:     append([]string(nil), as.Tools...),
		workspace: as.Workspace,
		handler:   as.Handler,
	}
	if len(as.Tools) > 0 {
		agent.allowed = make(map[string]bool, len(as.Tools))
		for _, name := range as.Tools {
			agent.allowed[name] = true
		}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrServiceClosed
	}
	if _, exists := s.agents[id]; exists {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAgentExists, id)
	}
	s.agents[id] = agent
	s.mu.Unlock()

	session, err := s.sessionFor(ctx, agent)
	if err != nil {
		s.mu.Lock()
		delete(s.agents, id)
		s.mu.Unlock()
		return nil, fmt.Errorf("acquire session for agent %s: %w", id, err)
	}
	s.wire(session)

	s.logger.Info("agent spawned", "agent_id", id, "tools", len(as.Tools))
	return &Agent{ID: id, Tools: agent.tools, Workspace: agent.workspace}, nil
}

// CloseAgent cancels the agent's turns, forgets its conversations and
// releases its session.
func (s *Service) CloseAgent(ctx context.Context, id string) error {
	if id == LeadAgent {
		return ErrLeadAgent
	}
	s.mu.Lock()
	agent, ok := s.agents[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownAgent, id)
	}
	delete(s.agents, id)
	var active []*turnState
	for _, t := range s.turns {
		if t.agent == agent {
			active = append(active, t)
		}
	}
	for cid, c := range s.convs {
		if c.agent == agent {
			delete(s.convs, cid)
			s.workspaces.Delete(cid)
		}
	}
	session := agent.session
	agent.session = nil
	s.mu.Unlock()

	for _, t := range active {
		if err := t.session.CancelProgress(ctx, t.token); err != nil {
			s.logger.Debug("cancel on agent close failed", "token", t.token, "error", err)
		}
		s.finish(t, outcome{cancelled: true})
	}

	if session == nil {
		return nil
	}
	s.mu.Lock()
	if !s.sessionInUseLocked(session) {
		s.unwireLocked(session)
	}
	s.mu.Unlock()
	s.logger.Info("agent closed", "agent_id", id)
	return s.pool.Release(ctx, agent.tools)
}

func (s *Service) sessionInUseLocked(session *backend.Session) bool {
	for _, a := range s.agents {
		if a.session == session {
			return true
		}
	}
	return false
}

// Agents lists live agents, the lead included.
func (s *Service) Agents() []Agent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Agent, 0, len(s.agents))
	for _, a := range s.agents {
		out = append(out, Agent{ID: a.id, Tools: a.tools, Workspace: a.workspace})
	}
	return out
}

// ActiveTurns counts turns that have not finished.
func (s *Service) ActiveTurns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.turns)
}

// Close cancels every turn, releases sub-agent sessions and ends all
// subscriptions. The pool itself stays open.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	turns := make([]*turnState, 0, len(s.turns))
	for _, t := range s.turns {
		turns = append(turns, t)
	}
	agents := make([]*agentState, 0, len(s.agents))
	for _, a := range s.agents {
		agents = append(agents, a)
	}
	for session := range s.wired {
		s.unwireLocked(session)
	}
	s.mu.Unlock()

	for _, t := range turns {
		if err := t.session.CancelProgress(ctx, t.token); err != nil {
			s.logger.Debug("cancel on close failed", "token", t.token, "error", err)
		}
		s.finish(t, outcome{cancelled: true})
	}

	var errs []error
	for _, a := range agents {
		if a.session == nil {
			continue
		}
		if err := s.pool.Release(ctx, a.tools); err != nil && a.id != LeadAgent {
			errs = append(errs, err)
		}
	}
	s.events.Close()
	if s.ownHandled {
		s.handled.Close()
	}
	return errors.Join(errs...)
}
