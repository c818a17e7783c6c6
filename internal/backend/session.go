// ABOUTME: Session owns one backend transport and walks it from spawn to Ready.
// ABOUTME: Inbound backend requests are answered here; progress fans out to listeners.

package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/2389/coven-relay/internal/aggregate"
	"github.com/2389/coven-relay/internal/jsonrpc"
	"github.com/2389/coven-relay/internal/jsonx"
	"github.com/2389/coven-relay/internal/packs"
	"github.com/2389/coven-relay/internal/toolserver"
)

// Defaults for Config fields left zero.
const (
	DefaultFeatureFlagWait = 1500 * time.Millisecond
	DefaultShutdownTimeout = 2 * time.Second
)

// Config configures a Session.
type Config struct {
	// Name labels the session in logs.
	Name   string
	Dialer Dialer
	Logger *slog.Logger

	Credentials CredentialStore
	Editor      EditorInfo
	Plugin      EditorInfo

	WorkspaceRoot  string
	Proxy          string
	ProxyStrictSSL bool

	Routing     Routing
	ToolServers []toolserver.ServerConfig
	Servers     toolserver.ManagerConfig
	Aggregate   aggregate.Options

	// Registry holds local tools. AllowedTools limits which local and
	// compound tools are registered; nil means all of them.
	Registry     *packs.Registry
	AllowedTools []string
	FileChanged  packs.FileChangedFunc
	ToolTimeout  time.Duration

	FeatureFlagWait time.Duration
	RequestTimeout  time.Duration
	ShutdownTimeout time.Duration

	now func() time.Time
}

// ToolCallHandler answers a conversation/invokeClientTool request. The
// returned value is the response result.
type ToolCallHandler func(ctx context.Context, call ToolCall) any

// ConfirmationHandler decides whether a tool call may proceed.
type ConfirmationHandler func(ctx context.Context, call ToolCall) bool

// Session is one backend connection and the tool servers it owns.
type Session struct {
	cfg     Config
	logger  *slog.Logger
	allowed map[string]bool

	registry *packs.Registry
	router   *packs.Router
	servers  *toolserver.Manager
	agg      *aggregate.Aggregator

	startMu sync.Mutex
	toolMu  sync.Mutex

	mu          sync.RWMutex
	state       State
	err         error
	authStatus  string
	user        string
	flags       map[string]any
	serverSide  bool
	registered  []string
	toolServers []toolserver.ServerConfig

	conn       *jsonrpc.Conn
	flagsReady chan struct{}
	flagsOnce  sync.Once
	closeOnce  sync.Once

	hookMu     sync.RWMutex
	nextHook   int
	onProgress map[int]func(Progress)
	onFailure  map[int]func(error)
	onTool     ToolCallHandler
	onConfirm  ConfirmationHandler
}

// NewSession builds an unstarted session.
func NewSession(cfg Config) *Session {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Name != "" {
		logger = logger.With("session", cfg.Name)
	}
	if cfg.Routing == "" {
		cfg.Routing = RoutingAuto
	}
	if cfg.FeatureFlagWait == 0 {
		cfg.FeatureFlagWait = DefaultFeatureFlagWait
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = jsonrpc.DefaultTimeout
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.now == nil {
		cfg.now = time.Now
	}
	if cfg.Servers.Logger == nil {
		cfg.Servers.Logger = logger
	}
	registry := cfg.Registry
	if registry == nil {
		registry = packs.NewRegistry(logger)
	}

	var allowed map[string]bool
	if cfg.AllowedTools != nil {
		allowed = make(map[string]bool, len(cfg.AllowedTools))
		for _, name := range cfg.AllowedTools {
			allowed[name] = true
		}
	}

	servers := toolserver.NewManager(cfg.Servers)
	s := &Session{
		cfg:      cfg,
		logger:   logger.With("component", "backend"),
		allowed:  allowed,
		registry: registry,
		router: packs.NewRouter(packs.RouterConfig{
			Registry:      registry,
			Logger:        logger,
			Timeout:       cfg.ToolTimeout,
			WorkspaceRoot: cfg.WorkspaceRoot,
			FileChanged:   cfg.FileChanged,
		}),
		servers:     servers,
		agg:         aggregate.New(servers, cfg.Aggregate, logger),
		toolServers: cfg.ToolServers,
		flagsReady:  make(chan struct{}),
		onProgress:  make(map[int]func(Progress)),
		onFailure:   make(map[int]func(error)),
	}
	return s
}

func (s *Session) now() time.Time { return s.cfg.now() }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Failed reports whether the session can no longer be used.
func (s *Session) Failed() bool {
	return s.State() == StateFailed
}

// Err returns the failure that moved the session to Failed, if any.
func (s *Session) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

// AuthStatus is the last status reported by checkStatus.
func (s *Session) AuthStatus() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.authStatus
}

// User is the signed-in user reported by the backend.
func (s *Session) User() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.user
}

// ServerSideTools reports whether tool servers were pushed to the backend.
func (s *Session) ServerSideTools() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.serverSide
}

// FeatureFlags returns a copy of the flags the backend announced.
func (s *Session) FeatureFlags() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any, len(s.flags))
	for k, v := range s.flags {
		out[k] = v
	}
	return out
}

// RegisteredTools lists the tool names last sent to the backend.
func (s *Session) RegisteredTools() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.registered...)
}

// ToolServers exposes the handles of client-side tool servers.
func (s *Session) ToolServers() []*toolserver.Handle {
	return s.servers.Handles()
}

// CompoundTools lists the aggregated tool server entries.
func (s *Session) CompoundTools() []*aggregate.Entry {
	return s.agg.Entries()
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed || s.state == StateFailed {
		return
	}
	s.logger.Debug("session state", "from", s.state.String(), "to", st.String())
	s.state = st
}

func (s *Session) setAuthStatus(status string) {
	s.mu.Lock()
	s.authStatus = status
	s.mu.Unlock()
}

func (s *Session) setUser(user string) {
	if user == "" {
		return
	}
	s.mu.Lock()
	s.user = user
	s.mu.Unlock()
}

// Start runs the handshake, auth and configuration phases. Concurrent
// callers wait for one run; later callers see its outcome.
func (s *Session) Start(ctx context.Context) error {
	s.startMu.Lock()
	defer s.startMu.Unlock()

	switch s.State() {
	case StateReady:
		return nil
	case StateFailed:
		return s.Err()
	case StateClosed:
		return ErrSessionClosed
	}

	if err := s.start(ctx); err != nil {
		s.fail(err)
		if s.State() == StateClosed {
			return ErrSessionClosed
		}
		return err
	}
	s.setState(StateReady)
	if s.State() != StateReady {
		return ErrSessionClosed
	}
	s.logger.Info("backend session ready",
		"user", s.User(),
		"server_side_tools", s.ServerSideTools(),
		"tools", len(s.RegisteredTools()),
	)
	return nil
}

func (s *Session) start(ctx context.Context) error {
	s.setState(StateStarting)
	if s.cfg.Dialer == nil {
		return &jsonrpc.TransportError{Op: "dial", Err: errors.New("no dialer configured")}
	}
	rwc, err := s.cfg.Dialer.Dial(ctx)
	if err != nil {
		var te *jsonrpc.TransportError
		if errors.As(err, &te) {
			return err
		}
		return &jsonrpc.TransportError{Op: "dial", Err: err}
	}

	conn := jsonrpc.NewConn(jsonrpc.NewFramedCodec(rwc, rwc, rwc), jsonrpc.Options{
		Name:           "backend",
		Logger:         s.logger,
		DefaultTimeout: s.cfg.RequestTimeout,
	})
	s.mu.Lock()
	s.conn = conn
	closed := s.state == StateClosed
	s.mu.Unlock()
	if closed {
		_ = conn.Close()
		return ErrSessionClosed
	}
	s.installHandlers(conn)
	conn.Start()
	go s.watch(conn)

	if err := s.initialize(ctx); err != nil {
		return err
	}

	s.setState(StateAwaitingAuth)
	if err := s.authenticate(ctx); err != nil {
		return err
	}

	s.setState(StateConfiguring)
	return s.configure(ctx)
}

func (s *Session) initialize(ctx context.Context) error {
	info := editorInfoParams{EditorInfo: s.cfg.Editor, EditorPluginInfo: s.cfg.Plugin}
	params := initializeParams{
		ProcessID:             os.Getpid(),
		ClientInfo:            s.cfg.Plugin,
		Capabilities:          map[string]any{"workspace": map[string]any{"workspaceFolders": true}},
		InitializationOptions: info,
	}
	if root := s.cfg.WorkspaceRoot; root != "" {
		params.WorkspaceFolders = []workspaceFolder{{URI: fileURI(root), Name: filepath.Base(root)}}
	}
	if err := s.conn.Call(ctx, MethodInitialize, params, nil); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	if err := s.conn.Notify(ctx, MethodInitialized, map[string]any{}); err != nil {
		return fmt.Errorf("initialized: %w", err)
	}
	if err := s.conn.Call(ctx, MethodSetEditorInfo, info, nil); err != nil {
		if !errors.Is(err, jsonrpc.ErrRemote) {
			return fmt.Errorf("set editor info: %w", err)
		}
		s.logger.Warn("backend rejected editor info", "error", err)
	}
	return nil
}

// fail records err and releases the transport.
func (s *Session) fail(err error) {
	s.mu.Lock()
	if s.state != StateClosed && s.state != StateFailed {
		s.state = StateFailed
		s.err = err
	}
	conn := s.conn
	s.mu.Unlock()

	s.logger.Error("backend session failed", "error", err)
	if conn != nil {
		_ = conn.Close()
	}
	if stopErr := s.servers.StopAll(); stopErr != nil {
		s.logger.Warn("stopping tool servers", "error", stopErr)
	}
}

// watch escalates transport death while the session is live.
func (s *Session) watch(conn *jsonrpc.Conn) {
	<-conn.Done()

	s.mu.Lock()
	prev := s.state
	if prev == StateClosed || prev == StateFailed {
		s.mu.Unlock()
		return
	}
	cause := conn.Err()
	if cause == nil {
		cause = io.EOF
	}
	err := &jsonrpc.TransportError{Op: "read", Err: cause}
	s.state = StateFailed
	s.err = err
	s.mu.Unlock()

	// Unblocks in-flight calls instead of letting them run to their timeout.
	_ = conn.Close()

	s.logger.Error("backend transport lost", "state", prev.String(), "error", cause)
	if prev != StateReady {
		return
	}
	if stopErr := s.servers.StopAll(); stopErr != nil {
		s.logger.Warn("stopping tool servers", "error", stopErr)
	}
	s.hookMu.RLock()
	hooks := make([]func(error), 0, len(s.onFailure))
	for _, fn := range s.onFailure {
		hooks = append(hooks, fn)
	}
	s.hookMu.RUnlock()
	for _, fn := range hooks {
		fn(err)
	}
}

// Close shuts the backend down within the shutdown timeout and stops tool
// servers. It is safe to call more than once.
func (s *Session) Close(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		prev := s.state
		s.state = StateClosed
		conn := s.conn
		s.mu.Unlock()

		if conn != nil {
			if prev == StateReady {
				sctx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
				if callErr := conn.CallWithTimeout(sctx, MethodShutdown, nil, nil, s.cfg.ShutdownTimeout); callErr != nil {
					s.logger.Debug("backend shutdown request failed", "error", callErr)
				}
				cancel()
				_ = conn.Notify(ctx, MethodExit, nil)
			}
			err = conn.Close()
		}
		err = errors.Join(err, s.servers.StopAll())
		s.logger.Info("backend session closed")
	})
	return err
}

// Done is closed when the transport stops.
func (s *Session) Done() <-chan struct{} {
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()
	if conn == nil {
		ch := make(chan struct{})
		return ch
	}
	return conn.Done()
}

func (s *Session) ready() (*jsonrpc.Conn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	switch s.state {
	case StateReady:
		return s.conn, nil
	case StateClosed:
		return nil, ErrSessionClosed
	case StateFailed:
		return nil, fmt.Errorf("%w: %v", ErrNotReady, s.err)
	default:
		return nil, ErrNotReady
	}
}

// CreateConversation opens a conversation with its first turn.
func (s *Session) CreateConversation(ctx context.Context, req CreateRequest) (ConversationRef, error) {
	conn, err := s.ready()
	if err != nil {
		return ConversationRef{}, err
	}
	turns := append(append([]HistoryTurn(nil), req.History...), HistoryTurn{Request: req.Message})
	params := createParams{
		WorkDoneToken:   req.WorkDoneToken,
		Turns:           turns,
		Capabilities:    createCaps{AllSkills: true, Skills: []string{}},
		Source:          "panel",
		ChatMode:        req.ChatMode,
		Model:           req.Model,
		WorkspaceFolder: s.workspaceFolder(req.WorkspaceFolder),
	}
	if folder := params.WorkspaceFolder; folder != "" {
		params.WorkspaceFolders = []workspaceFolder{{URI: folder, Name: filepath.Base(folder)}}
	}
	var raw jsonx.RawMessage
	if err := conn.Call(ctx, MethodCreate, params, &raw); err != nil {
		return ConversationRef{}, fmt.Errorf("create conversation: %w", err)
	}
	return decodeRef(raw)
}

// ContinueConversation sends a follow-up turn.
func (s *Session) ContinueConversation(ctx context.Context, req TurnRequest) (ConversationRef, error) {
	conn, err := s.ready()
	if err != nil {
		return ConversationRef{}, err
	}
	params := turnParams{
		WorkDoneToken:   req.WorkDoneToken,
		ConversationID:  req.ConversationID,
		Message:         req.Message,
		Source:          "panel",
		ChatMode:        req.ChatMode,
		Model:           req.Model,
		WorkspaceFolder: s.workspaceFolder(req.WorkspaceFolder),
	}
	var raw jsonx.RawMessage
	if err := conn.Call(ctx, MethodTurn, params, &raw); err != nil {
		return ConversationRef{}, fmt.Errorf("continue conversation: %w", err)
	}
	ref, err := decodeRef(raw)
	if ref.ConversationID == "" {
		ref.ConversationID = req.ConversationID
	}
	return ref, err
}

// CancelProgress asks the backend to stop the turn behind token.
func (s *Session) CancelProgress(ctx context.Context, token string) error {
	conn, err := s.ready()
	if err != nil {
		return err
	}
	return conn.Notify(ctx, MethodCancelProgress, cancelParams{Token: token})
}

func (s *Session) workspaceFolder(override string) string {
	if override != "" {
		return fileURI(override)
	}
	if s.cfg.WorkspaceRoot != "" {
		return fileURI(s.cfg.WorkspaceRoot)
	}
	return ""
}

func fileURI(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	return "file://" + filepath.ToSlash(path)
}

// decodeRef accepts a bare object or the [object, null] pair some backend
// builds return.
func decodeRef(raw jsonx.RawMessage) (ConversationRef, error) {
	var ref ConversationRef
	if len(raw) == 0 || string(raw) == "null" {
		return ref, nil
	}
	if raw[0] == '[' {
		var pair []jsonx.RawMessage
		if err := jsonx.Unmarshal(raw, &pair); err != nil {
			return ref, &jsonrpc.ProtocolError{Reason: "decoding conversation reference", Err: err}
		}
		if len(pair) == 0 {
			return ref, nil
		}
		raw = pair[0]
	}
	if err := jsonx.Unmarshal(raw, &ref); err != nil {
		return ref, &jsonrpc.ProtocolError{Reason: "decoding conversation reference", Err: err}
	}
	return ref, nil
}

// OnProgress registers fn for every $/progress notification. Listeners run
// on the read loop in arrival order. The returned func removes fn.
func (s *Session) OnProgress(fn func(Progress)) func() {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	id := s.nextHook
	s.nextHook++
	s.onProgress[id] = fn
	return func() {
		s.hookMu.Lock()
		delete(s.onProgress, id)
		s.hookMu.Unlock()
	}
}

// OnFailure registers fn to run once if the transport dies while Ready.
func (s *Session) OnFailure(fn func(error)) func() {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	id := s.nextHook
	s.nextHook++
	s.onFailure[id] = fn
	return func() {
		s.hookMu.Lock()
		delete(s.onFailure, id)
		s.hookMu.Unlock()
	}
}

// SetToolCallHandler replaces the default local dispatch for
// conversation/invokeClientTool. Passing nil restores the default.
func (s *Session) SetToolCallHandler(h ToolCallHandler) {
	s.hookMu.Lock()
	s.onTool = h
	s.hookMu.Unlock()
}

// SetConfirmationHandler decides conversation/invokeClientToolConfirmation.
// The default accepts every call.
func (s *Session) SetConfirmationHandler(h ConfirmationHandler) {
	s.hookMu.Lock()
	s.onConfirm = h
	s.hookMu.Unlock()
}

func (s *Session) installHandlers(conn *jsonrpc.Conn) {
	conn.HandleRequest(MethodInvokeClientTool, s.handleInvokeTool)
	conn.HandleRequest(MethodConfirmTool, s.handleConfirm)
	conn.HandleRequest(MethodShowMessageReq, s.handleShowMessage)
	conn.HandleRequest(MethodConfiguration, s.handleConfiguration)
	conn.HandleRequest(MethodRegisterCap, func(context.Context, jsonx.RawMessage) (any, error) {
		return nil, nil
	})

	conn.HandleNotification(MethodProgress, s.handleProgress)
	conn.HandleNotification(MethodFeatureFlags, s.handleFeatureFlags)
	conn.HandleNotification(MethodLogMessage, s.handleLogMessage)
	conn.HandleOtherNotifications(func(method string, _ jsonx.RawMessage) {
		s.logger.Debug("backend notification ignored", "method", method)
	})
}

func (s *Session) handleInvokeTool(ctx context.Context, params jsonx.RawMessage) (any, error) {
	var call ToolCall
	if err := jsonx.Unmarshal(params, &call); err != nil {
		return nil, jsonrpc.NewError(jsonrpc.CodeInvalidParams, err.Error())
	}
	s.hookMu.RLock()
	h := s.onTool
	s.hookMu.RUnlock()
	if h == nil {
		return s.Dispatch(ctx, call), nil
	}
	return h(ctx, call), nil
}

func (s *Session) handleConfirm(ctx context.Context, params jsonx.RawMessage) (any, error) {
	var call ToolCall
	if err := jsonx.Unmarshal(params, &call); err != nil {
		return nil, jsonrpc.NewError(jsonrpc.CodeInvalidParams, err.Error())
	}
	s.hookMu.RLock()
	h := s.onConfirm
	s.hookMu.RUnlock()
	if h != nil && !h(ctx, call) {
		s.logger.Info("tool call dismissed", "tool_name", call.Name, "conversation_id", call.ConversationID)
		return confirmation(ConfirmDismiss), nil
	}
	return confirmation(ConfirmAccept), nil
}

func (s *Session) handleShowMessage(_ context.Context, params jsonx.RawMessage) (any, error) {
	var msg logMessageParams
	_ = jsonx.Unmarshal(params, &msg)
	s.logger.Info("backend message", "message", msg.Message)
	return nil, nil
}

func (s *Session) handleConfiguration(_ context.Context, params jsonx.RawMessage) (any, error) {
	var req configurationParams
	if err := jsonx.Unmarshal(params, &req); err != nil {
		return nil, jsonrpc.NewError(jsonrpc.CodeInvalidParams, err.Error())
	}
	out := make([]any, len(req.Items))
	for i, item := range req.Items {
		if item.Section == "http" && s.cfg.Proxy != "" {
			out[i] = s.proxySettings()
		}
	}
	return out, nil
}

func (s *Session) handleProgress(_ context.Context, params jsonx.RawMessage) {
	p, err := decodeProgress(params)
	if err != nil {
		s.logger.Warn("undecodable progress notification", "error", err)
		return
	}
	s.hookMu.RLock()
	hooks := make([]func(Progress), 0, len(s.onProgress))
	for _, fn := range s.onProgress {
		hooks = append(hooks, fn)
	}
	s.hookMu.RUnlock()
	for _, fn := range hooks {
		fn(p)
	}
}

func (s *Session) handleFeatureFlags(_ context.Context, params jsonx.RawMessage) {
	var flags map[string]any
	if err := jsonx.Unmarshal(params, &flags); err != nil {
		s.logger.Warn("undecodable feature flags", "error", err)
		return
	}
	s.mu.Lock()
	s.flags = flags
	s.mu.Unlock()
	s.flagsOnce.Do(func() { close(s.flagsReady) })
	s.logger.Debug("feature flags received", "flags", len(flags))
}

func (s *Session) handleLogMessage(_ context.Context, params jsonx.RawMessage) {
	var msg logMessageParams
	if err := jsonx.Unmarshal(params, &msg); err != nil {
		return
	}
	// window/logMessage types: 1 error, 2 warning, 3 info, 4 log.
	level := slog.LevelDebug
	switch msg.Type {
	case 1:
		level = slog.LevelError
	case 2:
		level = slog.LevelWarn
	case 3:
		level = slog.LevelInfo
	}
	s.logger.Log(context.Background(), level, "backend log", "message", msg.Message)
}
