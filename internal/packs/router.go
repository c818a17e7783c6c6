// ABOUTME: Dispatches backend tool calls to in-process executors.
// ABOUTME: Validates arguments, recovers panics, reports file changes and wraps results.

package packs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrToolNotFound indicates the requested tool is not registered.
var ErrToolNotFound = errors.New("tool not found")

// DefaultTimeout bounds a single executor run.
const DefaultTimeout = 2 * time.Minute

// Call is one backend-initiated tool invocation.
type Call struct {
	Name           string
	Args           map[string]any
	ConversationID string
	TurnID         string
	RoundID        int
	ToolCallID     string
	// WorkspaceRoot overrides the router default when set.
	WorkspaceRoot string
}

// RouterConfig contains configuration options for the Router.
type RouterConfig struct {
	Registry      *Registry
	Logger        *slog.Logger
	Timeout       time.Duration
	WorkspaceRoot string
	FileChanged   FileChangedFunc
}

// Router executes local tools.
type Router struct {
	registry    *Registry
	logger      *slog.Logger
	timeout     time.Duration
	root        string
	fileChanged FileChangedFunc
}

// NewRouter creates a new Router with the given configuration.
func NewRouter(cfg RouterConfig) *Router {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		registry:    cfg.Registry,
		logger:      logger.With("component", "tool_router"),
		timeout:     timeout,
		root:        cfg.WorkspaceRoot,
		fileChanged: cfg.FileChanged,
	}
}

// HasTool reports whether a local tool with that name exists.
func (r *Router) HasTool(name string) bool {
	_, ok := r.registry.Get(name)
	return ok
}

// Invoke runs a tool and returns the value to place in the protocol response.
// It never fails: every problem becomes an error result in the right envelope.
func (r *Router) Invoke(ctx context.Context, call Call) any {
	tool, ok := r.registry.Get(call.Name)
	if !ok {
		r.logger.Warn("tool not found", "tool_name", call.Name, "tool_call_id", call.ToolCallID)
		msg := fmt.Sprintf("%v: %s", ErrToolNotFound, call.Name)
		return Envelope("Error: "+msg, ResultError, &EnvelopeError{Message: msg})
	}

	out, err := r.execute(ctx, tool, call)
	if err != nil {
		r.logger.Warn("tool execution failed",
			"tool_name", call.Name,
			"tool_call_id", call.ToolCallID,
			"error", err,
		)
		return wrap(tool.Class, nil, err)
	}

	r.logger.Debug("tool executed", "tool_name", call.Name, "class", tool.Class.String())
	return wrap(tool.Class, out, nil)
}

func (r *Router) execute(ctx context.Context, tool *Tool, call Call) (out any, err error) {
	if err := tool.validator.Validate(call.Args); err != nil {
		return nil, err
	}

	root := call.WorkspaceRoot
	if root == "" {
		root = r.root
	}
	env := ExecEnv{
		WorkspaceRoot:  root,
		ConversationID: call.ConversationID,
		FileChanged:    r.fileChanged,
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("tool executor panic", "tool_name", tool.Name, "panic", p)
			out, err = nil, fmt.Errorf("tool %s panicked: %v", tool.Name, p)
		}
	}()

	args := call.Args
	if args == nil {
		args = map[string]any{}
	}
	out, err = tool.Executor(ctx, env, args)
	if err != nil {
		return nil, err
	}

	if tool.Mutating && r.fileChanged != nil {
		if m, ok := asMutation(out); ok && m.Succeeded() {
			for _, p := range m.Paths() {
				r.fileChanged(p)
			}
		}
	}
	return out, nil
}
