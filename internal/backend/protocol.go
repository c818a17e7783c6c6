// ABOUTME: Wire shapes and method names of the backend's framed JSON-RPC dialect.
// ABOUTME: Only the fields this client reads or writes are modelled.

package backend

import (
	"github.com/spf13/cast"

	"github.com/2389/coven-relay/internal/jsonx"
)

// Client-initiated methods.
const (
	MethodInitialize       = "initialize"
	MethodInitialized      = "initialized"
	MethodSetEditorInfo    = "setEditorInfo"
	MethodCheckStatus      = "checkStatus"
	MethodSignInConfirm    = "signInConfirm"
	MethodDidChangeConfig  = "workspace/didChangeConfiguration"
	MethodCreate           = "conversation/create"
	MethodTurn             = "conversation/turn"
	MethodRegisterTools    = "conversation/registerTools"
	MethodCancelProgress   = "window/workDoneProgress/cancel"
	MethodShutdown         = "shutdown"
	MethodExit             = "exit"
	MethodProgress         = "$/progress"
	MethodFeatureFlags     = "featureFlagsNotification"
	MethodLogMessage       = "window/logMessage"
	MethodShowMessageReq   = "window/showMessageRequest"
	MethodConfiguration    = "workspace/configuration"
	MethodRegisterCap      = "client/registerCapability"
	MethodInvokeClientTool = "conversation/invokeClientTool"
	MethodConfirmTool      = "conversation/invokeClientToolConfirmation"
)

// Auth statuses that count as signed in.
var authenticatedStatuses = map[string]bool{
	"OK":              true,
	"AlreadySignedIn": true,
	"MaybeOk":         true,
}

// Authenticated reports whether a checkStatus result means the user can chat.
func Authenticated(status string) bool {
	return authenticatedStatuses[status]
}

// EditorInfo identifies the editor and plugin to the backend.
type EditorInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type workspaceFolder struct {
	URI  string `json:"uri"`
	Name string `json:"name"`
}

type initializeParams struct {
	ProcessID             int               `json:"processId"`
	ClientInfo            EditorInfo        `json:"clientInfo"`
	Capabilities          map[string]any    `json:"capabilities"`
	InitializationOptions editorInfoParams  `json:"initializationOptions"`
	WorkspaceFolders      []workspaceFolder `json:"workspaceFolders,omitempty"`
}

type editorInfoParams struct {
	EditorInfo       EditorInfo `json:"editorInfo"`
	EditorPluginInfo EditorInfo `json:"editorPluginInfo"`
}

type statusResult struct {
	Status string `json:"status"`
	User   string `json:"user,omitempty"`
}

type signInParams struct {
	Token string `json:"token,omitempty"`
	User  string `json:"user,omitempty"`
	AppID string `json:"appId,omitempty"`
}

type configChange struct {
	Settings map[string]any `json:"settings"`
}

// ToolDefinition is one entry of conversation/registerTools.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

type registerToolsParams struct {
	Tools []ToolDefinition `json:"tools"`
}

// HistoryTurn is a prior exchange embedded in a create request.
type HistoryTurn struct {
	Request  string `json:"request"`
	Response string `json:"response,omitempty"`
}

// CreateRequest opens a conversation with its first turn embedded.
type CreateRequest struct {
	WorkDoneToken   string
	Message         string
	History         []HistoryTurn
	Model           string
	ChatMode        string
	WorkspaceFolder string
}

// TurnRequest continues an existing conversation.
type TurnRequest struct {
	WorkDoneToken   string
	ConversationID  string
	Message         string
	Model           string
	ChatMode        string
	WorkspaceFolder string
}

// ConversationRef is what create and turn calls return.
type ConversationRef struct {
	ConversationID string `json:"conversationId"`
	TurnID         string `json:"turnId"`
}

type createParams struct {
	WorkDoneToken            string            `json:"workDoneToken"`
	Turns                    []HistoryTurn     `json:"turns"`
	Capabilities             createCaps        `json:"capabilities"`
	Source                   string            `json:"source"`
	ChatMode                 string            `json:"chatMode,omitempty"`
	Model                    string            `json:"model,omitempty"`
	NeedToolCallConfirmation bool              `json:"needToolCallConfirmation"`
	WorkspaceFolder          string            `json:"workspaceFolder,omitempty"`
	WorkspaceFolders         []workspaceFolder `json:"workspaceFolders,omitempty"`
}

type createCaps struct {
	AllSkills bool     `json:"allSkills"`
	Skills    []string `json:"skills"`
}

type turnParams struct {
	WorkDoneToken            string `json:"workDoneToken"`
	ConversationID           string `json:"conversationId"`
	Message                  string `json:"message"`
	Source                   string `json:"source"`
	ChatMode                 string `json:"chatMode,omitempty"`
	Model                    string `json:"model,omitempty"`
	NeedToolCallConfirmation bool   `json:"needToolCallConfirmation"`
	WorkspaceFolder          string `json:"workspaceFolder,omitempty"`
}

type cancelParams struct {
	Token string `json:"token"`
}

// Progress kinds.
const (
	ProgressBegin  = "begin"
	ProgressReport = "report"
	ProgressEnd    = "end"
)

// Progress is one decoded $/progress notification.
type Progress struct {
	Token              string
	Kind               string
	Reply              string
	ConversationID     string
	TurnID             string
	Rounds             []AgentRound
	CancellationReason string
	Error              string
}

// AgentRound is one round of an agent-mode reply.
type AgentRound struct {
	RoundID   int             `json:"roundId"`
	Reply     string          `json:"reply"`
	ToolCalls []RoundToolCall `json:"toolCalls"`
}

// RoundToolCall describes a tool call the backend reports inside a round.
type RoundToolCall struct {
	ID              string           `json:"id"`
	Name            string           `json:"name"`
	Input           map[string]any   `json:"input,omitempty"`
	Status          string           `json:"status"`
	Error           string           `json:"error,omitempty"`
	ProgressMessage string           `json:"progressMessage,omitempty"`
	Result          jsonx.RawMessage `json:"result,omitempty"`
}

// Finished reports whether the call reached a terminal status.
func (c RoundToolCall) Finished() bool {
	return c.Status == "completed" || c.Status == "error" || c.Status == "cancelled"
}

type progressWire struct {
	Token any `json:"token"`
	Value struct {
		Kind               string       `json:"kind"`
		Reply              string       `json:"reply"`
		ConversationID     string       `json:"conversationId"`
		TurnID             string       `json:"turnId"`
		EditAgentRounds    []AgentRound `json:"editAgentRounds"`
		CancellationReason string       `json:"cancellationReason"`
		Error              *struct {
			Message string `json:"message"`
		} `json:"error"`
	} `json:"value"`
}

// decodeProgress accepts both string and numeric tokens.
func decodeProgress(params jsonx.RawMessage) (Progress, error) {
	var w progressWire
	if err := jsonx.Unmarshal(params, &w); err != nil {
		return Progress{}, err
	}
	p := Progress{
		Token:              cast.ToString(w.Token),
		Kind:               w.Value.Kind,
		Reply:              w.Value.Reply,
		ConversationID:     w.Value.ConversationID,
		TurnID:             w.Value.TurnID,
		Rounds:             w.Value.EditAgentRounds,
		CancellationReason: w.Value.CancellationReason,
	}
	if w.Value.Error != nil {
		p.Error = w.Value.Error.Message
	}
	return p, nil
}

// ToolCall is a backend-initiated tool invocation.
type ToolCall struct {
	Name           string         `json:"name"`
	Input          map[string]any `json:"input"`
	ConversationID string         `json:"conversationId"`
	TurnID         string         `json:"turnId"`
	RoundID        int            `json:"roundId"`
	ToolCallID     string         `json:"toolCallId"`

	// WorkspaceRoot is filled locally, never by the backend.
	WorkspaceRoot string `json:"-"`
}

// Confirmation answers.
const (
	ConfirmAccept  = "accept"
	ConfirmDismiss = "dismiss"
)

func confirmation(result string) []any {
	return []any{map[string]string{"result": result}, nil}
}

type logMessageParams struct {
	Type    int    `json:"type"`
	Message string `json:"message"`
}

type configurationParams struct {
	Items []struct {
		Section string `json:"section"`
	} `json:"items"`
}
