// ABOUTME: Local tool types: registration class, executor contract and output shapes.
// ABOUTME: Executors return read-only text parts or a mutation record tagged with a result.

package packs

import (
	"context"

	"github.com/spf13/cast"
)

// Class decides which response envelope the backend expects for a tool.
type Class int

const (
	// ClassRegistered tools are registered at runtime; their output is
	// wrapped in the content/status tuple.
	ClassRegistered Class = iota
	// ClassNative tools are known to the backend by name; their output is
	// passed through unchanged.
	ClassNative
)

func (c Class) String() string {
	if c == ClassNative {
		return "native"
	}
	return "registered"
}

// NativeToolNames are the tool names the backend treats natively.
var NativeToolNames = []string{
	"read_file",
	"list_dir",
	"create_file",
	"insert_edit_into_file",
	"run_in_terminal",
	"get_terminal_output",
	"get_errors",
	"file_search",
	"grep_search",
	"semantic_search",
	"fetch_webpage",
}

// IsNativeName reports whether name is in NativeToolNames.
func IsNativeName(name string) bool {
	for _, n := range NativeToolNames {
		if n == name {
			return true
		}
	}
	return false
}

// FileChangedFunc is told about every path a successful mutating call touched.
type FileChangedFunc func(path string)

// ExecEnv is what an executor gets besides its arguments.
type ExecEnv struct {
	WorkspaceRoot  string
	ConversationID string
	FileChanged    FileChangedFunc
}

// Executor runs one tool. The output is []TextPart for read-only tools or a
// Mutation for tools that change files; anything else is passed along as-is.
type Executor func(ctx context.Context, env ExecEnv, args map[string]any) (any, error)

// TextPart is one piece of read-only output.
type TextPart struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// Text builds a single text part slice.
func Text(s string) []TextPart {
	return []TextPart{{Type: "text", Value: s}}
}

// Mutation results.
const (
	ResultSuccess = "success"
	ResultError   = "error"
)

// Mutation is the output of a tool that changed files. The "result" key
// carries ResultSuccess or ResultError and "files" lists touched paths.
type Mutation map[string]any

// NewMutation builds a mutation record.
func NewMutation(result, message string, paths ...string) Mutation {
	files := make([]any, len(paths))
	for i, p := range paths {
		files[i] = p
	}
	return Mutation{"result": result, "message": message, "files": files}
}

// Succeeded reports whether the mutation was applied.
func (m Mutation) Succeeded() bool {
	return cast.ToString(m["result"]) == ResultSuccess
}

// Paths returns the touched paths.
func (m Mutation) Paths() []string {
	return cast.ToStringSlice(m["files"])
}

// Message returns the human-readable summary.
func (m Mutation) Message() string {
	return cast.ToString(m["message"])
}

// Registration describes one local tool.
type Registration struct {
	Name        string
	Description string
	InputSchema map[string]any
	Class       Class
	Mutating    bool
	Executor    Executor
}

// Pack groups registrations under one ID.
type Pack struct {
	ID    string
	Tools []Registration
}
