// ABOUTME: Builds compound tool entries and routes compound calls to original tools.
// ABOUTME: Failures of any kind are returned as descriptive text, never as errors.

package aggregate

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/spf13/cast"

	"github.com/2389/coven-relay/internal/schema"
	"github.com/2389/coven-relay/internal/toolserver"
)

// ActionParam is the property that selects the original tool.
const ActionParam = "action"

// Options tunes aggregation.
type Options struct {
	// Aliases replaces DefaultAliases when non-nil.
	Aliases map[string]string
	// StrictRequired rejects calls that omit a required property of the
	// selected action instead of forwarding them.
	StrictRequired bool
}

// Entry is one compound tool.
type Entry struct {
	Name        string
	Server      string
	Description string
	Schema      map[string]any

	// actions maps both alias and original action names to original tool names.
	actions  map[string]string
	aliases  []string
	required map[string][]string
	tools    []toolserver.Tool
}

// Actions returns the action aliases in enum order.
func (e *Entry) Actions() []string {
	return append([]string(nil), e.aliases...)
}

// Resolve maps an action name, aliased or original, to the original tool name.
func (e *Entry) Resolve(action string) (string, bool) {
	tool, ok := e.actions[action]
	return tool, ok
}

// Build folds tools into one compound entry.
func Build(server string, tools []toolserver.Tool, opts Options) *Entry {
	r := newRenamer(opts)
	return build(server, r.Rename(server), tools, r)
}

func newRenamer(opts Options) *Renamer {
	aliases := opts.Aliases
	if aliases == nil {
		aliases = DefaultAliases
	}
	return NewRenamer(aliases)
}

func build(server, name string, tools []toolserver.Tool, renamer *Renamer) *Entry {
	e := &Entry{
		Name:     name,
		Server:   server,
		actions:  make(map[string]string, len(tools)*2),
		required: make(map[string][]string, len(tools)),
		tools:    tools,
	}

	originals := make(map[string]bool, len(tools))
	for _, tool := range tools {
		originals[tool.Name] = true
	}

	merged := make(map[string]any)
	taken := make(map[string]bool, len(tools))
	var lines []string

	for _, tool := range tools {
		// An alias never shadows another tool's original name.
		blocked := func(alias string) bool {
			return taken[alias] || (originals[alias] && alias != tool.Name)
		}
		alias := renamer.Rename(tool.Name)
		if blocked(alias) {
			base := alias
			for n := 2; blocked(alias); n++ {
				alias = fmt.Sprintf("%s_%d", base, n)
			}
		}
		taken[alias] = true
		e.aliases = append(e.aliases, alias)
		e.actions[alias] = tool.Name
		e.actions[tool.Name] = tool.Name
		e.required[tool.Name] = schema.Required(tool.InputSchema)

		props := schema.Properties(tool.InputSchema)
		names := make([]string, 0, len(props))
		for name := range props {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			if name == ActionParam {
				continue
			}
			if _, exists := merged[name]; exists {
				continue
			}
			if pm, ok := props[name].(map[string]any); ok {
				merged[name] = schema.Sanitize(pm)
			} else {
				merged[name] = map[string]any{"type": "string"}
			}
		}

		line := "- " + alias
		if desc := firstLine(tool.Description); desc != "" {
			line += ": " + desc
		}
		if len(names) > 0 {
			line += " (parameters: " + strings.Join(names, ", ") + ")"
		}
		lines = append(lines, line)
	}

	enum := make([]any, len(e.aliases))
	for i, a := range e.aliases {
		enum[i] = a
	}
	merged[ActionParam] = map[string]any{
		"type":        "string",
		"enum":        enum,
		"description": "Which operation to run",
	}

	e.Description = fmt.Sprintf("Operations provided by %s. Set %q to one of:\n%s",
		e.Name, ActionParam, strings.Join(lines, "\n"))
	e.Schema = map[string]any{
		"type":       "object",
		"properties": merged,
		"required":   []any{ActionParam},
	}
	return e
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

// Caller forwards a call to an original tool. toolserver.Manager satisfies it.
type Caller interface {
	Call(ctx context.Context, server, tool string, args map[string]any) string
}

// Aggregator holds the compound entries for every running server.
type Aggregator struct {
	caller  Caller
	opts    Options
	renamer *Renamer
	logger  *slog.Logger

	mu      sync.RWMutex
	byName  map[string]*Entry
	entries map[string]*Entry
}

// New creates an empty aggregator.
func New(caller Caller, opts Options, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{
		caller:  caller,
		opts:    opts,
		renamer: newRenamer(opts),
		logger:  logger.With("component", "aggregate"),
		byName:  make(map[string]*Entry),
		entries: make(map[string]*Entry),
	}
}

// Set builds (or rebuilds) the entry for one server. Display names that
// collide with another server's display or original name get a numeric
// suffix; a server's original name always resolves to its own entry.
func (a *Aggregator) Set(server string, tools []toolserver.Tool) *Entry {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.removeLocked(server)

	displaced, ok := a.byName[server]
	if !ok {
		return a.insertLocked(server, tools, "")
	}
	a.removeLocked(displaced.Server)
	e := a.insertLocked(server, tools, displaced.Server)
	moved := a.insertLocked(displaced.Server, displaced.tools, "")
	a.logger.Warn("compound tool renamed to avoid a collision",
		"server", displaced.Server, "tool_name", moved.Name, "was", displaced.Name)
	return e
}

func (a *Aggregator) insertLocked(server string, tools []toolserver.Tool, reserved string) *Entry {
	base := a.renamer.Rename(server)
	taken := func(name string) bool {
		if name == server {
			return false
		}
		if name == reserved {
			return true
		}
		_, ok := a.byName[name]
		return ok
	}
	name := base
	for n := 2; taken(name); n++ {
		name = fmt.Sprintf("%s_%d", base, n)
	}
	e := build(server, name, tools, a.renamer)
	a.entries[server] = e
	a.byName[e.Name] = e
	a.byName[server] = e
	return e
}

// Remove drops the entry for one server.
func (a *Aggregator) Remove(server string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.removeLocked(server)
}

func (a *Aggregator) removeLocked(server string) {
	old, ok := a.entries[server]
	if !ok {
		return
	}
	delete(a.entries, server)
	if a.byName[old.Name] == old {
		delete(a.byName, old.Name)
	}
	if a.byName[server] == old {
		delete(a.byName, server)
	}
}

// Rebuild replaces every entry from the given handles.
func (a *Aggregator) Rebuild(handles []*toolserver.Handle) {
	a.mu.Lock()
	a.byName = make(map[string]*Entry)
	a.entries = make(map[string]*Entry)
	a.mu.Unlock()
	for _, h := range handles {
		a.Set(h.Config.Name, h.Tools)
	}
}

// Entries returns one entry per server, sorted by display name.
func (a *Aggregator) Entries() []*Entry {
	a.mu.RLock()
	out := make([]*Entry, 0, len(a.entries))
	for _, e := range a.entries {
		out = append(out, e)
	}
	a.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Lookup finds an entry by display or original server name.
func (a *Aggregator) Lookup(name string) (*Entry, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	e, ok := a.byName[name]
	return e, ok
}

// Call routes a compound call to the original tool. The result is always
// text; routing failures describe what went wrong.
func (a *Aggregator) Call(ctx context.Context, name string, args map[string]any) string {
	e, ok := a.Lookup(name)
	if !ok {
		return fmt.Sprintf("Error: unknown tool server %q", name)
	}
	action := cast.ToString(args[ActionParam])
	if action == "" {
		return fmt.Sprintf("Error: %q is required; expected one of: %s", ActionParam, strings.Join(e.aliases, ", "))
	}
	tool, ok := e.Resolve(action)
	if !ok {
		return fmt.Sprintf("Error: unknown action %q for %s; expected one of: %s", action, e.Name, strings.Join(e.aliases, ", "))
	}

	rest := make(map[string]any, len(args))
	for k, v := range args {
		if k != ActionParam {
			rest[k] = v
		}
	}

	if missing := missingRequired(e.required[tool], rest); len(missing) > 0 {
		if a.opts.StrictRequired {
			return fmt.Sprintf("Error: action %q requires: %s", action, strings.Join(missing, ", "))
		}
		a.logger.Debug("forwarding call with missing required parameters", "server", e.Server, "tool", tool, "missing", missing)
	}

	return a.caller.Call(ctx, e.Server, tool, rest)
}

func missingRequired(required []string, args map[string]any) []string {
	var missing []string
	for _, r := range required {
		if _, ok := args[r]; !ok {
			missing = append(missing, r)
		}
	}
	return missing
}
