// ABOUTME: Thread-safe registry of local tools and the packs that provide them.
// ABOUTME: Rejects name collisions and native names registered under the wrong class.

package packs

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/2389/coven-relay/internal/schema"
)

// ErrToolCollision indicates a tool name is already registered.
var ErrToolCollision = errors.New("tool name collision")

// ErrNativeReclassified indicates a native tool name registered as a
// registered-class tool. The backend would silently treat it as native and
// the envelopes would disagree.
var ErrNativeReclassified = errors.New("native tool registered under registered class")

// ErrInvalidRegistration indicates a registration missing its name or executor.
var ErrInvalidRegistration = errors.New("invalid tool registration")

// Tool is a registered tool with its compiled argument validator.
type Tool struct {
	Registration
	PackID    string
	validator *schema.Validator
}

// Definition is what gets advertised to the backend.
type Definition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// Registry maintains the set of local tools.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]*Tool
	packs  map[string][]string
	logger *slog.Logger
}

// NewRegistry creates a new Registry instance.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools:  make(map[string]*Tool),
		packs:  make(map[string][]string),
		logger: logger.With("component", "packs"),
	}
}

func (r *Registry) prepare(packID string, reg Registration) (*Tool, error) {
	if reg.Name == "" || reg.Executor == nil {
		return nil, fmt.Errorf("%w: %q needs a name and an executor", ErrInvalidRegistration, reg.Name)
	}
	if reg.Class == ClassRegistered && IsNativeName(reg.Name) {
		return nil, fmt.Errorf("%w: %s", ErrNativeReclassified, reg.Name)
	}
	if reg.InputSchema == nil {
		reg.InputSchema = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	v, err := schema.Compile(reg.Name, reg.InputSchema)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRegistration, err)
	}
	return &Tool{Registration: reg, PackID: packID, validator: v}, nil
}

// Register adds a single tool outside any pack.
func (r *Registry) Register(reg Registration) error {
	return r.RegisterPack(&Pack{ID: "local", Tools: []Registration{reg}})
}

// RegisterPack adds every tool of a pack, or none of them.
func (r *Registry) RegisterPack(pack *Pack) error {
	prepared := make([]*Tool, 0, len(pack.Tools))
	seen := make(map[string]bool, len(pack.Tools))
	for _, reg := range pack.Tools {
		tool, err := r.prepare(pack.ID, reg)
		if err != nil {
			return err
		}
		if seen[reg.Name] {
			return fmt.Errorf("%w: tool '%s' appears twice in pack '%s'", ErrToolCollision, reg.Name, pack.ID)
		}
		seen[reg.Name] = true
		prepared = append(prepared, tool)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, tool := range prepared {
		if existing, exists := r.tools[tool.Name]; exists {
			return fmt.Errorf("%w: tool '%s' already registered by pack '%s'",
				ErrToolCollision, tool.Name, existing.PackID)
		}
	}
	for _, tool := range prepared {
		r.tools[tool.Name] = tool
		r.packs[pack.ID] = append(r.packs[pack.ID], tool.Name)
	}

	r.logger.Info("tool pack registered",
		"pack_id", pack.ID,
		"tool_count", len(prepared),
		"total_tools", len(r.tools),
	)
	return nil
}

// UnregisterPack removes a pack and all its tools.
func (r *Registry) UnregisterPack(packID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	names, ok := r.packs[packID]
	if !ok {
		return
	}
	for _, name := range names {
		delete(r.tools, name)
	}
	delete(r.packs, packID)
	r.logger.Info("tool pack unregistered", "pack_id", packID, "total_tools", len(r.tools))
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Names returns every registered tool name, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Definitions returns the advertised form of every tool accepted by keep
// (nil keeps all), sorted by name.
func (r *Registry) Definitions(keep func(name string) bool) []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]Definition, 0, len(r.tools))
	for name, tool := range r.tools {
		if keep != nil && !keep(name) {
			continue
		}
		defs = append(defs, Definition{
			Name:        name,
			Description: tool.Description,
			InputSchema: schema.Sanitize(tool.InputSchema),
		})
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// PackInfo contains public information about a registered pack.
type PackInfo struct {
	ID        string
	ToolNames []string
}

// ListPacks returns every pack, sorted by ID.
func (r *Registry) ListPacks() []PackInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]PackInfo, 0, len(r.packs))
	for id, names := range r.packs {
		sorted := append([]string(nil), names...)
		sort.Strings(sorted)
		out = append(out, PackInfo{ID: id, ToolNames: sorted})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
