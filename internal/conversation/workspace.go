// ABOUTME: Per-conversation workspace root overrides, read-mostly and concurrency-safe.

package conversation

import "sync"

// WorkspaceTable maps conversation ids to workspace roots.
type WorkspaceTable struct {
	mu    sync.RWMutex
	roots map[string]string
}

// NewWorkspaceTable creates an empty table.
func NewWorkspaceTable() *WorkspaceTable {
	return &WorkspaceTable{roots: make(map[string]string)}
}

// Set records root for a conversation. An empty root removes the override.
func (w *WorkspaceTable) Set(conversationID, root string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if root == "" {
		delete(w.roots, conversationID)
		return
	}
	w.roots[conversationID] = root
}

// Get returns the override for a conversation, if any.
func (w *WorkspaceTable) Get(conversationID string) (string, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	root, ok := w.roots[conversationID]
	return root, ok
}

// Delete removes the override for a conversation.
func (w *WorkspaceTable) Delete(conversationID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.roots, conversationID)
}

// Len counts overrides.
func (w *WorkspaceTable) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.roots)
}
