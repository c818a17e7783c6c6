// ABOUTME: Notes pack provides key-value scratch storage scoped to a conversation.

package builtins

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/2389/coven-relay/internal/packs"
	"github.com/2389/coven-relay/internal/schema"
)

type noteKeyArgs struct {
	Key string `json:"key" jsonschema:"description=Note key"`
}

type noteSetArgs struct {
	Key   string `json:"key" jsonschema:"description=Note key"`
	Value string `json:"value" jsonschema:"description=Note content"`
}

type noteListArgs struct{}

// NotesPack creates the notes pack with an in-memory store.
func NotesPack() *packs.Pack {
	n := &notesHandlers{notes: make(map[string]map[string]string)}
	return &packs.Pack{
		ID: "builtin:notes",
		Tools: []packs.Registration{
			{
				Name:        "note_set",
				Description: "Store a note",
				InputSchema: schema.Reflect(&noteSetArgs{}),
				Executor:    n.Set,
			},
			{
				Name:        "note_get",
				Description: "Retrieve a note",
				InputSchema: schema.Reflect(&noteKeyArgs{}),
				Executor:    n.Get,
			},
			{
				Name:        "note_list",
				Description: "List all note keys",
				InputSchema: schema.Reflect(&noteListArgs{}),
				Executor:    n.List,
			},
			{
				Name:        "note_delete",
				Description: "Delete a note",
				InputSchema: schema.Reflect(&noteKeyArgs{}),
				Executor:    n.Delete,
			},
		},
	}
}

type notesHandlers struct {
	mu    sync.Mutex
	notes map[string]map[string]string // conversation -> key -> value
}

func (n *notesHandlers) scope(conversationID string) map[string]string {
	m, ok := n.notes[conversationID]
	if !ok {
		m = make(map[string]string)
		n.notes[conversationID] = m
	}
	return m
}

func (n *notesHandlers) Set(_ context.Context, env packs.ExecEnv, raw map[string]any) (any, error) {
	var args noteSetArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	n.mu.Lock()
	n.scope(env.ConversationID)[args.Key] = args.Value
	n.mu.Unlock()
	return packs.Text(fmt.Sprintf("saved %s", args.Key)), nil
}

func (n *notesHandlers) Get(_ context.Context, env packs.ExecEnv, raw map[string]any) (any, error) {
	var args noteKeyArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	n.mu.Lock()
	v, ok := n.scope(env.ConversationID)[args.Key]
	n.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("note %q not found", args.Key)
	}
	return packs.Text(v), nil
}

func (n *notesHandlers) List(_ context.Context, env packs.ExecEnv, _ map[string]any) (any, error) {
	n.mu.Lock()
	keys := make([]string, 0)
	for k := range n.scope(env.ConversationID) {
		keys = append(keys, k)
	}
	n.mu.Unlock()
	sort.Strings(keys)
	if len(keys) == 0 {
		return packs.Text("no notes"), nil
	}
	return packs.Text(strings.Join(keys, "\n")), nil
}

func (n *notesHandlers) Delete(_ context.Context, env packs.ExecEnv, raw map[string]any) (any, error) {
	var args noteKeyArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	n.mu.Lock()
	scope := n.scope(env.ConversationID)
	_, ok := scope[args.Key]
	delete(scope, args.Key)
	n.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("note %q not found", args.Key)
	}
	return packs.Text(fmt.Sprintf("deleted %s", args.Key)), nil
}
