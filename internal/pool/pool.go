// ABOUTME: Refcounted sessions keyed by canonical tool set; the all-tools entry is permanent.
// ABOUTME: Map mutations happen under one mutex, session start and close happen outside it.

package pool

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

// ToolSetKey is the canonical identity of an allowed tool set.
type ToolSetKey string

// AllTools keys the session that may use every tool.
const AllTools ToolSetKey = "*"

var (
	// ErrClosed is returned by Acquire after Close.
	ErrClosed = errors.New("session pool closed")

	// ErrNotAcquired is returned by Release for a key with no entry.
	ErrNotAcquired = errors.New("tool set not acquired")
)

// Key returns the canonical key for a tool set: sorted, de-duplicated and
// comma-joined. Empty names are ignored; an empty set is AllTools.
func Key(tools []string) ToolSetKey {
	names := normalize(tools)
	if len(names) == 0 {
		return AllTools
	}
	return ToolSetKey(strings.Join(names, ","))
}

func normalize(tools []string) []string {
	seen := make(map[string]bool, len(tools))
	out := make([]string, 0, len(tools))
	for _, t := range tools {
		t = strings.TrimSpace(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Session is what the pool manages.
type Session interface {
	Start(ctx context.Context) error
	Close(ctx context.Context) error
}

// Factory builds an unstarted session for a tool set. tools is nil for
// AllTools.
type Factory[S Session] func(key ToolSetKey, tools []string) S

// failer is implemented by sessions that can die after a successful start.
type failer interface {
	Failed() bool
}

type entry[S Session] struct {
	key       ToolSetKey
	tools     []string
	session   S
	refs      int
	permanent bool
}

// Pool shares sessions between callers asking for the same tool set.
type Pool[S Session] struct {
	factory Factory[S]
	logger  *slog.Logger

	mu      sync.Mutex
	entries map[ToolSetKey]*entry[S]
	closed  bool
}

// New creates a pool. The AllTools entry exists from the start and is
// started lazily on first Acquire.
func New[S Session](factory Factory[S], logger *slog.Logger) *Pool[S] {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool[S]{
		factory: factory,
		logger:  logger.With("component", "pool"),
		entries: make(map[ToolSetKey]*entry[S]),
	}
	p.entries[AllTools] = p.newEntry(AllTools, nil)
	return p
}

func (p *Pool[S]) newEntry(key ToolSetKey, tools []string) *entry[S] {
	return &entry[S]{
		key:       key,
		tools:     tools,
		session:   p.factory(key, tools),
		permanent: key == AllTools,
	}
}

// Acquire returns the started session for tools, creating it on first use.
// A session that fails to start is dropped so the next Acquire builds a
// fresh one. A session that failed after starting is replaced; holders of
// the old one keep their references on the replacement.
func (p *Pool[S]) Acquire(ctx context.Context, tools []string) (S, error) {
	var zero S
	key := Key(tools)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return zero, ErrClosed
	}
	e, ok := p.entries[key]
	if !ok {
		var names []string
		if key != AllTools {
			names = normalize(tools)
		}
		e = p.newEntry(key, names)
		p.entries[key] = e
		p.logger.Debug("pool entry created", "key", string(key))
	}
	var stale *entry[S]
	if f, ok := any(e.session).(failer); ok && f.Failed() {
		stale = e
		e = p.newEntry(key, stale.tools)
		e.refs = stale.refs
		p.entries[key] = e
	}
	e.refs++
	p.mu.Unlock()

	if stale != nil {
		p.logger.Info("replacing failed session", "key", string(key))
		if err := stale.session.Close(ctx); err != nil {
			p.logger.Debug("closing failed session", "key", string(key), "error", err)
		}
	}

	if err := e.session.Start(ctx); err != nil {
		p.mu.Lock()
		e.refs--
		dropped := p.entries[e.key] == e
		if dropped {
			if e.permanent && !p.closed {
				repl := p.newEntry(e.key, nil)
				repl.refs = e.refs
				p.entries[e.key] = repl
			} else {
				delete(p.entries, e.key)
			}
		}
		p.mu.Unlock()

		if dropped {
			p.logger.Warn("session failed to start", "key", string(key), "error", err)
			if closeErr := e.session.Close(ctx); closeErr != nil {
				p.logger.Debug("closing failed session", "key", string(key), "error", closeErr)
			}
		}
		return zero, err
	}
	return e.session, nil
}

// Release drops one reference. The last release of a non-permanent entry
// closes its session.
func (p *Pool[S]) Release(ctx context.Context, tools []string) error {
	key := Key(tools)

	p.mu.Lock()
	e, ok := p.entries[key]
	if !ok {
		p.mu.Unlock()
		return ErrNotAcquired
	}
	if e.refs > 0 {
		e.refs--
	}
	if e.refs > 0 || e.permanent {
		p.mu.Unlock()
		return nil
	}
	delete(p.entries, key)
	p.mu.Unlock()

	p.logger.Debug("pool entry released", "key", string(key))
	return e.session.Close(ctx)
}

// Close closes every session, the all-tools one included.
func (p *Pool[S]) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	entries := make([]*entry[S], 0, len(p.entries))
	for _, e := range p.entries {
		entries = append(entries, e)
	}
	p.entries = make(map[ToolSetKey]*entry[S])
	p.mu.Unlock()

	var errs []error
	for _, e := range entries {
		if err := e.session.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// EntryStats describes one pool entry.
type EntryStats struct {
	Key       ToolSetKey
	Refs      int
	Permanent bool
}

// Stats lists entries sorted by key.
func (p *Pool[S]) Stats() []EntryStats {
	p.mu.Lock()
	out := make([]EntryStats, 0, len(p.entries))
	for _, e := range p.entries {
		out = append(out, EntryStats{Key: e.key, Refs: e.refs, Permanent: e.permanent})
	}
	p.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
