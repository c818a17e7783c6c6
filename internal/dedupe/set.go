// ABOUTME: TTL- and size-bounded set of handled keys, oldest evicted first.
// ABOUTME: Keys are usually conversation-scoped tool call ids built with CallKey.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// Defaults used by NewDefault.
const (
	DefaultTTL     = 30 * time.Minute
	DefaultMaxSize = 10_000
)

type entry struct {
	at      time.Time
	element *list.Element
}

// Set is a concurrency-safe set whose members expire after a TTL. When full,
// Add evicts the oldest member.
type Set struct {
	mu      sync.Mutex
	members map[string]*entry
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time

	done   chan struct{}
	closed bool
}

// New creates a set and starts its sweeper.
func New(ttl time.Duration, maxSize int) *Set {
	s := newSet(ttl, maxSize, time.Now)
	go s.sweep(time.Minute)
	return s
}

// NewDefault creates a set with DefaultTTL and DefaultMaxSize.
func NewDefault() *Set {
	return New(DefaultTTL, DefaultMaxSize)
}

func newSet(ttl time.Duration, maxSize int, now func() time.Time) *Set {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &Set{
		members: make(map[string]*entry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     now,
		done:    make(chan struct{}),
	}
}

// CallKey scopes a tool call id to its conversation.
func CallKey(conversationID, toolCallID string) string {
	return conversationID + "\x00" + toolCallID
}

// Has reports whether key is a live member.
func (s *Set) Has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.members[key]
	return ok && s.live(e)
}

// Add inserts key and reports whether it was newly added. A live key is left
// untouched and Add returns false.
func (s *Set) Add(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.members[key]; ok && s.live(e) {
		return false
	}
	s.insertLocked(key)
	return true
}

// Touch inserts key or refreshes its timestamp.
func (s *Set) Touch(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insertLocked(key)
}

// Forget removes key.
func (s *Set) Forget(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.members[key]; ok {
		s.order.Remove(e.element)
		delete(s.members, key)
	}
}

// Len counts members, expired ones not yet swept included.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.members)
}

func (s *Set) live(e *entry) bool {
	return s.now().Sub(e.at) < s.ttl
}

// insertLocked must be called with mu held.
func (s *Set) insertLocked(key string) {
	now := s.now()
	if e, ok := s.members[key]; ok {
		e.at = now
		s.order.MoveToBack(e.element)
		return
	}
	if len(s.members) >= s.maxSize {
		if front := s.order.Front(); front != nil {
			oldest, _ := front.Value.(string)
			s.order.Remove(front)
			delete(s.members, oldest)
		}
	}
	s.members[key] = &entry{at: now, element: s.order.PushBack(key)}
}

func (s *Set) sweep(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.expire()
		case <-s.done:
			return
		}
	}
}

// expire drops members past the TTL. Members are ordered by last touch, so
// it stops at the first live one.
func (s *Set) expire() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for front := s.order.Front(); front != nil; front = s.order.Front() {
		key, _ := front.Value.(string)
		if s.live(s.members[key]) {
			return
		}
		s.order.Remove(front)
		delete(s.members, key)
	}
}

// Close stops the sweeper. It is safe to call more than once.
func (s *Set) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		close(s.done)
		s.closed = true
	}
}
