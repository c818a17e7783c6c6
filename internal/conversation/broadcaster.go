// ABOUTME: Fan-out of ChatEvents to subscribers, each with an unbounded mailbox.
// ABOUTME: Publish never blocks and never drops; each subscriber sees events in publish order.

package conversation

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// mailbox queues events for one subscriber and pumps them to its channel.
type mailbox struct {
	mu     sync.Mutex
	queue  []ChatEvent
	signal chan struct{}
	out    chan ChatEvent
	done   chan struct{}
	once   sync.Once
}

func newMailbox() *mailbox {
	m := &mailbox{
		signal: make(chan struct{}, 1),
		out:    make(chan ChatEvent),
		done:   make(chan struct{}),
	}
	go m.pump()
	return m
}

func (m *mailbox) push(ev ChatEvent) {
	m.mu.Lock()
	m.queue = append(m.queue, ev)
	m.mu.Unlock()
	select {
	case m.signal <- struct{}{}:
	default:
	}
}

func (m *mailbox) pump() {
	defer close(m.out)
	for {
		m.mu.Lock()
		if len(m.queue) == 0 {
			m.mu.Unlock()
			select {
			case <-m.signal:
				continue
			case <-m.done:
				return
			}
		}
		ev := m.queue[0]
		m.queue[0] = ChatEvent{}
		m.queue = m.queue[1:]
		m.mu.Unlock()

		select {
		case m.out <- ev:
		case <-m.done:
			return
		}
	}
}

func (m *mailbox) close() {
	m.once.Do(func() { close(m.done) })
}

// Broadcaster delivers every published event to every subscriber.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]*mailbox
	closed      bool
	logger      *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]*mailbox),
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe returns a channel of events and a subscription ID. The
// subscription ends, and the channel closes, when ctx is cancelled or
// Unsubscribe is called.
func (b *Broadcaster) Subscribe(ctx context.Context) (<-chan ChatEvent, string) {
	subID := uuid.New().String()
	m := newMailbox()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		m.close()
		return m.out, subID
	}
	b.subscribers[subID] = m
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "sub_id", subID)

	go func() {
		select {
		case <-ctx.Done():
			b.Unsubscribe(subID)
		case <-m.done:
		}
	}()
	return m.out, subID
}

// Publish queues ev for every subscriber.
func (b *Broadcaster) Publish(ev ChatEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, m := range b.subscribers {
		m.push(ev)
	}
}

// Unsubscribe ends a subscription. Undelivered events are discarded.
func (b *Broadcaster) Unsubscribe(subID string) {
	b.mu.Lock()
	m, ok := b.subscribers[subID]
	delete(b.subscribers, subID)
	b.mu.Unlock()
	if !ok {
		return
	}
	m.close()
	b.logger.Debug("subscriber removed", "sub_id", subID)
}

// Subscribers counts active subscriptions.
func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close ends every subscription.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	subs := b.subscribers
	b.subscribers = make(map[string]*mailbox)
	b.closed = true
	b.mu.Unlock()

	for _, m := range subs {
		m.close()
	}
	b.logger.Debug("broadcaster closed")
}
