// ABOUTME: Tracks in-flight requests by id and hands each response to its waiter.
// ABOUTME: Shared by the stdio connection and the SSE tool-server transport.

package jsonrpc

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// pendingRequest is owned exclusively by the Correlator that created it.
type pendingRequest struct {
	method   string
	issuedAt time.Time
	ch       chan *Message
}

// Correlator assigns request ids and parks completion slots until the
// matching response arrives, the wait times out or the context ends.
type Correlator struct {
	next atomic.Int64

	mu      sync.Mutex
	pending map[int64]*pendingRequest
	failed  error
}

// NewCorrelator creates an empty correlator. Ids start at 1.
func NewCorrelator() *Correlator {
	return &Correlator{pending: make(map[int64]*pendingRequest)}
}

// Register allocates the next id and a completion slot for it.
func (c *Correlator) Register(method string) (int64, <-chan *Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.failed != nil {
		return 0, nil, c.failed
	}
	id := c.next.Add(1)
	ch := make(chan *Message, 1)
	c.pending[id] = &pendingRequest{method: method, issuedAt: time.Now(), ch: ch}
	return id, ch, nil
}

// Resolve delivers a response to its waiter. It returns false when no
// request with that id is pending.
func (c *Correlator) Resolve(msg *Message) bool {
	id, ok := msg.IntID()
	if !ok {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	req, ok := c.pending[id]
	if !ok {
		return false
	}
	delete(c.pending, id)
	req.ch <- msg
	return true
}

// Forget drops a pending request without resolving it.
func (c *Correlator) Forget(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// FailAll releases every waiter with err and rejects future registrations.
func (c *Correlator) FailAll(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.failed == nil {
		c.failed = err
	}
	for id, req := range c.pending {
		close(req.ch)
		delete(c.pending, id)
	}
}

// Pending returns the number of requests awaiting a response.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Await blocks until the response for id arrives. A timeout of zero waits for
// ctx alone. On timeout or cancellation the slot is released.
func (c *Correlator) Await(ctx context.Context, id int64, method string, ch <-chan *Message, timeout time.Duration) (*Message, error) {
	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case msg, ok := <-ch:
		if !ok {
			return nil, c.failure()
		}
		if msg.Error != nil {
			return nil, &RemoteError{
				Method:  method,
				Code:    msg.Error.Code,
				Message: msg.Error.Message,
				Data:    msg.Error.Data,
			}
		}
		return msg, nil
	case <-timer:
		c.Forget(id)
		return nil, &TimeoutError{Method: method}
	case <-ctx.Done():
		c.Forget(id)
		return nil, ctx.Err()
	}
}

func (c *Correlator) failure() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failed != nil {
		return c.failed
	}
	return ErrClosed
}
