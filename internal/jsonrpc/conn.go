// ABOUTME: Symmetric JSON-RPC endpoint over a Codec with a background read loop.
// ABOUTME: Issues requests, answers peer requests and dispatches notifications in order.

package jsonrpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/coven-relay/internal/jsonx"
)

// DefaultTimeout applies to requests issued without an explicit timeout.
const DefaultTimeout = 30 * time.Second

// Codec moves whole message bodies over a byte stream.
type Codec interface {
	Read() ([]byte, error)
	Write(body []byte) error
	Close() error
}

// RequestHandler answers a peer-initiated request. Returning a *WireError
// sends that error verbatim; any other error becomes an internal error.
type RequestHandler func(ctx context.Context, params jsonx.RawMessage) (any, error)

// NotificationHandler consumes a peer notification. It runs on the read loop,
// so it must not block.
type NotificationHandler func(ctx context.Context, params jsonx.RawMessage)

// Options configures a Conn.
type Options struct {
	Name           string
	Logger         *slog.Logger
	DefaultTimeout time.Duration

	// OnUnmatched receives responses whose id matches no pending request.
	// When nil they are logged and dropped.
	OnUnmatched func(*Message)
}

// Conn is one JSON-RPC connection.
type Conn struct {
	codec       Codec
	corr        *Correlator
	logger      *slog.Logger
	timeout     time.Duration
	onUnmatched func(*Message)

	mu            sync.RWMutex
	requests      map[string]RequestHandler
	notifications map[string]NotificationHandler
	fallback      func(method string, params jsonx.RawMessage)

	ctx       context.Context
	cancel    context.CancelFunc
	startOnce sync.Once
	closeOnce sync.Once
	done      chan struct{}
	err       error
	errMu     sync.Mutex
}

// NewConn wraps codec. Call Start to begin reading.
func NewConn(codec Codec, opts Options) *Conn {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Name != "" {
		logger = logger.With("conn", opts.Name)
	}
	timeout := opts.DefaultTimeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		codec:         codec,
		corr:          NewCorrelator(),
		logger:        logger,
		timeout:       timeout,
		onUnmatched:   opts.OnUnmatched,
		requests:      make(map[string]RequestHandler),
		notifications: make(map[string]NotificationHandler),
		ctx:           ctx,
		cancel:        cancel,
		done:          make(chan struct{}),
	}
}

// HandleRequest registers the handler for a peer request method.
func (c *Conn) HandleRequest(method string, h RequestHandler) {
	c.mu.Lock()
	c.requests[method] = h
	c.mu.Unlock()
}

// HandleNotification registers the handler for a peer notification method.
func (c *Conn) HandleNotification(method string, h NotificationHandler) {
	c.mu.Lock()
	c.notifications[method] = h
	c.mu.Unlock()
}

// HandleOtherNotifications receives notifications with no dedicated handler.
func (c *Conn) HandleOtherNotifications(fn func(method string, params jsonx.RawMessage)) {
	c.mu.Lock()
	c.fallback = fn
	c.mu.Unlock()
}

// Start launches the read loop. Safe to call more than once.
func (c *Conn) Start() {
	c.startOnce.Do(func() { go c.readLoop() })
}

// Done is closed when the read loop exits.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err returns the error that ended the read loop. A clean end-of-stream
// leaves it nil.
func (c *Conn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Pending returns the number of in-flight requests.
func (c *Conn) Pending() int { return c.corr.Pending() }

// Call issues a request with the default timeout and decodes the result into
// result (which may be nil).
func (c *Conn) Call(ctx context.Context, method string, params, result any) error {
	return c.CallWithTimeout(ctx, method, params, result, c.timeout)
}

// CallWithTimeout issues a request with an explicit timeout.
func (c *Conn) CallWithTimeout(ctx context.Context, method string, params, result any, timeout time.Duration) error {
	select {
	case <-c.done:
		return &TransportError{Op: method, Err: ErrClosed}
	default:
	}

	id, ch, err := c.corr.Register(method)
	if err != nil {
		return err
	}
	msg, err := NewRequest(id, method, params)
	if err != nil {
		c.corr.Forget(id)
		return fmt.Errorf("encoding %s params: %w", method, err)
	}
	if err := c.write(msg); err != nil {
		c.corr.Forget(id)
		return err
	}

	resp, err := c.corr.Await(ctx, id, method, ch, timeout)
	if err != nil {
		return err
	}
	if result == nil || len(resp.Result) == 0 {
		return nil
	}
	if err := jsonx.Unmarshal(resp.Result, result); err != nil {
		return &ProtocolError{Reason: "decoding " + method + " result", Err: err}
	}
	return nil
}

// Notify sends a notification.
func (c *Conn) Notify(_ context.Context, method string, params any) error {
	select {
	case <-c.done:
		return &TransportError{Op: method, Err: ErrClosed}
	default:
	}
	msg, err := NewNotification(method, params)
	if err != nil {
		return fmt.Errorf("encoding %s params: %w", method, err)
	}
	return c.write(msg)
}

// Close tears the connection down and fails every pending request.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		c.corr.FailAll(&TransportError{Op: "call", Err: ErrClosed})
		err = c.codec.Close()
	})
	return err
}

func (c *Conn) write(msg *Message) error {
	body, err := jsonx.Marshal(msg)
	if err != nil {
		return err
	}
	return c.codec.Write(body)
}

func (c *Conn) readLoop() {
	defer close(c.done)

	for {
		body, err := c.codec.Read()
		if err != nil {
			var perr *ProtocolError
			if errors.As(err, &perr) {
				c.logger.Warn("dropping malformed message", "error", err)
				continue
			}
			if errors.Is(err, io.EOF) {
				c.logger.Debug("peer closed stream")
				return
			}
			select {
			case <-c.ctx.Done():
				return
			default:
			}
			c.setErr(err)
			c.corr.FailAll(err)
			c.logger.Warn("read loop ended", "error", err)
			return
		}

		msg, err := Decode(body)
		if err != nil {
			c.logger.Warn("dropping undecodable message", "error", err)
			continue
		}
		c.dispatch(msg)
	}
}

func (c *Conn) setErr(err error) {
	c.errMu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.errMu.Unlock()
}

func (c *Conn) dispatch(msg *Message) {
	switch {
	case msg.IsRequest():
		go c.answer(msg)
	case msg.IsNotification():
		c.notify(msg)
	default:
		if c.corr.Resolve(msg) {
			return
		}
		if c.onUnmatched != nil {
			c.onUnmatched(msg)
			return
		}
		c.logger.Warn("received response for unknown request", "id", string(msg.ID))
	}
}

func (c *Conn) notify(msg *Message) {
	c.mu.RLock()
	h, ok := c.notifications[msg.Method]
	fallback := c.fallback
	c.mu.RUnlock()

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("notification handler panic", "method", msg.Method, "panic", r)
		}
	}()

	switch {
	case ok:
		h(c.ctx, msg.Params)
	case fallback != nil:
		fallback(msg.Method, msg.Params)
	default:
		c.logger.Debug("unhandled notification", "method", msg.Method)
	}
}

func (c *Conn) answer(msg *Message) {
	c.mu.RLock()
	h, ok := c.requests[msg.Method]
	c.mu.RUnlock()

	resp := &Message{JSONRPC: Version, ID: msg.ID}
	if !ok {
		resp.Error = NewError(CodeMethodNotFound, "method not found: "+msg.Method)
		c.reply(resp)
		return
	}

	result, err := c.invoke(h, msg)
	if err != nil {
		var werr *WireError
		if errors.As(err, &werr) {
			resp.Error = werr
		} else {
			resp.Error = NewError(CodeInternalError, err.Error())
		}
		c.reply(resp)
		return
	}

	raw, err := jsonx.Marshal(result)
	if err != nil {
		resp.Error = NewError(CodeInternalError, "encoding result: "+err.Error())
	} else {
		resp.Result = raw
	}
	c.reply(resp)
}

func (c *Conn) invoke(h RequestHandler, msg *Message) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("request handler panic", "method", msg.Method, "panic", r)
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(c.ctx, msg.Params)
}

func (c *Conn) reply(resp *Message) {
	if err := c.write(resp); err != nil {
		c.logger.Warn("failed to send response", "id", string(resp.ID), "error", err)
	}
}
