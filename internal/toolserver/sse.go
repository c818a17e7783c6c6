// ABOUTME: Tool server reached over HTTP: responses stream back as server-sent events.
// ABOUTME: Requests are POSTed to the endpoint announced by the first "endpoint" event.

package toolserver

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/2389/coven-relay/internal/jsonrpc"
	"github.com/2389/coven-relay/internal/jsonx"
)

// DefaultEndpointWait bounds the wait for the endpoint event.
const DefaultEndpointWait = 10 * time.Second

// ErrNoEndpoint is returned when the stream never announces a POST endpoint.
var ErrNoEndpoint = errors.New("no endpoint event received")

// SSEOptions configures an SSEConn.
type SSEOptions struct {
	HTTPClient   *http.Client
	Logger       *slog.Logger
	EndpointWait time.Duration
	Timeout      time.Duration
}

// SSEConn is a tool server reached over an event stream plus POSTs.
type SSEConn struct {
	cfg     ServerConfig
	client  *http.Client
	logger  *slog.Logger
	wait    time.Duration
	timeout time.Duration
	corr    *jsonrpc.Correlator

	mu       sync.Mutex
	started  bool
	endpoint string
	ready    chan struct{}
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewSSEConn creates an unconnected SSE tool server connection.
func NewSSEConn(cfg ServerConfig, opts SSEOptions) *SSEConn {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	client := opts.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	wait := opts.EndpointWait
	if wait == 0 {
		wait = DefaultEndpointWait
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = jsonrpc.DefaultTimeout
	}
	return &SSEConn{
		cfg:     cfg,
		client:  client,
		logger:  logger.With("tool_server", cfg.Name, "transport", string(KindSSE)),
		wait:    wait,
		timeout: timeout,
		corr:    jsonrpc.NewCorrelator(),
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (s *SSEConn) Name() string { return s.cfg.Name }
func (s *SSEConn) Kind() Kind   { return KindSSE }

// Endpoint returns the announced POST URL, or "" before it arrives.
func (s *SSEConn) Endpoint() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endpoint
}

// Start opens the event stream and waits for the endpoint event. A failed
// Start leaves the connection unstarted, so it can be retried.
func (s *SSEConn) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.endpoint = ""
	s.ready = make(chan struct{})
	s.done = make(chan struct{})
	ready, done := s.ready, s.done
	streamCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.mu.Unlock()

	// abort undoes a start whose stream reader never ran.
	abort := func(err error) error {
		cancel()
		close(done)
		s.clearStarted()
		return &StartError{Server: s.cfg.Name, CommandLine: s.cfg.URL, Err: err}
	}

	base, err := url.Parse(s.cfg.URL)
	if err != nil {
		return abort(err)
	}

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, s.cfg.URL, nil)
	if err != nil {
		return abort(err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	for k, v := range s.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return abort(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_ = resp.Body.Close()
		return abort(fmt.Errorf("stream returned status %d", resp.StatusCode))
	}

	go s.readStream(streamCtx, base, resp.Body, done)

	timer := time.NewTimer(s.wait)
	defer timer.Stop()
	select {
	case <-ready:
		s.logger.Info("tool server stream open", "endpoint", s.Endpoint())
		return nil
	case <-done:
		cancel()
		s.clearStarted()
		return &StartError{Server: s.cfg.Name, CommandLine: s.cfg.URL, Err: errors.New("stream closed before endpoint event")}
	case <-timer.C:
		_ = s.Stop()
		s.clearStarted()
		return &StartError{Server: s.cfg.Name, CommandLine: s.cfg.URL, Err: ErrNoEndpoint}
	case <-ctx.Done():
		_ = s.Stop()
		s.clearStarted()
		return ctx.Err()
	}
}

func (s *SSEConn) clearStarted() {
	s.mu.Lock()
	s.started = false
	s.cancel = nil
	s.endpoint = ""
	s.mu.Unlock()
}

// readStream parses the event stream until it ends.
func (s *SSEConn) readStream(ctx context.Context, base *url.URL, body io.ReadCloser, done chan struct{}) {
	defer close(done)
	defer body.Close()

	reader := bufio.NewReader(body)
	var event string
	var data strings.Builder

	dispatch := func() {
		if data.Len() > 0 || event != "" {
			s.handleEvent(ctx, base, event, data.String())
		}
		event = ""
		data.Reset()
	}

	for {
		line, err := reader.ReadString('\n')
		if line != "" {
			line = strings.TrimRight(line, "\r\n")
			switch {
			case line == "":
				dispatch()
			case strings.HasPrefix(line, ":"):
			case strings.HasPrefix(line, "event:"):
				event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			case strings.HasPrefix(line, "data:"):
				if data.Len() > 0 {
					data.WriteByte('\n')
				}
				data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
			}
		}
		if err != nil {
			dispatch()
			if ctx.Err() == nil {
				s.logger.Warn("event stream ended", "error", err)
			}
			s.corr.FailAll(&jsonrpc.TransportError{Op: "stream", Err: err})
			return
		}
	}
}

func (s *SSEConn) handleEvent(ctx context.Context, base *url.URL, event, data string) {
	switch event {
	case "endpoint":
		ref, err := url.Parse(strings.TrimSpace(data))
		if err != nil {
			s.logger.Warn("bad endpoint event", "data", data, "error", err)
			return
		}
		endpoint := base.ResolveReference(ref).String()
		s.mu.Lock()
		first := s.endpoint == ""
		s.endpoint = endpoint
		ready := s.ready
		s.mu.Unlock()
		if first {
			close(ready)
		}
	case "message", "":
		msg, err := jsonrpc.Decode([]byte(data))
		if err != nil {
			s.logger.Warn("dropping malformed event", "error", err)
			return
		}
		switch {
		case msg.IsRequest():
			go s.answer(ctx, msg)
		case msg.IsNotification():
			s.logger.Debug("tool server notification", "method", msg.Method)
		default:
			if !s.corr.Resolve(msg) {
				s.logger.Warn("received response for unknown request", "id", string(msg.ID))
			}
		}
	default:
		s.logger.Debug("ignoring event", "event", event)
	}
}

// answer replies to server-initiated requests. Only ping is supported.
func (s *SSEConn) answer(ctx context.Context, msg *jsonrpc.Message) {
	resp := &jsonrpc.Message{JSONRPC: jsonrpc.Version, ID: msg.ID}
	if msg.Method == "ping" {
		resp.Result = jsonx.RawMessage(`{}`)
	} else {
		resp.Error = jsonrpc.NewError(jsonrpc.CodeMethodNotFound, "method not found: "+msg.Method)
	}
	if err := s.post(ctx, resp); err != nil {
		s.logger.Warn("failed to answer server request", "method", msg.Method, "error", err)
	}
}

// post sends one message. The response body is discarded; replies arrive on
// the stream. A non-2xx status is an error unless IgnorePostStatus is set.
func (s *SSEConn) post(ctx context.Context, msg *jsonrpc.Message) error {
	endpoint := s.Endpoint()
	if endpoint == "" {
		return ErrNotStarted
	}
	body, err := jsonx.Marshal(msg)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return &jsonrpc.TransportError{Op: "post", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range s.cfg.Headers {
		req.Header.Set(k, v)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return &jsonrpc.TransportError{Op: "post", Err: err}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if s.cfg.IgnorePostStatus {
			s.logger.Debug("ignoring post status", "status", resp.StatusCode, "method", msg.Method)
			return nil
		}
		return &jsonrpc.TransportError{Op: "post", Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
	return nil
}

// Call issues a request and waits for its response on the stream.
func (s *SSEConn) Call(ctx context.Context, method string, params, result any) error {
	id, ch, err := s.corr.Register(method)
	if err != nil {
		return err
	}
	msg, err := jsonrpc.NewRequest(id, method, params)
	if err != nil {
		s.corr.Forget(id)
		return err
	}
	if err := s.post(ctx, msg); err != nil {
		s.corr.Forget(id)
		return err
	}
	resp, err := s.corr.Await(ctx, id, method, ch, s.timeout)
	if err != nil {
		return err
	}
	if result == nil || len(resp.Result) == 0 {
		return nil
	}
	if err := jsonx.Unmarshal(resp.Result, result); err != nil {
		return &jsonrpc.ProtocolError{Reason: "decoding " + method + " result", Err: err}
	}
	return nil
}

// Notify posts a notification.
func (s *SSEConn) Notify(ctx context.Context, method string, params any) error {
	msg, err := jsonrpc.NewNotification(method, params)
	if err != nil {
		return err
	}
	return s.post(ctx, msg)
}

// Initialize performs the protocol handshake.
func (s *SSEConn) Initialize(ctx context.Context) error {
	res, err := handshake(ctx, s)
	if err != nil {
		return err
	}
	s.logger.Debug("tool server initialized", "server_name", res.ServerInfo.Name, "protocol", res.ProtocolVersion)
	return nil
}

// ListTools returns every tool the server advertises.
func (s *SSEConn) ListTools(ctx context.Context) ([]Tool, error) {
	return listAllTools(ctx, s)
}

// CallTool invokes one tool and renders its result as text.
func (s *SSEConn) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	return callTool(ctx, s, name, args)
}

// Stop closes the event stream and fails pending requests.
func (s *SSEConn) Stop() error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	started := s.started
	s.mu.Unlock()
	if !started || cancel == nil {
		return nil
	}
	cancel()
	<-done
	s.corr.FailAll(&jsonrpc.TransportError{Op: "call", Err: jsonrpc.ErrClosed})
	return nil
}
