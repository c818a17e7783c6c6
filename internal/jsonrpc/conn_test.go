// ABOUTME: Tests for Conn request correlation, peer requests and notification ordering.
// ABOUTME: Runs two connections back to back over an in-memory pipe.

package jsonrpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/2389/coven-relay/internal/jsonx"
)

// setupConnPair wires a client and a server Conn over net.Pipe. Handlers must
// be registered before calling start.
func setupConnPair(t *testing.T, clientOpts, serverOpts Options) (client, server *Conn, start func()) {
	t.Helper()
	a, b := net.Pipe()
	client = NewConn(NewFramedCodec(a, a, a), clientOpts)
	server = NewConn(NewFramedCodec(b, b, b), serverOpts)
	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
		<-client.Done()
		<-server.Done()
	})
	return client, server, func() {
		client.Start()
		server.Start()
	}
}

func TestConnCall(t *testing.T) {
	defer goleak.VerifyNone(t)

	client, server, start := setupConnPair(t, Options{}, Options{})
	server.HandleRequest("echo", func(_ context.Context, params jsonx.RawMessage) (any, error) {
		var in map[string]any
		if err := jsonx.Unmarshal(params, &in); err != nil {
			return nil, err
		}
		return in, nil
	})
	start()

	var out map[string]any
	err := client.Call(context.Background(), "echo", map[string]any{"word": "hi"}, &out)
	require.NoError(t, err)
	assert.Equal(t, "hi", out["word"])
	assert.Equal(t, 0, client.Pending())

	_ = client.Close()
	_ = server.Close()
	<-client.Done()
	<-server.Done()
}

func TestConnConcurrentOutOfOrder(t *testing.T) {
	client, server, start := setupConnPair(t, Options{}, Options{})
	server.HandleRequest("delay", func(_ context.Context, params jsonx.RawMessage) (any, error) {
		var n int
		if err := jsonx.Unmarshal(params, &n); err != nil {
			return nil, err
		}
		// Later requests answer first.
		time.Sleep(time.Duration(50-n) * time.Millisecond)
		return n * 10, nil
	})
	start()

	var wg sync.WaitGroup
	errs := make(chan error, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			var got int
			if err := client.Call(context.Background(), "delay", n, &got); err != nil {
				errs <- err
				return
			}
			if got != n*10 {
				errs <- fmt.Errorf("request %d got %d", n, got)
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}
	assert.Equal(t, 0, client.Pending())
}

func TestConnTimeout(t *testing.T) {
	unmatched := make(chan *Message, 1)
	release := make(chan struct{})

	client, server, start := setupConnPair(t,
		Options{OnUnmatched: func(m *Message) { unmatched <- m }},
		Options{},
	)
	server.HandleRequest("slow", func(_ context.Context, _ jsonx.RawMessage) (any, error) {
		<-release
		return "late", nil
	})
	start()

	err := client.CallWithTimeout(context.Background(), "slow", nil, nil, 50*time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)

	var te *TimeoutError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, "slow", te.Method)
	assert.Equal(t, 0, client.Pending())

	close(release)

	select {
	case m := <-unmatched:
		assert.JSONEq(t, `"late"`, string(m.Result))
	case <-time.After(2 * time.Second):
		t.Fatal("late response never reached the unmatched hook")
	}
}

func TestConnRemoteErrors(t *testing.T) {
	client, server, start := setupConnPair(t, Options{}, Options{})
	server.HandleRequest("fail", func(_ context.Context, _ jsonx.RawMessage) (any, error) {
		return nil, NewError(-32000, "boom")
	})
	server.HandleRequest("plain", func(_ context.Context, _ jsonx.RawMessage) (any, error) {
		return nil, errors.New("disk full")
	})
	server.HandleRequest("panics", func(_ context.Context, _ jsonx.RawMessage) (any, error) {
		panic("kaboom")
	})
	start()
	ctx := context.Background()

	t.Run("wire error is passed through", func(t *testing.T) {
		err := client.Call(ctx, "fail", nil, nil)
		var re *RemoteError
		require.True(t, errors.As(err, &re))
		assert.Equal(t, -32000, re.Code)
		assert.Equal(t, "boom", re.Message)
		assert.ErrorIs(t, err, ErrRemote)
	})

	t.Run("plain error becomes internal error", func(t *testing.T) {
		err := client.Call(ctx, "plain", nil, nil)
		var re *RemoteError
		require.True(t, errors.As(err, &re))
		assert.Equal(t, CodeInternalError, re.Code)
		assert.Contains(t, re.Message, "disk full")
	})

	t.Run("handler panic is contained", func(t *testing.T) {
		err := client.Call(ctx, "panics", nil, nil)
		var re *RemoteError
		require.True(t, errors.As(err, &re))
		assert.Equal(t, CodeInternalError, re.Code)
	})

	t.Run("unknown method", func(t *testing.T) {
		err := client.Call(ctx, "nope", nil, nil)
		var re *RemoteError
		require.True(t, errors.As(err, &re))
		assert.Equal(t, CodeMethodNotFound, re.Code)
	})
}

func TestConnNotificationOrder(t *testing.T) {
	client, server, start := setupConnPair(t, Options{}, Options{})

	var mu sync.Mutex
	var seen []int
	done := make(chan struct{})
	client.HandleNotification("tick", func(_ context.Context, params jsonx.RawMessage) {
		var n int
		_ = jsonx.Unmarshal(params, &n)
		mu.Lock()
		seen = append(seen, n)
		if len(seen) == 100 {
			close(done)
		}
		mu.Unlock()
	})
	other := make(chan string, 1)
	client.HandleOtherNotifications(func(method string, _ jsonx.RawMessage) {
		other <- method
	})
	start()

	for i := 0; i < 100; i++ {
		require.NoError(t, server.Notify(context.Background(), "tick", i))
	}
	require.NoError(t, server.Notify(context.Background(), "window/logMessage", map[string]any{"message": "x"}))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("notifications not delivered")
	}
	assert.Equal(t, "window/logMessage", <-other)

	mu.Lock()
	defer mu.Unlock()
	for i, n := range seen {
		assert.Equal(t, i, n)
	}
}

func TestConnClose(t *testing.T) {
	t.Run("close fails pending calls", func(t *testing.T) {
		release := make(chan struct{})
		defer close(release)

		client, server, start := setupConnPair(t, Options{}, Options{})
		server.HandleRequest("hang", func(_ context.Context, _ jsonx.RawMessage) (any, error) {
			<-release
			return nil, nil
		})
		start()

		errc := make(chan error, 1)
		go func() { errc <- client.Call(context.Background(), "hang", nil, nil) }()

		require.Eventually(t, func() bool { return client.Pending() == 1 }, time.Second, 5*time.Millisecond)
		require.NoError(t, client.Close())

		select {
		case err := <-errc:
			assert.ErrorIs(t, err, ErrClosed)
		case <-time.After(2 * time.Second):
			t.Fatal("pending call was not released")
		}

		err := client.Call(context.Background(), "hang", nil, nil)
		assert.ErrorIs(t, err, ErrClosed)
	})

	t.Run("peer end of stream is a clean exit", func(t *testing.T) {
		client, server, start := setupConnPair(t, Options{}, Options{})
		start()

		require.NoError(t, server.Close())
		select {
		case <-client.Done():
		case <-time.After(2 * time.Second):
			t.Fatal("read loop did not exit")
		}
		assert.NoError(t, client.Err())
	})
}

func TestConnLineCodec(t *testing.T) {
	a, b := net.Pipe()
	client := NewConn(NewLineCodec(a, a, a), Options{})
	server := NewConn(NewLineCodec(b, b, b), Options{})
	defer func() {
		_ = client.Close()
		_ = server.Close()
	}()

	server.HandleRequest("tools/list", func(_ context.Context, _ jsonx.RawMessage) (any, error) {
		return map[string]any{"tools": []any{}}, nil
	})
	client.Start()
	server.Start()

	var out struct {
		Tools []any `json:"tools"`
	}
	require.NoError(t, client.Call(context.Background(), "tools/list", nil, &out))
	assert.NotNil(t, out.Tools)
}

func TestCorrelator(t *testing.T) {
	t.Run("ids are unique and increasing", func(t *testing.T) {
		c := NewCorrelator()
		first, _, err := c.Register("a")
		require.NoError(t, err)
		second, _, err := c.Register("b")
		require.NoError(t, err)
		assert.Greater(t, second, first)
		assert.Equal(t, 2, c.Pending())
	})

	t.Run("unknown id is not resolved", func(t *testing.T) {
		c := NewCorrelator()
		assert.False(t, c.Resolve(&Message{ID: jsonx.RawMessage("99")}))
	})

	t.Run("quoted ids resolve", func(t *testing.T) {
		c := NewCorrelator()
		id, ch, err := c.Register("a")
		require.NoError(t, err)
		assert.True(t, c.Resolve(&Message{ID: jsonx.RawMessage(fmt.Sprintf(`"%d"`, id)), Result: jsonx.RawMessage(`1`)}))
		msg, err := c.Await(context.Background(), id, "a", ch, time.Second)
		require.NoError(t, err)
		assert.Equal(t, "1", string(msg.Result))
	})

	t.Run("context cancellation releases slot", func(t *testing.T) {
		c := NewCorrelator()
		id, ch, err := c.Register("a")
		require.NoError(t, err)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err = c.Await(ctx, id, "a", ch, time.Second)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 0, c.Pending())
	})

	t.Run("fail all rejects new registrations", func(t *testing.T) {
		c := NewCorrelator()
		c.FailAll(ErrClosed)
		_, _, err := c.Register("a")
		assert.ErrorIs(t, err, ErrClosed)
	})
}
