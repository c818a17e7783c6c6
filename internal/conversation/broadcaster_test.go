// ABOUTME: Tests for event fan-out: ordering, unbounded mailboxes and teardown.

package conversation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func receive(t *testing.T, ch <-chan ChatEvent) ChatEvent {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "channel closed")
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return ChatEvent{}
	}
}

func TestBroadcasterFanOut(t *testing.T) {
	b := NewBroadcaster(quietLogger())
	defer b.Close()
	ctx := context.Background()

	first, _ := b.Subscribe(ctx)
	second, _ := b.Subscribe(ctx)
	assert.Equal(t, 2, b.Subscribers())

	b.Publish(ChatEvent{Kind: EventDelta, Text: "hi"})
	assert.Equal(t, "hi", receive(t, first).Text)
	assert.Equal(t, "hi", receive(t, second).Text)
}

func TestBroadcasterSlowSubscriberKeepsOrder(t *testing.T) {
	b := NewBroadcaster(quietLogger())
	defer b.Close()
	ch, _ := b.Subscribe(context.Background())

	// Nobody reads while publishing; nothing may block or drop.
	for i := 0; i < 1000; i++ {
		b.Publish(ChatEvent{Kind: EventAgentRound, Round: i})
	}
	for i := 0; i < 1000; i++ {
		require.Equal(t, i, receive(t, ch).Round)
	}
}

func TestBroadcasterUnsubscribe(t *testing.T) {
	b := NewBroadcaster(quietLogger())
	defer b.Close()
	ctx, cancel := context.WithCancel(context.Background())

	ch, _ := b.Subscribe(ctx)
	other, id := b.Subscribe(context.Background())

	cancel()
	require.Eventually(t, func() bool { return b.Subscribers() == 1 }, time.Second, 5*time.Millisecond)
	_, ok := <-ch
	assert.False(t, ok)

	b.Unsubscribe(id)
	_, ok = <-other
	assert.False(t, ok)
	b.Unsubscribe(id)
}

func TestBroadcasterClose(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	b := NewBroadcaster(quietLogger())
	ch, _ := b.Subscribe(context.Background())
	b.Publish(ChatEvent{Kind: EventDone})
	b.Close()

	for range ch {
	}
	late, _ := b.Subscribe(context.Background())
	_, ok := <-late
	assert.False(t, ok, "subscribing after Close yields a closed channel")
	b.Publish(ChatEvent{Kind: EventDone})
}
