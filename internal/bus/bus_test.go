package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishConsumeInboundFIFO(t *testing.T) {
	b := NewMessageBus()
	b.PublishInbound(NewInboundMessage("cli", "u1", "direct", "first"))
	b.PublishInbound(NewInboundMessage("cli", "u1", "direct", "second"))

	msg, ok := b.ConsumeInbound()
	require.True(t, ok)
	assert.Equal(t, "first", msg.Content)

	msg, ok = b.ConsumeInbound()
	require.True(t, ok)
	assert.Equal(t, "second", msg.Content)
	assert.Equal(t, 0, b.InboundSize())
}

func TestConsumeBlocksUntilPublish(t *testing.T) {
	b := NewMessageBus()
	got := make(chan OutboundMessage, 1)
	go func() {
		msg, ok := b.ConsumeOutbound()
		if ok {
			got <- msg
		}
	}()

	time.Sleep(10 * time.Millisecond)
	b.PublishOutbound(NewOutboundMessage("telegram", "42", "hi"))

	select {
	case msg := <-got:
		assert.Equal(t, "telegram", msg.Channel)
	case <-time.After(time.Second):
		t.Fatal("consumer never woke up")
	}
}

func TestDispatchOutboundRoutesByChannel(t *testing.T) {
	b := NewMessageBus()

	var mu sync.Mutex
	var telegram, slack []string
	b.SubscribeOutbound("telegram", func(_ context.Context, m OutboundMessage) error {
		mu.Lock()
		defer mu.Unlock()
		telegram = append(telegram, m.Content)
		return nil
	})
	b.SubscribeOutbound("slack", func(_ context.Context, m OutboundMessage) error {
		mu.Lock()
		defer mu.Unlock()
		slack = append(slack, m.Content)
		return nil
	})

	done := make(chan struct{})
	go func() {
		b.DispatchOutbound(context.Background())
		close(done)
	}()

	b.PublishOutbound(NewOutboundMessage("telegram", "1", "a"))
	b.PublishOutbound(NewOutboundMessage("slack", "2", "b"))
	b.PublishOutbound(NewOutboundMessage("telegram", "1", "c"))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(telegram) == 2 && len(slack) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []string{"a", "c"}, telegram)
	assert.Equal(t, []string{"b"}, slack)
	mu.Unlock()

	b.Stop()
	<-done
}

func TestDispatchSurvivesFailingHandler(t *testing.T) {
	b := NewMessageBus()

	b.SubscribeOutbound("bad", func(_ context.Context, _ OutboundMessage) error {
		return errors.New("send failed")
	})
	b.SubscribeOutbound("worse", func(_ context.Context, _ OutboundMessage) error {
		panic("boom")
	})

	delivered := make(chan string, 1)
	b.SubscribeOutbound("good", func(_ context.Context, m OutboundMessage) error {
		delivered <- m.Content
		return nil
	})

	go b.DispatchOutbound(context.Background())
	defer b.Stop()

	b.PublishOutbound(NewOutboundMessage("bad", "1", "x"))
	b.PublishOutbound(NewOutboundMessage("worse", "1", "y"))
	b.PublishOutbound(NewOutboundMessage("good", "1", "still alive"))

	select {
	case content := <-delivered:
		assert.Equal(t, "still alive", content)
	case <-time.After(time.Second):
		t.Fatal("dispatch halted after failing handlers")
	}
}

func TestStopWakesConsumers(t *testing.T) {
	b := NewMessageBus()
	done := make(chan bool, 1)
	go func() {
		_, ok := b.ConsumeInbound()
		done <- ok
	}()

	time.Sleep(10 * time.Millisecond)
	b.Stop()

	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("Stop did not wake blocked consumer")
	}
}

func TestStopDrainsQueuedItems(t *testing.T) {
	b := NewMessageBus()
	b.PublishInbound(NewInboundMessage("cli", "u", "d", "queued"))
	b.Stop()

	msg, ok := b.ConsumeInbound()
	require.True(t, ok, "queued item should still be deliverable after Stop")
	assert.Equal(t, "queued", msg.Content)

	_, ok = b.ConsumeInbound()
	assert.False(t, ok)

	b.PublishInbound(NewInboundMessage("cli", "u", "d", "late"))
	assert.Equal(t, 0, b.InboundSize(), "pushes after Stop are dropped")
}

func TestSessionKey(t *testing.T) {
	m := NewInboundMessage("telegram", "u9", "chat7", "hello")
	assert.Equal(t, "telegram:chat7", m.SessionKey())
}
