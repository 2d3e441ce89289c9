package channels

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/silverotter/silverotter/internal/bus"
	"github.com/silverotter/silverotter/internal/config"
)

type fakeChannel struct {
	name string
	sent chan bus.OutboundMessage
}

func newFakeChannel(name string) *fakeChannel {
	return &fakeChannel{name: name, sent: make(chan bus.OutboundMessage, 8)}
}

func (f *fakeChannel) Name() string { return f.name }

func (f *fakeChannel) Start(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func (f *fakeChannel) Send(_ context.Context, msg bus.OutboundMessage) error {
	f.sent <- msg
	return nil
}

func TestNewManagerRegistersCLIOnly(t *testing.T) {
	cfg := config.DefaultConfig()
	m := NewManager(&cfg, bus.NewMessageBus())

	assert.Equal(t, []string{"cli"}, m.EnabledChannels())
	assert.NotNil(t, m.Get("cli"))
	assert.Nil(t, m.Get("telegram"))
}

func TestNewManagerRegistersEnabledChannels(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Channels.Telegram.Enabled = true
	cfg.Channels.Telegram.Token = "t"
	cfg.Channels.Discord.Enabled = true
	cfg.Channels.Discord.Token = "d"

	m := NewManager(&cfg, bus.NewMessageBus())

	assert.Equal(t, []string{"cli", "discord", "telegram"}, m.EnabledChannels())
}

func TestOutboundRoutedToChannel(t *testing.T) {
	mb := bus.NewMessageBus()
	m := &Manager{channels: make(map[string]Channel), b: mb}
	fake := newFakeChannel("telegram")
	m.register(fake)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mb.DispatchOutbound(ctx)

	mb.PublishOutbound(bus.NewOutboundMessage("telegram", "100", "reply text"))

	select {
	case got := <-fake.sent:
		assert.Equal(t, "100", got.ChatID)
		assert.Equal(t, "reply text", got.Content)
	case <-time.After(2 * time.Second):
		t.Fatal("outbound message was not delivered")
	}
}

func TestOutboundUnknownChannelIgnored(t *testing.T) {
	mb := bus.NewMessageBus()
	m := &Manager{channels: make(map[string]Channel), b: mb}
	fake := newFakeChannel("telegram")
	m.register(fake)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mb.DispatchOutbound(ctx)

	mb.PublishOutbound(bus.NewOutboundMessage("discord", "1", "nobody home"))
	mb.PublishOutbound(bus.NewOutboundMessage("telegram", "2", "after"))

	select {
	case got := <-fake.sent:
		require.Equal(t, "after", got.Content, "dispatcher should skip unroutable messages")
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher stalled on unknown channel")
	}
}

func TestCLISendDeliversToREPL(t *testing.T) {
	c := NewCLIChannel(bus.NewMessageBus())

	msg := bus.NewOutboundMessage(bus.ChannelCLI, "direct", "hi there")
	require.NoError(t, c.Send(context.Background(), msg))

	select {
	case got := <-c.replies:
		assert.Equal(t, "hi there", got.Content)
	default:
		t.Fatal("reply not queued")
	}
}
