package channels

import (
	"context"
	"log/slog"
	"sort"

	"github.com/silverotter/silverotter/internal/bus"
	"github.com/silverotter/silverotter/internal/config"
)

// Manager owns all enabled channels and routes outbound messages to them
// through the bus's per-channel subscriptions.
type Manager struct {
	channels map[string]Channel
	b        *bus.MessageBus
}

// NewManager creates a Manager and registers all enabled channels.
// The CLI channel is always present; platform channels are added when
// their config section is enabled.
func NewManager(cfg *config.Config, b *bus.MessageBus) *Manager {
	m := &Manager{
		channels: make(map[string]Channel),
		b:        b,
	}

	m.register(NewCLIChannel(b))

	if cfg.Channels.Telegram.Enabled {
		m.register(NewTelegramChannel(&cfg.Channels.Telegram, b))
	}
	if cfg.Channels.Slack.Enabled {
		m.register(NewSlackChannel(&cfg.Channels.Slack, b))
	}
	if cfg.Channels.Discord.Enabled {
		m.register(NewDiscordChannel(&cfg.Channels.Discord, b))
	}

	return m
}

func (m *Manager) register(ch Channel) {
	m.channels[ch.Name()] = ch
	m.b.SubscribeOutbound(ch.Name(), ch.Send)
	slog.Info("channel enabled", "name", ch.Name())
}

// EnabledChannels returns the names of all registered channels, sorted.
func (m *Manager) EnabledChannels() []string {
	names := make([]string, 0, len(m.channels))
	for n := range m.channels {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Get returns the named channel, or nil if it is not registered.
func (m *Manager) Get(name string) Channel {
	return m.channels[name]
}

// StartAll starts the outbound dispatcher and every channel, then blocks
// until ctx is cancelled.
func (m *Manager) StartAll(ctx context.Context) error {
	go m.b.DispatchOutbound(ctx)

	for name, ch := range m.channels {
		go func(n string, c Channel) {
			slog.Info("starting channel", "name", n)
			if err := c.Start(ctx); err != nil && ctx.Err() == nil {
				slog.Error("channel exited with error", "name", n, "err", err)
			}
		}(name, ch)
	}

	<-ctx.Done()
	return ctx.Err()
}
