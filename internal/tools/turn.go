package tools

import (
	"context"
	"sync"
)

// Turn carries per-turn routing metadata through the context tree. It is
// created by the agent loop once per inbound message and read by the routing
// tools (message, spawn, cron) inside Execute, so tool singletons never hold
// mutable per-turn state.
type Turn struct {
	Channel   string
	ChatID    string
	MessageID string

	mu           sync.Mutex
	sentSameChat bool
}

// NoteMessageSent records that a message was delivered to (channel, chatID).
// Only deliveries to the turn's own chat count toward reply suppression;
// cross-chat sends still get a final assistant reply in the origin chat.
func (t *Turn) NoteMessageSent(channel, chatID string) {
	if t == nil {
		return
	}
	if channel != t.Channel || chatID != t.ChatID {
		return
	}
	t.mu.Lock()
	t.sentSameChat = true
	t.mu.Unlock()
}

// SameChatMessageSent reports whether the message tool already delivered to
// this turn's chat.
func (t *Turn) SameChatMessageSent() bool {
	if t == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sentSameChat
}

type turnKey struct{}

// WithTurn returns a child context that carries t.
func WithTurn(ctx context.Context, t *Turn) context.Context {
	return context.WithValue(ctx, turnKey{}, t)
}

// TurnFrom extracts the Turn from ctx, or nil if none was set.
func TurnFrom(ctx context.Context) *Turn {
	t, _ := ctx.Value(turnKey{}).(*Turn)
	return t
}
