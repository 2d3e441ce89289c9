package bus

import (
	"context"
	"log/slog"
	"sync"
)

// OutboundHandler delivers one outbound message to a channel adapter.
type OutboundHandler func(ctx context.Context, msg OutboundMessage) error

// MessageBus carries messages between channel adapters and the agent core.
//
// Two unbounded FIFO queues: inbound (channels → agent) and outbound
// (agent → channels). Publishing never blocks; consuming suspends until a
// message arrives. Ordering is FIFO within each queue; there is no
// backpressure and no ordering guarantee across chats beyond enqueue order.
type MessageBus struct {
	inbound  *queue[InboundMessage]
	outbound *queue[OutboundMessage]

	mu          sync.RWMutex
	subscribers map[string][]OutboundHandler
}

func NewMessageBus() *MessageBus {
	return &MessageBus{
		inbound:     newQueue[InboundMessage](),
		outbound:    newQueue[OutboundMessage](),
		subscribers: make(map[string][]OutboundHandler),
	}
}

// PublishInbound delivers a message from a channel to the agent.
func (b *MessageBus) PublishInbound(msg InboundMessage) {
	b.inbound.Push(msg)
}

// PublishOutbound delivers a response from the agent to the channels.
func (b *MessageBus) PublishOutbound(msg OutboundMessage) {
	b.outbound.Push(msg)
}

// ConsumeInbound blocks until an inbound message is available.
// ok is false once the bus has been stopped and the queue drained.
func (b *MessageBus) ConsumeInbound() (InboundMessage, bool) {
	return b.inbound.Pop()
}

// ConsumeOutbound blocks until an outbound message is available.
func (b *MessageBus) ConsumeOutbound() (OutboundMessage, bool) {
	return b.outbound.Pop()
}

// SubscribeOutbound registers a handler for outbound messages addressed to
// the named channel. Multiple handlers per channel are allowed.
func (b *MessageBus) SubscribeOutbound(channel string, h OutboundHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[channel] = append(b.subscribers[channel], h)
}

// DispatchOutbound dequeues outbound messages and invokes every handler
// registered for the message's channel. Handler errors and panics are
// logged and swallowed so one failing channel cannot halt dispatch.
// Blocks until the bus is stopped or ctx is cancelled.
func (b *MessageBus) DispatchOutbound(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		msg, ok := b.outbound.Pop()
		if !ok {
			return
		}

		b.mu.RLock()
		handlers := b.subscribers[msg.Channel]
		b.mu.RUnlock()

		if len(handlers) == 0 {
			slog.Debug("no subscriber for outbound message", "channel", msg.Channel)
			continue
		}
		for _, h := range handlers {
			b.invoke(ctx, h, msg)
		}
	}
}

func (b *MessageBus) invoke(ctx context.Context, h OutboundHandler, msg OutboundMessage) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("outbound handler panicked", "channel", msg.Channel, "panic", r)
		}
	}()
	if err := h(ctx, msg); err != nil {
		slog.Error("outbound handler failed", "channel", msg.Channel, "err", err)
	}
}

// Stop wakes all blocked consumers. In-flight handler invocations are not
// cancelled; the flag is checked between dequeues.
func (b *MessageBus) Stop() {
	b.inbound.Stop()
	b.outbound.Stop()
}

// InboundSize returns the inbound queue depth.
func (b *MessageBus) InboundSize() int { return b.inbound.Len() }

// OutboundSize returns the outbound queue depth.
func (b *MessageBus) OutboundSize() int { return b.outbound.Len() }
