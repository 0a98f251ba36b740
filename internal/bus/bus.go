package bus

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// MessageBus decouples chat channels from the agent core: channels
// push onto inbound, the agent core pushes onto outbound, and the
// channel manager's own dispatch loop pulls outbound deliveries one
// at a time via SubscribeOutbound.
type MessageBus struct {
	inbound  chan InboundMessage
	outbound chan OutboundMessage

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New builds a bus with the default queue size (100), the shape most
// call sites want.
func New() *MessageBus { return NewMessageBus(100) }

// NewMessageBus builds a bus with bounded queues of the given size.
func NewMessageBus(size int) *MessageBus {
	if size <= 0 {
		size = 100
	}
	return &MessageBus{
		inbound:  make(chan InboundMessage, size),
		outbound: make(chan OutboundMessage, size),
		stopCh:   make(chan struct{}),
	}
}

// PublishInbound enqueues msg from a channel to the agent. Returns
// false (and logs) if the queue is still full after timeout — the bus
// never blocks a channel's I/O loop forever.
func (b *MessageBus) PublishInbound(msg InboundMessage, timeout time.Duration) bool {
	select {
	case b.inbound <- msg:
		return true
	case <-time.After(timeout):
		slog.Error("bus: inbound queue full, dropped message", "channel", msg.Channel)
		return false
	}
}

// ConsumeInbound blocks until a message is available, ctx is done, or
// the bus is stopped.
func (b *MessageBus) ConsumeInbound(ctx context.Context) (InboundMessage, bool) {
	select {
	case msg := <-b.inbound:
		return msg, true
	case <-ctx.Done():
		return InboundMessage{}, false
	case <-b.stopCh:
		return InboundMessage{}, false
	}
}

// PublishOutbound enqueues a response from the agent to channels.
// Returns false (and logs) if the queue is still full after timeout.
func (b *MessageBus) PublishOutbound(msg OutboundMessage, timeout time.Duration) bool {
	select {
	case b.outbound <- msg:
		return true
	case <-time.After(timeout):
		slog.Error("bus: outbound queue full, dropped message", "channel", msg.Channel)
		return false
	}
}

// SubscribeOutbound blocks until one outbound message is available or
// ctx is done. The channel manager's dispatch loop calls this in a
// tight loop, spawning one delivery per message so a slow channel
// never blocks the next (spec §4.1 "dispatcher spawns each callback").
func (b *MessageBus) SubscribeOutbound(ctx context.Context) (OutboundMessage, bool) {
	select {
	case msg := <-b.outbound:
		return msg, true
	case <-ctx.Done():
		return OutboundMessage{}, false
	case <-b.stopCh:
		return OutboundMessage{}, false
	}
}

// Stop halts any blocked SubscribeOutbound/ConsumeInbound callers.
func (b *MessageBus) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

// InboundSize returns the number of pending inbound messages.
func (b *MessageBus) InboundSize() int { return len(b.inbound) }

// OutboundSize returns the number of pending outbound messages.
func (b *MessageBus) OutboundSize() int { return len(b.outbound) }

// AsRouter adapts a MessageBus to the MessageRouter interface using the
// Python reference's default timeouts (5s inbound, 10s outbound).
func (b *MessageBus) AsRouter() MessageRouter { return defaultRouter{b} }

type defaultRouter struct{ *MessageBus }

func (d defaultRouter) PublishInbound(msg InboundMessage) { d.MessageBus.PublishInbound(msg, 5*time.Second) }
func (d defaultRouter) PublishOutbound(msg OutboundMessage) {
	d.MessageBus.PublishOutbound(msg, 10*time.Second)
}

var _ MessageRouter = defaultRouter{}
