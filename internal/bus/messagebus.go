package bus

import (
	"context"
	"sync"
)

// MessageBus is the concrete, in-process implementation of MessageRouter and
// EventPublisher. Channels publish
// InboundMessage onto it; the Lane Scheduler consumes them. Agent runs and
// the RPC Dispatcher publish Event values that are fanned out to every
// subscriber (one per connected RPC client).
type MessageBus struct {
	inbound  chan InboundMessage
	outbound chan OutboundMessage

	mu   sync.RWMutex
	subs map[string]EventHandler
}

// NewMessageBus creates a MessageBus with the given channel buffer depth.
// A depth of 0 makes both queues synchronous (send blocks until a consumer
// is ready), which is fine for tests; production wiring uses a small buffer
// so a slow channel plugin doesn't stall inbound delivery.
func NewMessageBus(buffer int) *MessageBus {
	return &MessageBus{
		inbound:  make(chan InboundMessage, buffer),
		outbound: make(chan OutboundMessage, buffer),
		subs:     make(map[string]EventHandler),
	}
}

// PublishInbound enqueues a normalized inbound message for the Lane Scheduler.
func (b *MessageBus) PublishInbound(msg InboundMessage) {
	b.inbound <- msg
}

// ConsumeInbound blocks until an inbound message is available or ctx is done.
func (b *MessageBus) ConsumeInbound(ctx context.Context) (InboundMessage, bool) {
	select {
	case msg := <-b.inbound:
		return msg, true
	case <-ctx.Done():
		return InboundMessage{}, false
	}
}

// PublishOutbound enqueues a reply for delivery back through its originating channel.
func (b *MessageBus) PublishOutbound(msg OutboundMessage) {
	b.outbound <- msg
}

// SubscribeOutbound blocks until an outbound message is available or ctx is done.
func (b *MessageBus) SubscribeOutbound(ctx context.Context) (OutboundMessage, bool) {
	select {
	case msg := <-b.outbound:
		return msg, true
	case <-ctx.Done():
		return OutboundMessage{}, false
	}
}

// Subscribe registers a handler that receives every broadcast Event, keyed by
// an opaque subscriber id (an RPC connection id). Re-subscribing with the
// same id replaces the previous handler.
func (b *MessageBus) Subscribe(id string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[id] = handler
}

// Unsubscribe removes a subscriber.
func (b *MessageBus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}

// Broadcast fans an Event out to every current subscriber. Handlers must not
// block; the Event Bus's per-connection backpressure is the
// caller's responsibility (see internal/gateway.Client).
func (b *MessageBus) Broadcast(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, handler := range b.subs {
		handler(event)
	}
}
