package bus

import (
	"context"
	"testing"
	"time"
)

func TestInboundRoundTrip(t *testing.T) {
	b := NewMessageBus(1)
	b.PublishInbound(InboundMessage{Channel: "telegram", Content: "hi"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, ok := b.ConsumeInbound(ctx)
	if !ok || msg.Content != "hi" {
		t.Fatalf("got %+v ok=%v", msg, ok)
	}
}

func TestConsumeInboundHonorsContext(t *testing.T) {
	b := NewMessageBus(0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, ok := b.ConsumeInbound(ctx); ok {
		t.Fatal("consume succeeded on cancelled context")
	}
}

func TestBroadcastFansOutToAllSubscribers(t *testing.T) {
	b := NewMessageBus(0)
	got := map[string]int{}
	b.Subscribe("c1", func(Event) { got["c1"]++ })
	b.Subscribe("c2", func(Event) { got["c2"]++ })

	b.Broadcast(Event{Name: "tick"})
	if got["c1"] != 1 || got["c2"] != 1 {
		t.Fatalf("fan-out = %v", got)
	}

	b.Unsubscribe("c1")
	b.Broadcast(Event{Name: "tick"})
	if got["c1"] != 1 || got["c2"] != 2 {
		t.Fatalf("after unsubscribe = %v", got)
	}
}

func TestResubscribeReplacesHandler(t *testing.T) {
	b := NewMessageBus(0)
	first, second := 0, 0
	b.Subscribe("c1", func(Event) { first++ })
	b.Subscribe("c1", func(Event) { second++ })

	b.Broadcast(Event{Name: "tick"})
	if first != 0 || second != 1 {
		t.Fatalf("first=%d second=%d", first, second)
	}
}
