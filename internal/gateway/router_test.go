package gateway

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/halogate/halogate/pkg/protocol"
)

// testClient builds a Client detached from any socket; queued frames are
// inspected instead of written.
func testClient(scopes ...protocol.Scope) *Client {
	c := &Client{
		scopes: map[protocol.Scope]bool{},
		wake:   make(chan struct{}, 1),
	}
	for _, s := range scopes {
		c.scopes[s] = true
	}
	return c
}

func (c *Client) queuedFrames() []protocol.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.Frame, 0, len(c.queue))
	for _, q := range c.queue {
		out = append(out, q.frame)
	}
	return out
}

func TestDispatchRejectsMissingScope(t *testing.T) {
	r := NewMethodRouter()
	handlerRan := false
	r.Register(protocol.MethodChatSend, func(_ context.Context, _ *Client, _ *protocol.Frame) (any, *protocol.Error) {
		handlerRan = true
		return map[string]any{}, nil
	})

	c := testClient(protocol.ScopeRead) // chat.send needs write
	r.Dispatch(context.Background(), c, protocol.NewReq("1", protocol.MethodChatSend, nil))

	if handlerRan {
		t.Fatal("handler ran without required scope")
	}
	frames := c.queuedFrames()
	if len(frames) != 1 || frames[0].Error == nil {
		t.Fatalf("frames = %+v", frames)
	}
	if code := frames[0].Error.Code; code != protocol.ErrForbidden {
		t.Fatalf("error code = %q, want forbidden", code)
	}
}

func TestDispatchUnauthenticatedGetsUnauthorized(t *testing.T) {
	r := NewMethodRouter()
	r.Register(protocol.MethodChatSend, func(_ context.Context, _ *Client, _ *protocol.Frame) (any, *protocol.Error) {
		return map[string]any{}, nil
	})

	c := testClient() // no scopes at all
	r.Dispatch(context.Background(), c, protocol.NewReq("1", protocol.MethodChatSend, nil))

	frames := c.queuedFrames()
	if code := frames[0].Error.Code; code != protocol.ErrUnauthorized {
		t.Fatalf("error code = %q, want unauthorized", code)
	}
}

func TestDispatchAdminImpliesAll(t *testing.T) {
	r := NewMethodRouter()
	ran := false
	r.Register(protocol.MethodConfigSet, func(_ context.Context, _ *Client, _ *protocol.Frame) (any, *protocol.Error) {
		ran = true
		return map[string]any{"ok": true}, nil
	})

	c := testClient(protocol.ScopeAdmin)
	r.Dispatch(context.Background(), c, protocol.NewReq("1", protocol.MethodConfigSet, nil))
	if !ran {
		t.Fatal("admin scope did not satisfy method requirement")
	}
	frames := c.queuedFrames()
	if frames[0].Error != nil {
		t.Fatalf("unexpected error: %+v", frames[0].Error)
	}
}

func TestDispatchUnknownMethod(t *testing.T) {
	r := NewMethodRouter()
	c := testClient(protocol.ScopeAdmin)
	r.Dispatch(context.Background(), c, protocol.NewReq("7", "no.such.method", nil))

	frames := c.queuedFrames()
	if frames[0].Error == nil || frames[0].Error.Code != protocol.ErrNotFound {
		t.Fatalf("frames = %+v", frames)
	}
	if frames[0].ID != "7" {
		t.Fatalf("response id = %q", frames[0].ID)
	}
}

func TestDispatchMarshalsResult(t *testing.T) {
	r := NewMethodRouter()
	r.Register(protocol.MethodHealth, func(_ context.Context, _ *Client, _ *protocol.Frame) (any, *protocol.Error) {
		return map[string]any{"status": "ok"}, nil
	})

	c := testClient(protocol.ScopeRead)
	r.Dispatch(context.Background(), c, protocol.NewReq("9", protocol.MethodHealth, nil))

	frames := c.queuedFrames()
	var payload map[string]string
	if err := json.Unmarshal(frames[0].Payload, &payload); err != nil {
		t.Fatal(err)
	}
	if payload["status"] != "ok" {
		t.Fatalf("payload = %v", payload)
	}
	if frames[0].OK == nil || !*frames[0].OK {
		t.Fatal("ok flag not set on success")
	}
}

func TestBackpressureShedsDeltasNotCritical(t *testing.T) {
	c := testClient(protocol.ScopeRead)
	c.maxBuffered = 1200 // room for one 658-byte frame (402-byte payload + 256)

	big := make([]byte, 400)
	for i := range big {
		big[i] = 'x'
	}
	payload, _ := json.Marshal(string(big))

	c.SendEvent(protocol.NewEventFrame("agent", payload), false) // droppable
	c.SendEvent(protocol.NewEventFrame("agent", payload), true)  // critical
	c.SendEvent(protocol.NewEventFrame("agent", payload), false) // droppable
	c.SendEvent(protocol.NewEventFrame("agent", payload), true)  // critical — overflows

	c.mu.Lock()
	dropped := c.dropped
	var criticalLeft, droppableLeft int
	for _, q := range c.queue {
		if q.critical {
			criticalLeft++
		} else {
			droppableLeft++
		}
	}
	c.mu.Unlock()

	if dropped == 0 {
		t.Fatal("no frames shed despite overflow")
	}
	if criticalLeft != 2 {
		t.Fatalf("critical frames shed: %d left, want 2", criticalLeft)
	}
}

func TestSeqAssignedMonotonically(t *testing.T) {
	c := testClient(protocol.ScopeRead)
	// Simulate what the write pump does when draining.
	frames := []protocol.Frame{
		protocol.NewEventFrame("tick", nil),
		protocol.NewEventFrame("tick", nil),
		protocol.NewEventFrame("tick", nil),
	}
	var got []uint64
	for _, f := range frames {
		c.seq++
		f.Seq = c.seq
		got = append(got, f.Seq)
	}
	for i := 1; i < len(got); i++ {
		if got[i] != got[i-1]+1 {
			t.Fatalf("seq not contiguous: %v", got)
		}
	}
}

func TestLogBufferTail(t *testing.T) {
	inner := discardHandler{}
	buf := NewLogBuffer(inner, 4)

	for i := 0; i < 6; i++ {
		buf.Handle(context.Background(), recordWithMessage(byte('a'+i)))
	}
	lines := buf.Tail(0)
	if len(lines) != 4 {
		t.Fatalf("tail = %d lines, want 4 (ring size)", len(lines))
	}
	if lines[0].Message != "c" || lines[3].Message != "f" {
		t.Fatalf("tail window wrong: %+v", lines)
	}

	if got := buf.Tail(2); len(got) != 2 || got[1].Message != "f" {
		t.Fatalf("tail(2) = %+v", got)
	}
}
