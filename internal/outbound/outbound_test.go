package outbound

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/halogate/halogate/internal/bus"
	"github.com/halogate/halogate/internal/gwerrors"
)

func TestSplitBlocksShortTextUntouched(t *testing.T) {
	got := SplitBlocks("hello world", 100)
	if len(got) != 1 || got[0] != "hello world" {
		t.Fatalf("got %v", got)
	}
}

func TestSplitBlocksPrefersParagraphs(t *testing.T) {
	text := strings.Repeat("a", 60) + "\n\n" + strings.Repeat("b", 60)
	got := SplitBlocks(text, 80)
	if len(got) != 2 {
		t.Fatalf("got %d blocks: %v", len(got), got)
	}
	if !strings.HasPrefix(got[0], "a") || !strings.HasPrefix(got[1], "b") {
		t.Fatalf("paragraph boundary not respected: %v", got)
	}
}

func TestSplitBlocksRespectsLimit(t *testing.T) {
	words := strings.Repeat("word ", 200)
	for _, block := range SplitBlocks(words, 50) {
		if displayWidth(block) > 50 {
			t.Fatalf("block exceeds limit: %d cells", displayWidth(block))
		}
	}
}

func TestSplitBlocksReopensCodeFence(t *testing.T) {
	text := "```go\n" + strings.Repeat("codeline\n", 20) + "```"
	blocks := SplitBlocks(text, 60)
	if len(blocks) < 2 {
		t.Skip("fits in one block at this limit")
	}
	for i, b := range blocks {
		if i > 0 && !strings.HasPrefix(b, "```") {
			t.Fatalf("block %d does not reopen fence: %q", i, b)
		}
		if !strings.HasSuffix(strings.TrimSpace(b), "```") {
			t.Fatalf("block %d does not close fence: %q", i, b)
		}
	}
}

type sendRecorder struct {
	mu    sync.Mutex
	sends []bus.OutboundMessage
	fail  int // fail the first N sends
	err   error
}

func (r *sendRecorder) send(_ context.Context, msg bus.OutboundMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail > 0 {
		r.fail--
		if r.err != nil {
			return r.err
		}
		return context.DeadlineExceeded
	}
	r.sends = append(r.sends, msg)
	return nil
}

func (r *sendRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sends)
}

func newTestDeliverer(t *testing.T, rec *sendRecorder, caps ChannelCaps) *Deliverer {
	t.Helper()
	d, err := New(Options{
		Caps:       func(string) ChannelCaps { return caps },
		Send:       rec.send,
		RetryMax:   3,
		RetryDelay: 1,
	})
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func TestDeliverIdempotentByKey(t *testing.T) {
	rec := &sendRecorder{}
	d := newTestDeliverer(t, rec, ChannelCaps{})
	msg := bus.OutboundMessage{Channel: "telegram", ChatID: "c1", Content: "hi"}

	if _, err := d.Deliver(context.Background(), msg, "run-1"); err != nil {
		t.Fatal(err)
	}
	receipt, err := d.Deliver(context.Background(), msg, "run-1")
	if err != nil {
		t.Fatal(err)
	}
	if rec.count() != 1 {
		t.Fatalf("duplicate delivery produced %d sends", rec.count())
	}
	if !receipt.Deduplicated {
		t.Fatal("replay not reported as deduplicated")
	}

	// A different key is a different logical delivery.
	if _, err := d.Deliver(context.Background(), msg, "run-2"); err != nil {
		t.Fatal(err)
	}
	if rec.count() != 2 {
		t.Fatalf("distinct key produced %d sends, want 2", rec.count())
	}
}

func TestDeliverChunksAgainstLimit(t *testing.T) {
	rec := &sendRecorder{}
	d := newTestDeliverer(t, rec, ChannelCaps{TextLimit: 40})
	msg := bus.OutboundMessage{
		Channel: "discord", ChatID: "c1",
		Content: strings.Repeat("alpha ", 5) + "\n\n" + strings.Repeat("beta ", 5),
	}
	receipt, err := d.Deliver(context.Background(), msg, "run-1")
	if err != nil {
		t.Fatal(err)
	}
	if receipt.Blocks < 2 {
		t.Fatalf("expected chunked delivery, got %d blocks", receipt.Blocks)
	}
	for _, sent := range rec.sends {
		if displayWidth(sent.Content) > 40 {
			t.Fatalf("sent block over limit: %q", sent.Content)
		}
	}
}

func TestDeliverRetriesTransientFailures(t *testing.T) {
	rec := &sendRecorder{fail: 2}
	d := newTestDeliverer(t, rec, ChannelCaps{})
	msg := bus.OutboundMessage{Channel: "telegram", ChatID: "c1", Content: "retry me"}

	if _, err := d.Deliver(context.Background(), msg, "run-1"); err != nil {
		t.Fatalf("expected success after retries: %v", err)
	}
	if rec.count() != 1 {
		t.Fatalf("sends = %d, want 1", rec.count())
	}
}

func TestDeliverDoesNotRetryUnlinkedChannel(t *testing.T) {
	rec := &sendRecorder{fail: 99, err: gwerrors.New(gwerrors.KindChannelLinked, "not linked")}
	d := newTestDeliverer(t, rec, ChannelCaps{})
	msg := bus.OutboundMessage{Channel: "telegram", ChatID: "c1", Content: "x"}

	if _, err := d.Deliver(context.Background(), msg, "run-1"); err == nil {
		t.Fatal("expected error")
	}
	if rec.fail != 98 {
		t.Fatalf("retried a non-retryable failure: %d attempts consumed", 99-rec.fail)
	}
}

func TestDescribeMediaFallback(t *testing.T) {
	got := DescribeMediaFallback([]bus.MediaAttachment{
		{ContentType: "image/png", Caption: "chart"},
		{ContentType: "audio/ogg"},
	})
	if !strings.Contains(got, "image/png") || !strings.Contains(got, "chart") {
		t.Fatalf("fallback text = %q", got)
	}
	if DescribeMediaFallback(nil) != "" {
		t.Fatal("empty media should produce empty fallback")
	}
}
