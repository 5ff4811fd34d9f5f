package agent

import (
	"strings"
	"testing"

	"github.com/halogate/halogate/internal/config"
	"github.com/halogate/halogate/internal/providers"
)

func pruningHistory() []providers.Message {
	big := strings.Repeat("x", 5000)
	return []providers.Message{
		{Role: "user", Content: "q1"},
		{Role: "assistant", Content: "calling tool"},
		{Role: "tool", Content: big, ToolCallID: "t1"},
		{Role: "assistant", Content: "a1"},
		{Role: "user", Content: "q2"},
		{Role: "assistant", Content: "calling tool again"},
		{Role: "tool", Content: big, ToolCallID: "t2"},
		{Role: "assistant", Content: "a2"},
		{Role: "user", Content: "q3"},
		{Role: "assistant", Content: "a3"},
	}
}

func TestPruneHistoryOffModeUntouched(t *testing.T) {
	history := pruningHistory()
	got := pruneHistory(history, nil)
	if len(got[2].Content) != 5000 {
		t.Fatal("nil config should not prune")
	}
	got = pruneHistory(history, &config.ContextPruningConfig{Mode: "off"})
	if len(got[2].Content) != 5000 {
		t.Fatal("off mode should not prune")
	}
}

func TestPruneHistorySoftTrimsOldToolResults(t *testing.T) {
	history := pruningHistory()
	got := pruneHistory(history, &config.ContextPruningConfig{Mode: "cache-ttl", KeepLastAssistants: 3})

	if len(got[2].Content) >= 5000 {
		t.Fatal("old tool result not trimmed")
	}
	if !strings.Contains(got[2].Content, "chars trimmed") {
		t.Fatalf("trim marker missing: %q", got[2].Content[:100])
	}
	// The recent tool result sits inside the protected tail.
	if len(got[6].Content) != 5000 {
		t.Fatal("protected tool result was trimmed")
	}
	// The input slice itself is untouched.
	if len(history[2].Content) != 5000 {
		t.Fatal("pruneHistory mutated its input")
	}
}

func TestPruneHistoryHardClearReplaces(t *testing.T) {
	enabled := true
	got := pruneHistory(pruningHistory(), &config.ContextPruningConfig{
		Mode:               "cache-ttl",
		KeepLastAssistants: 3,
		HardClear:          &config.ContextPruningHardClear{Enabled: &enabled, Placeholder: "[gone]"},
	})
	if got[2].Content != "[gone]" {
		t.Fatalf("hard clear = %q", got[2].Content)
	}
}
