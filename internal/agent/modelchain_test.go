package agent

import "testing"

func TestModelChainThreeTiers(t *testing.T) {
	l := &Loop{
		providerName:   "anthropic",
		model:          "claude-sonnet-4-5-20250929",
		fallbackModels: []string{"claude-haiku-4-5", "openai/gpt-4o"},
		globalProvider: "anthropic",
		globalModel:    "claude-opus-4-6",
	}
	got := l.modelChain()
	want := []modelCandidate{
		{providerName: "anthropic", model: "claude-sonnet-4-5-20250929"},
		{providerName: "anthropic", model: "claude-haiku-4-5"},
		{providerName: "openai", model: "gpt-4o"},
		{providerName: "anthropic", model: "claude-opus-4-6"},
	}
	if len(got) != len(want) {
		t.Fatalf("chain = %+v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("chain[%d] = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestModelChainDeduplicatesGlobalDefault(t *testing.T) {
	// An agent that doesn't override the default model shouldn't try it
	// twice.
	l := &Loop{
		providerName:   "anthropic",
		model:          "claude-sonnet-4-5-20250929",
		globalProvider: "anthropic",
		globalModel:    "claude-sonnet-4-5-20250929",
	}
	if got := l.modelChain(); len(got) != 1 {
		t.Fatalf("chain = %+v, want single candidate", got)
	}
}

func TestModelChainGlobalDefaultAfterAgentFallbacks(t *testing.T) {
	l := &Loop{
		providerName:   "deepseek",
		model:          "deepseek-chat",
		fallbackModels: []string{"deepseek-reasoner"},
		globalProvider: "anthropic",
		globalModel:    "claude-sonnet-4-5-20250929",
	}
	got := l.modelChain()
	last := got[len(got)-1]
	if last.providerName != "anthropic" || last.model != "claude-sonnet-4-5-20250929" {
		t.Fatalf("global default not last: %+v", got)
	}
}
