package providers

// Option keys recognized in ChatRequest.Options. Providers read only the
// keys they understand and ignore the rest, so a single options map can be
// built once per run and passed to whichever provider ends up serving it
// (primary or fallback).
const (
	OptMaxTokens       = "max_tokens"
	OptTemperature     = "temperature"
	OptThinkingLevel   = "thinking_level"   // "off", "minimal", "low", "medium", "high", "xhigh"
	OptReasoningEffort = "reasoning_effort" // o-series models read this key directly
	OptEnableThinking  = "enable_thinking"  // DashScope passthrough
	OptThinkingBudget  = "thinking_budget"  // DashScope passthrough
)
