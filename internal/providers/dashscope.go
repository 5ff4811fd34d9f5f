package providers

import (
	"context"
	"log/slog"
)

const (
	dashscopeDefaultBase  = "https://dashscope-intl.aliyuncs.com/compatible-mode/v1"
	dashscopeDefaultModel = "qwen3-max"
)

// dashscopeThinkingBudgets maps the generic thinking level to DashScope's
// token-budget knob.
var dashscopeThinkingBudgets = map[string]int{
	"minimal": 1024,
	"low":     4096,
	"medium":  16384,
	"high":    32768,
	"xhigh":   32768,
}

// DashScopeProvider layers DashScope's quirks over the OpenAI-compatible
// base: thinking is controlled through enable_thinking/thinking_budget
// rather than reasoning_effort, and the API refuses tools and streaming in
// the same request.
type DashScopeProvider struct {
	*OpenAIProvider
}

func NewDashScopeProvider(apiKey, apiBase, defaultModel string) *DashScopeProvider {
	if apiBase == "" {
		apiBase = dashscopeDefaultBase
	}
	if defaultModel == "" {
		defaultModel = dashscopeDefaultModel
	}
	return &DashScopeProvider{
		OpenAIProvider: NewOpenAIProvider("dashscope", apiKey, apiBase, defaultModel),
	}
}

func (p *DashScopeProvider) Name() string           { return "dashscope" }
func (p *DashScopeProvider) SupportsThinking() bool { return true }

// Chat translates the generic thinking level before delegating.
func (p *DashScopeProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	return p.OpenAIProvider.Chat(ctx, translateThinkingOptions(req))
}

// ChatStream translates options, then works around the tools-vs-streaming
// exclusion: when tools are present the call runs non-streaming and the
// final text is replayed through the chunk callback so callers see a
// uniform streaming surface.
func (p *DashScopeProvider) ChatStream(ctx context.Context, req ChatRequest, onChunk func(StreamChunk)) (*ChatResponse, error) {
	req = translateThinkingOptions(req)

	if len(req.Tools) > 0 {
		slog.Debug("dashscope: tools present, degrading to non-streaming chat")
		resp, err := p.OpenAIProvider.Chat(ctx, req)
		if err != nil {
			return nil, err
		}
		if onChunk != nil {
			if resp.Thinking != "" {
				onChunk(StreamChunk{Thinking: resp.Thinking})
			}
			if resp.Content != "" {
				onChunk(StreamChunk{Content: resp.Content})
			}
			onChunk(StreamChunk{Done: true})
		}
		return resp, nil
	}
	return p.OpenAIProvider.ChatStream(ctx, req, onChunk)
}

// translateThinkingOptions rewrites the generic thinking_level option into
// DashScope's enable_thinking/thinking_budget pair on a cloned options map,
// leaving the caller's request untouched.
func translateThinkingOptions(req ChatRequest) ChatRequest {
	level, ok := req.Options[OptThinkingLevel].(string)
	if !ok || level == "" || level == "off" {
		return req
	}

	budget, known := dashscopeThinkingBudgets[level]
	if !known {
		budget = dashscopeThinkingBudgets["medium"]
	}

	opts := make(map[string]interface{}, len(req.Options)+2)
	for k, v := range req.Options {
		opts[k] = v
	}
	opts[OptEnableThinking] = true
	opts[OptThinkingBudget] = budget
	delete(opts, OptThinkingLevel)
	req.Options = opts
	return req
}
