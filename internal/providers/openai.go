package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// OpenAIProvider speaks the chat-completions dialect shared by OpenAI,
// OpenRouter, DeepSeek, Gemini's compatibility endpoint, and most
// self-hosted inference servers. One instance is constructed per credential
// so the Auth-Profile Pool can rotate keys independently.
type OpenAIProvider struct {
	name         string
	apiKey       string
	apiBase      string
	chatPath     string // defaults to "/chat/completions"
	defaultModel string
	client       *http.Client
	retryConfig  RetryConfig
}

func NewOpenAIProvider(name, apiKey, apiBase, defaultModel string) *OpenAIProvider {
	if apiBase == "" {
		apiBase = "https://api.openai.com/v1"
	}
	return &OpenAIProvider{
		name:         name,
		apiKey:       apiKey,
		apiBase:      strings.TrimRight(apiBase, "/"),
		chatPath:     "/chat/completions",
		defaultModel: defaultModel,
		client:       &http.Client{Timeout: 120 * time.Second},
		retryConfig:  DefaultRetryConfig(),
	}
}

// WithChatPath overrides the completions path for dialects that moved it
// (e.g. MiniMax's native endpoint).
func (p *OpenAIProvider) WithChatPath(path string) *OpenAIProvider {
	p.chatPath = path
	return p
}

func (p *OpenAIProvider) Name() string           { return p.name }
func (p *OpenAIProvider) DefaultModel() string   { return p.defaultModel }
func (p *OpenAIProvider) SupportsThinking() bool { return true }
func (p *OpenAIProvider) APIKey() string         { return p.apiKey }
func (p *OpenAIProvider) APIBase() string        { return p.apiBase }

// resolveModel returns the model id the request should carry. OpenRouter
// model ids always carry a vendor prefix; an unprefixed name there means
// the caller passed a foreign model through a fallback chain, so the
// provider's default stands in.
func (p *OpenAIProvider) resolveModel(model string) string {
	if model == "" {
		return p.defaultModel
	}
	if p.name == "openrouter" && !strings.Contains(model, "/") {
		return p.defaultModel
	}
	return model
}

func (p *OpenAIProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	body := p.buildRequestBody(p.resolveModel(req.Model), req, false)

	return RetryDo(ctx, p.retryConfig, func() (*ChatResponse, error) {
		respBody, err := p.doRequest(ctx, body)
		if err != nil {
			return nil, err
		}
		defer respBody.Close()

		var parsed openAIResponse
		if err := json.NewDecoder(respBody).Decode(&parsed); err != nil {
			return nil, fmt.Errorf("%s: decode response: %w", p.name, err)
		}
		return p.parseResponse(&parsed), nil
	})
}

func (p *OpenAIProvider) ChatStream(ctx context.Context, req ChatRequest, onChunk func(StreamChunk)) (*ChatResponse, error) {
	body := p.buildRequestBody(p.resolveModel(req.Model), req, true)

	// Only the connection phase retries; once SSE events flow, a failure
	// mid-stream surfaces to the caller rather than replaying partial text.
	respBody, err := RetryDo(ctx, p.retryConfig, func() (io.ReadCloser, error) {
		return p.doRequest(ctx, body)
	})
	if err != nil {
		return nil, err
	}
	defer respBody.Close()

	st := &openAIStreamState{
		result:  &ChatResponse{FinishReason: "stop"},
		calls:   make(map[int]*toolCallAccumulator),
		onChunk: onChunk,
	}

	scanner := bufio.NewScanner(respBody)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}
		st.consume(data)
	}

	return st.finish(), nil
}

// openAIStreamState accumulates one SSE response: text and thinking deltas
// forwarded as they arrive, tool-call fragments stitched per index, usage
// taken from the trailing chunk.
type openAIStreamState struct {
	result  *ChatResponse
	calls   map[int]*toolCallAccumulator
	onChunk func(StreamChunk)
}

func (st *openAIStreamState) consume(data string) {
	var chunk openAIStreamChunk
	if err := json.Unmarshal([]byte(data), &chunk); err != nil || len(chunk.Choices) == 0 {
		// Usage-only trailers have no choices but still carry token counts.
		if err == nil && chunk.Usage != nil {
			st.result.Usage = usageFromWire(chunk.Usage)
		}
		return
	}

	choice := chunk.Choices[0]
	delta := choice.Delta
	if delta.ReasoningContent != "" {
		st.result.Thinking += delta.ReasoningContent
		st.emit(StreamChunk{Thinking: delta.ReasoningContent})
	}
	if delta.Content != "" {
		st.result.Content += delta.Content
		st.emit(StreamChunk{Content: delta.Content})
	}

	for _, tc := range delta.ToolCalls {
		acc, ok := st.calls[tc.Index]
		if !ok {
			acc = &toolCallAccumulator{
				ToolCall: ToolCall{ID: tc.ID, Name: strings.TrimSpace(tc.Function.Name)},
			}
			st.calls[tc.Index] = acc
		}
		if tc.Function.Name != "" {
			acc.Name = strings.TrimSpace(tc.Function.Name)
		}
		acc.rawArgs += tc.Function.Arguments
		if tc.Function.ThoughtSignature != "" {
			acc.thoughtSig = tc.Function.ThoughtSignature
		}
	}

	if choice.FinishReason != "" {
		st.result.FinishReason = choice.FinishReason
	}
	if chunk.Usage != nil {
		st.result.Usage = usageFromWire(chunk.Usage)
	}
}

func (st *openAIStreamState) emit(chunk StreamChunk) {
	if st.onChunk != nil {
		st.onChunk(chunk)
	}
}

func (st *openAIStreamState) finish() *ChatResponse {
	for i := 0; i < len(st.calls); i++ {
		acc := st.calls[i]
		args := make(map[string]interface{})
		_ = json.Unmarshal([]byte(acc.rawArgs), &args)
		acc.Arguments = args
		if acc.thoughtSig != "" {
			acc.Metadata = map[string]string{"thought_signature": acc.thoughtSig}
		}
		st.result.ToolCalls = append(st.result.ToolCalls, acc.ToolCall)
	}
	if len(st.result.ToolCalls) > 0 {
		st.result.FinishReason = "tool_calls"
	}
	st.emit(StreamChunk{Done: true})
	return st.result
}

func (p *OpenAIProvider) buildRequestBody(model string, req ChatRequest, stream bool) map[string]interface{} {
	inputMessages := req.Messages
	if strings.Contains(strings.ToLower(p.name), "gemini") {
		// Gemini rejects replayed tool calls whose thought_signature is
		// missing (HTTP 400); prune those turns before encoding.
		inputMessages = pruneUnsignedToolTurns(inputMessages)
	}

	msgs := make([]map[string]interface{}, 0, len(inputMessages))
	for _, m := range inputMessages {
		msgs = append(msgs, encodeWireMessage(m))
	}

	body := map[string]interface{}{
		"model":    model,
		"messages": msgs,
		"stream":   stream,
	}
	if len(req.Tools) > 0 {
		body["tools"] = CleanToolSchemas(p.name, req.Tools)
		body["tool_choice"] = "auto"
	}
	if stream {
		body["stream_options"] = map[string]interface{}{"include_usage": true}
	}

	if v, ok := req.Options[OptMaxTokens]; ok {
		body["max_tokens"] = v
	}
	if v, ok := req.Options[OptTemperature]; ok {
		body["temperature"] = v
	}
	// reasoning_effort reaches o-series models; others ignore the key.
	if level, ok := req.Options[OptThinkingLevel].(string); ok && level != "" && level != "off" {
		body[OptReasoningEffort] = level
	}
	// DashScope passthrough keys.
	if v, ok := req.Options[OptEnableThinking]; ok {
		body[OptEnableThinking] = v
	}
	if v, ok := req.Options[OptThinkingBudget]; ok {
		body[OptThinkingBudget] = v
	}
	return body
}

// encodeWireMessage converts one internal message to the wire shape:
// tool calls get their type+function wrapper with arguments re-marshaled to
// a JSON string, images become data-URL content parts, and an assistant
// message that is all tool calls omits "content" entirely (Gemini rejects
// an empty string there).
func encodeWireMessage(m Message) map[string]interface{} {
	msg := map[string]interface{}{"role": m.Role}

	switch {
	case m.Role == "user" && len(m.Images) > 0:
		var parts []map[string]interface{}
		for _, img := range m.Images {
			parts = append(parts, map[string]interface{}{
				"type": "image_url",
				"image_url": map[string]interface{}{
					"url": fmt.Sprintf("data:%s;base64,%s", img.MimeType, img.Data),
				},
			})
		}
		if m.Content != "" {
			parts = append(parts, map[string]interface{}{"type": "text", "text": m.Content})
		}
		msg["content"] = parts
	case m.Content != "" || len(m.ToolCalls) == 0:
		msg["content"] = m.Content
	}

	if len(m.ToolCalls) > 0 {
		toolCalls := make([]map[string]interface{}, len(m.ToolCalls))
		for i, tc := range m.ToolCalls {
			argsJSON, _ := json.Marshal(tc.Arguments)
			fn := map[string]interface{}{
				"name":      tc.Name,
				"arguments": string(argsJSON),
			}
			if sig := tc.Metadata["thought_signature"]; sig != "" {
				fn["thought_signature"] = sig
			}
			toolCalls[i] = map[string]interface{}{
				"id":       tc.ID,
				"type":     "function",
				"function": fn,
			}
		}
		msg["tool_calls"] = toolCalls
	}
	if m.ToolCallID != "" {
		msg["tool_call_id"] = m.ToolCallID
	}
	return msg
}

func (p *OpenAIProvider) doRequest(ctx context.Context, body interface{}) (io.ReadCloser, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", p.name, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.apiBase+p.chatPath, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", p.name, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s: request failed: %w", p.name, err)
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, &HTTPError{
			Status:     resp.StatusCode,
			Body:       fmt.Sprintf("%s: %s", p.name, respBody),
			RetryAfter: ParseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}
	return resp.Body, nil
}

func (p *OpenAIProvider) parseResponse(resp *openAIResponse) *ChatResponse {
	result := &ChatResponse{FinishReason: "stop"}

	if len(resp.Choices) > 0 {
		choice := resp.Choices[0]
		result.Content = choice.Message.Content
		result.Thinking = choice.Message.ReasoningContent
		result.FinishReason = choice.FinishReason

		for _, tc := range choice.Message.ToolCalls {
			args := make(map[string]interface{})
			_ = json.Unmarshal([]byte(tc.Function.Arguments), &args)
			call := ToolCall{
				ID:        tc.ID,
				Name:      strings.TrimSpace(tc.Function.Name),
				Arguments: args,
			}
			if tc.Function.ThoughtSignature != "" {
				call.Metadata = map[string]string{"thought_signature": tc.Function.ThoughtSignature}
			}
			result.ToolCalls = append(result.ToolCalls, call)
		}
		if len(result.ToolCalls) > 0 {
			result.FinishReason = "tool_calls"
		}
	}

	if resp.Usage != nil {
		result.Usage = usageFromWire(resp.Usage)
	}
	return result
}

// usageFromWire maps the wire usage block (shared between streaming and
// non-streaming responses) to the internal Usage.
func usageFromWire(u *openAIUsage) *Usage {
	out := &Usage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
	}
	if u.PromptTokensDetails != nil {
		out.CacheReadTokens = u.PromptTokensDetails.CachedTokens
	}
	if u.CompletionTokensDetails != nil && u.CompletionTokensDetails.ReasoningTokens > 0 {
		out.ThinkingTokens = u.CompletionTokensDetails.ReasoningTokens
	}
	return out
}
