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

const (
	defaultClaudeModel  = "claude-sonnet-4-5-20250929"
	anthropicAPIBase    = "https://api.anthropic.com/v1"
	anthropicAPIVersion = "2023-06-01"
)

// anthropicThinkingBudgets maps the generic thinking level to extended-
// thinking token budgets.
var anthropicThinkingBudgets = map[string]int{
	"minimal": 1024,
	"low":     4096,
	"medium":  10000,
	"high":    32000,
	"xhigh":   32000,
}

// AnthropicProvider implements Provider against the Messages API over
// net/http. One instance per credential; the Auth-Profile Pool owns
// rotation between them.
type AnthropicProvider struct {
	apiKey       string
	baseURL      string
	defaultModel string
	client       *http.Client
	retryConfig  RetryConfig
}

// NewAnthropicProvider creates a new Anthropic provider.
func NewAnthropicProvider(apiKey string, opts ...AnthropicOption) *AnthropicProvider {
	p := &AnthropicProvider{
		apiKey:       apiKey,
		baseURL:      anthropicAPIBase,
		defaultModel: defaultClaudeModel,
		client:       &http.Client{Timeout: 120 * time.Second},
		retryConfig:  DefaultRetryConfig(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

type AnthropicOption func(*AnthropicProvider)

func WithAnthropicModel(model string) AnthropicOption {
	return func(p *AnthropicProvider) { p.defaultModel = model }
}

func WithAnthropicBaseURL(baseURL string) AnthropicOption {
	return func(p *AnthropicProvider) {
		if baseURL != "" {
			p.baseURL = strings.TrimRight(baseURL, "/")
		}
	}
}

func (p *AnthropicProvider) Name() string           { return "anthropic" }
func (p *AnthropicProvider) DefaultModel() string   { return p.defaultModel }
func (p *AnthropicProvider) SupportsThinking() bool { return true }

func (p *AnthropicProvider) resolveModel(model string) string {
	if model == "" {
		return p.defaultModel
	}
	return model
}

func (p *AnthropicProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	body := p.buildRequestBody(p.resolveModel(req.Model), req, false)

	return RetryDo(ctx, p.retryConfig, func() (*ChatResponse, error) {
		respBody, err := p.doRequest(ctx, body)
		if err != nil {
			return nil, err
		}
		defer respBody.Close()

		var parsed anthropicResponse
		if err := json.NewDecoder(respBody).Decode(&parsed); err != nil {
			return nil, fmt.Errorf("anthropic: decode response: %w", err)
		}
		return p.parseResponse(&parsed), nil
	})
}

func (p *AnthropicProvider) ChatStream(ctx context.Context, req ChatRequest, onChunk func(StreamChunk)) (*ChatResponse, error) {
	body := p.buildRequestBody(p.resolveModel(req.Model), req, true)

	// Only the connection phase retries; a failure mid-stream surfaces to
	// the caller instead of replaying partial output.
	respBody, err := RetryDo(ctx, p.retryConfig, func() (io.ReadCloser, error) {
		return p.doRequest(ctx, body)
	})
	if err != nil {
		return nil, err
	}
	defer respBody.Close()

	st := newAnthropicStreamState(onChunk)

	scanner := bufio.NewScanner(respBody)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024) // large thinking deltas
	currentEvent := ""
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			currentEvent = strings.TrimPrefix(line, "event: ")
			continue
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		if err := st.consume(currentEvent, strings.TrimPrefix(line, "data: ")); err != nil {
			return nil, err
		}
	}
	return st.finish(), nil
}

// anthropicStreamState folds the Messages API's SSE event sequence into one
// ChatResponse. Content blocks are also re-assembled raw so thinking blocks
// (and their signatures) can be replayed verbatim on the next turn — the
// API rejects tool-use follow-ups whose thinking blocks were altered.
type anthropicStreamState struct {
	result  *ChatResponse
	onChunk func(StreamChunk)

	toolArgs      map[int]string // tool-call index -> accumulated input JSON
	rawBlocks     []json.RawMessage
	blockType     string
	blockSig      string // signature_delta accumulates here per block
	thinkingChars int
}

func newAnthropicStreamState(onChunk func(StreamChunk)) *anthropicStreamState {
	return &anthropicStreamState{
		result:   &ChatResponse{FinishReason: "stop"},
		onChunk:  onChunk,
		toolArgs: make(map[int]string),
	}
}

func (st *anthropicStreamState) emit(chunk StreamChunk) {
	if st.onChunk != nil {
		st.onChunk(chunk)
	}
}

func (st *anthropicStreamState) consume(event, data string) error {
	switch event {
	case "message_start":
		var ev anthropicMessageStartEvent
		if json.Unmarshal([]byte(data), &ev) == nil {
			if st.result.Usage == nil {
				st.result.Usage = &Usage{}
			}
			if ev.Message.Usage.InputTokens > 0 {
				st.result.Usage.PromptTokens = ev.Message.Usage.InputTokens
			}
			st.result.Usage.CacheCreationTokens = ev.Message.Usage.CacheCreationInputTokens
			st.result.Usage.CacheReadTokens = ev.Message.Usage.CacheReadInputTokens
		}

	case "content_block_start":
		var ev anthropicContentBlockStartEvent
		if json.Unmarshal([]byte(data), &ev) == nil {
			st.blockType = ev.ContentBlock.Type
			st.blockSig = ""
			if ev.ContentBlock.Type == "tool_use" {
				st.result.ToolCalls = append(st.result.ToolCalls, ToolCall{
					ID:        ev.ContentBlock.ID,
					Name:      strings.TrimSpace(ev.ContentBlock.Name),
					Arguments: make(map[string]interface{}),
				})
			}
			st.rawBlocks = append(st.rawBlocks, nil) // placeholder until block_stop
		}

	case "content_block_delta":
		var ev anthropicContentBlockDeltaEvent
		if json.Unmarshal([]byte(data), &ev) == nil {
			switch ev.Delta.Type {
			case "text_delta":
				st.result.Content += ev.Delta.Text
				st.emit(StreamChunk{Content: ev.Delta.Text})
			case "thinking_delta":
				st.result.Thinking += ev.Delta.Thinking
				st.thinkingChars += len(ev.Delta.Thinking)
				st.emit(StreamChunk{Thinking: ev.Delta.Thinking})
			case "input_json_delta":
				if n := len(st.result.ToolCalls); n > 0 {
					st.toolArgs[n-1] += ev.Delta.PartialJSON
				}
			case "signature_delta":
				st.blockSig += ev.Delta.Signature
			}
		}

	case "content_block_stop":
		if n := len(st.rawBlocks); n > 0 {
			if block := st.sealBlock(); block != nil {
				st.rawBlocks[n-1] = block
			}
		}
		st.blockType = ""
		st.blockSig = ""

	case "message_delta":
		var ev anthropicMessageDeltaEvent
		if json.Unmarshal([]byte(data), &ev) == nil {
			if ev.Delta.StopReason != "" {
				st.result.FinishReason = finishReasonFromStop(ev.Delta.StopReason)
			}
			if ev.Usage.OutputTokens > 0 {
				if st.result.Usage == nil {
					st.result.Usage = &Usage{}
				}
				st.result.Usage.CompletionTokens = ev.Usage.OutputTokens
			}
		}

	case "error":
		var ev anthropicErrorEvent
		if json.Unmarshal([]byte(data), &ev) == nil {
			return fmt.Errorf("anthropic stream error: %s: %s", ev.Error.Type, ev.Error.Message)
		}

	case "message_stop":
		// Stream complete.
	}
	return nil
}

// sealBlock re-assembles the block that just finished streaming into its
// raw wire form for replay.
func (st *anthropicStreamState) sealBlock() json.RawMessage {
	var block map[string]interface{}
	switch st.blockType {
	case "thinking":
		block = map[string]interface{}{"type": "thinking", "thinking": st.result.Thinking}
		if st.blockSig != "" {
			block["signature"] = st.blockSig
		}
	case "text":
		block = map[string]interface{}{"type": "text", "text": st.result.Content}
	case "tool_use":
		n := len(st.result.ToolCalls)
		if n == 0 {
			return nil
		}
		tc := st.result.ToolCalls[n-1]
		args := make(map[string]interface{})
		if raw := st.toolArgs[n-1]; raw != "" {
			_ = json.Unmarshal([]byte(raw), &args)
		}
		block = map[string]interface{}{"type": "tool_use", "id": tc.ID, "name": tc.Name, "input": args}
	case "redacted_thinking":
		// The encrypted payload isn't delivered over SSE; a marker block
		// keeps the slot so indices stay aligned.
		block = map[string]interface{}{"type": "redacted_thinking"}
	default:
		return nil
	}
	b, err := json.Marshal(block)
	if err != nil {
		return nil
	}
	return b
}

func (st *anthropicStreamState) finish() *ChatResponse {
	for i, raw := range st.toolArgs {
		if raw == "" || i >= len(st.result.ToolCalls) {
			continue
		}
		args := make(map[string]interface{})
		_ = json.Unmarshal([]byte(raw), &args)
		st.result.ToolCalls[i].Arguments = args
	}

	if st.result.Usage != nil {
		st.result.Usage.TotalTokens = st.result.Usage.PromptTokens + st.result.Usage.CompletionTokens
		// The API doesn't report thinking tokens over SSE; ~4 chars/token
		// is close enough for the calibration this feeds.
		if st.thinkingChars > 0 {
			st.result.Usage.ThinkingTokens = st.thinkingChars / 4
		}
	}

	if len(st.rawBlocks) > 0 && len(st.result.ToolCalls) > 0 {
		if b, err := json.Marshal(st.rawBlocks); err == nil {
			st.result.RawAssistantContent = b
		}
	}

	st.emit(StreamChunk{Done: true})
	return st.result
}

func finishReasonFromStop(stopReason string) string {
	switch stopReason {
	case "tool_use":
		return "tool_calls"
	case "max_tokens":
		return "length"
	default:
		return "stop"
	}
}

func (p *AnthropicProvider) buildRequestBody(model string, req ChatRequest, stream bool) map[string]interface{} {
	systemBlocks, messages := encodeAnthropicMessages(req.Messages)

	body := map[string]interface{}{
		"model":         model,
		"max_tokens":    4096,
		"messages":      messages,
		"cache_control": map[string]interface{}{"type": "ephemeral"},
	}
	if stream {
		body["stream"] = true
	}
	if len(systemBlocks) > 0 {
		body["system"] = systemBlocks
	}

	if len(req.Tools) > 0 {
		tools := make([]map[string]interface{}, 0, len(req.Tools))
		for _, t := range req.Tools {
			tools = append(tools, map[string]interface{}{
				"name":         t.Function.Name,
				"description":  t.Function.Description,
				"input_schema": CleanSchemaForProvider("anthropic", t.Function.Parameters),
			})
		}
		body["tools"] = tools
	}

	if v, ok := req.Options[OptMaxTokens]; ok {
		body["max_tokens"] = v
	}
	if v, ok := req.Options[OptTemperature]; ok {
		body["temperature"] = v
	}

	if level, ok := req.Options[OptThinkingLevel].(string); ok && level != "" && level != "off" {
		budget, known := anthropicThinkingBudgets[level]
		if !known {
			budget = anthropicThinkingBudgets["medium"]
		}
		body["thinking"] = map[string]interface{}{
			"type":          "enabled",
			"budget_tokens": budget,
		}
		// The API rejects temperature alongside extended thinking, and
		// max_tokens must cover the budget plus the visible response.
		delete(body, "temperature")
		if maxTok, ok := body["max_tokens"].(int); !ok || maxTok < budget+4096 {
			body["max_tokens"] = budget + 8192
		}
	}
	return body
}

// encodeAnthropicMessages splits system prompts out and converts the rest
// to the Messages API's block shapes. An assistant turn carrying
// RawAssistantContent replays those exact blocks so thinking signatures
// survive the round trip.
func encodeAnthropicMessages(input []Message) (system []map[string]interface{}, messages []map[string]interface{}) {
	for _, msg := range input {
		switch msg.Role {
		case "system":
			system = append(system, map[string]interface{}{"type": "text", "text": msg.Content})

		case "user":
			if len(msg.Images) == 0 {
				messages = append(messages, map[string]interface{}{"role": "user", "content": msg.Content})
				continue
			}
			var blocks []map[string]interface{}
			for _, img := range msg.Images {
				blocks = append(blocks, map[string]interface{}{
					"type": "image",
					"source": map[string]interface{}{
						"type":       "base64",
						"media_type": img.MimeType,
						"data":       img.Data,
					},
				})
			}
			if msg.Content != "" {
				blocks = append(blocks, map[string]interface{}{"type": "text", "text": msg.Content})
			}
			messages = append(messages, map[string]interface{}{"role": "user", "content": blocks})

		case "assistant":
			if msg.RawAssistantContent != nil {
				var rawBlocks []json.RawMessage
				if json.Unmarshal(msg.RawAssistantContent, &rawBlocks) == nil && len(rawBlocks) > 0 {
					messages = append(messages, map[string]interface{}{"role": "assistant", "content": rawBlocks})
					continue
				}
			}
			var blocks []map[string]interface{}
			if msg.Content != "" {
				blocks = append(blocks, map[string]interface{}{"type": "text", "text": msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				blocks = append(blocks, map[string]interface{}{
					"type": "tool_use", "id": tc.ID, "name": tc.Name, "input": tc.Arguments,
				})
			}
			messages = append(messages, map[string]interface{}{"role": "assistant", "content": blocks})

		case "tool":
			messages = append(messages, map[string]interface{}{
				"role": "user",
				"content": []map[string]interface{}{{
					"type":        "tool_result",
					"tool_use_id": msg.ToolCallID,
					"content":     msg.Content,
				}},
			})
		}
	}
	return system, messages
}

func (p *AnthropicProvider) doRequest(ctx context.Context, body interface{}) (io.ReadCloser, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("anthropic: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/messages", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("anthropic: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)
	if bodyMap, ok := body.(map[string]interface{}); ok {
		if _, hasThinking := bodyMap["thinking"]; hasThinking {
			httpReq.Header.Set("anthropic-beta", "interleaved-thinking-2025-05-14")
		}
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("anthropic: request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, &HTTPError{
			Status:     resp.StatusCode,
			Body:       fmt.Sprintf("anthropic: %s", respBody),
			RetryAfter: ParseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}
	return resp.Body, nil
}

func (p *AnthropicProvider) parseResponse(resp *anthropicResponse) *ChatResponse {
	result := &ChatResponse{}
	thinkingChars := 0

	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			result.Content += block.Text
		case "thinking":
			result.Thinking += block.Thinking
			thinkingChars += len(block.Thinking)
		case "redacted_thinking":
			// Encrypted; not displayable, but replayed via raw content.
		case "tool_use":
			args := make(map[string]interface{})
			_ = json.Unmarshal(block.Input, &args)
			result.ToolCalls = append(result.ToolCalls, ToolCall{
				ID:        block.ID,
				Name:      strings.TrimSpace(block.Name),
				Arguments: args,
			})
		}
	}

	result.FinishReason = finishReasonFromStop(resp.StopReason)
	result.Usage = &Usage{
		PromptTokens:        resp.Usage.InputTokens,
		CompletionTokens:    resp.Usage.OutputTokens,
		TotalTokens:         resp.Usage.InputTokens + resp.Usage.OutputTokens,
		CacheCreationTokens: resp.Usage.CacheCreationInputTokens,
		CacheReadTokens:     resp.Usage.CacheReadInputTokens,
	}
	if thinkingChars > 0 {
		result.Usage.ThinkingTokens = thinkingChars / 4
	}

	if len(result.ToolCalls) > 0 {
		if b, err := json.Marshal(resp.Content); err == nil {
			result.RawAssistantContent = b
		}
	}
	return result
}

// --- Messages API wire types ---

type anthropicResponse struct {
	Content    []anthropicContentBlock `json:"content"`
	StopReason string                  `json:"stop_reason"`
	Usage      anthropicUsage          `json:"usage"`
}

type anthropicContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Thinking  string          `json:"thinking,omitempty"`
	Signature string          `json:"signature,omitempty"` // thinking verification
	Data      string          `json:"data,omitempty"`      // redacted_thinking payload
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
}

type anthropicUsage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens,omitempty"`
}

// --- SSE event types ---

type anthropicMessageStartEvent struct {
	Message struct {
		Usage anthropicUsage `json:"usage"`
	} `json:"message"`
}

type anthropicContentBlockStartEvent struct {
	Index        int                   `json:"index"`
	ContentBlock anthropicContentBlock `json:"content_block"`
}

type anthropicContentBlockDeltaEvent struct {
	Delta struct {
		Type        string `json:"type"`
		Text        string `json:"text,omitempty"`
		Thinking    string `json:"thinking,omitempty"`
		Signature   string `json:"signature,omitempty"`
		PartialJSON string `json:"partial_json,omitempty"`
	} `json:"delta"`
}

type anthropicMessageDeltaEvent struct {
	Delta struct {
		StopReason string `json:"stop_reason,omitempty"`
	} `json:"delta"`
	Usage anthropicUsage `json:"usage"`
}

type anthropicErrorEvent struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}
