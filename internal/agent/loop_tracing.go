package agent

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"

	"github.com/halogate/halogate/internal/providers"
	"github.com/halogate/halogate/internal/tools"
	"github.com/halogate/halogate/internal/tracing"
)

// traceLLMCall wraps a single provider invocation in an llm.call span.
func (l *Loop) traceLLMCall(ctx context.Context, iteration int, fn func(ctx context.Context) (*providers.ChatResponse, error)) (*providers.ChatResponse, error) {
	if l.tracer == nil {
		return fn(ctx)
	}
	spanCtx, span := l.tracer.StartLLMCall(ctx, l.providerName, l.model, iteration)
	start := time.Now()
	resp, err := fn(spanCtx)
	if err == nil && resp != nil && resp.Usage != nil {
		tracing.SetUsage(span, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
		span.SetAttributes(attribute.String("llm.finish_reason", resp.FinishReason))
	}
	span.SetAttributes(attribute.Int64("llm.duration_ms", time.Since(start).Milliseconds()))
	tracing.EndWithError(span, err)
	return resp, err
}

// traceToolCall wraps a tool dispatch in a tool.call span.
func (l *Loop) traceToolCall(ctx context.Context, toolName, callID string, fn func(ctx context.Context) *tools.Result) *tools.Result {
	if l.tracer == nil {
		return fn(ctx)
	}
	spanCtx, span := l.tracer.StartToolCall(ctx, toolName, callID)
	start := time.Now()
	result := fn(spanCtx)
	span.SetAttributes(attribute.Int64("tool.duration_ms", time.Since(start).Milliseconds()))
	if result != nil {
		span.SetAttributes(attribute.String("tool.output_preview", truncateStr(result.ForLLM, 500)))
		if result.Usage != nil {
			tracing.SetUsage(span, result.Usage.PromptTokens, result.Usage.CompletionTokens)
		}
		if result.IsError {
			tracing.EndWithError(span, result.Err)
			return result
		}
	}
	tracing.EndWithError(span, nil)
	return result
}

func truncateStr(s string, maxLen int) string {
	s = strings.ToValidUTF8(s, "")
	if len(s) <= maxLen {
		return s
	}
	for maxLen > 0 && !utf8.RuneStart(s[maxLen]) {
		maxLen--
	}
	return s[:maxLen] + "..."
}

// EstimateTokens returns a rough token estimate for a slice of messages.
// Used for compaction thresholds.
func EstimateTokens(messages []providers.Message) int {
	total := 0
	for _, m := range messages {
		total += utf8.RuneCountInString(m.Content) / 3
	}
	return total
}
