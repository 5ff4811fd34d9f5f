// Package tracing wires run and RPC spans onto the OpenTelemetry SDK. A
// run's root span is "agent.run" with the agent id, run id and session key
// as attributes; LLM calls and tool calls
// are child spans whose attributes mirror the fields the rest of the
// codebase already tracks (model, provider, tokens).
package tracing

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/halogate/halogate/internal/config"
)

const tracerName = "github.com/halogate/halogate"

// Provider wraps the SDK tracer provider and exposes a single Tracer used
// throughout the process.
type Provider struct {
	tp     *sdktrace.TracerProvider
	tracer trace.Tracer
}

// Noop returns a Provider backed by the OTel no-op implementation, used when
// telemetry is disabled in config.
func Noop() *Provider {
	return &Provider{tracer: otel.Tracer(tracerName)}
}

// NewProvider builds a real exporting Provider from TelemetryConfig. Returns
// Noop() if cfg is nil or cfg.Enabled is false.
func NewProvider(ctx context.Context, cfg *config.TelemetryConfig) (*Provider, error) {
	if cfg == nil || !cfg.Enabled {
		return Noop(), nil
	}

	var exp sdktrace.SpanExporter
	var err error
	switch cfg.Protocol {
	case "http":
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlptracehttp.WithHeaders(cfg.Headers))
		}
		exp, err = otlptracehttp.New(ctx, opts...)
	default:
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
		}
		exp, err = otlptracegrpc.New(ctx, opts...)
	}
	if err != nil {
		return nil, err
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "halogate"
	}
	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(serviceName),
	))
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	slog.Info("tracing enabled", "endpoint", cfg.Endpoint, "protocol", cfg.Protocol)
	return &Provider{tp: tp, tracer: tp.Tracer(tracerName)}, nil
}

// Shutdown flushes and stops the exporter. No-op for a Noop provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tp == nil {
		return nil
	}
	return p.tp.Shutdown(ctx)
}

// StartRun opens the root span for an agent run.
func (p *Provider) StartRun(ctx context.Context, agentID, runID, sessionKey string) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, "agent.run", trace.WithAttributes(
		attribute.String("agent.id", agentID),
		attribute.String("run.id", runID),
		attribute.String("session.key", sessionKey),
	))
}

// StartLLMCall opens a child span for a single provider invocation.
func (p *Provider) StartLLMCall(ctx context.Context, provider, model string, iteration int) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, "llm.call", trace.WithAttributes(
		attribute.String("llm.provider", provider),
		attribute.String("llm.model", model),
		attribute.Int("llm.iteration", iteration),
	))
}

// StartToolCall opens a child span for a tool dispatch.
func (p *Provider) StartToolCall(ctx context.Context, toolName, callID string) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, "tool.call", trace.WithAttributes(
		attribute.String("tool.name", toolName),
		attribute.String("tool.call_id", callID),
	))
}

// EndWithError sets span status from err, recording it if non-nil, then ends
// the span.
func EndWithError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// SetUsage annotates a span with token usage attributes.
func SetUsage(span trace.Span, promptTokens, completionTokens int) {
	span.SetAttributes(
		attribute.Int("llm.usage.prompt_tokens", promptTokens),
		attribute.Int("llm.usage.completion_tokens", completionTokens),
	)
}
