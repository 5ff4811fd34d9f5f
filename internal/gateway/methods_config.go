package gateway

import (
	"context"
	"encoding/json"

	"github.com/halogate/halogate/internal/bus"
	"github.com/halogate/halogate/internal/config"
	"github.com/halogate/halogate/pkg/protocol"
)

// redactedConfig marshals cfg with credential fields blanked. Secrets come
// from the config file or environment variables and the loaded snapshot
// carries them, so the wire copy scrubs.
func redactedConfig(cfg *config.Config) (map[string]any, error) {
	cp := *cfg
	cp.Channels.Telegram.STTAPIKey = redact(cp.Channels.Telegram.STTAPIKey)
	cp.Tools.Web.Brave.APIKey = redact(cp.Tools.Web.Brave.APIKey)
	for _, p := range []*config.ProviderConfig{&cp.Providers.Anthropic, &cp.Providers.OpenAI,
		&cp.Providers.OpenRouter, &cp.Providers.Gemini, &cp.Providers.DeepSeek, &cp.Providers.DashScope} {
		extra := make(config.FlexibleStringSlice, len(p.ExtraAPIKeys))
		for i, k := range p.ExtraAPIKeys {
			extra[i] = redact(k)
		}
		p.ExtraAPIKeys = extra
	}
	cp.Gateway.Token = redact(cp.Gateway.Token)
	cp.Channels.Telegram.Token = redact(cp.Channels.Telegram.Token)
	cp.Channels.Discord.Token = redact(cp.Channels.Discord.Token)
	cp.Providers.Anthropic.APIKey = redact(cp.Providers.Anthropic.APIKey)
	cp.Providers.OpenAI.APIKey = redact(cp.Providers.OpenAI.APIKey)
	cp.Providers.OpenRouter.APIKey = redact(cp.Providers.OpenRouter.APIKey)
	cp.Providers.Gemini.APIKey = redact(cp.Providers.Gemini.APIKey)
	cp.Providers.DeepSeek.APIKey = redact(cp.Providers.DeepSeek.APIKey)
	cp.Providers.DashScope.APIKey = redact(cp.Providers.DashScope.APIKey)

	data, err := json.Marshal(&cp)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	return "***"
}

func (s *Server) handleConfigGet(_ context.Context, _ *Client, _ *protocol.Frame) (any, *protocol.Error) {
	cfg := s.cfg()
	out, err := redactedConfig(cfg)
	if err != nil {
		return nil, protocol.NewError(protocol.ErrInternal, "internal error")
	}
	return map[string]any{"config": out, "hash": cfg.Hash()}, nil
}

// handleConfigSet replaces the whole config. The new snapshot publishes
// atomically; in-flight runs keep the one they captured.
func (s *Server) handleConfigSet(_ context.Context, _ *Client, req *protocol.Frame) (any, *protocol.Error) {
	var params struct {
		Config json.RawMessage `json:"config"`
	}
	if werr := decodeParams(req, &params); werr != nil {
		return nil, werr
	}
	next := config.Default()
	if err := json.Unmarshal(params.Config, next); err != nil {
		return nil, &protocol.Error{Code: protocol.ErrValidation, Message: "invalid config: " + err.Error(), Field: "config"}
	}
	return s.applyConfig(next)
}

// handleConfigPatch overlays a partial document onto the current snapshot.
func (s *Server) handleConfigPatch(_ context.Context, _ *Client, req *protocol.Frame) (any, *protocol.Error) {
	var params struct {
		Patch json.RawMessage `json:"patch"`
	}
	if werr := decodeParams(req, &params); werr != nil {
		return nil, werr
	}

	cur, err := json.Marshal(s.cfg())
	if err != nil {
		return nil, protocol.NewError(protocol.ErrInternal, "internal error")
	}
	next := config.Default()
	if err := json.Unmarshal(cur, next); err != nil {
		return nil, protocol.NewError(protocol.ErrInternal, "internal error")
	}
	if err := json.Unmarshal(params.Patch, next); err != nil {
		return nil, &protocol.Error{Code: protocol.ErrValidation, Message: "invalid patch: " + err.Error(), Field: "patch"}
	}
	return s.applyConfig(next)
}

// handleConfigApply re-reads the config file and publishes it, same as a
// watcher-triggered reload but on demand.
func (s *Server) handleConfigApply(_ context.Context, _ *Client, _ *protocol.Frame) (any, *protocol.Error) {
	if s.opts.ConfigPath == "" {
		return nil, protocol.NewError(protocol.ErrUnavailable, "no config file configured")
	}
	next, err := config.LoadFile(s.opts.ConfigPath)
	if err != nil {
		return nil, &protocol.Error{Code: protocol.ErrValidation, Message: "config reload failed: " + err.Error()}
	}
	return s.applyConfig(next)
}

func (s *Server) applyConfig(next *config.Config) (any, *protocol.Error) {
	s.opts.Config.Replace(next)
	if s.opts.Agents != nil {
		s.opts.Agents.InvalidateAll()
	}
	s.eventPub.Broadcast(bus.Event{
		Name:    protocol.EventCacheInvalidate,
		Payload: bus.CacheInvalidatePayload{Kind: bus.CacheKindConfig},
	})
	return map[string]any{"applied": true, "hash": next.Hash()}, nil
}

// handleConfigSchema describes the config document's top-level sections so
// clients can build editors without hardcoding the tree.
func (s *Server) handleConfigSchema(_ context.Context, _ *Client, _ *protocol.Frame) (any, *protocol.Error) {
	return map[string]any{
		"sections": map[string]string{
			"agents":    "agent defaults and per-agent overrides",
			"bindings":  "channel/account/peer to agent routing rules, first match wins",
			"channels":  "channel plugin settings (telegram, discord)",
			"providers": "LLM provider endpoints and API keys; environment variables override file values",
			"gateway":   "listener address, auth token, rate limits, lane limits",
			"tools":     "tool policy, exec approval, web search, MCP servers",
			"sessions":  "session storage path and key scope rules",
			"auth_pool": "credential cooldown values; the pool does not read them and uses fixed cooldowns",
			"cron":      "scheduled job retry policy",
			"telemetry": "OpenTelemetry export settings",
		},
	}, nil
}
