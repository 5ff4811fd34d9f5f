package gateway

import (
	"context"
	"runtime"
	"time"

	"github.com/halogate/halogate/pkg/protocol"
)

var processStart = time.Now()

func (s *Server) handleHealthMethod(_ context.Context, _ *Client, _ *protocol.Frame) (any, *protocol.Error) {
	out := map[string]any{
		"status":         "ok",
		"protocol":       protocol.Version,
		"version":        s.version,
		"uptime_seconds": int64(time.Since(processStart).Seconds()),
		"goroutines":     runtime.NumGoroutine(),
	}
	if s.opts.Channels != nil {
		out["channels"] = s.opts.Channels.GetStatus()
	}
	return out, nil
}

func (s *Server) handleLogsTail(_ context.Context, _ *Client, req *protocol.Frame) (any, *protocol.Error) {
	var params struct {
		Lines int `json:"lines,omitempty"`
	}
	if werr := decodeParams(req, &params); werr != nil {
		return nil, werr
	}
	if s.opts.LogBuffer == nil {
		return nil, protocol.NewError(protocol.ErrUnavailable, "log capture not enabled")
	}
	if params.Lines <= 0 {
		params.Lines = 100
	}
	return map[string]any{"lines": s.opts.LogBuffer.Tail(params.Lines)}, nil
}

func (s *Server) handleModelsList(_ context.Context, _ *Client, _ *protocol.Frame) (any, *protocol.Error) {
	cfg := s.cfg()
	type modelEntry struct {
		AgentID  string `json:"agent_id"`
		Provider string `json:"provider"`
		Model    string `json:"model"`
	}
	var models []modelEntry
	models = append(models, modelEntry{
		AgentID:  cfg.ResolveDefaultAgentID(),
		Provider: cfg.Agents.Defaults.Provider,
		Model:    cfg.Agents.Defaults.Model,
	})
	for id := range cfg.Agents.List {
		resolved := cfg.ResolveAgent(id)
		models = append(models, modelEntry{AgentID: id, Provider: resolved.Provider, Model: resolved.Model})
	}
	var providerNames []string
	if s.opts.Providers != nil {
		providerNames = s.opts.Providers.Names()
	}
	return map[string]any{"models": models, "providers": providerNames}, nil
}

func (s *Server) handleSkillsStatus(_ context.Context, _ *Client, _ *protocol.Frame) (any, *protocol.Error) {
	// Skill packs are a front-end concern; the gateway only reports that
	// none are loaded into this process.
	return map[string]any{"skills": []string{}}, nil
}

func (s *Server) handleChannelsStatus(_ context.Context, _ *Client, _ *protocol.Frame) (any, *protocol.Error) {
	return map[string]any{"channels": s.opts.Channels.GetStatus()}, nil
}

func (s *Server) handleChannelsLogout(ctx context.Context, _ *Client, req *protocol.Frame) (any, *protocol.Error) {
	var params struct {
		Channel string `json:"channel"`
	}
	if werr := decodeParams(req, &params); werr != nil {
		return nil, werr
	}
	ch, ok := s.opts.Channels.GetChannel(params.Channel)
	if !ok {
		return nil, protocol.NewError(protocol.ErrNotFound, "unknown channel: "+params.Channel)
	}
	if err := ch.Stop(ctx); err != nil {
		return nil, wireErr(err)
	}
	s.opts.Channels.UnregisterChannel(params.Channel)
	return map[string]any{"logged_out": params.Channel}, nil
}
