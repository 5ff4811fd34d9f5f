package gateway

import (
	"context"
	"time"

	"github.com/halogate/halogate/internal/providers"
	"github.com/halogate/halogate/internal/route"
	"github.com/halogate/halogate/internal/sessionkey"
	"github.com/halogate/halogate/internal/store"
	"github.com/halogate/halogate/pkg/protocol"
)

type sessionsListParams struct {
	AgentID string `json:"agent_id,omitempty"`
	Limit   int    `json:"limit,omitempty"`
	Offset  int    `json:"offset,omitempty"`
}

func (s *Server) handleSessionsList(_ context.Context, _ *Client, req *protocol.Frame) (any, *protocol.Error) {
	var params sessionsListParams
	if werr := decodeParams(req, &params); werr != nil {
		return nil, werr
	}
	if params.Limit <= 0 {
		params.Limit = 20
	}
	result := s.opts.Sessions.ListPaged(store.SessionListOpts{
		AgentID: params.AgentID,
		Limit:   params.Limit,
		Offset:  params.Offset,
	})
	return map[string]any{
		"sessions": result.Sessions,
		"total":    result.Total,
		"limit":    params.Limit,
		"offset":   params.Offset,
	}, nil
}

type sessionKeyParams struct {
	Key string `json:"key"`
}

func (p sessionKeyParams) validate() *protocol.Error {
	if p.Key == "" {
		return &protocol.Error{Code: protocol.ErrValidation, Message: "key is required", Field: "key"}
	}
	if _, ok := sessionkey.Parse(p.Key); !ok {
		return &protocol.Error{Code: protocol.ErrValidation, Message: "malformed session key", Field: "key"}
	}
	return nil
}

func (s *Server) handleSessionsPreview(_ context.Context, _ *Client, req *protocol.Frame) (any, *protocol.Error) {
	var params sessionKeyParams
	if werr := decodeParams(req, &params); werr != nil {
		return nil, werr
	}
	if werr := params.validate(); werr != nil {
		return nil, werr
	}
	history := s.opts.Sessions.GetHistory(params.Key)
	summary := s.opts.Sessions.GetSummary(params.Key)
	return map[string]any{
		"key":      params.Key,
		"messages": history,
		"summary":  summary,
	}, nil
}

func (s *Server) handleSessionsPatch(_ context.Context, _ *Client, req *protocol.Frame) (any, *protocol.Error) {
	var params struct {
		Key   string  `json:"key"`
		Label *string `json:"label,omitempty"`
	}
	if werr := decodeParams(req, &params); werr != nil {
		return nil, werr
	}
	if werr := (sessionKeyParams{Key: params.Key}).validate(); werr != nil {
		return nil, werr
	}
	if params.Label != nil {
		s.opts.Sessions.SetLabel(params.Key, *params.Label)
	}
	if err := s.opts.Sessions.Save(params.Key); err != nil {
		return nil, wireErr(err)
	}
	return map[string]any{"key": params.Key}, nil
}

func (s *Server) handleSessionsDelete(_ context.Context, _ *Client, req *protocol.Frame) (any, *protocol.Error) {
	var params sessionKeyParams
	if werr := decodeParams(req, &params); werr != nil {
		return nil, werr
	}
	if werr := params.validate(); werr != nil {
		return nil, werr
	}
	if err := s.opts.Sessions.Delete(params.Key); err != nil {
		return nil, wireErr(err)
	}
	return map[string]any{"deleted": params.Key}, nil
}

func (s *Server) handleSessionsReset(_ context.Context, _ *Client, req *protocol.Frame) (any, *protocol.Error) {
	var params sessionKeyParams
	if werr := decodeParams(req, &params); werr != nil {
		return nil, werr
	}
	if werr := params.validate(); werr != nil {
		return nil, werr
	}
	s.opts.Sessions.Reset(params.Key)
	if err := s.opts.Sessions.Save(params.Key); err != nil {
		return nil, wireErr(err)
	}
	return map[string]any{"reset": params.Key}, nil
}

func (s *Server) handleSessionsCompact(ctx context.Context, _ *Client, req *protocol.Frame) (any, *protocol.Error) {
	var params sessionKeyParams
	if werr := decodeParams(req, &params); werr != nil {
		return nil, werr
	}
	if werr := params.validate(); werr != nil {
		return nil, werr
	}
	if s.opts.Agents == nil {
		return nil, protocol.NewError(protocol.ErrUnavailable, "agent runtime not available")
	}
	agentID := sessionkey.AgentID(params.Key)
	ag, err := s.opts.Agents.Get(agentID)
	if err != nil {
		return nil, protocol.NewError(protocol.ErrNotFound, "agent not found for session")
	}
	if err := ag.Compact(ctx, params.Key); err != nil {
		return nil, wireErr(err)
	}
	return map[string]any{"compacted": params.Key}, nil
}

func (s *Server) handleSessionsResolve(_ context.Context, _ *Client, req *protocol.Frame) (any, *protocol.Error) {
	var params struct {
		Channel  string `json:"channel"`
		Account  string `json:"account,omitempty"`
		Peer     string `json:"peer"`
		ChatKind string `json:"chat_kind,omitempty"`
	}
	if werr := decodeParams(req, &params); werr != nil {
		return nil, werr
	}
	if params.Channel == "" || params.Peer == "" {
		return nil, &protocol.Error{Code: protocol.ErrValidation, Message: "channel and peer are required", Field: "channel"}
	}
	kind := route.ChatDirect
	if params.ChatKind == "group" {
		kind = route.ChatGroup
	}
	agentID, key, policy := route.Resolve(s.cfg(), route.Envelope{
		Channel:  params.Channel,
		Account:  params.Account,
		Peer:     params.Peer,
		ChatKind: kind,
	})
	return map[string]any{
		"agent_id":    agentID,
		"session_key": key,
		"dm_policy":   policy.DM,
		"blocked":     policy.Blocked,
	}, nil
}

func (s *Server) handleChatHistory(_ context.Context, _ *Client, req *protocol.Frame) (any, *protocol.Error) {
	var params struct {
		Key   string `json:"key"`
		Limit int    `json:"limit,omitempty"`
	}
	if werr := decodeParams(req, &params); werr != nil {
		return nil, werr
	}
	if werr := (sessionKeyParams{Key: params.Key}).validate(); werr != nil {
		return nil, werr
	}
	history := s.opts.Sessions.GetHistory(params.Key)
	if params.Limit > 0 && len(history) > params.Limit {
		history = history[len(history)-params.Limit:]
	}
	return map[string]any{"key": params.Key, "messages": history}, nil
}

// handleChatInject appends a system note to the transcript without starting
// a run; the note shows up in the model's next context assembly.
func (s *Server) handleChatInject(_ context.Context, _ *Client, req *protocol.Frame) (any, *protocol.Error) {
	var params struct {
		Key  string `json:"key"`
		Text string `json:"text"`
	}
	if werr := decodeParams(req, &params); werr != nil {
		return nil, werr
	}
	if werr := (sessionKeyParams{Key: params.Key}).validate(); werr != nil {
		return nil, werr
	}
	if params.Text == "" {
		return nil, &protocol.Error{Code: protocol.ErrValidation, Message: "text is required", Field: "text"}
	}
	s.opts.Sessions.AddMessage(params.Key, providers.Message{
		Role:    "user",
		Content: "[System note " + time.Now().UTC().Format(time.RFC3339) + "] " + params.Text,
	})
	if err := s.opts.Sessions.Save(params.Key); err != nil {
		return nil, wireErr(err)
	}
	return map[string]any{"injected": params.Key}, nil
}
