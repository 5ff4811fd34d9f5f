package gateway

import (
	"context"

	"github.com/halogate/halogate/pkg/protocol"
)

func (s *Server) handleCronList(_ context.Context, _ *Client, _ *protocol.Frame) (any, *protocol.Error) {
	return map[string]any{"jobs": s.opts.Cron.List()}, nil
}

func (s *Server) handleCronAdd(_ context.Context, _ *Client, req *protocol.Frame) (any, *protocol.Error) {
	var params struct {
		Name    string `json:"name"`
		Expr    string `json:"expr"`
		AgentID string `json:"agent_id"`
		Message string `json:"message"`
	}
	if werr := decodeParams(req, &params); werr != nil {
		return nil, werr
	}
	job, err := s.opts.Cron.Add(params.Name, params.Expr, params.AgentID, params.Message)
	if err != nil {
		return nil, &protocol.Error{Code: protocol.ErrValidation, Message: err.Error()}
	}
	return map[string]any{"job": job}, nil
}

func (s *Server) handleCronUpdate(_ context.Context, _ *Client, req *protocol.Frame) (any, *protocol.Error) {
	var params struct {
		ID      string  `json:"id"`
		Name    *string `json:"name,omitempty"`
		Expr    *string `json:"expr,omitempty"`
		Message *string `json:"message,omitempty"`
		Enabled *bool   `json:"enabled,omitempty"`
	}
	if werr := decodeParams(req, &params); werr != nil {
		return nil, werr
	}
	if params.ID == "" {
		return nil, &protocol.Error{Code: protocol.ErrValidation, Message: "id is required", Field: "id"}
	}
	job, err := s.opts.Cron.Update(params.ID, params.Name, params.Expr, params.Message, params.Enabled)
	if err != nil {
		return nil, protocol.NewError(protocol.ErrNotFound, err.Error())
	}
	return map[string]any{"job": job}, nil
}

func (s *Server) handleCronRemove(_ context.Context, _ *Client, req *protocol.Frame) (any, *protocol.Error) {
	var params struct {
		ID string `json:"id"`
	}
	if werr := decodeParams(req, &params); werr != nil {
		return nil, werr
	}
	if err := s.opts.Cron.Remove(params.ID); err != nil {
		return nil, protocol.NewError(protocol.ErrNotFound, err.Error())
	}
	return map[string]any{"removed": params.ID}, nil
}

func (s *Server) handleCronRun(ctx context.Context, _ *Client, req *protocol.Frame) (any, *protocol.Error) {
	var params struct {
		ID string `json:"id"`
	}
	if werr := decodeParams(req, &params); werr != nil {
		return nil, werr
	}
	if err := s.opts.Cron.RunNow(ctx, params.ID); err != nil {
		return nil, wireErr(err)
	}
	return map[string]any{"ran": params.ID}, nil
}
