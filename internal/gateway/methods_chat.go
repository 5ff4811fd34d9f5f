package gateway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/halogate/halogate/internal/bus"
	"github.com/halogate/halogate/internal/sessionkey"
	"github.com/halogate/halogate/pkg/protocol"
)

// handleAgentRun starts a run from an RPC client: the message is queued on
// the target session's lane exactly like a channel inbound, so FIFO and
// at-most-one-run still hold when operators and channels interleave.
func (s *Server) handleAgentRun(_ context.Context, c *Client, req *protocol.Frame) (any, *protocol.Error) {
	var params struct {
		AgentID    string `json:"agent_id,omitempty"`
		SessionKey string `json:"session_key,omitempty"`
		Message    string `json:"message"`
	}
	if werr := decodeParams(req, &params); werr != nil {
		return nil, werr
	}
	if params.Message == "" {
		return nil, &protocol.Error{Code: protocol.ErrValidation, Message: "message is required", Field: "message"}
	}

	cfg := s.cfg()
	agentID := params.AgentID
	sessionKey := params.SessionKey
	switch {
	case sessionKey != "" && agentID == "":
		agentID = sessionkey.AgentID(sessionKey)
		if agentID == "" {
			return nil, &protocol.Error{Code: protocol.ErrValidation, Message: "malformed session key", Field: "session_key"}
		}
	case sessionKey == "":
		if agentID == "" {
			agentID = cfg.ResolveDefaultAgentID()
		}
		sessionKey = sessionkey.MainThread(agentID, "rpc:"+c.ID())
	}

	runID, key := s.opts.Dispatcher.Enqueue(bus.InboundMessage{
		Channel:    "rpc",
		SenderID:   c.ID(),
		ChatID:     c.ID(),
		Content:    params.Message,
		SessionKey: sessionKey,
		AgentID:    agentID,
		PeerKind:   "direct",
	})
	if runID == "" {
		return nil, protocol.NewError(protocol.ErrForbidden, "message blocked by policy")
	}
	return map[string]any{"run_id": runID, "session_key": key}, nil
}

// handleAgentWait blocks (off the read goroutine) until the run completes,
// then responds with its terminal state.
func (s *Server) handleAgentWait(ctx context.Context, c *Client, req *protocol.Frame) (any, *protocol.Error) {
	var params struct {
		RunID     string `json:"run_id"`
		TimeoutMS int64  `json:"timeout_ms,omitempty"`
	}
	if werr := decodeParams(req, &params); werr != nil {
		return nil, werr
	}
	st, ok := s.opts.Dispatcher.Runs().get(params.RunID)
	if !ok {
		return nil, protocol.NewError(protocol.ErrNotFound, "unknown run id")
	}

	timeout := 120 * time.Second
	if params.TimeoutMS > 0 {
		timeout = time.Duration(params.TimeoutMS) * time.Millisecond
	}

	reqID := req.ID
	go func() {
		select {
		case <-st.done:
			if st.err != nil {
				c.SendResponse(protocol.NewErrRes(reqID, wireErr(st.err)))
				return
			}
			payload, _ := json.Marshal(map[string]any{
				"run_id":  params.RunID,
				"state":   "completed",
				"content": st.result.Content,
			})
			c.SendResponse(protocol.NewRes(reqID, payload))
		case <-time.After(timeout):
			c.SendResponse(protocol.NewErrRes(reqID,
				&protocol.Error{Code: protocol.ErrAgentTimeout, Message: "run did not finish in time", Retryable: true}))
		case <-ctx.Done():
		}
	}()
	return Async, nil
}

// handleChatAbort cancels a run by id or a whole session's active run by
// key. drop_pending also clears queued messages behind it.
func (s *Server) handleChatAbort(_ context.Context, _ *Client, req *protocol.Frame) (any, *protocol.Error) {
	var params struct {
		RunID       string `json:"run_id,omitempty"`
		SessionKey  string `json:"session_key,omitempty"`
		DropPending bool   `json:"drop_pending,omitempty"`
	}
	if werr := decodeParams(req, &params); werr != nil {
		return nil, werr
	}

	sessionKey := params.SessionKey
	if params.RunID != "" {
		st, ok := s.opts.Dispatcher.Runs().get(params.RunID)
		if !ok {
			return nil, protocol.NewError(protocol.ErrNotFound, "unknown run id")
		}
		sessionKey = st.sessionKey
	}
	if sessionKey == "" {
		return nil, &protocol.Error{Code: protocol.ErrValidation, Message: "run_id or session_key required", Field: "run_id"}
	}

	s.opts.Dispatcher.Abort(sessionKey, params.DropPending)
	return map[string]any{"aborted": sessionKey, "drop_pending": params.DropPending}, nil
}

// handleChatSend sends text straight out a channel, bypassing any agent.
func (s *Server) handleChatSend(ctx context.Context, _ *Client, req *protocol.Frame) (any, *protocol.Error) {
	var params struct {
		Channel string `json:"channel"`
		ChatID  string `json:"chat_id"`
		Content string `json:"content"`
	}
	if werr := decodeParams(req, &params); werr != nil {
		return nil, werr
	}
	if params.Channel == "" || params.ChatID == "" || params.Content == "" {
		return nil, &protocol.Error{Code: protocol.ErrValidation, Message: "channel, chat_id, and content are required", Field: "channel"}
	}
	if _, ok := s.opts.Channels.GetChannel(params.Channel); !ok {
		return nil, protocol.NewError(protocol.ErrChannelLinked, "channel not connected: "+params.Channel)
	}
	if err := s.opts.Channels.SendToChannel(ctx, params.Channel, params.ChatID, params.Content); err != nil {
		return nil, wireErr(err)
	}
	return map[string]any{"sent": true}, nil
}

// handleAgentIdentity reports the configured identity for an agent.
func (s *Server) handleAgentIdentity(_ context.Context, _ *Client, req *protocol.Frame) (any, *protocol.Error) {
	var params struct {
		AgentID string `json:"agent_id,omitempty"`
	}
	if werr := decodeParams(req, &params); werr != nil {
		return nil, werr
	}
	cfg := s.cfg()
	agentID := params.AgentID
	if agentID == "" {
		agentID = cfg.ResolveDefaultAgentID()
	}
	resolved := cfg.ResolveAgent(agentID)
	return map[string]any{
		"agent_id":     agentID,
		"display_name": cfg.ResolveDisplayName(agentID),
		"model":        resolved.Model,
		"provider":     resolved.Provider,
	}, nil
}
