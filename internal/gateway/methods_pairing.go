package gateway

import (
	"context"
	"encoding/json"

	"github.com/halogate/halogate/internal/bus"
	"github.com/halogate/halogate/internal/store"
	"github.com/halogate/halogate/internal/tools"
	"github.com/halogate/halogate/pkg/protocol"
)

// handleDevicePairRequest issues a pairing code for a companion device and
// notifies connected operators so one of them can approve it.
func (s *Server) handleDevicePairRequest(_ context.Context, _ *Client, req *protocol.Frame) (any, *protocol.Error) {
	var params struct {
		DeviceID  string `json:"device_id"`
		PublicKey string `json:"public_key"`
	}
	if werr := decodeParams(req, &params); werr != nil {
		return nil, werr
	}
	if params.DeviceID == "" || params.PublicKey == "" {
		return nil, &protocol.Error{Code: protocol.ErrValidation, Message: "device_id and public_key are required", Field: "device_id"}
	}
	code, err := s.pairing.RequestDevicePairing(params.DeviceID, params.PublicKey)
	if err != nil {
		return nil, wireErr(err)
	}
	s.eventPub.Broadcast(bus.Event{
		Name:    protocol.EventDevicePairReq,
		Payload: map[string]string{"device_id": params.DeviceID, "code": code},
	})
	return map[string]any{"code": code}, nil
}

func (s *Server) handleDevicePairApprove(_ context.Context, _ *Client, req *protocol.Frame) (any, *protocol.Error) {
	var params struct {
		Code string `json:"code"`
	}
	if werr := decodeParams(req, &params); werr != nil {
		return nil, werr
	}
	rec, err := s.pairing.Approve(params.Code)
	if err != nil {
		return nil, protocol.NewError(protocol.ErrNotFound, "pairing code not found")
	}
	s.eventPub.Broadcast(bus.Event{
		Name:    protocol.EventDevicePairRes,
		Payload: map[string]string{"device_id": rec.PeerID, "code": rec.Code},
	})
	return map[string]any{"approved": rec.PeerID}, nil
}

// nodeView is the wire shape of one paired device.
type nodeView struct {
	ID       string `json:"id"`
	Channel  string `json:"channel"`
	Paired   bool   `json:"paired"`
	Code     string `json:"code,omitempty"`
	PairedAt string `json:"paired_at,omitempty"`
}

func nodeFromRecord(r store.PairingRecord) nodeView {
	v := nodeView{ID: r.PeerID, Channel: r.Channel, Paired: r.Paired()}
	if !r.Paired() {
		v.Code = r.Code
	} else {
		v.PairedAt = r.ApprovedAt.Format("2006-01-02T15:04:05Z07:00")
	}
	return v
}

func (s *Server) handleNodesList(_ context.Context, _ *Client, _ *protocol.Frame) (any, *protocol.Error) {
	recs, err := s.pairing.List()
	if err != nil {
		return nil, wireErr(err)
	}
	nodes := make([]nodeView, 0, len(recs))
	for _, r := range recs {
		nodes = append(nodes, nodeFromRecord(r))
	}
	return map[string]any{"nodes": nodes}, nil
}

func (s *Server) handleNodesDescribe(_ context.Context, _ *Client, req *protocol.Frame) (any, *protocol.Error) {
	var params struct {
		ID string `json:"id"`
	}
	if werr := decodeParams(req, &params); werr != nil {
		return nil, werr
	}
	recs, err := s.pairing.List()
	if err != nil {
		return nil, wireErr(err)
	}
	for _, r := range recs {
		if r.PeerID == params.ID {
			return map[string]any{"node": nodeFromRecord(r)}, nil
		}
	}
	return nil, protocol.NewError(protocol.ErrNotFound, "unknown node: "+params.ID)
}

// handleNodesInvoke forwards a command to a paired device over its event
// stream; the device answers out-of-band. Fire-and-forget by design.
func (s *Server) handleNodesInvoke(_ context.Context, _ *Client, req *protocol.Frame) (any, *protocol.Error) {
	var params struct {
		ID      string          `json:"id"`
		Command string          `json:"command"`
		Args    json.RawMessage `json:"args,omitempty"`
	}
	if werr := decodeParams(req, &params); werr != nil {
		return nil, werr
	}
	if _, ok := s.pairing.DevicePublicKey(params.ID); !ok {
		return nil, protocol.NewError(protocol.ErrNotFound, "node not paired: "+params.ID)
	}
	s.eventPub.Broadcast(bus.Event{
		Name: protocol.EventPresence,
		Payload: map[string]any{
			"node_id": params.ID,
			"command": params.Command,
			"args":    params.Args,
		},
	})
	return map[string]any{"dispatched": params.ID}, nil
}

func (s *Server) handleNodesPair(_ context.Context, c *Client, req *protocol.Frame) (any, *protocol.Error) {
	return s.handleDevicePairRequest(context.Background(), c, req)
}

// handleExecApprove resolves a pending tool approval in the affirmative.
func (s *Server) handleExecApprove(_ context.Context, _ *Client, req *protocol.Frame) (any, *protocol.Error) {
	var params struct {
		ID     string `json:"id"`
		Always bool   `json:"always,omitempty"`
	}
	if werr := decodeParams(req, &params); werr != nil {
		return nil, werr
	}
	decision := tools.ApprovalAllowOnce
	if params.Always {
		decision = tools.ApprovalAllowAlways
	}
	if err := s.opts.Approvals.Resolve(params.ID, decision); err != nil {
		return nil, protocol.NewError(protocol.ErrNotFound, err.Error())
	}
	s.eventPub.Broadcast(bus.Event{
		Name:    protocol.EventExecApprovalRes,
		Payload: map[string]string{"id": params.ID, "decision": string(decision)},
	})
	return map[string]any{"resolved": params.ID}, nil
}

func (s *Server) handleExecDeny(_ context.Context, _ *Client, req *protocol.Frame) (any, *protocol.Error) {
	var params struct {
		ID string `json:"id"`
	}
	if werr := decodeParams(req, &params); werr != nil {
		return nil, werr
	}
	if err := s.opts.Approvals.Resolve(params.ID, tools.ApprovalDeny); err != nil {
		return nil, protocol.NewError(protocol.ErrNotFound, err.Error())
	}
	s.eventPub.Broadcast(bus.Event{
		Name:    protocol.EventExecApprovalRes,
		Payload: map[string]string{"id": params.ID, "decision": string(tools.ApprovalDeny)},
	})
	return map[string]any{"resolved": params.ID}, nil
}
