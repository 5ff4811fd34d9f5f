package gateway

import (
	"context"
	"time"

	"github.com/halogate/halogate/internal/agent"
	"github.com/halogate/halogate/internal/bus"
	"github.com/halogate/halogate/internal/tools"
	"github.com/halogate/halogate/pkg/protocol"
)

// defaultApprovalTimeout bounds how long a run suspends waiting for an
// operator to answer an approval-gated tool call.
const defaultApprovalTimeout = 5 * time.Minute

// NewApprovalFunc bridges the agent loop's approval gate to the RPC
// surface: the pending request is announced as an event carrying its
// approval id, then the run suspends until exec.approval.approve/deny
// resolves it (or the timeout denies it).
func NewApprovalFunc(mgr *tools.ExecApprovalManager, pub bus.EventPublisher) agent.ApprovalFunc {
	return func(ctx context.Context, req agent.ApprovalRequest) (bool, error) {
		pa := mgr.Begin(req.ToolName, req.SessionKey)

		pub.Broadcast(bus.Event{
			Name: protocol.EventExecApprovalReq,
			Payload: map[string]any{
				"id":          pa.ID,
				"run_id":      req.RunID,
				"session_key": req.SessionKey,
				"tool":        req.ToolName,
				"call_id":     req.CallID,
				"arguments":   req.Arguments,
			},
		})

		type outcome struct {
			decision tools.ApprovalDecision
			err      error
		}
		ch := make(chan outcome, 1)
		go func() {
			d, err := mgr.Wait(pa, defaultApprovalTimeout)
			ch <- outcome{d, err}
		}()

		select {
		case <-ctx.Done():
			// The run was aborted while suspended; deny so Wait unblocks.
			_ = mgr.Resolve(pa.ID, tools.ApprovalDeny)
			<-ch
			return false, ctx.Err()
		case o := <-ch:
			if o.err != nil {
				return false, nil // timeout denies without failing the tool call
			}
			return o.decision != tools.ApprovalDeny, nil
		}
	}
}
