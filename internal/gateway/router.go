package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"

	"github.com/halogate/halogate/internal/gwerrors"
	"github.com/halogate/halogate/pkg/protocol"
)

// Handler serves one RPC method. It returns either a result (marshaled into
// the response payload) or a wire error. Handlers run on the connection's
// read goroutine; anything slow must spawn its own goroutine, reply via
// client.SendResponse, and return Async so the router sends nothing.
type Handler func(ctx context.Context, c *Client, req *protocol.Frame) (any, *protocol.Error)

// asyncMarker is the type of the Async sentinel result: the handler took
// ownership of responding.
type asyncMarker struct{}

// Async tells the router the handler will respond later on its own.
var Async = asyncMarker{}

// MethodRouter maps method names to handlers and enforces scopes before any
// handler runs.
type MethodRouter struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewMethodRouter creates an empty router.
func NewMethodRouter() *MethodRouter {
	return &MethodRouter{handlers: make(map[string]Handler)}
}

// Register binds a handler to a method name.
func (r *MethodRouter) Register(method string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[method] = h
}

// Methods returns every registered method name, sorted.
func (r *MethodRouter) Methods() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for m := range r.handlers {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// Dispatch authorizes and runs the handler for req, writing the response to
// c. The scope check happens before the handler is even looked at, so an
// unauthorized caller can't distinguish a method that exists from one that
// doesn't beyond the error category.
func (r *MethodRouter) Dispatch(ctx context.Context, c *Client, req protocol.Frame) {
	required := protocol.RequiredScope(req.Method)
	if !c.HasScope(required) {
		code := protocol.ErrForbidden
		if len(c.scopes) == 0 {
			code = protocol.ErrUnauthorized
		}
		c.SendResponse(protocol.NewErrRes(req.ID, protocol.NewError(code, "insufficient scope")))
		return
	}

	r.mu.RLock()
	h, ok := r.handlers[req.Method]
	r.mu.RUnlock()
	if !ok {
		c.SendResponse(protocol.NewErrRes(req.ID,
			protocol.NewError(protocol.ErrNotFound, "unknown method: "+req.Method)))
		return
	}

	result, werr := h(ctx, c, &req)
	if werr != nil {
		werr.RequestID = req.ID
		c.SendResponse(protocol.NewErrRes(req.ID, werr))
		return
	}
	if _, async := result.(asyncMarker); async {
		return
	}

	payload, err := json.Marshal(result)
	if err != nil {
		slog.Error("marshal response failed", "method", req.Method, "error", err)
		c.SendResponse(protocol.NewErrRes(req.ID,
			protocol.NewError(protocol.ErrInternal, "internal error")))
		return
	}
	c.SendResponse(protocol.NewRes(req.ID, payload))
}

// wireErr converts an internal error to the closed wire shape.
func wireErr(err error) *protocol.Error {
	if err == nil {
		return nil
	}
	if _, ok := gwerrors.As(err); ok {
		return protocol.FromErr(err)
	}
	return protocol.NewError(protocol.ErrInternal, "internal error")
}

// decodeParams unmarshals req.Params into dst, mapping failures to a
// validation error.
func decodeParams(req *protocol.Frame, dst any) *protocol.Error {
	if len(req.Params) == 0 {
		return nil
	}
	if err := json.Unmarshal(req.Params, dst); err != nil {
		return protocol.NewError(protocol.ErrValidation, "invalid params: "+err.Error())
	}
	return nil
}
