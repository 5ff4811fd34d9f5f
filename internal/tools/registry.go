package tools

import (
	"context"
	"sync"

	"github.com/halogate/halogate/internal/providers"
)

// Tool is the interface every built-in tool implements. Execute must be
// safe for concurrent use across runs; any per-call state (workspace,
// channel, vision config) is threaded in via context, not tool fields.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]interface{}
	Execute(ctx context.Context, args map[string]interface{}) *Result
}

// AsyncCallback is invoked when a tool that returns Result.Async completes
// its work out-of-band (e.g. a long-running generation job). A caller stores
// the callback in context via WithToolAsyncCB before calling Execute, and the
// tool reads it with ToolAsyncCBFromCtx; the agent loop does not set one.
type AsyncCallback func(ctx context.Context, result *Result)

// Registry holds every tool available to an agent run. One Registry is built
// per agent configuration; PolicyEngine.FilterTools narrows its contents down
// to what a given provider/agent/subagent context may actually call.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
	order []string // registration order, for stable List() output
}

// NewRegistry returns an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool, replacing any previous tool registered under the
// same name.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := t.Name()
	if _, exists := r.tools[name]; !exists {
		r.order = append(r.order, name)
	}
	r.tools[name] = t
}

// Unregister removes a tool by name, if present.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[name]; !ok {
		return
	}
	delete(r.tools, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Get looks up a tool by its canonical name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns every registered tool name in registration order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, len(r.order))
	copy(names, r.order)
	return names
}

// Count returns the number of registered tools.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// ProviderDefs returns every registered tool's provider-facing schema,
// unfiltered. Callers that need the policy-filtered subset should go
// through PolicyEngine.FilterTools instead; this is used directly by
// contexts with no per-agent policy (e.g. subagent/tool-light loops).
func (r *Registry) ProviderDefs() []providers.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]providers.ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		defs = append(defs, ToProviderDef(r.tools[name]))
	}
	return defs
}

// ToProviderDef converts a Tool into the wire schema an LLM provider expects.
func ToProviderDef(t Tool) providers.ToolDefinition {
	return providers.ToolDefinition{
		Type: "function",
		Function: providers.ToolFunctionSchema{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		},
	}
}

// Execute dispatches a tool call by name, returning an error Result if the
// tool isn't registered rather than panicking — tool names come from the
// LLM and aren't trustworthy.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]interface{}) *Result {
	t, ok := r.Get(name)
	if !ok {
		return ErrorResult("unknown tool: " + name)
	}
	return t.Execute(ctx, args)
}
