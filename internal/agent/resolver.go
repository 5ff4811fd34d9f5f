package agent

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/halogate/halogate/internal/authpool"
	"github.com/halogate/halogate/internal/bus"
	"github.com/halogate/halogate/internal/config"
	"github.com/halogate/halogate/internal/providers"
	"github.com/halogate/halogate/internal/store"
	"github.com/halogate/halogate/internal/tools"
	"github.com/halogate/halogate/internal/tracing"
)

// ResolverFunc builds (or fails to build) the Agent for an agent id. The
// Router caches what it returns until the id is invalidated.
type ResolverFunc func(agentID string) (Agent, error)

// Router caches resolved agents by id so each configured agent gets exactly
// one Loop instance per config snapshot, shared by every session routed to
// it. Config reloads call Invalidate/InvalidateAll to force re-resolution
// against the new snapshot; runs already in flight keep the Loop they
// started with.
type Router struct {
	resolve ResolverFunc

	mu     sync.RWMutex
	agents map[string]Agent
}

// NewRouter creates a Router around resolve.
func NewRouter(resolve ResolverFunc) *Router {
	return &Router{resolve: resolve, agents: make(map[string]Agent)}
}

// Get returns the cached agent for id, resolving it on first use.
func (r *Router) Get(agentID string) (Agent, error) {
	r.mu.RLock()
	a, ok := r.agents[agentID]
	r.mu.RUnlock()
	if ok {
		return a, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.agents[agentID]; ok {
		return a, nil
	}
	a, err := r.resolve(agentID)
	if err != nil {
		return nil, err
	}
	r.agents[agentID] = a
	return a, nil
}

// List returns the ids of every currently cached agent.
func (r *Router) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.agents))
	for id := range r.agents {
		ids = append(ids, id)
	}
	return ids
}

// Invalidate drops one agent from the cache, forcing re-resolution on next
// Get.
func (r *Router) Invalidate(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.agents, agentID)
	slog.Debug("invalidated agent cache", "agent", agentID)
}

// InvalidateAll drops every cached agent. Called on config file reloads and
// from the config RPC methods.
func (r *Router) InvalidateAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents = make(map[string]Agent)
	slog.Debug("invalidated all agent caches")
}

// ResolverDeps holds the shared dependencies a config-driven resolver wires
// into each Loop it builds.
type ResolverDeps struct {
	Config      *config.Store
	ProviderReg *providers.Registry
	AuthPool    *authpool.Pool
	Bus         bus.EventPublisher
	Sessions    store.SessionStore
	Tools       *tools.Registry
	ToolPolicy  *tools.PolicyEngine
	Tracer      *tracing.Provider
	OnEvent     func(RunEvent)
	Approval    ApprovalFunc
}

// NewConfigResolver creates a ResolverFunc that builds Loops from the
// current config snapshot: per-agent overrides merged over defaults, the
// workspace directory created up front, and the provider validated against
// the registry.
func NewConfigResolver(deps ResolverDeps) ResolverFunc {
	return func(agentID string) (Agent, error) {
		cfg := deps.Config.Current()

		if _, ok := cfg.Agents.List[agentID]; !ok &&
			agentID != config.DefaultAgentID && agentID != cfg.ResolveDefaultAgentID() {
			return nil, fmt.Errorf("agent not configured: %s", agentID)
		}

		ag := cfg.ResolveAgent(agentID)
		spec := cfg.ResolveAgentSpec(agentID)

		if _, err := deps.ProviderReg.Get(ag.Provider); err != nil {
			names := deps.ProviderReg.Names()
			if len(names) == 0 {
				return nil, fmt.Errorf("no providers configured for agent %s", agentID)
			}
			slog.Warn("agent provider not found, using fallback",
				"agent", agentID, "wanted", ag.Provider, "using", names[0])
			ag.Provider = names[0]
		}

		workspace := ag.Workspace
		if workspace != "" {
			workspace = config.ExpandHome(workspace)
			if !filepath.IsAbs(workspace) {
				workspace, _ = filepath.Abs(workspace)
			}
			if err := os.MkdirAll(workspace, 0755); err != nil {
				slog.Warn("failed to create agent workspace directory",
					"workspace", workspace, "agent", agentID, "error", err)
			}
		}

		loop := NewLoop(LoopConfig{
			ID:                agentID,
			Workspace:         workspace,
			ContextWindow:     ag.ContextWindow,
			MaxIterations:     ag.MaxToolIterations,
			ThinkingLevel:     ag.ThinkingLevel,
			ProviderReg:       deps.ProviderReg,
			ProviderName:      ag.Provider,
			Model:             ag.Model,
			FallbackModels:    ag.FallbackModels,
			GlobalProvider:    cfg.Agents.Defaults.Provider,
			GlobalModel:       cfg.Agents.Defaults.Model,
			AuthPool:          deps.AuthPool,
			Bus:               deps.Bus,
			Sessions:          deps.Sessions,
			Tools:             deps.Tools,
			ToolPolicy:        deps.ToolPolicy,
			AgentTools:        spec.Tools,
			CompactionCfg:     ag.Compaction,
			ContextPruningCfg: ag.ContextPruning,
			OnEvent:           deps.OnEvent,
			Approval:          deps.Approval,
			Tracer:            deps.Tracer,
			InjectionAction:   cfg.Gateway.InjectionAction,
			MaxMessageChars:   cfg.Gateway.MaxMessageChars,
			ResetAfter:        time.Duration(cfg.Sessions.ResetAfterMinutes) * time.Minute,
			DailyRollover:     cfg.Sessions.DailyRollover,
		})

		slog.Info("resolved agent", "agent", agentID, "model", ag.Model, "provider", ag.Provider)
		return loop, nil
	}
}
