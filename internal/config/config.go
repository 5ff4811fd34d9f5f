// Package config defines the Config data model and a copy-on-write snapshot
// mechanism: Store holds an atomic.Pointer[Config] that is swapped wholesale
// on reload, so a run that captured a *Config at dispatch time keeps using
// that exact snapshot even if the file changes mid-run.
package config

import (
	"encoding/json"
	"fmt"
)

// FlexibleStringSlice accepts both ["str"] and [123] in JSON, since operator
// config files sometimes carry numeric chat/account IDs unquoted.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

// Config is the root configuration for the gateway. A *Config is treated as
// immutable once published through a Store: callers that need to change
// settings build a new Config and call Store.Replace, never mutate a Config
// in place.
type Config struct {
	Agents    AgentsConfig    `json:"agents"`
	Channels  ChannelsConfig  `json:"channels"`
	Providers ProvidersConfig `json:"providers"`
	Gateway   GatewayConfig   `json:"gateway"`
	Tools     ToolsConfig     `json:"tools"`
	Sessions  SessionsConfig  `json:"sessions"`
	Database  DatabaseConfig  `json:"database,omitempty"`
	AuthPool  AuthPoolConfig  `json:"auth_pool,omitempty"`
	Cron      CronConfig      `json:"cron,omitempty"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
	Bindings  []AgentBinding  `json:"bindings,omitempty"`
}

// DatabaseConfig configures the optional Postgres session store backend.
// PostgresDSN is never read from the config file (it is a secret) — only
// from the HALOGATE_POSTGRES_DSN environment variable.
type DatabaseConfig struct {
	PostgresDSN string `json:"-"`
	Backend     string `json:"backend,omitempty"` // "file" (default), "sqlite", or "postgres"
}

// AgentBinding maps a channel/account/peer pattern to a specific agent, the
// declaration order doubling as match priority.
type AgentBinding struct {
	AgentID string       `json:"agent_id"`
	Match   BindingMatch `json:"match"`
}

// BindingMatch specifies what inbound envelopes this binding applies to.
// Zero-value fields are wildcards.
type BindingMatch struct {
	Channel   string       `json:"channel"`
	AccountID string       `json:"account_id,omitempty"`
	Peer      *BindingPeer `json:"peer,omitempty"`
}

// BindingPeer specifies a specific chat target.
type BindingPeer struct {
	Kind string `json:"kind"` // "direct" or "group"
	ID   string `json:"id"`
}

// AgentsConfig contains agent defaults and per-agent overrides.
type AgentsConfig struct {
	Defaults AgentDefaults        `json:"defaults"`
	List     map[string]AgentSpec `json:"list,omitempty"`
}

// AgentDefaults are default settings for all agents.
type AgentDefaults struct {
	Workspace           string                `json:"workspace"`
	RestrictToWorkspace bool                  `json:"restrict_to_workspace"`
	Provider            string                `json:"provider"`
	Model               string                `json:"model"`
	FallbackModels      []string              `json:"fallback_models,omitempty"`
	MaxTokens           int                   `json:"max_tokens"`
	Temperature         float64               `json:"temperature"`
	MaxToolIterations   int                   `json:"max_tool_iterations"`
	ContextWindow       int                   `json:"context_window"`
	AgentType           string                `json:"agent_type,omitempty"`     // "open" (default) or "predefined"
	ThinkingLevel       string                `json:"thinking_level,omitempty"` // "off","minimal","low","medium","high","xhigh"
	Subagents           *SubagentsConfig      `json:"subagents,omitempty"`
	Compaction          *CompactionConfig     `json:"compaction,omitempty"`
	ContextPruning      *ContextPruningConfig `json:"context_pruning,omitempty"`
}

// CompactionConfig configures history compaction. Thresholds are
// token-based rather than message-count heuristics.
type CompactionConfig struct {
	ContextWindowTokens int     `json:"context_window_tokens,omitempty"` // default 200000
	TriggerRatio        float64 `json:"trigger_ratio,omitempty"`         // estimated_tokens >= ContextWindowTokens*TriggerRatio triggers compaction (default 1.2)
	BaseChunkRatio      float64 `json:"base_chunk_ratio,omitempty"`      // default 0.4
	MinChunkRatio       float64 `json:"min_chunk_ratio,omitempty"`       // default 0.15
	PreservedTailTurns  int     `json:"preserved_tail_turns,omitempty"`  // min turns kept uncompacted, must include last user turn (default 4)
}

// ContextPruningConfig configures in-memory context pruning of old tool
// results, trimming large stale tool outputs before they ever reach the
// Compactor.
type ContextPruningConfig struct {
	Mode                 string                   `json:"mode,omitempty"` // "off" or "cache-ttl"; empty means off, but LoadFile sets "cache-ttl" when an Anthropic API key is configured
	KeepLastAssistants   int                      `json:"keep_last_assistants,omitempty"`
	SoftTrimRatio        float64                  `json:"soft_trim_ratio,omitempty"`
	HardClearRatio       float64                  `json:"hard_clear_ratio,omitempty"`
	MinPrunableToolChars int                      `json:"min_prunable_tool_chars,omitempty"`
	SoftTrim             *ContextPruningSoftTrim  `json:"soft_trim,omitempty"`
	HardClear            *ContextPruningHardClear `json:"hard_clear,omitempty"`
}

// ContextPruningSoftTrim configures how long tool results are trimmed.
type ContextPruningSoftTrim struct {
	MaxChars  int `json:"max_chars,omitempty"`
	HeadChars int `json:"head_chars,omitempty"`
	TailChars int `json:"tail_chars,omitempty"`
}

// ContextPruningHardClear configures replacement of old tool results.
type ContextPruningHardClear struct {
	Enabled     *bool  `json:"enabled,omitempty"`
	Placeholder string `json:"placeholder,omitempty"`
}

// AuthPoolConfig holds cooldown settings for the Auth-Profile Pool. The
// pool does not read these fields: its cooldowns are fixed in
// authpool.RecordFailure at the values listed here as defaults.
type AuthPoolConfig struct {
	TransientBaseDelaySec int `json:"transient_base_delay_sec,omitempty"` // default 60
	TransientMaxDelaySec  int `json:"transient_max_delay_sec,omitempty"`  // default 3600
	BillingBaseHours      int `json:"billing_base_hours,omitempty"`       // default 5
	BillingMaxHours       int `json:"billing_max_hours,omitempty"`        // default 24
}

// TelemetryConfig configures OpenTelemetry export for traces and spans.
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`
	Endpoint    string            `json:"endpoint,omitempty"`
	Protocol    string            `json:"protocol,omitempty"` // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`
	ServiceName string            `json:"service_name,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
}

// CronConfig configures the cron RPC method surface.
type CronConfig struct {
	MaxRetries     int    `json:"max_retries,omitempty"`
	RetryBaseDelay string `json:"retry_base_delay,omitempty"` // Go duration string, default "2s"
	RetryMaxDelay  string `json:"retry_max_delay,omitempty"`  // default "30s"
}

// SubagentsConfig configures subagent spawning limits referenced by the
// session key grammar's subagent scope.
type SubagentsConfig struct {
	MaxConcurrent       int    `json:"max_concurrent,omitempty"`
	MaxSpawnDepth       int    `json:"max_spawn_depth,omitempty"`
	MaxChildrenPerAgent int    `json:"max_children_per_agent,omitempty"`
	Model               string `json:"model,omitempty"`
}

// AgentSpec is the per-agent configuration override. Zero fields inherit
// from AgentDefaults.
type AgentSpec struct {
	DisplayName       string          `json:"display_name,omitempty"`
	Provider          string          `json:"provider,omitempty"`
	Model             string          `json:"model,omitempty"`
	FallbackModels    []string        `json:"fallback_models,omitempty"`
	MaxTokens         int             `json:"max_tokens,omitempty"`
	Temperature       float64         `json:"temperature,omitempty"`
	MaxToolIterations int             `json:"max_tool_iterations,omitempty"`
	ContextWindow     int             `json:"context_window,omitempty"`
	AgentType         string          `json:"agent_type,omitempty"`
	ThinkingLevel     string          `json:"thinking_level,omitempty"`
	Tools             *ToolPolicySpec `json:"tools,omitempty"`
	Workspace         string          `json:"workspace,omitempty"`
	Default           bool            `json:"default,omitempty"`
	Identity          *IdentityConfig `json:"identity,omitempty"`
}

// IdentityConfig defines agent persona / display identity.
type IdentityConfig struct {
	Name  string `json:"name,omitempty"`
	Emoji string `json:"emoji,omitempty"`
}
