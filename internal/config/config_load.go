package config

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/titanous/json5"
)

// DefaultAgentID is the implicit agent id used when no binding matches and
// no agent is explicitly marked default.
const DefaultAgentID = "default"

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Agents: AgentsConfig{
			Defaults: AgentDefaults{
				Workspace:           "~/.halogate/workspace",
				RestrictToWorkspace: true,
				Provider:            "anthropic",
				Model:               "claude-sonnet-4-5-20250929",
				MaxTokens:           8192,
				Temperature:         0.7,
				MaxToolIterations:   20,
				ContextWindow:       200000,
				Subagents: &SubagentsConfig{
					MaxConcurrent: 20,
					MaxSpawnDepth: 1,
				},
				Compaction: &CompactionConfig{
					ContextWindowTokens: 200000,
					TriggerRatio:        1.2,
					BaseChunkRatio:      0.4,
					MinChunkRatio:       0.15,
					PreservedTailTurns:  4,
				},
			},
		},
		Channels: ChannelsConfig{
			Telegram: TelegramConfig{
				StreamMode:    "none",
				ReactionLevel: "full",
			},
		},
		Gateway: GatewayConfig{
			Host:            "0.0.0.0",
			Port:            18790,
			MaxMessageChars: 32000,
			RateLimitRPM:    20,
			MaxInFlightRuns: 64,
			AbortGraceMs:    5000,
		},
		Tools: ToolsConfig{
			Web: WebToolsConfig{
				DuckDuckGo: DuckDuckGoConfig{Enabled: true, MaxResults: 5},
			},
			Browser: BrowserToolConfig{
				Enabled:  true,
				Headless: true,
			},
			ExecApproval: ExecApprovalCfg{
				Security: "full",
				Ask:      "off",
			},
		},
		Sessions: SessionsConfig{
			Storage: "~/.halogate/sessions",
			DmScope: "per-peer",
		},
		AuthPool: AuthPoolConfig{
			TransientBaseDelaySec: 60,
			TransientMaxDelaySec:  3600,
			BillingBaseHours:      5,
			BillingMaxHours:       24,
		},
	}
}

// LoadFile reads and parses a single config file, applying env overrides.
// It never mutates an existing Config; it returns a fresh one each call,
// suitable for both the initial load and fsnotify-triggered reloads.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			cfg.applyContextPruningDefaults()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	cfg.applyContextPruningDefaults()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config. Env vars take
// precedence over file values; API keys and tokens may come from either.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envStr("HALOGATE_ANTHROPIC_API_KEY", &c.Providers.Anthropic.APIKey)
	envStr("HALOGATE_ANTHROPIC_BASE_URL", &c.Providers.Anthropic.APIBase)
	envStr("HALOGATE_OPENAI_API_KEY", &c.Providers.OpenAI.APIKey)
	envStr("HALOGATE_OPENROUTER_API_KEY", &c.Providers.OpenRouter.APIKey)
	envStr("HALOGATE_DEEPSEEK_API_KEY", &c.Providers.DeepSeek.APIKey)
	envStr("HALOGATE_GEMINI_API_KEY", &c.Providers.Gemini.APIKey)
	envStr("HALOGATE_DASHSCOPE_API_KEY", &c.Providers.DashScope.APIKey)
	envStr("HALOGATE_GATEWAY_TOKEN", &c.Gateway.Token)
	envStr("HALOGATE_TELEGRAM_TOKEN", &c.Channels.Telegram.Token)
	envStr("HALOGATE_DISCORD_TOKEN", &c.Channels.Discord.Token)

	if c.Channels.Telegram.Token != "" {
		c.Channels.Telegram.Enabled = true
	}
	if c.Channels.Discord.Token != "" {
		c.Channels.Discord.Enabled = true
	}

	envStr("HALOGATE_PROVIDER", &c.Agents.Defaults.Provider)
	envStr("HALOGATE_MODEL", &c.Agents.Defaults.Model)
	envStr("HALOGATE_WORKSPACE", &c.Agents.Defaults.Workspace)
	envStr("HALOGATE_SESSIONS_STORAGE", &c.Sessions.Storage)
	envStr("HALOGATE_HOST", &c.Gateway.Host)
	if v := os.Getenv("HALOGATE_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Gateway.Port = port
		}
	}

	envStr("HALOGATE_POSTGRES_DSN", &c.Database.PostgresDSN)
	envStr("HALOGATE_DB_BACKEND", &c.Database.Backend)

	envStr("HALOGATE_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("HALOGATE_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("HALOGATE_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	if v := os.Getenv("HALOGATE_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("HALOGATE_TELEMETRY_INSECURE"); v != "" {
		c.Telemetry.Insecure = v == "true" || v == "1"
	}

	if v := os.Getenv("HALOGATE_OWNER_IDS"); v != "" {
		c.Gateway.OwnerIDs = strings.Split(v, ",")
	}
}

// applyContextPruningDefaults auto-enables context pruning when the
// Anthropic provider is configured and no explicit mode was set.
func (c *Config) applyContextPruningDefaults() {
	if c.Providers.Anthropic.APIKey == "" {
		return
	}
	defaults := &c.Agents.Defaults
	if defaults.ContextPruning == nil {
		defaults.ContextPruning = &ContextPruningConfig{Mode: "cache-ttl"}
	} else if defaults.ContextPruning.Mode == "" {
		defaults.ContextPruning.Mode = "cache-ttl"
	}
}

// Save writes the config to a JSON file.
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// Hash returns a short fingerprint of the config (the first 8 bytes of its
// SHA-256, in hex), reported by the config RPC methods and `config validate`.
func (c *Config) Hash() string {
	data, _ := json.Marshal(c)
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h[:8])
}

// WorkspacePath returns the expanded workspace path.
func (c *Config) WorkspacePath() string {
	return ExpandHome(c.Agents.Defaults.Workspace)
}

// ResolveAgent returns the effective config for a given agent ID, merging
// defaults with per-agent overrides.
func (c *Config) ResolveAgent(agentID string) AgentDefaults {
	d := c.Agents.Defaults
	spec, ok := c.Agents.List[agentID]
	if !ok {
		return d
	}
	if spec.Provider != "" {
		d.Provider = spec.Provider
	}
	if spec.Model != "" {
		d.Model = spec.Model
	}
	if len(spec.FallbackModels) > 0 {
		d.FallbackModels = spec.FallbackModels
	}
	if spec.MaxTokens > 0 {
		d.MaxTokens = spec.MaxTokens
	}
	if spec.Temperature > 0 {
		d.Temperature = spec.Temperature
	}
	if spec.MaxToolIterations > 0 {
		d.MaxToolIterations = spec.MaxToolIterations
	}
	if spec.ContextWindow > 0 {
		d.ContextWindow = spec.ContextWindow
	}
	if spec.Workspace != "" {
		d.Workspace = spec.Workspace
	}
	if spec.AgentType != "" {
		d.AgentType = spec.AgentType
	}
	if spec.ThinkingLevel != "" {
		d.ThinkingLevel = spec.ThinkingLevel
	}
	return d
}

// ResolveAgentSpec returns the raw per-agent override (zero value if the
// agent has no entry in Agents.List), for callers that need fields
// ResolveAgent doesn't merge into AgentDefaults (Tools, Identity).
func (c *Config) ResolveAgentSpec(agentID string) AgentSpec {
	return c.Agents.List[agentID]
}

// ResolveDefaultAgentID returns the ID of the agent marked as default, or
// DefaultAgentID if none is explicitly marked.
func (c *Config) ResolveDefaultAgentID() string {
	for id, spec := range c.Agents.List {
		if spec.Default {
			return id
		}
	}
	return DefaultAgentID
}

// ResolveDisplayName returns the display name for an agent.
func (c *Config) ResolveDisplayName(agentID string) string {
	if spec, ok := c.Agents.List[agentID]; ok && spec.DisplayName != "" {
		return spec.DisplayName
	}
	return "Halogate"
}

// ExpandHome replaces a leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
