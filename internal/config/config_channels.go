package config

// ChannelsConfig contains per-channel configuration. Only the two reference
// channel plugins are configured here; the Channel Registry's capability
// interface is what other transports would implement.
type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
	Discord  DiscordConfig  `json:"discord"`
}

type TelegramConfig struct {
	Enabled        bool                `json:"enabled"`
	Token          string              `json:"token"`
	Proxy          string              `json:"proxy,omitempty"`
	AllowFrom      FlexibleStringSlice `json:"allow_from"`
	DMPolicy       string              `json:"dm_policy,omitempty"`
	GroupPolicy    string              `json:"group_policy,omitempty"`
	RequireMention *bool               `json:"require_mention,omitempty"`
	HistoryLimit   int                 `json:"history_limit,omitempty"`
	StreamMode     string              `json:"stream_mode,omitempty"`
	ReactionLevel  string              `json:"reaction_level,omitempty"`
	MediaMaxBytes  int64               `json:"media_max_bytes,omitempty"`
	LinkPreview    *bool               `json:"link_preview,omitempty"`

	// Voice messages are transcribed through an external speech-to-text
	// proxy when configured; without one they fall back to a placeholder
	// tag in the message text.
	STTProxyURL       string `json:"stt_proxy_url,omitempty"`
	STTAPIKey         string `json:"stt_api_key,omitempty"`
	STTTenantID       string `json:"stt_tenant_id,omitempty"`
	STTTimeoutSeconds int    `json:"stt_timeout_seconds,omitempty"`
	// VoiceAgentID routes transcribed voice messages to a dedicated agent.
	VoiceAgentID string `json:"voice_agent_id,omitempty"`
}

type DiscordConfig struct {
	Enabled        bool                `json:"enabled"`
	Token          string              `json:"token"`
	AllowFrom      FlexibleStringSlice `json:"allow_from"`
	DMPolicy       string              `json:"dm_policy,omitempty"`
	GroupPolicy    string              `json:"group_policy,omitempty"`
	RequireMention *bool               `json:"require_mention,omitempty"`
	HistoryLimit   int                 `json:"history_limit,omitempty"`
}

// PolicyFor returns the configured (dm_policy, group_policy) pair for a
// channel name, defaulting both to "open" when unset.
func (c ChannelsConfig) PolicyFor(channel string) (dm, group string) {
	switch channel {
	case "telegram":
		dm, group = c.Telegram.DMPolicy, c.Telegram.GroupPolicy
	case "discord":
		dm, group = c.Discord.DMPolicy, c.Discord.GroupPolicy
	}
	if dm == "" {
		dm = "open"
	}
	if group == "" {
		group = "open"
	}
	return dm, group
}

// ProvidersConfig maps provider name to its config.
type ProvidersConfig struct {
	Anthropic  ProviderConfig `json:"anthropic"`
	OpenAI     ProviderConfig `json:"openai"`
	OpenRouter ProviderConfig `json:"openrouter"`
	Gemini     ProviderConfig `json:"gemini"`
	DeepSeek   ProviderConfig `json:"deepseek"`
	DashScope  ProviderConfig `json:"dashscope"`
}

type ProviderConfig struct {
	APIKey string `json:"api_key"`
	// ExtraAPIKeys are additional credentials for the same provider; each
	// becomes its own auth profile so the pool can rotate and cool them
	// down independently.
	ExtraAPIKeys FlexibleStringSlice `json:"extra_api_keys,omitempty"`
	APIBase      string              `json:"api_base,omitempty"`
}

// AllKeys returns every configured credential, primary first.
func (p ProviderConfig) AllKeys() []string {
	if p.APIKey == "" {
		return p.ExtraAPIKeys
	}
	return append([]string{p.APIKey}, p.ExtraAPIKeys...)
}

// HasAnyProvider returns true if at least one provider has an API key configured.
func (c *Config) HasAnyProvider() bool {
	p := c.Providers
	return p.Anthropic.APIKey != "" || p.OpenAI.APIKey != "" || p.OpenRouter.APIKey != "" ||
		p.Gemini.APIKey != "" || p.DeepSeek.APIKey != "" || p.DashScope.APIKey != ""
}

// GatewayConfig controls the gateway server.
type GatewayConfig struct {
	Host              string   `json:"host"`
	Port              int      `json:"port"`
	Token             string   `json:"token,omitempty"`
	OwnerIDs          []string `json:"owner_ids,omitempty"`
	AllowedOrigins    []string `json:"allowed_origins,omitempty"`
	MaxMessageChars   int      `json:"max_message_chars,omitempty"`
	RateLimitRPM      int      `json:"rate_limit_rpm,omitempty"`
	InjectionAction   string   `json:"injection_action,omitempty"`
	InboundDebounceMs int      `json:"inbound_debounce_ms,omitempty"`
	MaxInFlightRuns   int      `json:"max_in_flight_runs,omitempty"` // lane scheduler global backpressure cap
	AbortGraceMs      int      `json:"abort_grace_ms,omitempty"`
}

// ToolsConfig controls tool availability, policy, and web search.
type ToolsConfig struct {
	Profile          string                      `json:"profile,omitempty"`
	Allow            []string                    `json:"allow,omitempty"`
	Deny             []string                    `json:"deny,omitempty"`
	AlsoAllow        []string                    `json:"also_allow,omitempty"`
	ByProvider       map[string]*ToolPolicySpec  `json:"by_provider,omitempty"`
	Approval         []string                   `json:"approval,omitempty"` // tools/groups requiring approval gating
	ExecApproval     ExecApprovalCfg             `json:"exec_approval,omitempty"`
	Web              WebToolsConfig              `json:"web"`
	Browser          BrowserToolConfig           `json:"browser"`
	RateLimitPerHour int                         `json:"rate_limit_per_hour,omitempty"`
	ScrubCredentials *bool                       `json:"scrub_credentials,omitempty"`
	McpServers       map[string]*MCPServerConfig `json:"mcp_servers,omitempty"`
}

// MCPServerConfig configures a single external MCP server connection.
type MCPServerConfig struct {
	Transport  string            `json:"transport"` // "stdio", "sse", "streamable-http"
	Command    string            `json:"command,omitempty"`
	Args       []string          `json:"args,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	URL        string            `json:"url,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	Enabled    *bool             `json:"enabled,omitempty"`
	ToolPrefix string            `json:"tool_prefix,omitempty"`
	TimeoutSec int               `json:"timeout_sec,omitempty"`
}

// IsEnabled returns whether this MCP server is enabled (default true).
func (c *MCPServerConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// ExecApprovalCfg configures command execution approval gating.
type ExecApprovalCfg struct {
	Security  string   `json:"security,omitempty"` // "deny", "allowlist", "full" (default "full")
	Ask       string   `json:"ask,omitempty"`      // "off", "on-miss", "always" (default "off")
	Allowlist []string `json:"allowlist,omitempty"`
}

// BrowserToolConfig controls the browser automation tool.
type BrowserToolConfig struct {
	Enabled  bool `json:"enabled"`
	Headless bool `json:"headless,omitempty"`
}

// ToolPolicySpec defines a tool policy at any level (global, per-agent, per-provider).
type ToolPolicySpec struct {
	Profile    string                     `json:"profile,omitempty"`
	Allow      []string                   `json:"allow,omitempty"`
	Deny       []string                   `json:"deny,omitempty"`
	AlsoAllow  []string                   `json:"also_allow,omitempty"`
	ByProvider map[string]*ToolPolicySpec `json:"by_provider,omitempty"`
	Approval   []string                   `json:"approval,omitempty"` // tools/groups requiring approval gating
	Vision     *VisionConfig              `json:"vision,omitempty"`
	ImageGen   *ImageGenConfig            `json:"image_gen,omitempty"`
}

// VisionConfig configures the provider and model for vision tools (read_image).
type VisionConfig struct {
	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`
}

// ImageGenConfig configures the provider and model for image generation (create_image).
type ImageGenConfig struct {
	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`
	Size     string `json:"size,omitempty"`
	Quality  string `json:"quality,omitempty"`
}

type WebToolsConfig struct {
	Brave      BraveConfig      `json:"brave"`
	DuckDuckGo DuckDuckGoConfig `json:"duckduckgo"`
}

type BraveConfig struct {
	Enabled    bool   `json:"enabled"`
	APIKey     string `json:"api_key"`
	MaxResults int    `json:"max_results"`
}

type DuckDuckGoConfig struct {
	Enabled    bool `json:"enabled"`
	MaxResults int  `json:"max_results"`
}

// SessionsConfig controls session storage and key-scope behavior.
type SessionsConfig struct {
	Storage string `json:"storage"`
	Scope   string `json:"scope,omitempty"`
	DmScope string `json:"dm_scope,omitempty"` // "per-peer" (default, one session per channel/account/peer) or "per-agent" (one shared main session)
	MainKey string `json:"main_key,omitempty"`
	// ResetAfterMinutes starts a fresh conversational context when a session
	// has been idle longer than this. 0 disables idle resets.
	ResetAfterMinutes int `json:"reset_after_minutes,omitempty"`
	// DailyRollover starts a fresh context on the first message after a
	// local-midnight boundary.
	DailyRollover bool `json:"daily_rollover,omitempty"`
}
