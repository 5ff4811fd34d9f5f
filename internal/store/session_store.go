package store

import (
	"time"

	"github.com/halogate/halogate/internal/providers"
)

// SessionData is one conversation's full state: the message transcript plus
// the metadata the scheduler and compactor consult between runs.
type SessionData struct {
	Key      string              `json:"key"`
	Messages []providers.Message `json:"messages"`
	Summary  string              `json:"summary,omitempty"`
	Created  time.Time           `json:"created"`
	Updated  time.Time           `json:"updated"`

	// UserID is the external sender this session belongs to, used for
	// per-user workspace scoping.
	UserID string `json:"user_id,omitempty"`

	Model           string `json:"model,omitempty"`
	Provider        string `json:"provider,omitempty"`
	Channel         string `json:"channel,omitempty"`
	InputTokens     int64  `json:"input_tokens,omitempty"`
	OutputTokens    int64  `json:"output_tokens,omitempty"`
	CompactionCount int    `json:"compaction_count,omitempty"`
	Label           string `json:"label,omitempty"`

	// Subagent lineage: the spawning session's key and how deep this
	// session sits in the spawn tree.
	SpawnedBy  string `json:"spawned_by,omitempty"`
	SpawnDepth int    `json:"spawn_depth,omitempty"`

	// Token-estimate calibration, cached per session so the compaction
	// threshold check doesn't re-tokenize the whole history every run.
	ContextWindow    int `json:"context_window,omitempty"`     // agent's window, set on first run
	LastPromptTokens int `json:"last_prompt_tokens,omitempty"` // prompt tokens the provider reported last call
	LastMessageCount int `json:"last_message_count,omitempty"` // message count at that call
}

// SessionInfo is lightweight session metadata for listings.
type SessionInfo struct {
	Key          string    `json:"key"`
	MessageCount int       `json:"message_count"`
	Created      time.Time `json:"created"`
	Updated      time.Time `json:"updated"`
}

// SessionListOpts holds filter and pagination options for ListPaged.
type SessionListOpts struct {
	AgentID string
	Limit   int
	Offset  int
}

// SessionListResult is one page of sessions plus the unpaged total.
type SessionListResult struct {
	Sessions []SessionInfo `json:"sessions"`
	Total    int           `json:"total"`
}

// SessionStore manages conversation sessions. Transcript mutations happen
// under the owning lane's at-most-one-run guarantee; metadata reads may race
// a run and see either the before or after state, never a torn one.
type SessionStore interface {
	GetOrCreate(key string) *SessionData
	AddMessage(key string, msg providers.Message)
	GetHistory(key string) []providers.Message

	GetSummary(key string) string
	SetSummary(key, summary string)
	SetLabel(key, label string)
	UpdateMetadata(key, model, provider, channel string)
	AccumulateTokens(key string, input, output int64)
	IncrementCompaction(key string)
	GetCompactionCount(key string) int
	SetSpawnInfo(key, spawnedBy string, depth int)

	SetContextWindow(key string, cw int)
	GetContextWindow(key string) int
	SetLastPromptTokens(key string, tokens, msgCount int)
	GetLastPromptTokens(key string) (tokens, msgCount int)

	TruncateHistory(key string, keepLast int)
	Reset(key string)
	Delete(key string) error

	List(agentID string) []SessionInfo
	ListPaged(opts SessionListOpts) SessionListResult
	Save(key string) error
}
