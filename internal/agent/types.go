package agent

import "context"

// Agent is the interface the Lane Scheduler and RPC Dispatcher use to run a
// message through whichever agent a route resolved to. *Loop is the only
// implementation; the interface exists so internal/gateway and
// internal/channels never need to import internal/providers or
// internal/tools directly.
type Agent interface {
	ID() string
	Model() string
	IsRunning() bool
	Run(ctx context.Context, req RunRequest) (*RunResult, error)
	Compact(ctx context.Context, sessionKey string) error
}

// RunRequest is the input for processing a single message through an agent.
type RunRequest struct {
	SessionKey        string   // canonical key built by internal/sessionkey
	Message           string   // user message text
	Media             []string // local file paths to images, already fetched by internal/media
	Channel           string
	ChatID            string
	PeerKind          string // "direct" or "group"
	RunID             string
	UserID            string // external sender id, for workspace scoping
	Stream            bool
	ExtraSystemPrompt string
	HistoryLimit      int // max user turns to keep in context, 0 = unlimited
}

// RunResult is the output of a completed agent run.
type RunResult struct {
	Content    string
	RunID      string
	Iterations int
	Usage      *UsageTotals
	Media      []MediaResult
}

// UsageTotals accumulates token usage across every LLM call in a run.
type UsageTotals struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	ThinkingTokens   int
}

// MediaResult represents a media file produced by a tool during the run
// (parsed from a "MEDIA:" prefixed tool result — see parseMediaResult).
type MediaResult struct {
	Path        string
	ContentType string
	AsVoice     bool
}

// RunEvent is emitted during Loop.Run for streaming delivery and transcript
// observers. Seq is monotonic per run, assigned by
// the Loop — the RPC Dispatcher assigns its own, separate per-connection Seq
// when it wraps this into a wire protocol.Frame event.
type RunEvent struct {
	Type       string // protocol.RunEvent*
	AgentID    string
	RunID      string
	SessionKey string
	Seq        uint64
	Data       map[string]interface{}
}

// ApprovalRequest describes a tool call that fell under the "approval"
// policy class and must be confirmed out-of-band before it
// runs.
type ApprovalRequest struct {
	RunID      string
	SessionKey string
	ToolName   string
	CallID     string
	Arguments  map[string]interface{}
}

// ApprovalFunc resolves an ApprovalRequest, blocking until the operator
// approves or denies it (or ctx is cancelled). internal/gateway supplies the
// real implementation, publishing exec.approval.requested and waiting for
// the matching exec.approval.approve/deny RPC call.
type ApprovalFunc func(ctx context.Context, req ApprovalRequest) (bool, error)
