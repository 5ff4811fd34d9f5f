package protocol

// Event names pushed from server to client over the event channel.
const (
	EventAgent  = "agent"
	EventChat   = "chat"
	EventHealth = "health"
	EventCron   = "cron"

	EventExecApprovalReq = "exec.approval.requested"
	EventExecApprovalRes = "exec.approval.resolved"

	EventPresence = "presence"
	EventTick     = "tick"
	EventShutdown = "shutdown"

	EventDevicePairReq = "device.pair.requested"
	EventDevicePairRes = "device.pair.resolved"

	EventConnectChallenge = "connect.challenge"
	EventHeartbeat        = "heartbeat"

	// Cache invalidation events (internal, not forwarded to WS clients).
	EventCacheInvalidate = "cache.invalidate"
)

// Run lifecycle event subtypes carried in an EventAgent payload's "type"
// field.
const (
	RunEventLifecycle = "lifecycle"
	RunEventThought   = "thought"
	RunEventTextDelta = "text_delta"
	RunEventToolCall  = "tool_call"
	RunEventToolRes   = "tool_result"
	RunEventError     = "error"
	RunEventFinal     = "final"
)

// Lifecycle sub-states carried in a RunEventLifecycle payload's "state" field.
const (
	LifecycleQueued  = "queued"
	LifecycleRunning = "running"
	LifecycleDone    = "done"
	LifecycleAborted = "aborted"
	LifecycleFailed  = "failed"
)

// Chat event subtypes (in payload.type)
const (
	ChatEventChunk    = "chunk"
	ChatEventMessage  = "message"
	ChatEventThinking = "thinking"
)
