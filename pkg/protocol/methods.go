package protocol

// RPC method name constants, grouped by subsystem.
const (
	MethodAgent         = "agent"
	MethodAgentWait     = "agent.wait"
	MethodAgentIdentity = "agent.identity"

	MethodChatSend    = "chat.send"
	MethodChatHistory = "chat.history"
	MethodChatAbort   = "chat.abort"
	MethodChatInject  = "chat.inject"

	MethodSessionsList    = "sessions.list"
	MethodSessionsPreview = "sessions.preview"
	MethodSessionsPatch   = "sessions.patch"
	MethodSessionsDelete  = "sessions.delete"
	MethodSessionsReset   = "sessions.reset"
	MethodSessionsCompact = "sessions.compact"
	MethodSessionsResolve = "sessions.resolve"

	MethodConfigGet    = "config.get"
	MethodConfigSet    = "config.set"
	MethodConfigPatch  = "config.patch"
	MethodConfigApply  = "config.apply"
	MethodConfigSchema = "config.schema"

	MethodChannelsStatus = "channels.status"
	MethodChannelsLogout = "channels.logout"

	MethodCronList   = "cron.list"
	MethodCronAdd    = "cron.add"
	MethodCronUpdate = "cron.update"
	MethodCronRemove = "cron.remove"
	MethodCronRun    = "cron.run"

	MethodModelsList = "models.list"

	MethodSkillsStatus = "skills.status"

	MethodNodesList   = "nodes.list"
	MethodNodesDesc   = "nodes.describe"
	MethodNodesInvoke = "nodes.invoke"
	MethodNodesPair   = "nodes.pair"

	MethodHealth   = "health"
	MethodLogsTail = "logs.tail"

	MethodDevicePairRequest = "device.pair.request"
	MethodDevicePairApprove = "device.pair.approve"

	MethodExecApprovalApprove = "exec.approval.approve"
	MethodExecApprovalDeny    = "exec.approval.deny"
)

// Scope is a connection capability granted at hello time.
type Scope string

const (
	ScopeRead     Scope = "read"
	ScopeWrite    Scope = "write"
	ScopeApproval Scope = "approvals"
	ScopePairing  Scope = "pairing"
	ScopeAdmin    Scope = "admin"
)

// RequiredScope returns the scope a method requires. Methods not listed
// require ScopeAdmin, the most restrictive default.
func RequiredScope(method string) Scope {
	switch method {
	case MethodHealth, MethodModelsList, MethodSkillsStatus, MethodChannelsStatus,
		MethodSessionsList, MethodSessionsPreview, MethodChatHistory,
		MethodNodesList, MethodNodesDesc, MethodCronList, MethodLogsTail,
		MethodAgentIdentity:
		return ScopeRead
	case MethodChatSend, MethodChatAbort, MethodChatInject, MethodAgent, MethodAgentWait,
		MethodSessionsPatch, MethodSessionsDelete, MethodSessionsReset, MethodSessionsCompact,
		MethodSessionsResolve, MethodCronAdd, MethodCronUpdate, MethodCronRemove, MethodCronRun,
		MethodNodesInvoke, MethodChannelsLogout:
		return ScopeWrite
	case MethodExecApprovalApprove, MethodExecApprovalDeny:
		return ScopeApproval
	case MethodDevicePairRequest, MethodDevicePairApprove, MethodNodesPair:
		return ScopePairing
	case MethodConfigGet, MethodConfigSet, MethodConfigPatch, MethodConfigApply, MethodConfigSchema:
		return ScopeAdmin
	default:
		return ScopeAdmin
	}
}
