package gateway

import "github.com/halogate/halogate/pkg/protocol"

// registerMethods binds every RPC method this build serves. Groups whose
// backing subsystem wasn't provided in Options stay unregistered, so
// clients get not_found instead of a panic.
func (s *Server) registerMethods() {
	r := s.router

	r.Register(protocol.MethodHealth, s.handleHealthMethod)
	r.Register(protocol.MethodLogsTail, s.handleLogsTail)
	r.Register(protocol.MethodModelsList, s.handleModelsList)
	r.Register(protocol.MethodSkillsStatus, s.handleSkillsStatus)

	if s.opts.Sessions != nil {
		r.Register(protocol.MethodSessionsList, s.handleSessionsList)
		r.Register(protocol.MethodSessionsPreview, s.handleSessionsPreview)
		r.Register(protocol.MethodSessionsPatch, s.handleSessionsPatch)
		r.Register(protocol.MethodSessionsDelete, s.handleSessionsDelete)
		r.Register(protocol.MethodSessionsReset, s.handleSessionsReset)
		r.Register(protocol.MethodSessionsCompact, s.handleSessionsCompact)
		r.Register(protocol.MethodSessionsResolve, s.handleSessionsResolve)
		r.Register(protocol.MethodChatHistory, s.handleChatHistory)
		r.Register(protocol.MethodChatInject, s.handleChatInject)
	}

	if s.opts.Dispatcher != nil {
		r.Register(protocol.MethodAgent, s.handleAgentRun)
		r.Register(protocol.MethodAgentWait, s.handleAgentWait)
		r.Register(protocol.MethodChatAbort, s.handleChatAbort)
	}
	r.Register(protocol.MethodAgentIdentity, s.handleAgentIdentity)

	if s.opts.Channels != nil {
		r.Register(protocol.MethodChannelsStatus, s.handleChannelsStatus)
		r.Register(protocol.MethodChannelsLogout, s.handleChannelsLogout)
		r.Register(protocol.MethodChatSend, s.handleChatSend)
	}

	r.Register(protocol.MethodConfigGet, s.handleConfigGet)
	r.Register(protocol.MethodConfigSet, s.handleConfigSet)
	r.Register(protocol.MethodConfigPatch, s.handleConfigPatch)
	r.Register(protocol.MethodConfigApply, s.handleConfigApply)
	r.Register(protocol.MethodConfigSchema, s.handleConfigSchema)

	if s.opts.Cron != nil {
		r.Register(protocol.MethodCronList, s.handleCronList)
		r.Register(protocol.MethodCronAdd, s.handleCronAdd)
		r.Register(protocol.MethodCronUpdate, s.handleCronUpdate)
		r.Register(protocol.MethodCronRemove, s.handleCronRemove)
		r.Register(protocol.MethodCronRun, s.handleCronRun)
	}

	if s.pairing != nil {
		r.Register(protocol.MethodDevicePairRequest, s.handleDevicePairRequest)
		r.Register(protocol.MethodDevicePairApprove, s.handleDevicePairApprove)
		r.Register(protocol.MethodNodesList, s.handleNodesList)
		r.Register(protocol.MethodNodesDesc, s.handleNodesDescribe)
		r.Register(protocol.MethodNodesInvoke, s.handleNodesInvoke)
		r.Register(protocol.MethodNodesPair, s.handleNodesPair)
	}

	if s.opts.Approvals != nil {
		r.Register(protocol.MethodExecApprovalApprove, s.handleExecApprove)
		r.Register(protocol.MethodExecApprovalDeny, s.handleExecDeny)
	}
}
