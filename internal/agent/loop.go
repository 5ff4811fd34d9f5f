package agent

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/halogate/halogate/internal/authpool"
	"github.com/halogate/halogate/internal/bus"
	"github.com/halogate/halogate/internal/config"
	"github.com/halogate/halogate/internal/gwerrors"
	"github.com/halogate/halogate/internal/providers"
	"github.com/halogate/halogate/internal/store"
	"github.com/halogate/halogate/internal/tools"
	"github.com/halogate/halogate/internal/tracing"
	"github.com/halogate/halogate/pkg/protocol"
)

// modelCandidate is one entry in a resolved model/provider fallback chain.
type modelCandidate struct {
	providerName string
	model        string
}

// Loop drives the Think-Tool-Act cycle for one configured agent: one cycle
// per call to Run, reused across every message routed to this agent.
type Loop struct {
	id            string
	workspace     string
	contextWindow int
	maxIterations int
	thinkingLevel string

	providerReg    *providers.Registry
	providerName   string
	model          string
	fallbackModels []string // "model" or "provider/model", tried in order after the primary
	globalProvider string   // last-resort tier after the agent's own chain
	globalModel    string
	authPool       *authpool.Pool

	bus        bus.EventPublisher
	sessions   store.SessionStore
	tools      *tools.Registry
	toolPolicy *tools.PolicyEngine
	agentTools *config.ToolPolicySpec

	compactionCfg     *config.CompactionConfig
	contextPruningCfg *config.ContextPruningConfig

	onEvent  func(RunEvent)
	approval ApprovalFunc
	tracer   *tracing.Provider

	inputGuard      *InputGuard
	injectionAction string
	maxMessageChars int

	resetAfter    time.Duration
	dailyRollover bool

	activeRuns  atomic.Int32
	summarizeMu sync.Map // sessionKey -> *sync.Mutex, serializes compaction per session
}

// LoopConfig configures a new Loop.
type LoopConfig struct {
	ID            string
	Workspace     string
	ContextWindow int
	MaxIterations int
	ThinkingLevel string

	ProviderReg    *providers.Registry
	ProviderName   string
	Model          string
	FallbackModels []string
	GlobalProvider string // process-wide default tried after the agent's own chain
	GlobalModel    string
	AuthPool       *authpool.Pool

	Bus        bus.EventPublisher
	Sessions   store.SessionStore
	Tools      *tools.Registry
	ToolPolicy *tools.PolicyEngine
	AgentTools *config.ToolPolicySpec

	CompactionCfg     *config.CompactionConfig
	ContextPruningCfg *config.ContextPruningConfig

	OnEvent  func(RunEvent)
	Approval ApprovalFunc
	Tracer   *tracing.Provider

	InjectionAction string // "log", "warn" (default), "block", "off"
	MaxMessageChars int    // 0 = default 32000

	ResetAfter    time.Duration // idle window before a fresh context; 0 = never
	DailyRollover bool          // fresh context after a local-midnight boundary
}

func NewLoop(cfg LoopConfig) *Loop {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 20
	}
	if cfg.ContextWindow <= 0 {
		cfg.ContextWindow = 200000
	}
	action := cfg.InjectionAction
	switch action {
	case "log", "warn", "block", "off":
	default:
		action = "warn"
	}
	var guard *InputGuard
	if action != "off" {
		guard = NewInputGuard()
	}
	if cfg.CompactionCfg == nil {
		cfg.CompactionCfg = &config.CompactionConfig{}
	}
	return &Loop{
		id:                cfg.ID,
		workspace:         cfg.Workspace,
		contextWindow:     cfg.ContextWindow,
		maxIterations:     cfg.MaxIterations,
		thinkingLevel:     cfg.ThinkingLevel,
		providerReg:       cfg.ProviderReg,
		providerName:      cfg.ProviderName,
		model:             cfg.Model,
		fallbackModels:    cfg.FallbackModels,
		globalProvider:    cfg.GlobalProvider,
		globalModel:       cfg.GlobalModel,
		authPool:          cfg.AuthPool,
		bus:               cfg.Bus,
		sessions:          cfg.Sessions,
		tools:             cfg.Tools,
		toolPolicy:        cfg.ToolPolicy,
		agentTools:        cfg.AgentTools,
		compactionCfg:     cfg.CompactionCfg,
		contextPruningCfg: cfg.ContextPruningCfg,
		onEvent:           cfg.OnEvent,
		approval:          cfg.Approval,
		tracer:            cfg.Tracer,
		inputGuard:        guard,
		injectionAction:   action,
		maxMessageChars:   cfg.MaxMessageChars,
		resetAfter:        cfg.ResetAfter,
		dailyRollover:     cfg.DailyRollover,
	}
}

func (l *Loop) ID() string      { return l.id }
func (l *Loop) Model() string   { return l.model }
func (l *Loop) IsRunning() bool { return l.activeRuns.Load() > 0 }

// Run processes a single message through the Think-Tool-Act loop and blocks
// until a final response is produced, the run fails, or ctx is cancelled.
func (l *Loop) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	l.activeRuns.Add(1)
	defer l.activeRuns.Add(-1)

	var seq uint64
	rawEmit := func(typ string, data map[string]interface{}) {
		seq++
		l.publish(RunEvent{Type: typ, AgentID: l.id, RunID: req.RunID, SessionKey: req.SessionKey, Seq: seq, Data: data})
	}
	coalescer := newDeltaCoalescer(rawEmit)
	emit := coalescer.Emit
	emit(protocol.RunEventLifecycle, map[string]interface{}{"state": protocol.LifecycleRunning})

	result, err := l.runLoop(ctx, req, emit)
	coalescer.Flush()
	if err != nil {
		state := protocol.LifecycleFailed
		if ctx.Err() != nil {
			state = protocol.LifecycleAborted
		}
		emit(protocol.RunEventError, map[string]interface{}{"message": err.Error()})
		emit(protocol.RunEventLifecycle, map[string]interface{}{"state": state})
		return nil, err
	}

	emit(protocol.RunEventFinal, map[string]interface{}{"content": result.Content})
	emit(protocol.RunEventLifecycle, map[string]interface{}{"state": protocol.LifecycleDone})
	return result, nil
}

func (l *Loop) publish(ev RunEvent) {
	if l.onEvent != nil {
		l.onEvent(ev)
	}
	if l.bus != nil {
		l.bus.Broadcast(bus.Event{Name: protocol.EventAgent, Payload: ev})
	}
}

func (l *Loop) runLoop(ctx context.Context, req RunRequest, emit func(string, map[string]interface{})) (*RunResult, error) {
	if l.workspace != "" {
		effectiveWorkspace := l.workspace
		if req.UserID != "" {
			effectiveWorkspace = filepath.Join(l.workspace, sanitizePathSegment(req.UserID))
			if err := os.MkdirAll(effectiveWorkspace, 0755); err != nil {
				slog.Warn("failed to create agent workspace directory", "workspace", effectiveWorkspace, "error", err)
			}
		}
		ctx = tools.WithToolWorkspace(ctx, effectiveWorkspace)
	}
	ctx = tools.WithToolChannel(ctx, req.Channel)
	ctx = tools.WithToolChatID(ctx, req.ChatID)
	ctx = tools.WithToolPeerKind(ctx, req.PeerKind)
	ctx = tools.WithToolSandboxKey(ctx, req.SessionKey)
	if l.agentTools != nil {
		if l.agentTools.Vision != nil {
			ctx = tools.WithVisionConfig(ctx, l.agentTools.Vision)
		}
		if l.agentTools.ImageGen != nil {
			ctx = tools.WithImageGenConfig(ctx, l.agentTools.ImageGen)
		}
	}

	if l.inputGuard != nil {
		if matches := l.inputGuard.Scan(req.Message); len(matches) > 0 {
			matchStr := strings.Join(matches, ",")
			switch l.injectionAction {
			case "block":
				slog.Warn("security.injection_blocked", "agent", l.id, "patterns", matchStr)
				return nil, gwerrors.New(gwerrors.KindValidation, "message blocked: potential prompt injection detected ("+matchStr+")")
			case "log":
				slog.Info("security.injection_detected", "agent", l.id, "patterns", matchStr)
			default:
				slog.Warn("security.injection_detected", "agent", l.id, "patterns", matchStr)
			}
		}
	}

	maxChars := l.maxMessageChars
	if maxChars <= 0 {
		maxChars = 32_000
	}
	if len(req.Message) > maxChars {
		originalLen := len(req.Message)
		req.Message = req.Message[:maxChars] + fmt.Sprintf(
			"\n\n[System: message truncated from %d to %d characters due to size limit.]",
			originalLen, maxChars)
	}

	if l.sessions.GetContextWindow(req.SessionKey) <= 0 {
		l.sessions.SetContextWindow(req.SessionKey, l.contextWindow)
	}

	l.maybeResetSession(req.SessionKey)

	// Shrink the context before the first LLM call if the session has grown
	// past its window; an ineffective compaction fails the run rather than
	// sending a request the provider will reject.
	if err := l.ensureContextFits(ctx, req.SessionKey); err != nil {
		return nil, err
	}

	history := l.sessions.GetHistory(req.SessionKey)
	summary := l.sessions.GetSummary(req.SessionKey)
	messages := l.buildMessages(history, summary, req.Message, req.ExtraSystemPrompt, req.Channel, req.HistoryLimit)

	if len(req.Media) > 0 {
		if images := inlineImages(req.Media); len(images) > 0 {
			messages[len(messages)-1].Images = images
			ctx = tools.WithMediaImages(ctx, images)
		}
		for _, p := range req.Media {
			_ = os.Remove(p)
		}
	}

	// Buffer new turns; only flushed to the session after the run completes,
	// so concurrent runs (different sessions) never interleave partial state
	// and a failed run leaves the session untouched.
	var pendingMsgs []providers.Message
	pendingMsgs = append(pendingMsgs, providers.Message{Role: "user", Content: req.Message})

	var loopDetector toolLoopState
	var totalUsage UsageTotals
	iteration := 0
	var finalContent string
	var mediaResults []MediaResult

	for iteration < l.maxIterations {
		iteration++

		var toolDefs []providers.ToolDefinition
		if l.toolPolicy != nil {
			toolDefs = l.toolPolicy.FilterTools(l.tools, l.id, l.providerName, l.agentTools, nil, false, false)
		} else {
			toolDefs = l.tools.ProviderDefs()
		}

		chatReq := providers.ChatRequest{
			Messages: messages,
			Tools:    toolDefs,
			Options: map[string]interface{}{
				providers.OptMaxTokens:   8192,
				providers.OptTemperature: 0.7,
			},
		}

		resp, _, _, err := l.callLLM(ctx, chatReq, iteration, req.Stream, emit)
		if err != nil {
			return nil, gwerrors.Wrap(gwerrors.KindProviderDown, "LLM call failed", err)
		}

		if resp.Usage != nil {
			totalUsage.PromptTokens += resp.Usage.PromptTokens
			totalUsage.CompletionTokens += resp.Usage.CompletionTokens
			totalUsage.TotalTokens += resp.Usage.TotalTokens
			totalUsage.ThinkingTokens += resp.Usage.ThinkingTokens
		}

		if len(resp.ToolCalls) == 0 {
			finalContent = resp.Content
			break
		}

		assistantMsg := providers.Message{
			Role:                "assistant",
			Content:             resp.Content,
			ToolCalls:           resp.ToolCalls,
			RawAssistantContent: resp.RawAssistantContent,
		}
		messages = append(messages, assistantMsg)
		pendingMsgs = append(pendingMsgs, assistantMsg)

		toolMsgs, loopStuck, stuckMsg, media := l.dispatchToolCalls(ctx, req, resp.ToolCalls, &loopDetector, emit)
		messages = append(messages, toolMsgs...)
		pendingMsgs = append(pendingMsgs, toolMsgs...)
		mediaResults = append(mediaResults, media...)
		if loopStuck {
			finalContent = stuckMsg
			break
		}
	}

	finalContent = SanitizeAssistantContent(finalContent)
	isSilent := IsSilentReply(finalContent)
	if finalContent == "" {
		finalContent = "..."
	}

	pendingMsgs = append(pendingMsgs, providers.Message{Role: "assistant", Content: finalContent})
	for _, msg := range pendingMsgs {
		l.sessions.AddMessage(req.SessionKey, msg)
	}
	l.sessions.UpdateMetadata(req.SessionKey, l.model, l.providerName, req.Channel)
	l.sessions.AccumulateTokens(req.SessionKey, int64(totalUsage.PromptTokens), int64(totalUsage.CompletionTokens))
	if totalUsage.PromptTokens > 0 {
		l.sessions.SetLastPromptTokens(req.SessionKey, totalUsage.PromptTokens, len(history)+len(pendingMsgs))
	}
	l.sessions.Save(req.SessionKey)

	if isSilent {
		slog.Info("agent loop: NO_REPLY detected, suppressing delivery", "agent", l.id, "session", req.SessionKey)
		finalContent = ""
	}

	l.maybeCompact(ctx, req.SessionKey)

	return &RunResult{
		Content:    finalContent,
		RunID:      req.RunID,
		Iterations: iteration,
		Usage:      &totalUsage,
		Media:      mediaResults,
	}, nil
}

// modelChain expands the three fallback tiers into concrete (provider,
// model) candidates: the agent's primary, then its own fallbacks in order,
// then the process-wide default model as the last resort. A fallback entry
// of "provider/model" targets a different provider; a bare model name stays
// on the primary provider. Duplicates collapse so a candidate is only tried
// once per call.
func (l *Loop) modelChain() []modelCandidate {
	chain := []modelCandidate{{providerName: l.providerName, model: l.model}}
	for _, fb := range l.fallbackModels {
		if prov, model, ok := strings.Cut(fb, "/"); ok {
			chain = append(chain, modelCandidate{providerName: prov, model: model})
		} else {
			chain = append(chain, modelCandidate{providerName: l.providerName, model: fb})
		}
	}
	if l.globalModel != "" {
		prov := l.globalProvider
		if prov == "" {
			prov = l.providerName
		}
		chain = append(chain, modelCandidate{providerName: prov, model: l.globalModel})
	}

	seen := make(map[modelCandidate]bool, len(chain))
	out := chain[:0]
	for _, cand := range chain {
		if seen[cand] {
			continue
		}
		seen[cand] = true
		out = append(out, cand)
	}
	return out
}

// callLLM walks the model/provider fallback chain. For each candidate it
// asks the Auth-Profile Pool for a live profile, tries that profile's
// provider instance, and records the outcome so cooldowns accrue to the
// profile that actually failed. Only after every live profile of a provider
// fails does it move on to the next candidate in the chain.
func (l *Loop) callLLM(ctx context.Context, req providers.ChatRequest, iteration int, stream bool, emit func(string, map[string]interface{})) (*providers.ChatResponse, string, string, error) {
	var lastErr error
	for _, cand := range l.modelChain() {
		resp, err := l.callProvider(ctx, cand, req, iteration, stream, emit)
		if err == nil {
			return resp, cand.providerName, cand.model, nil
		}
		lastErr = err
		slog.Warn("LLM call failed, trying next candidate",
			"agent", l.id, "provider", cand.providerName, "model", cand.model, "error", err)
	}
	return nil, "", "", lastErr
}

// callProvider tries one (provider, model) candidate across its auth
// profiles. Every failure puts the failing profile into its class's
// cooldown and the next live profile is tried; the last error is returned
// once no untried live profile is left.
func (l *Loop) callProvider(ctx context.Context, cand modelCandidate, req providers.ChatRequest, iteration int, stream bool, emit func(string, map[string]interface{})) (*providers.ChatResponse, error) {
	attempts := 1
	if l.authPool != nil {
		attempts = l.authPool.ProfileCount(cand.providerName)
		if attempts <= 0 {
			attempts = 1
		}
	}

	var lastErr error
	tried := make(map[string]bool, attempts)
	for i := 0; i < attempts; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		now := time.Now()
		profileID := ""
		if l.authPool != nil {
			prof, ok := l.authPool.Select(cand.providerName, now)
			if !ok {
				if lastErr != nil {
					return nil, lastErr
				}
				return nil, fmt.Errorf("provider %s: all auth profiles in cooldown", cand.providerName)
			}
			if tried[prof.ID] {
				break
			}
			tried[prof.ID] = true
			profileID = prof.ID
		}

		prov, err := l.providerReg.Profile(cand.providerName, profileID)
		if err != nil {
			return nil, err
		}

		req.Model = cand.model
		if l.thinkingLevel != "" && l.thinkingLevel != "off" {
			if tc, ok := prov.(providers.ThinkingCapable); ok && tc.SupportsThinking() {
				req.Options[providers.OptThinkingLevel] = l.thinkingLevel
			}
		}

		var resp *providers.ChatResponse
		if stream {
			resp, err = l.traceLLMCall(ctx, iteration, func(ctx context.Context) (*providers.ChatResponse, error) {
				return prov.ChatStream(ctx, req, func(chunk providers.StreamChunk) {
					if chunk.Thinking != "" {
						emit(protocol.RunEventThought, map[string]interface{}{"content": chunk.Thinking})
					}
					if chunk.Content != "" {
						emit(protocol.RunEventTextDelta, map[string]interface{}{"content": chunk.Content})
					}
				})
			})
		} else {
			resp, err = l.traceLLMCall(ctx, iteration, func(ctx context.Context) (*providers.ChatResponse, error) {
				return prov.Chat(ctx, req)
			})
		}

		if err == nil {
			if l.authPool != nil {
				l.authPool.RecordSuccess(cand.providerName, profileID, now)
			}
			return resp, nil
		}
		lastErr = err
		class := classifyFailure(err)
		if l.authPool != nil {
			l.authPool.RecordFailure(cand.providerName, profileID, class, now)
		}
		slog.Warn("auth profile failed, trying next",
			"agent", l.id, "provider", cand.providerName, "profile", profileID, "class", class, "error", err)
	}
	return nil, lastErr
}

// classifyFailure maps a provider error to an authpool.FailureClass by
// inspecting its message, since provider implementations don't currently
// expose a structured error taxonomy of their own.
func classifyFailure(err error) authpool.FailureClass {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "unauthorized") || strings.Contains(msg, "401") ||
		strings.Contains(msg, "invalid api key") || strings.Contains(msg, "invalid_api_key"):
		return authpool.FailureAuth
	case strings.Contains(msg, "quota") || strings.Contains(msg, "billing") ||
		strings.Contains(msg, "insufficient_quota") || strings.Contains(msg, "payment"):
		return authpool.FailureBilling
	default:
		return authpool.FailureTransient
	}
}

// dispatchToolCalls executes one assistant turn's tool calls — sequentially
// for a single call, concurrently for several — applying approval gating,
// loop detection, and media-result extraction uniformly across both paths.
func (l *Loop) dispatchToolCalls(ctx context.Context, req RunRequest, calls []providers.ToolCall, loopDetector *toolLoopState, emit func(string, map[string]interface{})) (msgs []providers.Message, stuck bool, stuckMsg string, media []MediaResult) {
	type indexed struct {
		idx    int
		call   providers.ToolCall
		result *tools.Result
	}

	run := func(tc providers.ToolCall) *tools.Result {
		emit(protocol.RunEventToolCall, map[string]interface{}{"name": tc.Name, "id": tc.ID})

		if l.toolPolicy != nil && l.toolPolicy.RequiresApproval(tc.Name, l.agentTools) {
			if l.approval == nil {
				return tools.ErrorResult("tool call requires approval but no approval channel is configured")
			}
			approved, err := l.approval(ctx, ApprovalRequest{
				RunID: req.RunID, SessionKey: req.SessionKey,
				ToolName: tc.Name, CallID: tc.ID, Arguments: tc.Arguments,
			})
			if err != nil {
				return tools.ErrorResult("approval request failed: " + err.Error())
			}
			if !approved {
				return tools.ErrorResult("tool call denied by operator")
			}
		}

		return l.traceToolCall(ctx, tc.Name, tc.ID, func(ctx context.Context) *tools.Result {
			return l.tools.Execute(ctx, tc.Name, tc.Arguments)
		})
	}

	var collected []indexed
	if len(calls) == 1 {
		collected = append(collected, indexed{idx: 0, call: calls[0], result: run(calls[0])})
	} else {
		resultCh := make(chan indexed, len(calls))
		var wg sync.WaitGroup
		for i, tc := range calls {
			wg.Add(1)
			go func(idx int, tc providers.ToolCall) {
				defer wg.Done()
				resultCh <- indexed{idx: idx, call: tc, result: run(tc)}
			}(i, tc)
		}
		go func() { wg.Wait(); close(resultCh) }()
		for r := range resultCh {
			collected = append(collected, r)
		}
		sort.Slice(collected, func(i, j int) bool { return collected[i].idx < collected[j].idx })
	}

	for _, r := range collected {
		argsHash := loopDetector.record(r.call.Name, r.call.Arguments)
		loopDetector.recordResult(argsHash, r.result.ForLLM)

		emit(protocol.RunEventToolRes, map[string]interface{}{
			"name": r.call.Name, "id": r.call.ID, "is_error": r.result.IsError,
		})

		if mr := parseMediaResult(r.result.ForLLM); mr != nil {
			media = append(media, *mr)
		}

		msgs = append(msgs, providers.Message{Role: "tool", Content: r.result.ForLLM, ToolCallID: r.call.ID})

		if level, msg := loopDetector.detect(r.call.Name, argsHash); level != "" {
			if level == "critical" {
				stuck = true
				stuckMsg = "I was unable to complete this task — I got stuck repeatedly calling " + r.call.Name + " without making progress. Please try rephrasing your request."
				return
			}
			msgs = append(msgs, providers.Message{Role: "user", Content: msg})
		}
	}
	return
}

// parseMediaResult extracts a MediaResult from a tool result string carrying
// a "MEDIA:" prefix, optionally preceded by an "[[audio_as_voice]]" tag.
func parseMediaResult(toolOutput string) *MediaResult {
	s := toolOutput
	asVoice := false
	if strings.Contains(s, "[[audio_as_voice]]") {
		asVoice = true
		s = strings.TrimSpace(strings.ReplaceAll(s, "[[audio_as_voice]]", ""))
	}
	idx := strings.Index(s, "MEDIA:")
	if idx < 0 {
		return nil
	}
	path := strings.TrimSpace(s[idx+6:])
	if path == "" {
		return nil
	}
	if nl := strings.IndexByte(path, '\n'); nl >= 0 {
		path = strings.TrimSpace(path[:nl])
	}
	return &MediaResult{Path: path, ContentType: mimeFromExt(filepath.Ext(path)), AsVoice: asVoice}
}

func mimeFromExt(ext string) string {
	switch strings.ToLower(ext) {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	case ".mp4":
		return "video/mp4"
	case ".ogg", ".opus":
		return "audio/ogg"
	case ".mp3":
		return "audio/mpeg"
	case ".wav":
		return "audio/wav"
	default:
		return "application/octet-stream"
	}
}

func sanitizePathSegment(s string) string {
	var b strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}
