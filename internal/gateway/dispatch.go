package gateway

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/halogate/halogate/internal/agent"
	"github.com/halogate/halogate/internal/bus"
	"github.com/halogate/halogate/internal/config"
	"github.com/halogate/halogate/internal/lane"
	"github.com/halogate/halogate/internal/route"
	"github.com/halogate/halogate/pkg/protocol"
)

// queuedRun is one routed inbound message waiting in its session's lane.
type queuedRun struct {
	runID   string
	agentID string
	msg     bus.InboundMessage
}

// runState tracks one in-flight (or completed) run for chat.abort and
// agent.wait.
type runState struct {
	sessionKey string
	done       chan struct{}
	result     *agent.RunResult
	err        error
}

// runTracker indexes active runs by id. Completed runs linger briefly so a
// racing agent.wait still resolves.
type runTracker struct {
	mu   sync.Mutex
	runs map[string]*runState
}

func newRunTracker() *runTracker {
	return &runTracker{runs: make(map[string]*runState)}
}

func (t *runTracker) add(runID, sessionKey string) *runState {
	st := &runState{sessionKey: sessionKey, done: make(chan struct{})}
	t.mu.Lock()
	t.runs[runID] = st
	t.mu.Unlock()
	return st
}

func (t *runTracker) get(runID string) (*runState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.runs[runID]
	return st, ok
}

func (t *runTracker) finish(runID string, result *agent.RunResult, err error) {
	t.mu.Lock()
	st, ok := t.runs[runID]
	t.mu.Unlock()
	if !ok {
		return
	}
	st.result = result
	st.err = err
	close(st.done)

	time.AfterFunc(time.Minute, func() {
		t.mu.Lock()
		delete(t.runs, runID)
		t.mu.Unlock()
	})
}

// Dispatcher is the inbound pipeline: it consumes normalized messages off
// the bus, routes them to an agent and session, queues them on that
// session's lane, and runs them when the lane's turn comes up.
type Dispatcher struct {
	config *config.Store
	bus    *bus.MessageBus
	agents *agent.Router
	sched  *lane.Scheduler
	runs   *runTracker
	grace  time.Duration

	// OnRun is called for every accepted inbound with its assigned run id,
	// before the run dispatches. The channel manager uses it to associate
	// run events with the originating chat.
	OnRun func(runID string, msg bus.InboundMessage)
}

// NewDispatcher builds the pipeline around cfg's lane limits.
func NewDispatcher(cfgStore *config.Store, msgBus *bus.MessageBus, agents *agent.Router) *Dispatcher {
	cfg := cfgStore.Current()
	d := &Dispatcher{
		config: cfgStore,
		bus:    msgBus,
		agents: agents,
		runs:   newRunTracker(),
		grace:  time.Duration(cfg.Gateway.AbortGraceMs) * time.Millisecond,
	}
	if d.grace <= 0 {
		d.grace = 5 * time.Second
	}
	d.sched = lane.New(d.runItem, lane.Options{
		MaxInFlight: cfg.Gateway.MaxInFlightRuns,
		EvictAfter:  30 * time.Minute,
		Debounce:    time.Duration(cfg.Gateway.InboundDebounceMs) * time.Millisecond,
		Merge:       mergeQueuedRuns,
	})
	return d
}

// Scheduler exposes the lane scheduler for abort and state queries.
func (d *Dispatcher) Scheduler() *lane.Scheduler { return d.sched }

// Runs exposes the run tracker for the chat/agent method handlers.
func (d *Dispatcher) Runs() *runTracker { return d.runs }

// mergeQueuedRuns coalesces two debounced messages into one: text
// concatenated, attachments merged (deduplicated by path), latest metadata
// winning. The earlier run id survives so a client that saw it can still
// wait on it.
func mergeQueuedRuns(queued, incoming interface{}) interface{} {
	a, ok1 := queued.(queuedRun)
	b, ok2 := incoming.(queuedRun)
	if !ok1 || !ok2 {
		return incoming
	}
	merged := a
	if b.msg.Content != "" {
		if merged.msg.Content != "" {
			merged.msg.Content += "\n" + b.msg.Content
		} else {
			merged.msg.Content = b.msg.Content
		}
	}
	seen := make(map[string]bool, len(a.msg.Media))
	for _, m := range a.msg.Media {
		seen[m] = true
	}
	for _, m := range b.msg.Media {
		if !seen[m] {
			merged.msg.Media = append(merged.msg.Media, m)
		}
	}
	if len(b.msg.Metadata) > 0 {
		merged.msg.Metadata = b.msg.Metadata
	}
	return merged
}

// Start consumes inbound messages until ctx is done.
func (d *Dispatcher) Start(ctx context.Context) {
	for {
		msg, ok := d.bus.ConsumeInbound(ctx)
		if !ok {
			return
		}
		d.Enqueue(msg)
	}
}

// Enqueue routes one inbound message and queues it on its session's lane,
// returning the run id it will execute under. A policy-blocked message is
// dropped here with a log line and no further trace — no transcript, no
// user-visible error.
func (d *Dispatcher) Enqueue(msg bus.InboundMessage) (runID, sessionKey string) {
	cfg := d.config.Current()

	agentID, sessionKey, policy := d.route(cfg, msg)
	if policy.Blocked {
		slog.Info("inbound blocked by channel policy",
			"channel", msg.Channel, "sender", msg.SenderID, "kind", msg.PeerKind)
		return "", ""
	}

	runID = uuid.NewString()
	d.runs.add(runID, sessionKey)
	if d.OnRun != nil {
		d.OnRun(runID, msg)
	}
	d.bus.Broadcast(bus.Event{Name: protocol.EventChat, Payload: map[string]any{
		"type":        protocol.ChatEventMessage,
		"direction":   "inbound",
		"channel":     msg.Channel,
		"session_key": sessionKey,
		"run_id":      runID,
		"preview":     preview(msg.Content),
	}})
	d.sched.Enqueue(sessionKey, queuedRun{runID: runID, agentID: agentID, msg: msg})
	return runID, sessionKey
}

// route maps an inbound message to (agent, session key, policy). A message
// carrying both SessionKey and AgentID (RPC and cron runs) skips resolution.
// An AgentID alone (set by a channel bound to one agent) overrides the agent
// that binding matching picks, and the derived session key is rekeyed to
// it; the channel policy from the match still applies.
func (d *Dispatcher) route(cfg *config.Config, msg bus.InboundMessage) (string, string, route.Policy) {
	if msg.SessionKey != "" && msg.AgentID != "" {
		// RPC-originated runs address a session directly.
		return msg.AgentID, msg.SessionKey, route.Policy{}
	}

	kind := route.ChatDirect
	peer := msg.UserID
	if peer == "" {
		peer = msg.SenderID
	}
	if msg.PeerKind == "group" {
		kind = route.ChatGroup
		peer = msg.ChatID
	}
	env := route.Envelope{
		Channel:     msg.Channel,
		Account:     msg.Account,
		Peer:        peer,
		ChatKind:    kind,
		FromDisplay: msg.SenderID,
		Timestamp:   time.Now().UTC(),
		Text:        msg.Content,
		Attachments: msg.Media,
	}

	agentID, sessionKey, policy := route.Resolve(cfg, env)
	if msg.AgentID != "" {
		agentID = msg.AgentID
		if rekeyed, ok := parseAndRekey(sessionKey, msg.AgentID); ok {
			sessionKey = rekeyed
		}
	}
	return agentID, sessionKey, policy
}

// parseAndRekey swaps the agent id inside an already-derived session key.
func parseAndRekey(sessionKey, agentID string) (string, bool) {
	parts := strings.SplitN(sessionKey, ":", 3)
	if len(parts) != 3 || parts[0] != "agent" {
		return "", false
	}
	return "agent:" + agentID + ":" + parts[2], true
}

// runItem executes one queued run on its lane's turn. laneCtx is cancelled
// when the lane is aborted. runItem waits for the run to return however long
// that takes: a run still going when the abort grace window ends only gets a
// warning logged. Nothing forces it to stop, and its result is recorded as
// the run returns it rather than marked aborted.
func (d *Dispatcher) runItem(laneCtx context.Context, sessionKey string, item lane.Item) {
	qr, ok := item.Envelope.(queuedRun)
	if !ok {
		slog.Error("lane item of unexpected type", "session", sessionKey)
		return
	}

	ag, err := d.agents.Get(qr.agentID)
	if err != nil {
		slog.Error("agent resolution failed", "agent", qr.agentID, "error", err)
		d.runs.finish(qr.runID, nil, err)
		return
	}

	req := agent.RunRequest{
		SessionKey:   sessionKey,
		Message:      qr.msg.Content,
		Media:        qr.msg.Media,
		Channel:      qr.msg.Channel,
		ChatID:       qr.msg.ChatID,
		PeerKind:     qr.msg.PeerKind,
		RunID:        qr.runID,
		UserID:       qr.msg.UserID,
		Stream:       true,
		HistoryLimit: qr.msg.HistoryLimit,
	}

	done := make(chan struct{})
	go func() {
		// After an abort, warn once the grace window has passed without the
		// run returning.
		select {
		case <-done:
		case <-laneCtx.Done():
			select {
			case <-done:
			case <-time.After(d.grace):
				slog.Warn("run exceeded abort grace", "run", qr.runID, "session", sessionKey)
			}
		}
	}()

	result, err := ag.Run(laneCtx, req)
	close(done)
	d.runs.finish(qr.runID, result, err)

	if err != nil {
		slog.Error("run failed", "run", qr.runID, "session", sessionKey, "error", err)
		return
	}

	if result.Content != "" || len(result.Media) > 0 {
		out := bus.OutboundMessage{
			Channel: qr.msg.Channel,
			ChatID:  qr.msg.ChatID,
			Content: result.Content,
			Metadata: map[string]string{
				"run_id": qr.runID,
			},
		}
		for _, m := range result.Media {
			out.Media = append(out.Media, bus.MediaAttachment{
				URL:         m.Path,
				ContentType: m.ContentType,
			})
		}
		d.bus.Broadcast(bus.Event{Name: protocol.EventChat, Payload: map[string]any{
			"type":        protocol.ChatEventMessage,
			"direction":   "outbound",
			"channel":     qr.msg.Channel,
			"session_key": sessionKey,
			"run_id":      qr.runID,
			"preview":     preview(result.Content),
		}})
		if qr.msg.Channel != "" && !isInternalChannel(qr.msg.Channel) {
			d.bus.PublishOutbound(out)
		}
	}
}

// preview truncates message text for chat notification events.
func preview(s string) string {
	const max = 200
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}

// Abort cancels the active run for a session key (or run id via runs),
// optionally dropping queued messages behind it.
func (d *Dispatcher) Abort(sessionKey string, dropPending bool) {
	d.sched.Abort(sessionKey, dropPending)
}

func isInternalChannel(name string) bool {
	switch name {
	case "cli", "system", "subagent", "rpc":
		return true
	}
	return false
}
