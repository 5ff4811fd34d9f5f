package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/halogate/halogate/internal/gwerrors"
	"github.com/halogate/halogate/internal/providers"
)

// compactionParams is the resolved set of compaction knobs for one loop,
// with defaults applied.
type compactionParams struct {
	window       int     // context window in tokens
	triggerRatio float64 // compaction triggers at window*triggerRatio estimated tokens
	baseChunk    float64 // chunk size as a share of the remaining head
	minChunk     float64 // floor on chunk size as a share of the total
	tailTurns    int     // user turns preserved verbatim at the tail
}

func (l *Loop) compactionParams() compactionParams {
	p := compactionParams{
		window:       l.contextWindow,
		triggerRatio: 1.2,
		baseChunk:    0.4,
		minChunk:     0.15,
		tailTurns:    4,
	}
	if p.window <= 0 {
		p.window = 200000
	}
	if c := l.compactionCfg; c != nil {
		if c.ContextWindowTokens > 0 {
			p.window = c.ContextWindowTokens
		}
		if c.TriggerRatio > 0 {
			p.triggerRatio = c.TriggerRatio
		}
		if c.BaseChunkRatio > 0 {
			p.baseChunk = c.BaseChunkRatio
		}
		if c.MinChunkRatio > 0 {
			p.minChunk = c.MinChunkRatio
		}
		if c.PreservedTailTurns > 0 {
			p.tailTurns = c.PreservedTailTurns
		}
	}
	return p
}

// EstimateTokensCalibrated estimates the token cost of messages, scaling the
// rune-count heuristic by the actual prompt-token count the provider
// reported for this session's last call. The calibration corrects for
// tool-result-heavy histories where runes-per-token drifts far from the
// heuristic's assumption.
func EstimateTokensCalibrated(messages []providers.Message, lastPromptTokens, lastMessageCount int) int {
	raw := EstimateTokens(messages)
	if lastPromptTokens <= 0 || lastMessageCount <= 0 || len(messages) == 0 {
		return raw
	}
	perMsg := float64(lastPromptTokens) / float64(lastMessageCount)
	calibrated := int(perMsg * float64(len(messages)))
	if calibrated > raw {
		return calibrated
	}
	return raw
}

func (l *Loop) estimateSessionTokens(sessionKey string) int {
	history := l.sessions.GetHistory(sessionKey)
	lastPT, lastMC := l.sessions.GetLastPromptTokens(sessionKey)
	return EstimateTokensCalibrated(history, lastPT, lastMC)
}

// ensureContextFits compacts the session synchronously when its estimated
// token count has crossed the trigger threshold, so the upcoming LLM call
// fits the model's context window. If compaction runs but fails to shrink
// the estimate, the run cannot proceed and the caller gets a
// compaction_ineffective error.
func (l *Loop) ensureContextFits(ctx context.Context, sessionKey string) error {
	p := l.compactionParams()
	threshold := int(float64(p.window) * p.triggerRatio)
	before := l.estimateSessionTokens(sessionKey)
	if before < threshold {
		return nil
	}

	sessionMu := l.compactionLock(sessionKey)
	sessionMu.Lock()
	defer sessionMu.Unlock()

	// A concurrent compaction may have finished while we waited.
	before = l.estimateSessionTokens(sessionKey)
	if before < threshold {
		return nil
	}

	if err := l.compactOnce(ctx, sessionKey, p); err != nil {
		return err
	}
	after := l.estimateSessionTokens(sessionKey)
	if after >= before {
		return gwerrors.New(gwerrors.KindCompaction,
			fmt.Sprintf("compaction did not reduce context (%d -> %d tokens)", before, after))
	}
	return nil
}

// maybeCompact is the post-run, best-effort variant of ensureContextFits:
// it runs in the background so delivery latency never pays for
// summarization, and silently skips when another compaction is in flight.
func (l *Loop) maybeCompact(ctx context.Context, sessionKey string) {
	p := l.compactionParams()
	threshold := int(float64(p.window) * p.triggerRatio)
	if l.estimateSessionTokens(sessionKey) < threshold {
		return
	}

	sessionMu := l.compactionLock(sessionKey)
	if !sessionMu.TryLock() {
		slog.Debug("compaction already in progress, skipping", "session", sessionKey)
		return
	}

	go func() {
		defer sessionMu.Unlock()
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 120*time.Second)
		defer cancel()
		if err := l.compactOnce(cctx, sessionKey, p); err != nil {
			slog.Warn("background compaction failed", "session", sessionKey, "error", err)
		}
	}()
}

// Compact forces one compaction pass for sessionKey regardless of
// thresholds, for the sessions.compact RPC method.
func (l *Loop) Compact(ctx context.Context, sessionKey string) error {
	mu := l.compactionLock(sessionKey)
	mu.Lock()
	defer mu.Unlock()
	return l.compactOnce(ctx, sessionKey, l.compactionParams())
}

func (l *Loop) compactionLock(sessionKey string) *sync.Mutex {
	muI, _ := l.summarizeMu.LoadOrStore(sessionKey, &sync.Mutex{})
	return muI.(*sync.Mutex)
}

// compactOnce partitions the transcript into a preserved tail and a
// compactable head, summarizes the head chunk by chunk, and replaces it with
// the summaries. The tail always contains at least the last user turn and
// the last assistant turn, verbatim.
func (l *Loop) compactOnce(ctx context.Context, sessionKey string, p compactionParams) error {
	history := l.sessions.GetHistory(sessionKey)
	tailStart := preservedTailStart(history, p.tailTurns)
	head := history[:tailStart]
	if len(head) == 0 {
		return nil
	}

	totalTokens := EstimateTokens(history)
	chunks := splitChunks(head, p.baseChunk, p.minChunk, totalTokens)

	prior := l.sessions.GetSummary(sessionKey)
	summaries := make([]string, 0, len(chunks))
	for i, chunk := range chunks {
		carry := ""
		if i == 0 {
			carry = prior
		}
		summary, err := l.summarizeChunk(ctx, chunk, carry)
		if err != nil {
			return gwerrors.Wrap(gwerrors.KindProviderDown, "chunk summarization failed", err)
		}
		summaries = append(summaries, summary)
	}

	l.sessions.SetSummary(sessionKey, strings.Join(summaries, "\n\n"))
	l.sessions.TruncateHistory(sessionKey, len(history)-tailStart)
	l.sessions.IncrementCompaction(sessionKey)
	if err := l.sessions.Save(sessionKey); err != nil {
		return err
	}
	slog.Info("session compacted",
		"session", sessionKey, "chunks", len(chunks),
		"head_messages", len(head), "tail_messages", len(history)-tailStart)
	return nil
}

// preservedTailStart returns the index where the preserved tail begins:
// the last tailTurns user turns plus everything after them. The returned
// index is always low enough that the tail includes the final user and
// assistant messages.
func preservedTailStart(history []providers.Message, tailTurns int) int {
	if tailTurns <= 0 {
		tailTurns = 1
	}
	seen := 0
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == "user" {
			seen++
			if seen >= tailTurns {
				return i
			}
		}
	}
	return 0
}

// splitChunks slices head into summarization chunks. Each chunk targets
// baseChunk of the tokens still unchunked, but never drops below minChunk of
// the total — small trailing chunks are folded into their predecessor.
func splitChunks(head []providers.Message, baseChunk, minChunk float64, totalTokens int) [][]providers.Message {
	floor := int(minChunk * float64(totalTokens))
	remaining := EstimateTokens(head)

	var chunks [][]providers.Message
	var cur []providers.Message
	curTokens := 0
	target := int(baseChunk * float64(remaining))

	for _, m := range head {
		cur = append(cur, m)
		curTokens += utf8.RuneCountInString(m.Content) / 3
		if curTokens >= target && curTokens >= floor {
			chunks = append(chunks, cur)
			remaining -= curTokens
			cur, curTokens = nil, 0
			target = int(baseChunk * float64(remaining))
			if target < floor {
				target = floor
			}
		}
	}
	if len(cur) > 0 {
		if curTokens < floor && len(chunks) > 0 {
			chunks[len(chunks)-1] = append(chunks[len(chunks)-1], cur...)
		} else {
			chunks = append(chunks, cur)
		}
	}
	return chunks
}

// summarizeChunk asks the model for a summary of one chunk, reusing the same
// provider/profile selection as regular runs so cooldowns apply uniformly.
func (l *Loop) summarizeChunk(ctx context.Context, chunk []providers.Message, priorSummary string) (string, error) {
	var sb strings.Builder
	for _, m := range chunk {
		switch m.Role {
		case "user":
			fmt.Fprintf(&sb, "user: %s\n", m.Content)
		case "assistant":
			fmt.Fprintf(&sb, "assistant: %s\n", SanitizeAssistantContent(m.Content))
		case "tool":
			fmt.Fprintf(&sb, "tool result: %s\n", truncateStr(m.Content, 2000))
		}
	}

	prompt := "Summarize this conversation segment concisely. Preserve: tool outputs that " +
		"changed state, unresolved questions, and open plans. Drop pleasantries.\n"
	if priorSummary != "" {
		prompt += "Existing context: " + priorSummary + "\n"
	}
	prompt += "\n" + sb.String()

	req := providers.ChatRequest{
		Messages: []providers.Message{{Role: "user", Content: prompt}},
		Options: map[string]interface{}{
			providers.OptMaxTokens:   1024,
			providers.OptTemperature: 0.3,
		},
	}
	resp, _, _, err := l.callLLM(ctx, req, 0, false, func(string, map[string]interface{}) {})
	if err != nil {
		return "", err
	}
	return SanitizeAssistantContent(resp.Content), nil
}
