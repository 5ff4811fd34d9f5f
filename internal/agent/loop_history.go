package agent

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/halogate/halogate/internal/providers"
)

// buildMessages assembles the full message list for one LLM turn: system
// prompt, compaction summary (if any), trimmed/repaired history, then the
// new user message.
func (l *Loop) buildMessages(history []providers.Message, summary, userMessage, extraSystemPrompt, channel string, historyLimit int) []providers.Message {
	var messages []providers.Message

	messages = append(messages, providers.Message{
		Role:    "system",
		Content: l.buildSystemPrompt(channel, extraSystemPrompt),
	})

	if summary != "" {
		messages = append(messages, providers.Message{
			Role:    "user",
			Content: fmt.Sprintf("[Previous conversation summary]\n%s", summary),
		})
		messages = append(messages, providers.Message{
			Role:    "assistant",
			Content: "I understand the context from our previous conversation. How can I help you?",
		})
	}

	trimmed := limitHistoryTurns(history, historyLimit)
	trimmed = pruneHistory(trimmed, l.contextPruningCfg)
	messages = append(messages, sanitizeHistory(trimmed)...)

	messages = append(messages, providers.Message{Role: "user", Content: userMessage})
	return messages
}

// buildSystemPrompt assembles the agent's system prompt from its identity,
// workspace, and available tool set. Tool-specific usage instructions live
// with each tool's own description, so this stays a thin identity/context
// header.
func (l *Loop) buildSystemPrompt(channel, extraSystemPrompt string) string {
	var b strings.Builder

	b.WriteString("You are an AI assistant running inside an agent gateway. ")
	b.WriteString("Respond helpfully and concisely to the user's messages.\n\n")

	if l.workspace != "" {
		fmt.Fprintf(&b, "Your working directory is %s. Use it for any file operations; ", l.workspace)
		b.WriteString("do not attempt to read or write outside it.\n\n")
	}

	if channel != "" {
		fmt.Fprintf(&b, "You are currently speaking over the %s channel.\n\n", channel)
	}

	var toolNames []string
	if l.tools != nil {
		for _, def := range l.tools.ProviderDefs() {
			toolNames = append(toolNames, def.Function.Name)
		}
	}
	if len(toolNames) > 0 {
		fmt.Fprintf(&b, "Available tools: %s.\n\n", strings.Join(toolNames, ", "))
	}

	b.WriteString("If a user's request requires no reply (e.g. an acknowledgement that needs no response), ")
	b.WriteString("reply with exactly \"NO_REPLY\" and nothing else.\n")

	if extraSystemPrompt != "" {
		b.WriteString("\n")
		b.WriteString(extraSystemPrompt)
	}

	return b.String()
}

// limitHistoryTurns keeps only the last N user turns (and their associated
// assistant/tool messages) from history. A "turn" = one user message plus
// all subsequent non-user messages until the next user message.
func limitHistoryTurns(msgs []providers.Message, limit int) []providers.Message {
	if limit <= 0 || len(msgs) == 0 {
		return msgs
	}

	userCount := 0
	lastUserIndex := len(msgs)

	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "user" {
			userCount++
			if userCount > limit {
				return msgs[lastUserIndex:]
			}
			lastUserIndex = i
		}
	}

	return msgs
}

// sanitizeHistory repairs tool_use/tool_result pairing in session history.
//
// Problems this fixes:
//   - Orphaned tool messages at start of history (after truncation)
//   - tool_result without matching tool_use in preceding assistant message
//   - assistant with tool_calls but missing tool_results
func sanitizeHistory(msgs []providers.Message) []providers.Message {
	if len(msgs) == 0 {
		return msgs
	}

	start := 0
	for start < len(msgs) && msgs[start].Role == "tool" {
		slog.Warn("dropping orphaned tool message at history start",
			"tool_call_id", msgs[start].ToolCallID)
		start++
	}

	if start >= len(msgs) {
		return nil
	}

	var result []providers.Message
	for i := start; i < len(msgs); i++ {
		msg := msgs[i]

		if msg.Role == "assistant" && len(msg.ToolCalls) > 0 {
			expectedIDs := make(map[string]bool, len(msg.ToolCalls))
			for _, tc := range msg.ToolCalls {
				expectedIDs[tc.ID] = true
			}

			result = append(result, msg)

			for i+1 < len(msgs) && msgs[i+1].Role == "tool" {
				i++
				toolMsg := msgs[i]
				if expectedIDs[toolMsg.ToolCallID] {
					result = append(result, toolMsg)
					delete(expectedIDs, toolMsg.ToolCallID)
				} else {
					slog.Warn("dropping mismatched tool result",
						"tool_call_id", toolMsg.ToolCallID)
				}
			}

			for id := range expectedIDs {
				slog.Warn("synthesizing missing tool result", "tool_call_id", id)
				result = append(result, providers.Message{
					Role:       "tool",
					Content:    "[Tool result missing — session was compacted]",
					ToolCallID: id,
				})
			}
		} else if msg.Role == "tool" {
			slog.Warn("dropping orphaned tool message mid-history",
				"tool_call_id", msg.ToolCallID)
		} else {
			result = append(result, msg)
		}
	}

	return result
}
