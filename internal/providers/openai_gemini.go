package providers

// Gemini 2.5+ requires every replayed tool call to carry the
// thought_signature it was issued with and rejects the request with HTTP
// 400 otherwise. History persisted before signatures were captured has
// none, so those turns can't be replayed as tool calls at all.

// pruneUnsignedToolTurns rewrites history for Gemini: assistant turns whose
// tool calls lack a thought_signature are reduced to their text content,
// and the matching tool-result messages are dropped with them. Signed turns
// pass through untouched.
func pruneUnsignedToolTurns(msgs []Message) []Message {
	doomed := unsignedCallIDs(msgs)
	if len(doomed) == 0 {
		return msgs
	}

	result := make([]Message, 0, len(msgs))
	for i := 0; i < len(msgs); i++ {
		m := msgs[i]

		if m.Role == "assistant" && len(m.ToolCalls) > 0 && doomed[m.ToolCalls[0].ID] {
			// Keep whatever the assistant said in text; the calls go.
			if m.Content != "" {
				result = append(result, Message{Role: "assistant", Content: m.Content})
			}
			// The results that answered those calls follow immediately.
			for i+1 < len(msgs) && msgs[i+1].Role == "tool" && doomed[msgs[i+1].ToolCallID] {
				i++
			}
			continue
		}
		if m.Role == "tool" && doomed[m.ToolCallID] {
			continue // orphaned result of an already-pruned turn
		}
		result = append(result, m)
	}
	return result
}

// unsignedCallIDs collects the ids of every tool call in a turn where any
// call is missing its signature. Gemini validates the turn as a whole, so
// one unsigned call dooms its siblings too.
func unsignedCallIDs(msgs []Message) map[string]bool {
	doomed := make(map[string]bool)
	for _, m := range msgs {
		if m.Role != "assistant" || len(m.ToolCalls) == 0 {
			continue
		}
		for _, tc := range m.ToolCalls {
			if tc.Metadata["thought_signature"] == "" {
				for _, sibling := range m.ToolCalls {
					doomed[sibling.ID] = true
				}
				break
			}
		}
	}
	return doomed
}
