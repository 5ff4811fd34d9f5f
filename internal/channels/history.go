package channels

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// DefaultGroupHistoryLimit caps how many un-mentioned group messages are
// held as pending context before the oldest is dropped.
const DefaultGroupHistoryLimit = 20

// HistoryEntry is one recorded group message the bot did not respond to.
type HistoryEntry struct {
	Sender    string
	Body      string
	Timestamp time.Time
	MessageID string
}

// PendingHistory buffers un-mentioned group messages per chat so that, once
// the bot is finally mentioned, the envelope sent to the Agent Runner
// includes the conversational lead-up instead of just the triggering line.
type PendingHistory struct {
	mu      sync.Mutex
	entries map[string][]HistoryEntry
}

// NewPendingHistory creates an empty buffer.
func NewPendingHistory() *PendingHistory {
	return &PendingHistory{entries: make(map[string][]HistoryEntry)}
}

// Record appends an entry for key, trimming to the newest `limit` entries.
func (h *PendingHistory) Record(key string, entry HistoryEntry, limit int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if limit <= 0 {
		limit = DefaultGroupHistoryLimit
	}
	entries := append(h.entries[key], entry)
	if len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	h.entries[key] = entries
}

// BuildContext renders any pending history for key as a prefix to the
// current (mention-triggering) message, then clears the buffer.
func (h *PendingHistory) BuildContext(key, current string, limit int) string {
	h.mu.Lock()
	entries := h.entries[key]
	delete(h.entries, key)
	h.mu.Unlock()

	if len(entries) == 0 {
		return current
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}

	var sb strings.Builder
	sb.WriteString("[Recent group messages leading up to this one]\n")
	for _, e := range entries {
		fmt.Fprintf(&sb, "[%s] %s: %s\n", e.Timestamp.Format("15:04:05"), e.Sender, e.Body)
	}
	sb.WriteString("\n")
	sb.WriteString(current)
	return sb.String()
}

// Clear discards any buffered history for key without rendering it.
func (h *PendingHistory) Clear(key string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.entries, key)
}

// ValidatePolicy logs a warning for DM/group policy values the Route
// Resolver doesn't recognize, so a config typo is reported instead of
// passing silently. The channel plugins handle an unrecognized DM policy
// like "pairing" and an unrecognized group policy like "open".
func (c *BaseChannel) ValidatePolicy(dmPolicy, groupPolicy string) {
	validate := func(kind, policy string) {
		switch policy {
		case "", "open", "allowlist", "pairing", "disabled":
			return
		default:
			slog.Warn("channel: unrecognized policy value, falling back to default handling",
				"channel", c.name, "kind", kind, "policy", policy)
		}
	}
	validate("dm", dmPolicy)
	validate("group", groupPolicy)
}
