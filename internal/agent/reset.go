package agent

import (
	"log/slog"
	"time"
)

// maybeResetSession starts a fresh conversational context when the session
// crossed a reset trigger: idle longer than the configured window, or the
// first message after a local-midnight boundary. The transcript file itself
// is truncated through the store, and the summary and compaction count are
// cleared with it.
func (l *Loop) maybeResetSession(sessionKey string) {
	if l.resetAfter <= 0 && !l.dailyRollover {
		return
	}
	data := l.sessions.GetOrCreate(sessionKey)
	if len(data.Messages) == 0 {
		return
	}

	now := time.Now()
	last := data.Updated
	reason := ""
	if l.resetAfter > 0 && now.Sub(last) > l.resetAfter {
		reason = "idle"
	}
	if reason == "" && l.dailyRollover {
		y1, m1, d1 := last.Local().Date()
		y2, m2, d2 := now.Local().Date()
		if y1 != y2 || m1 != m2 || d1 != d2 {
			reason = "daily_rollover"
		}
	}
	if reason == "" {
		return
	}

	l.sessions.Reset(sessionKey)
	if err := l.sessions.Save(sessionKey); err != nil {
		slog.Warn("session reset save failed", "session", sessionKey, "error", err)
	}
	slog.Info("session context reset", "session", sessionKey, "reason", reason)
}
