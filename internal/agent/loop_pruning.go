package agent

import (
	"fmt"

	"github.com/halogate/halogate/internal/config"
	"github.com/halogate/halogate/internal/providers"
)

// Context pruning trims stale tool results before they reach the model
// again: a tool output that mattered three turns ago rarely needs its full
// 40KB replayed on every subsequent call, and shrinking it early delays the
// much more expensive compaction pass.

const (
	defaultKeepLastAssistants   = 3
	defaultMinPrunableToolChars = 2000
	defaultSoftTrimMaxChars     = 1200
	defaultSoftTrimHeadChars    = 800
	defaultSoftTrimTailChars    = 300
)

// pruneHistory returns history with old tool results trimmed according to
// cfg. Messages inside the protected tail (the last keepLastAssistants
// assistant turns and everything after them) are never touched.
func pruneHistory(history []providers.Message, cfg *config.ContextPruningConfig) []providers.Message {
	if cfg == nil || cfg.Mode == "" || cfg.Mode == "off" || len(history) == 0 {
		return history
	}

	keep := cfg.KeepLastAssistants
	if keep <= 0 {
		keep = defaultKeepLastAssistants
	}
	minChars := cfg.MinPrunableToolChars
	if minChars <= 0 {
		minChars = defaultMinPrunableToolChars
	}
	maxChars, headChars, tailChars := defaultSoftTrimMaxChars, defaultSoftTrimHeadChars, defaultSoftTrimTailChars
	if st := cfg.SoftTrim; st != nil {
		if st.MaxChars > 0 {
			maxChars = st.MaxChars
		}
		if st.HeadChars > 0 {
			headChars = st.HeadChars
		}
		if st.TailChars > 0 {
			tailChars = st.TailChars
		}
	}

	protectedStart := len(history)
	seen := 0
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == "assistant" {
			seen++
			if seen >= keep {
				protectedStart = i
				break
			}
		}
	}
	if seen < keep {
		return history
	}

	hardClear := cfg.HardClear != nil && (cfg.HardClear.Enabled == nil || *cfg.HardClear.Enabled)
	placeholder := "[tool result pruned]"
	if cfg.HardClear != nil && cfg.HardClear.Placeholder != "" {
		placeholder = cfg.HardClear.Placeholder
	}

	out := make([]providers.Message, len(history))
	copy(out, history)
	for i := 0; i < protectedStart; i++ {
		m := &out[i]
		if m.Role != "tool" || len(m.Content) <= minChars {
			continue
		}
		if hardClear {
			m.Content = placeholder
			continue
		}
		if len(m.Content) > maxChars {
			m.Content = fmt.Sprintf("%s\n[... %d chars trimmed ...]\n%s",
				m.Content[:headChars], len(m.Content)-headChars-tailChars, m.Content[len(m.Content)-tailChars:])
		}
	}
	return out
}
