package agent

import "regexp"

// InputGuard scans inbound user text for common prompt-injection phrasings
// before the message reaches the model. Detection is heuristic: the patterns
// catch the blunt, copy-pasted attacks that show up in open DM channels, not
// a determined adversary. What happens on a match (log, warn, block) is the
// loop's InjectionAction, not the guard's concern.
type InputGuard struct {
	patterns []guardPattern
}

type guardPattern struct {
	name string
	re   *regexp.Regexp
}

// NewInputGuard compiles the built-in pattern set.
func NewInputGuard() *InputGuard {
	mk := func(name, expr string) guardPattern {
		return guardPattern{name: name, re: regexp.MustCompile(expr)}
	}
	return &InputGuard{patterns: []guardPattern{
		mk("ignore_instructions", `(?i)\b(ignore|disregard|forget)\b.{0,40}\b(previous|prior|above|all|earlier)\b.{0,20}\b(instructions?|prompts?|rules?|context)\b`),
		mk("override_system", `(?i)\b(new|updated|revised)\s+(system\s+)?(instructions?|prompt|directive)s?\s*:`),
		mk("role_hijack", `(?i)\byou\s+are\s+(now|no\s+longer)\b.{0,60}\b(assistant|ai|model|agent|bound|restricted)\b`),
		mk("prompt_exfil", `(?i)\b(repeat|print|reveal|show|output)\b.{0,30}\b(system\s+prompt|initial\s+instructions?|hidden\s+(rules?|prompt))\b`),
		mk("jailbreak_marker", `(?i)\b(DAN\s+mode|developer\s+mode\s+enabled|jailbreak|do\s+anything\s+now)\b`),
		mk("fake_tool_output", `(?i)^\s*\[?\s*(tool[_\s]result|system\s+message|function[_\s]call)\s*\]?\s*:`),
	}}
}

// Scan returns the names of every pattern that matched message, or nil when
// the message looks clean.
func (g *InputGuard) Scan(message string) []string {
	if g == nil || message == "" {
		return nil
	}
	var matches []string
	for _, p := range g.patterns {
		if p.re.MatchString(message) {
			matches = append(matches, p.name)
		}
	}
	return matches
}
