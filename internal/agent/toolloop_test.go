package agent

import "testing"

func TestToolLoopDetectionNoLoop(t *testing.T) {
	var s toolLoopState

	// 4 identical calls with same result: below threshold, no detection.
	for i := 0; i < 4; i++ {
		h := s.record("list_files", map[string]interface{}{"path": "."})
		s.recordResult(h, "access denied")
		level, _ := s.detect("list_files", h)
		if level != "" {
			t.Fatalf("iteration %d: expected no detection, got %q", i, level)
		}
	}
}

func TestToolLoopDetectionWarning(t *testing.T) {
	var s toolLoopState

	var lastLevel string
	for i := 0; i < toolLoopWarningThreshold; i++ {
		h := s.record("list_files", map[string]interface{}{"path": "."})
		s.recordResult(h, "access denied")
		lastLevel, _ = s.detect("list_files", h)
	}
	if lastLevel != "warning" {
		t.Fatalf("expected warning after %d calls, got %q", toolLoopWarningThreshold, lastLevel)
	}
}

func TestToolLoopDetectionCritical(t *testing.T) {
	var s toolLoopState

	var lastLevel string
	for i := 0; i < toolLoopCriticalThreshold; i++ {
		h := s.record("list_files", map[string]interface{}{"path": "."})
		s.recordResult(h, "access denied")
		lastLevel, _ = s.detect("list_files", h)
	}
	if lastLevel != "critical" {
		t.Fatalf("expected critical after %d calls, got %q", toolLoopCriticalThreshold, lastLevel)
	}
}

func TestToolLoopDetectionDifferentArgs(t *testing.T) {
	var s toolLoopState

	for i := 0; i < 15; i++ {
		args := map[string]interface{}{"path": string(rune('a' + i))}
		h := s.record("list_files", args)
		s.recordResult(h, "access denied")
		level, _ := s.detect("list_files", h)
		if level != "" {
			t.Fatalf("iteration %d: expected no detection for different args, got %q", i, level)
		}
	}
}

func TestToolLoopDetectionDifferentResults(t *testing.T) {
	var s toolLoopState

	for i := 0; i < 15; i++ {
		h := s.record("web_fetch", map[string]interface{}{"url": "https://example.com"})
		s.recordResult(h, "result content "+string(rune('a'+i)))
		level, _ := s.detect("web_fetch", h)
		if level != "" {
			t.Fatalf("iteration %d: expected no detection for changing results, got %q", i, level)
		}
	}
}

func TestStableJSONDeterministic(t *testing.T) {
	a := stableJSON(map[string]interface{}{"b": 2, "a": 1})
	b := stableJSON(map[string]interface{}{"a": 1, "b": 2})
	if a != b {
		t.Fatalf("stableJSON not deterministic: %q != %q", a, b)
	}
}

func TestHashToolCall(t *testing.T) {
	h1 := hashToolCall("list_files", map[string]interface{}{"path": "."})
	h2 := hashToolCall("list_files", map[string]interface{}{"path": "."})
	if h1 != h2 {
		t.Fatal("hashToolCall not deterministic")
	}
	if h3 := hashToolCall("read_file", map[string]interface{}{"path": "."}); h1 == h3 {
		t.Fatal("different tools should have different hashes")
	}
}
