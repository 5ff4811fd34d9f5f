package file

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/halogate/halogate/internal/providers"
	"github.com/halogate/halogate/internal/store"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	s, err := New(dir)
	if err != nil {
		t.Fatal(err)
	}
	return s, dir
}

func TestAppendAndReload(t *testing.T) {
	s, dir := newTestStore(t)
	key := "agent:a1:peer:x:acc:u1"

	s.AddMessage(key, providers.Message{Role: "user", Content: "hi"})
	s.AddMessage(key, providers.Message{Role: "assistant", Content: "hello"})

	// A fresh store over the same directory sees the same transcript.
	s2, err := New(dir)
	if err != nil {
		t.Fatal(err)
	}
	data := s2.GetOrCreate(key)
	if len(data.Messages) != 2 {
		t.Fatalf("reloaded %d messages, want 2", len(data.Messages))
	}
	if data.Messages[0].Content != "hi" || data.Messages[1].Content != "hello" {
		t.Fatalf("messages out of order: %+v", data.Messages)
	}
}

func TestTornTailDiscardedOnOpen(t *testing.T) {
	s, dir := newTestStore(t)
	key := "agent:a1:peer:x:acc:u1"
	s.AddMessage(key, providers.Message{Role: "user", Content: "one"})
	s.AddMessage(key, providers.Message{Role: "assistant", Content: "two"})

	// Simulate a crash mid-append: a half-written JSON line at the tail.
	f, err := os.OpenFile(transcriptPath(dir, key), os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString(`{"ts":"2026-01-01T00:00:00Z","message":{"role":"user","cont`); err != nil {
		t.Fatal(err)
	}
	f.Close()

	s2, err := New(dir)
	if err != nil {
		t.Fatal(err)
	}
	data := s2.GetOrCreate(key)
	if len(data.Messages) != 2 {
		t.Fatalf("torn tail not discarded: got %d messages, want 2", len(data.Messages))
	}
}

func TestTruncateHistoryRewritesTranscript(t *testing.T) {
	s, dir := newTestStore(t)
	key := "agent:a1:peer:x:acc:u1"
	for _, txt := range []string{"1", "2", "3", "4", "5"} {
		s.AddMessage(key, providers.Message{Role: "user", Content: txt})
	}

	s.TruncateHistory(key, 2)

	got := s.GetHistory(key)
	if len(got) != 2 || got[0].Content != "4" || got[1].Content != "5" {
		t.Fatalf("in-memory truncate wrong: %+v", got)
	}

	s2, err := New(dir)
	if err != nil {
		t.Fatal(err)
	}
	reloaded := s2.GetOrCreate(key).Messages
	if len(reloaded) != 2 || reloaded[0].Content != "4" {
		t.Fatalf("on-disk truncate wrong: %+v", reloaded)
	}
}

func TestDeleteRemovesTranscriptAndIndex(t *testing.T) {
	s, dir := newTestStore(t)
	key := "agent:a1:peer:x:acc:u1"
	s.AddMessage(key, providers.Message{Role: "user", Content: "bye"})

	if err := s.Delete(key); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(transcriptPath(dir, key)); !os.IsNotExist(err) {
		t.Fatal("transcript file survived delete")
	}
	if got := s.GetHistory(key); len(got) != 0 {
		t.Fatalf("history survived delete: %+v", got)
	}
}

func TestIndexPersistsMetadata(t *testing.T) {
	s, dir := newTestStore(t)
	key := "agent:a1:peer:x:acc:u1"
	s.AddMessage(key, providers.Message{Role: "user", Content: "m"})
	s.SetSummary(key, "a summary")
	s.SetLabel(key, "support thread")
	s.AccumulateTokens(key, 100, 20)
	s.IncrementCompaction(key)
	s.SetContextWindow(key, 100000)
	s.SetLastPromptTokens(key, 500, 3)

	s2, err := New(dir)
	if err != nil {
		t.Fatal(err)
	}
	if got := s2.GetSummary(key); got != "a summary" {
		t.Fatalf("summary = %q", got)
	}
	if got := s2.GetCompactionCount(key); got != 1 {
		t.Fatalf("compaction count = %d", got)
	}
	if got := s2.GetContextWindow(key); got != 100000 {
		t.Fatalf("context window = %d", got)
	}
	tokens, count := s2.GetLastPromptTokens(key)
	if tokens != 500 || count != 3 {
		t.Fatalf("last prompt tokens = %d/%d", tokens, count)
	}
	data := s2.GetOrCreate(key)
	if data.InputTokens != 100 || data.OutputTokens != 20 || data.Label != "support thread" {
		t.Fatalf("metadata = %+v", data)
	}
}

func TestListFiltersByAgent(t *testing.T) {
	s, _ := newTestStore(t)
	s.AddMessage("agent:a1:peer:x:acc:u1", providers.Message{Role: "user", Content: "m"})
	s.AddMessage("agent:a2:peer:x:acc:u2", providers.Message{Role: "user", Content: "m"})

	if got := len(s.List("a1")); got != 1 {
		t.Fatalf("List(a1) = %d sessions", got)
	}
	if got := len(s.List("")); got != 2 {
		t.Fatalf("List() = %d sessions", got)
	}

	paged := s.ListPaged(store.SessionListOpts{Limit: 1})
	if paged.Total != 2 || len(paged.Sessions) != 1 {
		t.Fatalf("paged = total %d, page %d", paged.Total, len(paged.Sessions))
	}
}

func authProfileFixture(provider, id string, errCount int) store.AuthProfile {
	return store.AuthProfile{Provider: provider, ID: id, ErrorCount: errCount}
}

func TestAuthPoolStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "auth_profiles.json")

	s, err := NewAuthPoolStore(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Upsert(authProfileFixture("anthropic", "p1", 2)); err != nil {
		t.Fatal(err)
	}
	if err := s.Upsert(authProfileFixture("anthropic", "p1", 3)); err != nil {
		t.Fatal(err)
	}

	s2, err := NewAuthPoolStore(path)
	if err != nil {
		t.Fatal(err)
	}
	profs, err := s2.List("anthropic")
	if err != nil {
		t.Fatal(err)
	}
	if len(profs) != 1 || profs[0].ErrorCount != 3 {
		t.Fatalf("profiles = %+v", profs)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0600 {
		t.Fatalf("auth profile file mode = %v, want 0600", info.Mode().Perm())
	}
}
