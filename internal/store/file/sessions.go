package file

import (
	"sort"
	"sync"
	"time"

	"github.com/halogate/halogate/internal/providers"
	"github.com/halogate/halogate/internal/sessionkey"
	"github.com/halogate/halogate/internal/store"
)

// entry is the index record for one session: everything in SessionData
// except the message transcript, which lives in its own NDJSON file.
type entry struct {
	Key              string    `json:"key"`
	Summary          string    `json:"summary,omitempty"`
	Created          time.Time `json:"created"`
	Updated          time.Time `json:"updated"`
	UserID           string    `json:"user_id,omitempty"`
	Model            string    `json:"model,omitempty"`
	Provider         string    `json:"provider,omitempty"`
	Channel          string    `json:"channel,omitempty"`
	InputTokens      int64     `json:"input_tokens,omitempty"`
	OutputTokens     int64     `json:"output_tokens,omitempty"`
	CompactionCount  int       `json:"compaction_count,omitempty"`
	Label            string    `json:"label,omitempty"`
	SpawnedBy        string    `json:"spawned_by,omitempty"`
	SpawnDepth       int       `json:"spawn_depth,omitempty"`
	ContextWindow    int       `json:"context_window,omitempty"`
	LastPromptTokens int       `json:"last_prompt_tokens,omitempty"`
	LastMessageCount int       `json:"last_message_count,omitempty"`
	MessageCount     int       `json:"message_count,omitempty"`
}

// Store is a local-first SessionStore backed by a transcript-per-session
// NDJSON file plus a single atomically-rewritten index. The in-memory cache
// is the source of truth for reads within a process; every mutation updates
// the cache and is written to disk before the call returns (a message append
// reaches the transcript file before the cache).
type Store struct {
	dir string

	mu      sync.RWMutex
	index   map[string]*entry
	history map[string][]providers.Message

	writeMu sync.Mutex // serializes transcript appends/truncations/rewrites
}

var _ store.SessionStore = (*Store)(nil)

// New opens (or creates) a file-backed session store rooted at dir.
func New(dir string) (*Store, error) {
	idx, err := loadIndex(dir)
	if err != nil {
		return nil, err
	}
	return &Store{dir: dir, index: idx, history: map[string][]providers.Message{}}, nil
}

func (s *Store) entryLocked(key string) *entry {
	e, ok := s.index[key]
	if !ok {
		now := time.Now().UTC()
		e = &entry{Key: key, Created: now, Updated: now}
		s.index[key] = e
	}
	return e
}

func (s *Store) persistIndexLocked() {
	// Best-effort: index corruption is recoverable (it's a cache of derived
	// metadata), so a write failure here is ignored rather than failing the
	// in-memory operation that triggered it.
	_ = saveIndex(s.dir, s.index)
}

// GetOrCreate returns the session's data, loading its transcript from disk
// on first access in this process.
func (s *Store) GetOrCreate(key string) *store.SessionData {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entryLocked(key)
	if _, loaded := s.history[key]; !loaded {
		msgs, err := readTranscript(s.dir, key)
		if err == nil {
			s.history[key] = msgs
		} else {
			s.history[key] = nil
		}
	}
	return toSessionData(e, s.history[key])
}

func (s *Store) AddMessage(key string, msg providers.Message) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = appendMessage(s.dir, key, msg)

	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entryLocked(key)
	s.history[key] = append(s.history[key], msg)
	e.MessageCount = len(s.history[key])
	e.Updated = time.Now().UTC()
	s.persistIndexLocked()
}

func (s *Store) GetHistory(key string) []providers.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]providers.Message, len(s.history[key]))
	copy(out, s.history[key])
	return out
}

func (s *Store) GetSummary(key string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if e, ok := s.index[key]; ok {
		return e.Summary
	}
	return ""
}

func (s *Store) SetSummary(key, summary string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entryLocked(key).Summary = summary
	s.persistIndexLocked()
}

func (s *Store) SetLabel(key, label string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entryLocked(key).Label = label
	s.persistIndexLocked()
}

func (s *Store) UpdateMetadata(key, model, provider, channel string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entryLocked(key)
	e.Model, e.Provider, e.Channel = model, provider, channel
	s.persistIndexLocked()
}

func (s *Store) AccumulateTokens(key string, input, output int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entryLocked(key)
	e.InputTokens += input
	e.OutputTokens += output
	s.persistIndexLocked()
}

func (s *Store) IncrementCompaction(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entryLocked(key).CompactionCount++
	s.persistIndexLocked()
}

func (s *Store) GetCompactionCount(key string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if e, ok := s.index[key]; ok {
		return e.CompactionCount
	}
	return 0
}

func (s *Store) SetSpawnInfo(key, spawnedBy string, depth int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entryLocked(key)
	e.SpawnedBy, e.SpawnDepth = spawnedBy, depth
	s.persistIndexLocked()
}

func (s *Store) SetContextWindow(key string, cw int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entryLocked(key).ContextWindow = cw
	s.persistIndexLocked()
}

func (s *Store) GetContextWindow(key string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if e, ok := s.index[key]; ok {
		return e.ContextWindow
	}
	return 0
}

func (s *Store) SetLastPromptTokens(key string, tokens, msgCount int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entryLocked(key)
	e.LastPromptTokens, e.LastMessageCount = tokens, msgCount
	s.persistIndexLocked()
}

func (s *Store) GetLastPromptTokens(key string) (int, int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if e, ok := s.index[key]; ok {
		return e.LastPromptTokens, e.LastMessageCount
	}
	return 0, 0
}

// TruncateHistory replaces a session's transcript with its last keepLast
// messages. The Compactor calls this after replacing the compacted portion
// with a synthetic summary turn.
func (s *Store) TruncateHistory(key string, keepLast int) {
	s.mu.Lock()
	hist := s.history[key]
	if keepLast < len(hist) {
		hist = append([]providers.Message{}, hist[len(hist)-keepLast:]...)
	} else {
		hist = append([]providers.Message{}, hist...)
	}
	s.history[key] = hist
	e := s.entryLocked(key)
	e.MessageCount = len(hist)
	e.Updated = time.Now().UTC()
	s.persistIndexLocked()
	s.mu.Unlock()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = truncateTranscript(s.dir, key, hist)
}

func (s *Store) Reset(key string) {
	s.TruncateHistory(key, 0)
	s.mu.Lock()
	e := s.entryLocked(key)
	e.Summary = ""
	e.CompactionCount = 0
	s.persistIndexLocked()
	s.mu.Unlock()
}

func (s *Store) Delete(key string) error {
	s.mu.Lock()
	delete(s.index, key)
	delete(s.history, key)
	s.persistIndexLocked()
	s.mu.Unlock()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return deleteTranscript(s.dir, key)
}

func (s *Store) List(agentID string) []store.SessionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.SessionInfo
	for key, e := range s.index {
		if agentID != "" && sessionkey.AgentID(key) != agentID {
			continue
		}
		out = append(out, store.SessionInfo{
			Key: key, MessageCount: e.MessageCount, Created: e.Created, Updated: e.Updated,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Updated.After(out[j].Updated) })
	return out
}

func (s *Store) ListPaged(opts store.SessionListOpts) store.SessionListResult {
	all := s.List(opts.AgentID)
	total := len(all)
	start := opts.Offset
	if start > total {
		start = total
	}
	end := total
	if opts.Limit > 0 && start+opts.Limit < end {
		end = start + opts.Limit
	}
	return store.SessionListResult{Sessions: all[start:end], Total: total}
}

// Save is a no-op: every mutating method above persists the index
// immediately and the transcript is append-only, so there's nothing left
// to flush. It exists to satisfy SessionStore for callers ported from a
// whole-file-per-session design that batched writes.
func (s *Store) Save(key string) error { return nil }

func toSessionData(e *entry, history []providers.Message) *store.SessionData {
	return &store.SessionData{
		Key:              e.Key,
		Messages:         history,
		Summary:          e.Summary,
		Created:          e.Created,
		Updated:          e.Updated,
		UserID:           e.UserID,
		Model:            e.Model,
		Provider:         e.Provider,
		Channel:          e.Channel,
		InputTokens:      e.InputTokens,
		OutputTokens:     e.OutputTokens,
		CompactionCount:  e.CompactionCount,
		Label:            e.Label,
		SpawnedBy:        e.SpawnedBy,
		SpawnDepth:       e.SpawnDepth,
		ContextWindow:    e.ContextWindow,
		LastPromptTokens: e.LastPromptTokens,
		LastMessageCount: e.LastMessageCount,
	}
}
