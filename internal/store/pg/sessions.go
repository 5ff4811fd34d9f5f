package pg

import (
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/halogate/halogate/internal/providers"
	"github.com/halogate/halogate/internal/store"
)

// PGSessionStore implements store.SessionStore on Postgres. Hot sessions are
// cached in memory for the duration of a run; Save flushes the whole row
// back, which the agent loop calls once per completed run rather than per
// message.
type PGSessionStore struct {
	db *sql.DB

	mu    sync.RWMutex
	cache map[string]*store.SessionData
}

var _ store.SessionStore = (*PGSessionStore)(nil)

// NewPGSessionStore wraps an open database handle.
func NewPGSessionStore(db *sql.DB) *PGSessionStore {
	return &PGSessionStore{db: db, cache: make(map[string]*store.SessionData)}
}

// sessionColumns is the SELECT list loadRow scans, kept next to its scan so
// the two can't drift apart.
const sessionColumns = `session_key, messages, summary, model, provider, channel,
	label, user_id, spawned_by, spawn_depth,
	input_tokens, output_tokens, compaction_count,
	context_window, last_prompt_tokens, last_message_count,
	created_at, updated_at`

// GetOrCreate returns the cached session, loading it from the database on
// first touch and inserting an empty row when it has never existed.
func (s *PGSessionStore) GetOrCreate(key string) *store.SessionData {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getOrInitLocked(key)
}

func (s *PGSessionStore) getOrInitLocked(key string) *store.SessionData {
	if cached, ok := s.cache[key]; ok {
		return cached
	}
	if data := s.loadRow(key); data != nil {
		s.cache[key] = data
		return data
	}

	now := time.Now().UTC()
	data := &store.SessionData{
		Key:      key,
		Messages: []providers.Message{},
		Created:  now,
		Updated:  now,
	}
	s.cache[key] = data

	// Best-effort insert: the in-memory session works either way, and the
	// row materializes on the next Save.
	emptyMsgs, _ := json.Marshal([]providers.Message{})
	_, _ = s.db.Exec(
		`INSERT INTO sessions (id, session_key, messages, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5) ON CONFLICT (session_key) DO NOTHING`,
		uuid.Must(uuid.NewV7()), key, emptyMsgs, now, now,
	)
	return data
}

// mutate runs fn against the cached session (loading it first if needed)
// and stamps Updated. All the small setters funnel through here.
func (s *PGSessionStore) mutate(key string, fn func(*store.SessionData)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data := s.getOrInitLocked(key)
	fn(data)
	data.Updated = time.Now().UTC()
}

// read looks the cached session up without loading; zero answers for
// sessions this process hasn't touched are fine for the calibration and
// bookkeeping reads that use it.
func (s *PGSessionStore) read(key string, fn func(*store.SessionData)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if data, ok := s.cache[key]; ok {
		fn(data)
	}
}

func (s *PGSessionStore) AddMessage(key string, msg providers.Message) {
	s.mutate(key, func(d *store.SessionData) {
		d.Messages = append(d.Messages, msg)
	})
}

func (s *PGSessionStore) GetHistory(key string) []providers.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	data := s.getOrInitLocked(key)
	msgs := make([]providers.Message, len(data.Messages))
	copy(msgs, data.Messages)
	return msgs
}

func (s *PGSessionStore) GetSummary(key string) string {
	var out string
	s.read(key, func(d *store.SessionData) { out = d.Summary })
	return out
}

func (s *PGSessionStore) SetSummary(key, summary string) {
	s.mutate(key, func(d *store.SessionData) { d.Summary = summary })
}

func (s *PGSessionStore) SetLabel(key, label string) {
	s.mutate(key, func(d *store.SessionData) { d.Label = label })
}

func (s *PGSessionStore) UpdateMetadata(key, model, provider, channel string) {
	s.mutate(key, func(d *store.SessionData) {
		if model != "" {
			d.Model = model
		}
		if provider != "" {
			d.Provider = provider
		}
		if channel != "" {
			d.Channel = channel
		}
	})
}

func (s *PGSessionStore) AccumulateTokens(key string, input, output int64) {
	s.mutate(key, func(d *store.SessionData) {
		d.InputTokens += input
		d.OutputTokens += output
	})
}

func (s *PGSessionStore) IncrementCompaction(key string) {
	s.mutate(key, func(d *store.SessionData) { d.CompactionCount++ })
}

func (s *PGSessionStore) GetCompactionCount(key string) int {
	var out int
	s.read(key, func(d *store.SessionData) { out = d.CompactionCount })
	return out
}

func (s *PGSessionStore) SetSpawnInfo(key, spawnedBy string, depth int) {
	s.mutate(key, func(d *store.SessionData) {
		d.SpawnedBy = spawnedBy
		d.SpawnDepth = depth
	})
}

func (s *PGSessionStore) SetContextWindow(key string, cw int) {
	s.mutate(key, func(d *store.SessionData) { d.ContextWindow = cw })
}

func (s *PGSessionStore) GetContextWindow(key string) int {
	var out int
	s.read(key, func(d *store.SessionData) { out = d.ContextWindow })
	return out
}

func (s *PGSessionStore) SetLastPromptTokens(key string, tokens, msgCount int) {
	s.mutate(key, func(d *store.SessionData) {
		d.LastPromptTokens = tokens
		d.LastMessageCount = msgCount
	})
}

func (s *PGSessionStore) GetLastPromptTokens(key string) (int, int) {
	var tokens, count int
	s.read(key, func(d *store.SessionData) {
		tokens, count = d.LastPromptTokens, d.LastMessageCount
	})
	return tokens, count
}

func (s *PGSessionStore) TruncateHistory(key string, keepLast int) {
	s.mutate(key, func(d *store.SessionData) {
		if keepLast <= 0 {
			d.Messages = []providers.Message{}
		} else if len(d.Messages) > keepLast {
			d.Messages = append([]providers.Message{}, d.Messages[len(d.Messages)-keepLast:]...)
		}
	})
}

func (s *PGSessionStore) Reset(key string) {
	s.mutate(key, func(d *store.SessionData) {
		d.Messages = []providers.Message{}
		d.Summary = ""
		d.CompactionCount = 0
	})
}

func (s *PGSessionStore) Delete(key string) error {
	s.mu.Lock()
	delete(s.cache, key)
	s.mu.Unlock()
	_, err := s.db.Exec(`DELETE FROM sessions WHERE session_key = $1`, key)
	return err
}

// List returns session summaries, newest first, optionally filtered to one
// agent by key prefix.
func (s *PGSessionStore) List(agentID string) []store.SessionInfo {
	result := s.ListPaged(store.SessionListOpts{AgentID: agentID, Limit: 1000})
	return result.Sessions
}

// ListPaged pages through sessions without pulling transcript bodies:
// jsonb_array_length answers the message count server-side.
func (s *PGSessionStore) ListPaged(opts store.SessionListOpts) store.SessionListResult {
	limit := opts.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := opts.Offset
	if offset < 0 {
		offset = 0
	}

	where := ""
	args := []interface{}{}
	if opts.AgentID != "" {
		where = " WHERE session_key LIKE $1"
		args = append(args, "agent:"+opts.AgentID+":%")
	}

	var total int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM sessions"+where, args...).Scan(&total); err != nil {
		return store.SessionListResult{Sessions: []store.SessionInfo{}}
	}

	query := "SELECT session_key, jsonb_array_length(messages), created_at, updated_at FROM sessions" +
		where + " ORDER BY updated_at DESC"
	if opts.AgentID != "" {
		query += " LIMIT $2 OFFSET $3"
	} else {
		query += " LIMIT $1 OFFSET $2"
	}
	args = append(args, limit, offset)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return store.SessionListResult{Sessions: []store.SessionInfo{}, Total: total}
	}
	defer rows.Close()

	sessions := []store.SessionInfo{}
	for rows.Next() {
		var info store.SessionInfo
		if err := rows.Scan(&info.Key, &info.MessageCount, &info.Created, &info.Updated); err != nil {
			continue
		}
		sessions = append(sessions, info)
	}
	return store.SessionListResult{Sessions: sessions, Total: total}
}

// Save flushes the cached session's row. Called once per completed run.
func (s *PGSessionStore) Save(key string) error {
	s.mu.RLock()
	data, ok := s.cache[key]
	if !ok {
		s.mu.RUnlock()
		return nil
	}
	snapshot := *data
	snapshot.Messages = append([]providers.Message{}, data.Messages...)
	s.mu.RUnlock()

	msgsJSON, err := json.Marshal(snapshot.Messages)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(
		`UPDATE sessions SET
			messages = $1, summary = $2, model = $3, provider = $4, channel = $5,
			label = $6, user_id = $7, spawned_by = $8, spawn_depth = $9,
			input_tokens = $10, output_tokens = $11, compaction_count = $12,
			context_window = $13, last_prompt_tokens = $14, last_message_count = $15,
			updated_at = $16
		 WHERE session_key = $17`,
		msgsJSON, nilStr(snapshot.Summary), nilStr(snapshot.Model), nilStr(snapshot.Provider),
		nilStr(snapshot.Channel), nilStr(snapshot.Label), nilStr(snapshot.UserID),
		nilStr(snapshot.SpawnedBy), snapshot.SpawnDepth,
		snapshot.InputTokens, snapshot.OutputTokens, snapshot.CompactionCount,
		snapshot.ContextWindow, snapshot.LastPromptTokens, snapshot.LastMessageCount,
		snapshot.Updated, key,
	)
	return err
}

// loadRow reads one session row, returning nil when it doesn't exist.
func (s *PGSessionStore) loadRow(key string) *store.SessionData {
	var (
		data      store.SessionData
		msgsJSON  []byte
		summary   *string
		model     *string
		provider  *string
		channel   *string
		label     *string
		userID    *string
		spawnedBy *string
	)
	err := s.db.QueryRow(
		"SELECT "+sessionColumns+" FROM sessions WHERE session_key = $1", key,
	).Scan(&data.Key, &msgsJSON, &summary, &model, &provider, &channel,
		&label, &userID, &spawnedBy, &data.SpawnDepth,
		&data.InputTokens, &data.OutputTokens, &data.CompactionCount,
		&data.ContextWindow, &data.LastPromptTokens, &data.LastMessageCount,
		&data.Created, &data.Updated)
	if err != nil {
		return nil
	}

	if err := json.Unmarshal(msgsJSON, &data.Messages); err != nil {
		data.Messages = []providers.Message{}
	}
	data.Summary = derefStr(summary)
	data.Model = derefStr(model)
	data.Provider = derefStr(provider)
	data.Channel = derefStr(channel)
	data.Label = derefStr(label)
	data.UserID = derefStr(userID)
	data.SpawnedBy = derefStr(spawnedBy)
	return &data
}

func nilStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func derefStr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
