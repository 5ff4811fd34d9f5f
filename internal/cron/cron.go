// Package cron runs operator-scheduled agent prompts: each job carries a
// cron expression, a target agent, and a message that gets injected as if a
// user had sent it. Jobs persist to a single JSON file so schedules survive
// restarts.
package cron

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"

	"github.com/halogate/halogate/internal/config"
)

// Job is one scheduled prompt.
type Job struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Expr      string    `json:"expr"` // standard 5-field cron expression
	AgentID   string    `json:"agent_id"`
	Message   string    `json:"message"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
	LastRunAt time.Time `json:"last_run_at,omitempty"`
	LastError string    `json:"last_error,omitempty"`
}

// RunFunc executes one due job; the gateway wires this to enqueue the job's
// message onto the target agent's cron session.
type RunFunc func(ctx context.Context, job Job) error

// Service owns the job table and the tick loop.
type Service struct {
	path  string
	run   RunFunc
	gron  *gronx.Gronx
	retry retryPolicy

	mu   sync.Mutex
	jobs map[string]Job
}

type retryPolicy struct {
	max       int
	baseDelay time.Duration
	maxDelay  time.Duration
}

// New loads the job table at path (created on first save). run executes due
// jobs; cfg supplies the retry policy.
func New(path string, run RunFunc, cfg config.CronConfig) (*Service, error) {
	s := &Service{
		path: path,
		run:  run,
		gron: gronx.New(),
		jobs: make(map[string]Job),
		retry: retryPolicy{
			max:       cfg.MaxRetries,
			baseDelay: parseDurationDefault(cfg.RetryBaseDelay, 2*time.Second),
			maxDelay:  parseDurationDefault(cfg.RetryMaxDelay, 30*time.Second),
		},
	}
	if s.retry.max <= 0 {
		s.retry.max = 3
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, err
	}
	var jobs []Job
	if err := json.Unmarshal(data, &jobs); err != nil {
		return nil, fmt.Errorf("cron: parse %s: %w", path, err)
	}
	for _, j := range jobs {
		s.jobs[j.ID] = j
	}
	return s, nil
}

// Add validates and registers a new job, returning it with its assigned id.
func (s *Service) Add(name, expr, agentID, message string) (Job, error) {
	if !s.gron.IsValid(expr) {
		return Job{}, fmt.Errorf("cron: invalid expression %q", expr)
	}
	if agentID == "" || message == "" {
		return Job{}, fmt.Errorf("cron: agent_id and message are required")
	}
	job := Job{
		ID:        uuid.NewString(),
		Name:      name,
		Expr:      expr,
		AgentID:   agentID,
		Message:   message,
		Enabled:   true,
		CreatedAt: time.Now().UTC(),
	}
	s.mu.Lock()
	s.jobs[job.ID] = job
	err := s.saveLocked()
	s.mu.Unlock()
	return job, err
}

// Update patches an existing job. Nil fields, enabled included, keep their
// current values.
func (s *Service) Update(id string, name, expr, message *string, enabled *bool) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return Job{}, fmt.Errorf("cron: job %s not found", id)
	}
	if name != nil {
		job.Name = *name
	}
	if expr != nil {
		if !s.gron.IsValid(*expr) {
			return Job{}, fmt.Errorf("cron: invalid expression %q", *expr)
		}
		job.Expr = *expr
	}
	if message != nil {
		job.Message = *message
	}
	if enabled != nil {
		job.Enabled = *enabled
	}
	s.jobs[id] = job
	return job, s.saveLocked()
}

// Remove deletes a job.
func (s *Service) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return fmt.Errorf("cron: job %s not found", id)
	}
	delete(s.jobs, id)
	return s.saveLocked()
}

// List returns every job, newest first.
func (s *Service) List() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Get returns one job by id.
func (s *Service) Get(id string) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	return j, ok
}

// RunNow executes a job immediately, regardless of its schedule, applying
// the same retry policy as scheduled fires.
func (s *Service) RunNow(ctx context.Context, id string) error {
	job, ok := s.Get(id)
	if !ok {
		return fmt.Errorf("cron: job %s not found", id)
	}
	return s.fire(ctx, job)
}

// Start runs the tick loop until ctx is done. Jobs are checked once per
// minute, the granularity cron expressions express; the ticks count from
// when Start is called and are not aligned to the minute boundary.
func (s *Service) Start(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.tick(ctx, now)
		}
	}
}

func (s *Service) tick(ctx context.Context, now time.Time) {
	for _, job := range s.List() {
		if !job.Enabled {
			continue
		}
		due, err := s.gron.IsDue(job.Expr, now)
		if err != nil || !due {
			continue
		}
		go func(job Job) {
			if err := s.fire(ctx, job); err != nil {
				slog.Warn("cron job failed", "job", job.ID, "name", job.Name, "error", err)
			}
		}(job)
	}
}

// fire runs one job with bounded exponential-backoff retries, then records
// the outcome on the job row.
func (s *Service) fire(ctx context.Context, job Job) error {
	var lastErr error
	delay := s.retry.baseDelay
	for attempt := 1; attempt <= s.retry.max; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = s.run(ctx, job)
		if lastErr == nil {
			break
		}
		if attempt < s.retry.max {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
			if delay > s.retry.maxDelay {
				delay = s.retry.maxDelay
			}
		}
	}

	s.mu.Lock()
	if j, ok := s.jobs[job.ID]; ok {
		j.LastRunAt = time.Now().UTC()
		if lastErr != nil {
			j.LastError = lastErr.Error()
		} else {
			j.LastError = ""
		}
		s.jobs[job.ID] = j
		_ = s.saveLocked()
	}
	s.mu.Unlock()
	return lastErr
}

func (s *Service) saveLocked() error {
	jobs := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, j)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.Before(jobs[j].CreatedAt) })
	data, err := json.MarshalIndent(jobs, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func parseDurationDefault(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
