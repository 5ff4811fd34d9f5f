package cron

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/halogate/halogate/internal/config"
)

func newTestService(t *testing.T, run RunFunc) (*Service, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cron.json")
	s, err := New(path, run, config.CronConfig{MaxRetries: 3, RetryBaseDelay: "1ms", RetryMaxDelay: "5ms"})
	if err != nil {
		t.Fatal(err)
	}
	return s, path
}

func TestAddValidatesExpression(t *testing.T) {
	s, _ := newTestService(t, func(context.Context, Job) error { return nil })

	if _, err := s.Add("bad", "not a cron", "a1", "hello"); err == nil {
		t.Fatal("invalid expression accepted")
	}
	if _, err := s.Add("ok", "*/5 * * * *", "", "hello"); err == nil {
		t.Fatal("missing agent accepted")
	}
	job, err := s.Add("ok", "*/5 * * * *", "a1", "hello")
	if err != nil {
		t.Fatal(err)
	}
	if job.ID == "" || !job.Enabled {
		t.Fatalf("job = %+v", job)
	}
}

func TestJobsSurviveRestart(t *testing.T) {
	s, path := newTestService(t, func(context.Context, Job) error { return nil })
	added, err := s.Add("daily", "0 9 * * *", "a1", "morning briefing")
	if err != nil {
		t.Fatal(err)
	}

	s2, err := New(path, func(context.Context, Job) error { return nil }, config.CronConfig{})
	if err != nil {
		t.Fatal(err)
	}
	got, ok := s2.Get(added.ID)
	if !ok || got.Message != "morning briefing" {
		t.Fatalf("job after restart = %+v ok=%v", got, ok)
	}
}

func TestRunNowRetriesThenRecordsError(t *testing.T) {
	var calls atomic.Int32
	s, _ := newTestService(t, func(context.Context, Job) error {
		calls.Add(1)
		return errors.New("boom")
	})
	job, _ := s.Add("failing", "* * * * *", "a1", "m")

	if err := s.RunNow(context.Background(), job.ID); err == nil {
		t.Fatal("expected failure")
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("attempts = %d, want 3", got)
	}
	updated, _ := s.Get(job.ID)
	if updated.LastError == "" || updated.LastRunAt.IsZero() {
		t.Fatalf("outcome not recorded: %+v", updated)
	}
}

func TestUpdateAndRemove(t *testing.T) {
	s, _ := newTestService(t, func(context.Context, Job) error { return nil })
	job, _ := s.Add("j", "* * * * *", "a1", "m")

	disabled := false
	newMsg := "updated"
	got, err := s.Update(job.ID, nil, nil, &newMsg, &disabled)
	if err != nil {
		t.Fatal(err)
	}
	if got.Message != "updated" || got.Enabled {
		t.Fatalf("updated job = %+v", got)
	}

	badExpr := "nope"
	if _, err := s.Update(job.ID, nil, &badExpr, nil, nil); err == nil {
		t.Fatal("invalid expression accepted on update")
	}

	if err := s.Remove(job.ID); err != nil {
		t.Fatal(err)
	}
	if err := s.Remove(job.ID); err == nil {
		t.Fatal("double remove succeeded")
	}
}
