package authpool

import (
	"testing"
	"time"

	"github.com/halogate/halogate/internal/store"
)

type memBacking struct {
	profiles map[string]store.AuthProfile
}

func newMemBacking() *memBacking {
	return &memBacking{profiles: map[string]store.AuthProfile{}}
}

func (m *memBacking) List(provider string) ([]store.AuthProfile, error) {
	var out []store.AuthProfile
	for _, p := range m.profiles {
		if p.Provider == provider {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *memBacking) Upsert(p store.AuthProfile) error {
	m.profiles[p.Provider+"/"+p.ID] = p
	return nil
}

func TestSelectLeastRecentlyUsed(t *testing.T) {
	pool := New(newMemBacking())
	pool.Register("anthropic", "p1")
	pool.Register("anthropic", "p2")

	now := time.Now()
	if err := pool.RecordSuccess("anthropic", "p1", now); err != nil {
		t.Fatal(err)
	}

	// p2 has never been used, so it sorts before p1.
	prof, ok := pool.Select("anthropic", now.Add(time.Second))
	if !ok || prof.ID != "p2" {
		t.Fatalf("Select = %+v ok=%v, want p2", prof, ok)
	}
}

func TestTransientCooldownLadder(t *testing.T) {
	pool := New(newMemBacking())
	pool.Register("openai", "p1")
	now := time.Now()

	wantMinutes := []float64{1, 5, 25, 60, 60}
	for i, want := range wantMinutes {
		if err := pool.RecordFailure("openai", "p1", FailureTransient, now); err != nil {
			t.Fatal(err)
		}
		profs, _ := pool.backing.List("openai")
		got := profs[0].DisabledUntil.Sub(now).Minutes()
		if got != want {
			t.Fatalf("failure %d: cooldown %.0f minutes, want %.0f", i+1, got, want)
		}
	}
}

func TestBillingCooldownDoubles(t *testing.T) {
	pool := New(newMemBacking())
	pool.Register("openai", "p1")
	now := time.Now()

	wantHours := []float64{5, 10, 20, 24}
	for i, want := range wantHours {
		if err := pool.RecordFailure("openai", "p1", FailureBilling, now); err != nil {
			t.Fatal(err)
		}
		profs, _ := pool.backing.List("openai")
		got := profs[0].DisabledUntil.Sub(now).Hours()
		if got != want {
			t.Fatalf("billing failure %d: cooldown %.0fh, want %.0fh", i+1, got, want)
		}
	}
}

func TestAuthFailureDisablesIndefinitely(t *testing.T) {
	pool := New(newMemBacking())
	pool.Register("openai", "p1")
	now := time.Now()

	if err := pool.RecordFailure("openai", "p1", FailureAuth, now); err != nil {
		t.Fatal(err)
	}
	if _, ok := pool.Select("openai", now.Add(24*365*time.Hour)); ok {
		t.Fatal("auth-disabled profile should never be selected")
	}
}

func TestFailoverAndRecovery(t *testing.T) {
	pool := New(newMemBacking())
	pool.Register("anthropic", "p1")
	pool.Register("anthropic", "p2")
	now := time.Now()

	// p1 rate-limits: one minute of cooldown.
	if err := pool.RecordFailure("anthropic", "p1", FailureTransient, now); err != nil {
		t.Fatal(err)
	}

	prof, ok := pool.Select("anthropic", now.Add(time.Second))
	if !ok || prof.ID != "p2" {
		t.Fatalf("expected failover to p2, got %+v ok=%v", prof, ok)
	}
	if err := pool.RecordSuccess("anthropic", "p2", now.Add(time.Second)); err != nil {
		t.Fatal(err)
	}

	// Within the cooldown window p2 keeps serving.
	prof, _ = pool.Select("anthropic", now.Add(30*time.Second))
	if prof.ID != "p1" && prof.ID != "p2" {
		t.Fatalf("unexpected profile %q", prof.ID)
	}
	if prof.ID == "p1" {
		t.Fatal("p1 selected during its cooldown")
	}

	// After cooldown elapses, p1 is selectable again (and LRU-preferred,
	// since it was used less recently than p2).
	prof, ok = pool.Select("anthropic", now.Add(2*time.Minute))
	if !ok || prof.ID != "p1" {
		t.Fatalf("expected p1 back after cooldown, got %+v", prof)
	}
}

func TestSuccessResetsState(t *testing.T) {
	backing := newMemBacking()
	pool := New(backing)
	pool.Register("openai", "p1")
	now := time.Now()

	pool.RecordFailure("openai", "p1", FailureTransient, now)
	pool.RecordSuccess("openai", "p1", now.Add(time.Minute))

	profs, _ := backing.List("openai")
	p := profs[0]
	if p.ErrorCount != 0 || !p.DisabledUntil.IsZero() || p.LastErrorClass != "" {
		t.Fatalf("state not reset: %+v", p)
	}
}

func TestCooldownStateSurvivesRestart(t *testing.T) {
	backing := newMemBacking()
	pool := New(backing)
	pool.Register("openai", "p1")
	now := time.Now()
	pool.RecordFailure("openai", "p1", FailureBilling, now)

	// A second pool over the same backing sees the cooldown.
	pool2 := New(backing)
	pool2.Register("openai", "p1")
	if _, ok := pool2.Select("openai", now.Add(time.Hour)); ok {
		t.Fatal("restarted pool forgot the billing cooldown")
	}
}
