// Package authpool implements the Auth-Profile Pool: holds
// credentials for each LLM provider and selects among them round-robin with
// cooldown on failure classes, so a rate-limited or billing-suspended
// credential doesn't keep failing every run until an operator intervenes.
package authpool

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/halogate/halogate/internal/store"
)

// FailureClass distinguishes cooldown policy.
type FailureClass string

const (
	FailureTransient FailureClass = "transient" // rate limit, timeout, unknown
	FailureBilling   FailureClass = "billing"   // quota/billing exhausted
	FailureAuth      FailureClass = "auth"      // bad credential / malformed key
)

// Pool selects and tracks Auth-Profiles for each provider.
type Pool struct {
	backing store.AuthProfileStore

	mu       sync.Mutex
	profiles map[string][]store.AuthProfile // provider -> profiles
}

// New creates an empty Pool over backing; Register loads each profile's
// persisted cooldown state from it.
func New(backing store.AuthProfileStore) *Pool {
	return &Pool{backing: backing, profiles: map[string][]store.AuthProfile{}}
}

// Register adds a credential entry for a provider, restoring its persisted
// state from backing when one exists. An id that is already registered is
// left unchanged. Called at startup for each configured API key / account.
func (p *Pool) Register(provider, id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, existing := range p.profiles[provider] {
		if existing.ID == id {
			return
		}
	}
	loaded, _ := p.backing.List(provider)
	for _, l := range loaded {
		if l.ID == id {
			p.profiles[provider] = append(p.profiles[provider], l)
			return
		}
	}
	p.profiles[provider] = append(p.profiles[provider], store.AuthProfile{ID: id, Provider: provider})
}

// ProfileCount returns how many profiles are registered for provider,
// regardless of cooldown state.
func (p *Pool) ProfileCount(provider string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.profiles[provider])
}

// Select picks the live profile for provider with cooldown_until <= now and
// least-recent last_used, tie-broken by lowest error_count. Returns false if
// every profile for the provider is in cooldown.
func (p *Pool) Select(provider string, now time.Time) (store.AuthProfile, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	candidates := make([]store.AuthProfile, 0, len(p.profiles[provider]))
	for _, prof := range p.profiles[provider] {
		if prof.DisabledUntil.IsZero() || !prof.DisabledUntil.After(now) {
			candidates = append(candidates, prof)
		}
	}
	if len(candidates) == 0 {
		return store.AuthProfile{}, false
	}
	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].LastUsedAt.Equal(candidates[j].LastUsedAt) {
			return candidates[i].LastUsedAt.Before(candidates[j].LastUsedAt)
		}
		return candidates[i].ErrorCount < candidates[j].ErrorCount
	})
	return candidates[0], true
}

// RecordSuccess resets a profile's error count and cooldown, and updates
// last_used.
func (p *Pool) RecordSuccess(provider, id string, now time.Time) error {
	return p.update(provider, id, func(prof *store.AuthProfile) {
		prof.ErrorCount = 0
		prof.DisabledUntil = time.Time{}
		prof.LastUsedAt = now
		prof.LastErrorClass = ""
	})
}

// RecordFailure applies the cooldown policy for class to the named profile:
//   - transient: min(1h, 60s * 5^min(error_count-1, 3)) → 1, 5, 25, 60 minutes
//   - billing:   base 5h doubling up to 24h per consecutive billing error
//   - auth:      disabled indefinitely pending operator intervention
func (p *Pool) RecordFailure(provider, id string, class FailureClass, now time.Time) error {
	return p.update(provider, id, func(prof *store.AuthProfile) {
		// Each ladder counts consecutive failures of its own class.
		if prof.LastErrorClass != string(class) {
			prof.ErrorCount = 0
		}
		prof.ErrorCount++
		prof.LastErrorClass = string(class)
		switch class {
		case FailureTransient:
			exp := math.Min(float64(prof.ErrorCount-1), 3)
			delaySec := math.Min(3600, 60*math.Pow(5, exp))
			prof.DisabledUntil = now.Add(time.Duration(delaySec) * time.Second)
		case FailureBilling:
			hours := math.Min(24, 5*math.Pow(2, float64(prof.ErrorCount-1)))
			prof.DisabledUntil = now.Add(time.Duration(hours * float64(time.Hour)))
		case FailureAuth:
			prof.DisabledUntil = maxTime
		}
	})
}

// maxTime stands in for "disabled forever pending operator intervention" —
// far enough in the future that Select's DisabledUntil.After(now) check
// always holds.
var maxTime = time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC)

func (p *Pool) update(provider, id string, mutate func(*store.AuthProfile)) error {
	p.mu.Lock()
	list := p.profiles[provider]
	idx := -1
	for i, prof := range list {
		if prof.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		p.mu.Unlock()
		return fmt.Errorf("authpool: unknown profile %s/%s", provider, id)
	}
	mutate(&list[idx])
	cp := list[idx]
	p.mu.Unlock()

	return p.backing.Upsert(cp)
}
