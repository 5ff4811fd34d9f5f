package route

import (
	"testing"

	"github.com/halogate/halogate/internal/config"
)

func baseConfig() *config.Config {
	cfg := config.Default()
	cfg.Agents.List = map[string]config.AgentSpec{
		"a1": {},
	}
	cfg.Bindings = []config.AgentBinding{
		{AgentID: "a1", Match: config.BindingMatch{Channel: "x"}},
	}
	return cfg
}

func TestResolveDM(t *testing.T) {
	cfg := baseConfig()
	cfg.Sessions.DmScope = "per-peer"

	agentID, key, policy := Resolve(cfg, Envelope{
		Channel: "x", Account: "acc", Peer: "u1", ChatKind: ChatDirect, Text: "hi",
	})
	if agentID != "a1" {
		t.Fatalf("agentID = %q, want a1", agentID)
	}
	if key != "agent:a1:peer:x:acc:u1" {
		t.Fatalf("session key = %q", key)
	}
	if policy.Blocked {
		t.Fatal("open policy should not block")
	}
}

func TestResolveFirstMatchWins(t *testing.T) {
	cfg := baseConfig()
	cfg.Agents.List["a2"] = config.AgentSpec{}
	cfg.Bindings = []config.AgentBinding{
		{AgentID: "a2", Match: config.BindingMatch{Channel: "x", Peer: &config.BindingPeer{Kind: "direct", ID: "u1"}}},
		{AgentID: "a1", Match: config.BindingMatch{Channel: "x"}},
	}

	agentID, _, _ := Resolve(cfg, Envelope{Channel: "x", Peer: "u1", ChatKind: ChatDirect})
	if agentID != "a2" {
		t.Fatalf("explicit binding should win, got %q", agentID)
	}

	agentID, _, _ = Resolve(cfg, Envelope{Channel: "x", Peer: "u9", ChatKind: ChatDirect})
	if agentID != "a1" {
		t.Fatalf("wildcard binding should catch the rest, got %q", agentID)
	}
}

func TestResolveDefaultAgentWhenNoBindingMatches(t *testing.T) {
	cfg := baseConfig()
	cfg.Agents.List["main"] = config.AgentSpec{Default: true}

	agentID, _, _ := Resolve(cfg, Envelope{Channel: "other", Peer: "u1", ChatKind: ChatDirect})
	if agentID != "main" {
		t.Fatalf("expected default agent, got %q", agentID)
	}
}

func TestResolveBlockedByDisabledPolicy(t *testing.T) {
	cfg := baseConfig()
	cfg.Channels.Telegram.DMPolicy = "disabled"

	_, _, policy := Resolve(cfg, Envelope{Channel: "telegram", Peer: "u1", ChatKind: ChatDirect})
	if !policy.Blocked {
		t.Fatal("disabled DM policy should block")
	}

	// Group policy is independent of DM policy.
	cfg.Channels.Telegram.GroupPolicy = "open"
	_, _, policy = Resolve(cfg, Envelope{Channel: "telegram", Peer: "g1", ChatKind: ChatGroup})
	if policy.Blocked {
		t.Fatal("open group policy should not block")
	}
}

func TestResolveDeterministic(t *testing.T) {
	cfg := baseConfig()
	env := Envelope{Channel: "x", Account: "acc", Peer: "u1", ChatKind: ChatDirect}
	_, key1, _ := Resolve(cfg, env)
	_, key2, _ := Resolve(cfg, env)
	if key1 != key2 {
		t.Fatalf("same inputs resolved to different keys: %q vs %q", key1, key2)
	}
}

func TestResolvePerPeerScopeKeysByAccount(t *testing.T) {
	cfg := baseConfig()
	cfg.Sessions.DmScope = "per-peer"
	_, key1, _ := Resolve(cfg, Envelope{Channel: "x", Account: "acc1", Peer: "u1", ChatKind: ChatDirect})
	_, key2, _ := Resolve(cfg, Envelope{Channel: "x", Account: "acc2", Peer: "u1", ChatKind: ChatDirect})
	if key1 == key2 {
		t.Fatalf("same peer on different accounts must not share a session: %q", key1)
	}
}

func TestResolvePerAgentScopeSharesOneSession(t *testing.T) {
	cfg := baseConfig()
	cfg.Sessions.DmScope = "per-agent"
	_, key1, _ := Resolve(cfg, Envelope{Channel: "x", Account: "acc", Peer: "u1", ChatKind: ChatDirect})
	_, key2, _ := Resolve(cfg, Envelope{Channel: "x", Account: "acc", Peer: "u2", ChatKind: ChatDirect})
	if key1 != key2 {
		t.Fatalf("per-agent scope should collapse peers: %q vs %q", key1, key2)
	}
}
