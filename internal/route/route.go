// Package route implements the Route Resolver: a pure
// function mapping a normalized inbound envelope to an agent and a session
// key, plus the effective DM/group policy for that channel+account.
//
// Resolve takes nothing but its arguments — no I/O, no clock, no rand — so
// the same (config snapshot, envelope) pair always resolves the same way.
package route

import (
	"fmt"
	"time"

	"github.com/halogate/halogate/internal/config"
	"github.com/halogate/halogate/internal/sessionkey"
)

// ChatKind distinguishes a direct message from a group/channel message.
type ChatKind string

const (
	ChatDirect ChatKind = "direct"
	ChatGroup  ChatKind = "group"
)

// Envelope is the normalized inbound message handed to the Route Resolver,
// built by a channel plugin from its native update type.
type Envelope struct {
	Channel     string
	Account     string
	Peer        string
	ChatKind    ChatKind
	FromDisplay string
	Timestamp   time.Time
	Text        string
	Attachments []string // Media Store content hashes
	ReplyTo     string
	Mentions    []string
}

// Policy is the effective DM/group policy for this channel+account, plus
// whether this particular envelope is blocked by it. Values are one of
// "open" | "allowlist" | "pairing" | "disabled".
type Policy struct {
	DM      string
	Group   string
	Blocked bool
}

// Resolve implements the Route Resolver contract: (envelope) → (agent_id,
// session_key, policy). It never fails — an envelope this process should
// not act on comes back with Policy.Blocked = true instead of an error.
func Resolve(cfg *config.Config, env Envelope) (agentID, sessionKey string, policy Policy) {
	agentID = matchBinding(cfg, env)
	if agentID == "" {
		agentID = cfg.ResolveDefaultAgentID()
	}

	policy = resolvePolicy(cfg, env)
	sessionKey = deriveSessionKey(cfg, agentID, env)
	return agentID, sessionKey, policy
}

// matchBinding walks cfg.Bindings in declaration order and returns the
// agent_id of the first selector that matches env, or "" if none match.
func matchBinding(cfg *config.Config, env Envelope) string {
	for _, b := range cfg.Bindings {
		if bindingMatches(b.Match, env) {
			return b.AgentID
		}
	}
	return ""
}

func bindingMatches(m config.BindingMatch, env Envelope) bool {
	if m.Channel != "" && m.Channel != "*" && m.Channel != env.Channel {
		return false
	}
	if m.AccountID != "" && m.AccountID != "*" && m.AccountID != env.Account {
		return false
	}
	if m.Peer != nil {
		wantKind := string(env.ChatKind)
		if m.Peer.Kind != "" && m.Peer.Kind != "*" && m.Peer.Kind != wantKind {
			return false
		}
		if m.Peer.ID != "" && m.Peer.ID != "*" && m.Peer.ID != env.Peer {
			return false
		}
	}
	return true
}

// resolvePolicy reads the channel's configured DM/group policy and reports
// whether this envelope is blocked by it.
func resolvePolicy(cfg *config.Config, env Envelope) Policy {
	dm, group := cfg.Channels.PolicyFor(env.Channel)
	p := Policy{DM: dm, Group: group}

	effective := dm
	if env.ChatKind == ChatGroup {
		effective = group
	}
	switch effective {
	case "disabled":
		p.Blocked = true
	case "pairing", "allowlist":
		// Pairing/allowlist enforcement happens upstream in the channel
		// plugin (it has the allowlist membership check); Resolve only
		// reports the policy kind so callers can gate correctly.
	}
	return p
}

// deriveSessionKey builds the canonical session key for this envelope per
// the configured scope rule: "per-peer" (the default) keys one session per
// (channel, account, peer); "per-agent" collapses everything routed to an
// agent into its single main session.
func deriveSessionKey(cfg *config.Config, agentID string, env Envelope) string {
	switch cfg.Sessions.DmScope {
	case "per-agent", "main":
		key := cfg.Sessions.MainKey
		if key == "" {
			key = "default"
		}
		return sessionkey.MainThread(agentID, key)
	default: // "per-peer"
		if env.ChatKind == ChatGroup {
			return sessionkey.Group(agentID, env.Channel, env.Account, env.Peer, "")
		}
		return sessionkey.Peer(agentID, env.Channel, env.Account, env.Peer)
	}
}

// Header renders an envelope's normalized header, prepended to the user
// text before it reaches the model.
func (e Envelope) Header() string {
	ts := e.Timestamp.UTC().Format(time.RFC3339)
	return fmt.Sprintf("[%s %s %s]", e.Channel, e.FromDisplay, ts)
}
