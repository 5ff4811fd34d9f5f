// Package sessionkey implements the deterministic session key grammar
// agent:{agent_id}:{scope}, where scope is one of
// peer:{channel}:{account}:{peer}, group:{channel}:{account}:{group}:{peer?},
// main:thread:{thread_id}, main:topic:{topic_id}, subagent:{parent}:{subagent_id}.
//
// Building a key is a pure function of (agent, scope inputs) — the same
// inputs always produce the same key, with no timestamps or randomness
// involved.
package sessionkey

import "strings"

const agentPrefix = "agent"

// Build constructs "agent:{agentID}:{scope}".
func Build(agentID, scope string) string {
	return agentPrefix + ":" + agentID + ":" + scope
}

// Peer builds the scope for a direct-message session:
// peer:{channel}:{account}:{peer}.
func Peer(agentID, channel, account, peer string) string {
	return Build(agentID, "peer:"+channel+":"+account+":"+peer)
}

// Group builds the scope for a group session:
// group:{channel}:{account}:{group}[:{peer}].
// peer is optional — pass "" when the session is shared across the whole
// group rather than scoped per-member.
func Group(agentID, channel, account, group, peer string) string {
	scope := "group:" + channel + ":" + account + ":" + group
	if peer != "" {
		scope += ":" + peer
	}
	return Build(agentID, scope)
}

// MainThread builds the scope for an agent's main thread-scoped session:
// main:thread:{threadID}.
func MainThread(agentID, threadID string) string {
	return Build(agentID, "main:thread:"+threadID)
}

// MainTopic builds the scope for an agent's main topic-scoped session:
// main:topic:{topicID}.
func MainTopic(agentID, topicID string) string {
	return Build(agentID, "main:topic:"+topicID)
}

// Subagent builds the scope for a spawned subagent session:
// subagent:{parent}:{subagentID}. parent is the full session key of the
// spawning session, not just its agent id.
func Subagent(agentID, parent, subagentID string) string {
	return Build(agentID, "subagent:"+parent+":"+subagentID)
}

// Parsed holds the decomposed fields of a session key.
type Parsed struct {
	AgentID         string
	Kind            string // "peer", "group", "main", "subagent"
	Channel         string
	Account         string
	Peer            string
	Group           string
	SubKind         string // "thread" or "topic" when Kind == "main"
	ThreadOrTopicID string
	Parent          string // full parent session key, when Kind == "subagent"
	SubagentID      string
}

// Parse decomposes a session key produced by this package. It returns false
// if key doesn't have the "agent:{id}:{scope}" shape.
func Parse(key string) (Parsed, bool) {
	parts := strings.SplitN(key, ":", 3)
	if len(parts) != 3 || parts[0] != agentPrefix {
		return Parsed{}, false
	}
	p := Parsed{AgentID: parts[1]}
	scope := parts[2]
	scopeParts := strings.Split(scope, ":")
	if len(scopeParts) == 0 {
		return Parsed{}, false
	}
	p.Kind = scopeParts[0]
	switch p.Kind {
	case "peer":
		if len(scopeParts) != 4 {
			return Parsed{}, false
		}
		p.Channel, p.Account, p.Peer = scopeParts[1], scopeParts[2], scopeParts[3]
	case "group":
		if len(scopeParts) < 4 || len(scopeParts) > 5 {
			return Parsed{}, false
		}
		p.Channel, p.Account, p.Group = scopeParts[1], scopeParts[2], scopeParts[3]
		if len(scopeParts) == 5 {
			p.Peer = scopeParts[4]
		}
	case "main":
		if len(scopeParts) != 3 {
			return Parsed{}, false
		}
		p.SubKind = scopeParts[1]
		p.ThreadOrTopicID = scopeParts[2]
	case "subagent":
		// parent itself is a full "agent:...:..." key, so rejoin everything
		// after "subagent:" except the trailing subagent id.
		rest := strings.SplitN(scope, ":", 2)[1]
		idx := strings.LastIndex(rest, ":")
		if idx < 0 {
			return Parsed{}, false
		}
		p.Parent = rest[:idx]
		p.SubagentID = rest[idx+1:]
	default:
		return Parsed{}, false
	}
	return p, true
}

// IsSubagentSession reports whether key is a subagent-scoped session key.
func IsSubagentSession(key string) bool {
	p, ok := Parse(key)
	return ok && p.Kind == "subagent"
}

// AgentID returns the agent id embedded in key, or "" if key is malformed.
func AgentID(key string) string {
	p, ok := Parse(key)
	if !ok {
		return ""
	}
	return p.AgentID
}
