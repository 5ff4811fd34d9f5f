package sessionkey

import "testing"

func TestBuildPeerKey(t *testing.T) {
	got := Peer("a1", "x", "acc", "u1")
	want := "agent:a1:peer:x:acc:u1"
	if got != want {
		t.Fatalf("Peer() = %q, want %q", got, want)
	}
}

func TestRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		key  string
		want Parsed
	}{
		{
			name: "peer",
			key:  Peer("a1", "telegram", "bot1", "12345"),
			want: Parsed{AgentID: "a1", Kind: "peer", Channel: "telegram", Account: "bot1", Peer: "12345"},
		},
		{
			name: "group without member",
			key:  Group("a1", "discord", "bot", "g9", ""),
			want: Parsed{AgentID: "a1", Kind: "group", Channel: "discord", Account: "bot", Group: "g9"},
		},
		{
			name: "group with member",
			key:  Group("a1", "discord", "bot", "g9", "u3"),
			want: Parsed{AgentID: "a1", Kind: "group", Channel: "discord", Account: "bot", Group: "g9", Peer: "u3"},
		},
		{
			name: "main thread",
			key:  MainThread("a2", "t77"),
			want: Parsed{AgentID: "a2", Kind: "main", SubKind: "thread", ThreadOrTopicID: "t77"},
		},
		{
			name: "main topic",
			key:  MainTopic("a2", "news"),
			want: Parsed{AgentID: "a2", Kind: "main", SubKind: "topic", ThreadOrTopicID: "news"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Parse(tt.key)
			if !ok {
				t.Fatalf("Parse(%q) failed", tt.key)
			}
			if got != tt.want {
				t.Fatalf("Parse(%q) = %+v, want %+v", tt.key, got, tt.want)
			}
		})
	}
}

func TestSubagentRoundTrip(t *testing.T) {
	parent := Peer("a1", "x", "acc", "u1")
	key := Subagent("a1", parent, "sub42")
	p, ok := Parse(key)
	if !ok {
		t.Fatalf("Parse(%q) failed", key)
	}
	if p.Kind != "subagent" || p.Parent != parent || p.SubagentID != "sub42" {
		t.Fatalf("Parse(%q) = %+v", key, p)
	}
	if !IsSubagentSession(key) {
		t.Fatal("IsSubagentSession returned false")
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	for _, key := range []string{
		"",
		"agent",
		"agent:a1",
		"session:a1:peer:x:y:z",
		"agent:a1:peer:x:y",     // too few peer fields
		"agent:a1:peer:x:y:z:w", // too many peer fields
		"agent:a1:main:thread",  // missing id
		"agent:a1:unknown:x",    // unknown scope kind
	} {
		if _, ok := Parse(key); ok {
			t.Errorf("Parse(%q) accepted malformed key", key)
		}
	}
}

func TestDeterminism(t *testing.T) {
	a := Group("a1", "telegram", "acct", "-100123", "u5")
	b := Group("a1", "telegram", "acct", "-100123", "u5")
	if a != b {
		t.Fatalf("identical inputs produced different keys: %q vs %q", a, b)
	}
}
