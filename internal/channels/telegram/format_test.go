package telegram

import (
	"strings"
	"testing"
)

func TestMarkdownToTelegramHTML(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []string // substrings that must appear
	}{
		{
			name: "bold and italic",
			in:   "**bold** and _italic_",
			want: []string{"<b>bold</b>", "<i>italic</i>"},
		},
		{
			name: "inline code escaped",
			in:   "use `a < b` here",
			want: []string{"<code>a &lt; b</code>"},
		},
		{
			name: "code block",
			in:   "```go\nfmt.Println(1 < 2)\n```",
			want: []string{"<pre><code>", "1 &lt; 2"},
		},
		{
			name: "links",
			in:   "[docs](https://example.com)",
			want: []string{`<a href="https://example.com">docs</a>`},
		},
		{
			name: "list bullets",
			in:   "- one\n- two",
			want: []string{"• one", "• two"},
		},
		{
			name: "raw html from model survives as formatting",
			in:   "<b>already bold</b>",
			want: []string{"<b>already bold</b>"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := markdownToTelegramHTML(tt.in)
			for _, w := range tt.want {
				if !strings.Contains(got, w) {
					t.Errorf("output %q missing %q", got, w)
				}
			}
		})
	}
}

func TestMarkdownTableRendersAsPre(t *testing.T) {
	in := "| name | qty |\n|---|---|\n| apples | 3 |\n| pears | 12 |"
	got := markdownToTelegramHTML(in)
	if !strings.Contains(got, "<pre>") || strings.Contains(got, "<pre><code>") {
		t.Fatalf("table should render as bare <pre>: %q", got)
	}
	if !strings.Contains(got, "apples") || !strings.Contains(got, "12") {
		t.Fatalf("table cells lost: %q", got)
	}
}

func TestChunkHTMLRespectsLimit(t *testing.T) {
	text := strings.Repeat("word ", 2000)
	chunks := chunkHTML(text, 4096)
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	for i, c := range chunks {
		if len(c) > 4096 {
			t.Fatalf("chunk %d over limit: %d bytes", i, len(c))
		}
	}
}

func TestChunkHTMLPrefersParagraphBoundary(t *testing.T) {
	text := strings.Repeat("a", 50) + "\n\n" + strings.Repeat("b", 50)
	chunks := chunkHTML(text, 60)
	if len(chunks) != 2 {
		t.Fatalf("chunks = %d: %q", len(chunks), chunks)
	}
	if strings.Contains(chunks[0], "b") {
		t.Fatalf("split ignored paragraph boundary: %q", chunks[0])
	}
}

func TestParseRawChatID(t *testing.T) {
	id, err := parseRawChatID("-100123")
	if err != nil || id != -100123 {
		t.Fatalf("id = %d err = %v", id, err)
	}
	id, err = parseRawChatID("-100123:topic:99")
	if err != nil || id != -100123 {
		t.Fatalf("composite id = %d err = %v", id, err)
	}
}

func TestResolveThreadIDForSend(t *testing.T) {
	if got := resolveThreadIDForSend(telegramGeneralTopicID); got != 0 {
		t.Fatalf("general topic must be omitted, got %d", got)
	}
	if got := resolveThreadIDForSend(42); got != 42 {
		t.Fatalf("got %d", got)
	}
}
