package telegram

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestBuildMediaTags(t *testing.T) {
	tests := []struct {
		name  string
		items []MediaInfo
		want  string
	}{
		{name: "image", items: []MediaInfo{{Type: "image"}}, want: "<media:image>"},
		{name: "video", items: []MediaInfo{{Type: "video"}}, want: "<media:video>"},
		{name: "animation renders as video", items: []MediaInfo{{Type: "animation"}}, want: "<media:video>"},
		{name: "audio without transcript", items: []MediaInfo{{Type: "audio"}}, want: "<media:audio>"},
		{name: "voice without transcript", items: []MediaInfo{{Type: "voice"}}, want: "<media:voice>"},
		{name: "document", items: []MediaInfo{{Type: "document"}}, want: "<media:document>"},
		{name: "empty list", items: nil, want: ""},
		{name: "unknown type ignored", items: []MediaInfo{{Type: "sticker"}}, want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := buildMediaTags(tt.items); got != tt.want {
				t.Errorf("buildMediaTags = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestBuildMediaTagsEmbedsTranscript(t *testing.T) {
	for _, kind := range []string{"voice", "audio"} {
		got := buildMediaTags([]MediaInfo{{Type: kind, Transcript: "xin chào"}})
		if !strings.HasPrefix(got, "<media:"+kind+">") {
			t.Errorf("%s: output = %q", kind, got)
		}
		if !strings.Contains(got, "<transcript>xin chào</transcript>") {
			t.Errorf("%s: transcript block missing: %q", kind, got)
		}
	}
}

func TestBuildMediaTagsEscapesTranscript(t *testing.T) {
	got := buildMediaTags([]MediaInfo{{Type: "voice", Transcript: `<script>alert("x")</script>`}})
	if strings.Contains(got, "<script>") {
		t.Fatalf("unescaped markup in transcript: %q", got)
	}
	if !strings.Contains(got, "&lt;script&gt;") {
		t.Fatalf("expected escaped markup: %q", got)
	}
}

func TestBuildMediaTagsMixedList(t *testing.T) {
	got := buildMediaTags([]MediaInfo{
		{Type: "image"},
		{Type: "voice", Transcript: "hey there"},
		{Type: "document"},
	})
	for _, want := range []string{"<media:image>", "<media:voice>", "hey there", "<media:document>"} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q: %q", want, got)
		}
	}
	if !strings.HasPrefix(got, "<media:image>") {
		t.Errorf("tag order lost: %q", got)
	}
}

func TestExtractDocumentContentInlinesText(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.md")
	if err := os.WriteFile(path, []byte("# heading\nsome <b>markup</b>"), 0644); err != nil {
		t.Fatal(err)
	}

	got, err := extractDocumentContent(path, "notes.md")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(got, `<file name="notes.md" mime="text/markdown">`) {
		t.Fatalf("file header missing: %q", got)
	}
	if strings.Contains(got, "<b>") || !strings.Contains(got, "&lt;b&gt;") {
		t.Fatalf("document content not escaped: %q", got)
	}
}

func TestExtractDocumentContentPlaceholders(t *testing.T) {
	// A failed download keeps the filename visible without erroring.
	got, err := extractDocumentContent("", "report.pdf")
	if err != nil || !strings.Contains(got, "report.pdf") || !strings.Contains(got, "download failed") {
		t.Fatalf("got %q err=%v", got, err)
	}

	// Binary formats get a placeholder, not inlined bytes.
	path := filepath.Join(t.TempDir(), "photo.raw")
	if err := os.WriteFile(path, []byte{0x00, 0x01}, 0644); err != nil {
		t.Fatal(err)
	}
	got, err = extractDocumentContent(path, "photo.raw")
	if err != nil || !strings.Contains(got, "binary format not supported") {
		t.Fatalf("got %q err=%v", got, err)
	}
}

func TestExtractDocumentContentTruncates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "big.log")
	if err := os.WriteFile(path, []byte(strings.Repeat("x", docMaxChars+500)), 0644); err != nil {
		t.Fatal(err)
	}
	got, err := extractDocumentContent(path, "big.log")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(got, "[truncated]") {
		t.Fatal("oversized document not truncated")
	}
}
