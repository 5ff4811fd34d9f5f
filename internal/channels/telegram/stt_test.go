package telegram

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/halogate/halogate/internal/config"
)

// sttChannel is a minimal Channel for transcription tests; no bot
// connection is needed to exercise the proxy client.
func sttChannel(cfg config.TelegramConfig) *Channel {
	return &Channel{config: cfg}
}

func tempAudio(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "voice.ogg")
	if err := os.WriteFile(path, []byte("fake-ogg-bytes"), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestTranscribeSilentWhenUnconfigured(t *testing.T) {
	c := sttChannel(config.TelegramConfig{})
	transcript, err := c.transcribeAudio(context.Background(), "/any/file.ogg")
	if err != nil || transcript != "" {
		t.Fatalf("unconfigured STT should no-op, got %q err=%v", transcript, err)
	}

	// An empty path (failed download upstream) is equally silent.
	c = sttChannel(config.TelegramConfig{STTProxyURL: "https://stt.example.com"})
	transcript, err = c.transcribeAudio(context.Background(), "")
	if err != nil || transcript != "" {
		t.Fatalf("empty path should no-op, got %q err=%v", transcript, err)
	}
}

func TestTranscribeMissingFileErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("no HTTP call expected for a missing file")
	}))
	defer srv.Close()

	c := sttChannel(config.TelegramConfig{STTProxyURL: srv.URL})
	if _, err := c.transcribeAudio(context.Background(), "/nonexistent/file.ogg"); err == nil {
		t.Fatal("missing file should error, not silently skip")
	}
}

func TestTranscribeSendsMultipartAndAuth(t *testing.T) {
	audio := tempAudio(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != sttEndpointPath {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-stt" {
			t.Errorf("auth header = %q", got)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
		}
		if _, _, err := r.FormFile("file"); err != nil {
			t.Errorf("missing file field: %v", err)
		}
		if got := r.FormValue("tenant_id"); got != "acme" {
			t.Errorf("tenant_id = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"transcript":"hello world"}`))
	}))
	defer srv.Close()

	c := sttChannel(config.TelegramConfig{
		STTProxyURL: srv.URL,
		STTAPIKey:   "sk-stt",
		STTTenantID: "acme",
	})
	transcript, err := c.transcribeAudio(context.Background(), audio)
	if err != nil {
		t.Fatal(err)
	}
	if transcript != "hello world" {
		t.Fatalf("transcript = %q", transcript)
	}
}

func TestTranscribeOmitsOptionalFields(t *testing.T) {
	audio := tempAudio(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "" {
			t.Errorf("unexpected auth header %q", got)
		}
		r.ParseMultipartForm(1 << 20)
		if got := r.FormValue("tenant_id"); got != "" {
			t.Errorf("unexpected tenant_id %q", got)
		}
		w.Write([]byte(`{"transcript":"ok"}`))
	}))
	defer srv.Close()

	c := sttChannel(config.TelegramConfig{STTProxyURL: srv.URL})
	if _, err := c.transcribeAudio(context.Background(), audio); err != nil {
		t.Fatal(err)
	}
}

func TestTranscribeAcceptsTextKey(t *testing.T) {
	audio := tempAudio(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"text":"alternate shape"}`))
	}))
	defer srv.Close()

	c := sttChannel(config.TelegramConfig{STTProxyURL: srv.URL})
	transcript, err := c.transcribeAudio(context.Background(), audio)
	if err != nil {
		t.Fatal(err)
	}
	if transcript != "alternate shape" {
		t.Fatalf("transcript = %q", transcript)
	}
}

func TestTranscribeUpstreamFailures(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"server error", http.StatusInternalServerError, "boom"},
		{"bad json", http.StatusOK, "not-json{"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			audio := tempAudio(t)
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c := sttChannel(config.TelegramConfig{STTProxyURL: srv.URL})
			if _, err := c.transcribeAudio(context.Background(), audio); err == nil {
				t.Fatal("expected an error")
			}
		})
	}
}

func TestTranscribeEmptyTranscriptIsNotAnError(t *testing.T) {
	audio := tempAudio(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"transcript":""}`))
	}))
	defer srv.Close()

	c := sttChannel(config.TelegramConfig{STTProxyURL: srv.URL})
	transcript, err := c.transcribeAudio(context.Background(), audio)
	if err != nil || transcript != "" {
		t.Fatalf("got %q err=%v", transcript, err)
	}
}

func TestTranscribeHonorsContextCancellation(t *testing.T) {
	audio := tempAudio(t)
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := sttChannel(config.TelegramConfig{STTProxyURL: srv.URL})
	if _, err := c.transcribeAudio(ctx, audio); err == nil {
		t.Fatal("cancelled context should abort the request")
	}
}
