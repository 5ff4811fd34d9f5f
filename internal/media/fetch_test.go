package media

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/halogate/halogate/internal/store/file"
)

func newTestFetcher(t *testing.T, opts FetcherOptions) (*Fetcher, *Store) {
	t.Helper()
	dir := t.TempDir()
	meta, err := file.NewMediaMetaStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	st, err := NewStore(dir, meta)
	if err != nil {
		t.Fatal(err)
	}
	return NewFetcher(st, opts), st
}

func TestFetchRefusesLoopbackByDefault(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("secret"))
	}))
	defer srv.Close()

	f, _ := newTestFetcher(t, FetcherOptions{})
	if _, err := f.Fetch(context.Background(), srv.URL, time.Hour); err == nil {
		t.Fatal("loopback fetch should be refused")
	}
}

func TestFetchAllowsPrivateWhenOptedIn(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte("pngbytes"))
	}))
	defer srv.Close()

	f, st := newTestFetcher(t, FetcherOptions{AllowPrivate: true})
	rec, err := f.Fetch(context.Background(), srv.URL, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if rec.ContentType != "image/png" || rec.SizeBytes != int64(len("pngbytes")) {
		t.Fatalf("record = %+v", rec)
	}
	if _, ok := st.Get(rec.Hash); !ok {
		t.Fatal("fetched object not stored")
	}
}

func TestFetchEnforcesSizeCap(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strings.Repeat("x", 2048)))
	}))
	defer srv.Close()

	f, _ := newTestFetcher(t, FetcherOptions{AllowPrivate: true, MaxBytes: 1024})
	if _, err := f.Fetch(context.Background(), srv.URL, time.Hour); err == nil {
		t.Fatal("oversized body accepted")
	}
}

func TestFetchRejectsBadSchemes(t *testing.T) {
	f, _ := newTestFetcher(t, FetcherOptions{})
	for _, url := range []string{"file:///etc/passwd", "ftp://host/x", "gopher://host"} {
		if _, err := f.Fetch(context.Background(), url, time.Hour); err == nil {
			t.Errorf("scheme accepted: %s", url)
		}
	}
}
