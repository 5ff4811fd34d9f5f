package media

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"testing"
	"time"

	"github.com/halogate/halogate/internal/store/file"
)

func newTestMediaStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	meta, err := file.NewMediaMetaStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	s, err := NewStore(dir, meta)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestPutIsContentAddressed(t *testing.T) {
	s := newTestMediaStore(t)
	data := []byte("hello media")

	rec, err := s.Put(data, "text/plain", "", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	sum := sha256.Sum256(data)
	if rec.Hash != hex.EncodeToString(sum[:]) {
		t.Fatalf("hash = %q", rec.Hash)
	}

	got, err := s.Open(rec.Hash)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello media" {
		t.Fatalf("blob = %q", got)
	}
}

func TestPutIsIdempotent(t *testing.T) {
	s := newTestMediaStore(t)
	data := []byte("same bytes")

	r1, err := s.Put(data, "text/plain", "", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	r2, err := s.Put(data, "text/plain", "", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if r1.Hash != r2.Hash {
		t.Fatalf("hashes differ: %q vs %q", r1.Hash, r2.Hash)
	}
	if _, err := os.Stat(s.Path(r1.Hash)); err != nil {
		t.Fatal(err)
	}
}

func TestExpiredObjectsInvisibleAndCollected(t *testing.T) {
	s := newTestMediaStore(t)
	rec, err := s.Put([]byte("short lived"), "text/plain", "", time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)

	if _, ok := s.Get(rec.Hash); ok {
		t.Fatal("expired object still visible")
	}
	if n := s.GC(time.Now().UTC()); n != 1 {
		t.Fatalf("collected %d objects, want 1", n)
	}
	if _, err := os.Stat(s.Path(rec.Hash)); !os.IsNotExist(err) {
		t.Fatal("blob survived GC")
	}
}

func TestGCKeepsLiveObjects(t *testing.T) {
	s := newTestMediaStore(t)
	rec, err := s.Put([]byte("long lived"), "text/plain", "", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if n := s.GC(time.Now().UTC()); n != 0 {
		t.Fatalf("collected %d live objects", n)
	}
	if _, ok := s.Get(rec.Hash); !ok {
		t.Fatal("live object vanished")
	}
}
