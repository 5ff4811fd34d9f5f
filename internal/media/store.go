// Package media implements content-addressed attachment storage: blobs named
// by their sha256 hash under a root directory, metadata sidecars tracked in a
// MediaStore backend, TTL-based garbage collection, and an SSRF-guarded URL
// fetcher for pulling remote attachments in.
package media

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/halogate/halogate/internal/store"
)

// DefaultTTL is how long a stored object lives when the caller doesn't say.
const DefaultTTL = 72 * time.Hour

// Store is the content-addressed media store. Writes are idempotent: storing
// the same bytes twice yields the same hash and one file on disk.
type Store struct {
	root   string
	meta   store.MediaStore
	hot    *lru.Cache[string, store.MediaRecord]
	defTTL time.Duration
}

// NewStore opens a Store rooted at dir, using meta for sidecar metadata.
func NewStore(dir string, meta store.MediaStore) (*Store, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("media store root: %w", err)
	}
	hot, err := lru.New[string, store.MediaRecord](512)
	if err != nil {
		return nil, err
	}
	return &Store{root: dir, meta: meta, hot: hot, defTTL: DefaultTTL}, nil
}

// Put stores data and returns its record. A zero ttl uses DefaultTTL.
// Re-putting existing content refreshes the expiry rather than duplicating
// the blob.
func (s *Store) Put(data []byte, contentType, sourceURL string, ttl time.Duration) (store.MediaRecord, error) {
	if ttl <= 0 {
		ttl = s.defTTL
	}
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	path := s.blobPath(hash)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return store.MediaRecord{}, err
		}
		tmp := path + ".tmp"
		if err := os.WriteFile(tmp, data, 0600); err != nil {
			return store.MediaRecord{}, err
		}
		if err := os.Rename(tmp, path); err != nil {
			os.Remove(tmp)
			return store.MediaRecord{}, err
		}
	}

	now := time.Now().UTC()
	rec := store.MediaRecord{
		Hash:        hash,
		ContentType: contentType,
		SizeBytes:   int64(len(data)),
		SourceURL:   sourceURL,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}
	if err := s.meta.Put(rec); err != nil {
		return store.MediaRecord{}, err
	}
	s.hot.Add(hash, rec)
	return rec, nil
}

// PutFile stores the contents of an existing local file.
func (s *Store) PutFile(path, contentType string, ttl time.Duration) (store.MediaRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return store.MediaRecord{}, err
	}
	return s.Put(data, contentType, "", ttl)
}

// Get returns the record for hash, if present and unexpired.
func (s *Store) Get(hash string) (store.MediaRecord, bool) {
	if rec, ok := s.hot.Get(hash); ok {
		if time.Now().UTC().Before(rec.ExpiresAt) {
			return rec, true
		}
		s.hot.Remove(hash)
		return store.MediaRecord{}, false
	}
	rec, ok, err := s.meta.Get(hash)
	if err != nil || !ok {
		return store.MediaRecord{}, false
	}
	if !time.Now().UTC().Before(rec.ExpiresAt) {
		return store.MediaRecord{}, false
	}
	s.hot.Add(hash, rec)
	return rec, true
}

// Path returns the blob's on-disk path for hash. The file may not exist if
// the object was never stored or already collected.
func (s *Store) Path(hash string) string {
	return s.blobPath(hash)
}

// Open reads the full blob for hash.
func (s *Store) Open(hash string) ([]byte, error) {
	if _, ok := s.Get(hash); !ok {
		return nil, fmt.Errorf("media: %s not found or expired", hash)
	}
	return os.ReadFile(s.blobPath(hash))
}

// GC deletes every object whose TTL elapsed before now, returning how many
// were collected.
func (s *Store) GC(now time.Time) int {
	expired, err := s.meta.ListExpired(now)
	if err != nil {
		slog.Warn("media gc: listing expired objects failed", "error", err)
		return 0
	}
	collected := 0
	for _, rec := range expired {
		if err := os.Remove(s.blobPath(rec.Hash)); err != nil && !os.IsNotExist(err) {
			slog.Warn("media gc: blob removal failed", "hash", rec.Hash, "error", err)
			continue
		}
		if err := s.meta.Delete(rec.Hash); err != nil {
			slog.Warn("media gc: sidecar removal failed", "hash", rec.Hash, "error", err)
			continue
		}
		s.hot.Remove(rec.Hash)
		collected++
	}
	if collected > 0 {
		slog.Info("media gc", "collected", collected)
	}
	return collected
}

// RunGC sweeps expired objects on interval until stop is closed.
func (s *Store) RunGC(interval time.Duration, stop <-chan struct{}) {
	if interval <= 0 {
		interval = time.Hour
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case now := <-t.C:
			s.GC(now.UTC())
		}
	}
}

func (s *Store) blobPath(hash string) string {
	if len(hash) < 2 {
		return filepath.Join(s.root, hash)
	}
	return filepath.Join(s.root, hash[:2], hash)
}
