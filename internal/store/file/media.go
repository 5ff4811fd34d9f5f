package file

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/halogate/halogate/internal/store"
)

// MediaMetaStore keeps one JSON sidecar per stored blob, named
// "{hash}.json" in the same two-character shard directory as the blob. Sidecars are tiny and
// written whole, so a plain write-then-rename is atomic enough.
type MediaMetaStore struct {
	dir string
}

var _ store.MediaStore = (*MediaMetaStore)(nil)

// NewMediaMetaStore creates the sidecar store rooted at dir (normally the
// same root the blob store uses).
func NewMediaMetaStore(dir string) (*MediaMetaStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}
	return &MediaMetaStore{dir: dir}, nil
}

func (s *MediaMetaStore) sidecarPath(hash string) string {
	if len(hash) < 2 {
		return filepath.Join(s.dir, hash+".json")
	}
	return filepath.Join(s.dir, hash[:2], hash+".json")
}

func (s *MediaMetaStore) Put(rec store.MediaRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	path := s.sidecarPath(rec.Hash)
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (s *MediaMetaStore) Get(hash string) (store.MediaRecord, bool, error) {
	data, err := os.ReadFile(s.sidecarPath(hash))
	if err != nil {
		if os.IsNotExist(err) {
			return store.MediaRecord{}, false, nil
		}
		return store.MediaRecord{}, false, err
	}
	var rec store.MediaRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return store.MediaRecord{}, false, err
	}
	return rec, true, nil
}

func (s *MediaMetaStore) Delete(hash string) error {
	err := os.Remove(s.sidecarPath(hash))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// ListExpired walks every sidecar and returns records whose TTL elapsed
// before the given time. The walk is cheap at local-first scale; a deployment
// with millions of objects would want the sqlite backend instead.
func (s *MediaMetaStore) ListExpired(before time.Time) ([]store.MediaRecord, error) {
	var expired []store.MediaRecord
	err := filepath.WalkDir(s.dir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(path, ".json") {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil
		}
		var rec store.MediaRecord
		if json.Unmarshal(data, &rec) != nil {
			return nil
		}
		if rec.ExpiresAt.Before(before) {
			expired = append(expired, rec)
		}
		return nil
	})
	return expired, err
}
