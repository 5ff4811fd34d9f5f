package file

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/halogate/halogate/internal/store"
)

// AuthPoolStore persists auth-profile cooldown state in a single JSON file,
// rewritten atomically on every change. The file holds credentials metadata
// (never the credentials themselves), but its mode is still owner-only since
// error histories leak which accounts exist.
type AuthPoolStore struct {
	path string

	mu       sync.Mutex
	profiles []store.AuthProfile
}

var _ store.AuthProfileStore = (*AuthPoolStore)(nil)

// NewAuthPoolStore loads (or initializes) the profile file at path.
func NewAuthPoolStore(path string) (*AuthPoolStore, error) {
	s := &AuthPoolStore{path: path}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, err
	}
	if err := json.Unmarshal(data, &s.profiles); err != nil {
		// A corrupt cooldown file only costs us the cooldown history;
		// starting fresh beats refusing to boot.
		s.profiles = nil
	}
	return s, nil
}

func (s *AuthPoolStore) List(provider string) ([]store.AuthProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.AuthProfile
	for _, p := range s.profiles {
		if p.Provider == provider {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *AuthPoolStore) Upsert(profile store.AuthProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	replaced := false
	for i, p := range s.profiles {
		if p.Provider == profile.Provider && p.ID == profile.ID {
			s.profiles[i] = profile
			replaced = true
			break
		}
	}
	if !replaced {
		s.profiles = append(s.profiles, profile)
	}
	return s.saveLocked()
}

// saveLocked writes the whole profile list via temp file + fsync + rename so
// a crash mid-write never leaves a torn file.
func (s *AuthPoolStore) saveLocked() error {
	data, err := json.MarshalIndent(s.profiles, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, s.path)
}
