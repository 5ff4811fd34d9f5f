package file

import (
	"encoding/json"
	"os"
	"path/filepath"
)

const indexFileName = "index.json"

// loadIndex reads the session index file, returning an empty map if it
// doesn't exist yet.
func loadIndex(dir string) (map[string]*entry, error) {
	path := filepath.Join(dir, indexFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]*entry{}, nil
		}
		return nil, err
	}
	var idx map[string]*entry
	if err := json.Unmarshal(data, &idx); err != nil {
		return map[string]*entry{}, nil // corrupt index: start fresh rather than fail startup
	}
	return idx, nil
}

// saveIndex atomically rewrites the whole index file (write to temp file,
// fsync, rename), same technique the transcript truncation uses.
func saveIndex(dir string, idx map[string]*entry) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(dir, indexFileName)
	tmp, err := os.CreateTemp(dir, ".tmp-index-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}
	cleanup = false
	return nil
}
