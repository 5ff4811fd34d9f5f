package config

import (
	"log/slog"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// Store publishes Config snapshots atomically. Readers call Current() and
// keep the returned pointer for the lifetime of whatever operation they're
// performing (e.g. a run); a concurrent reload never mutates that pointer's
// contents out from under them, it only swaps the Store's own pointer to a
// new one.
type Store struct {
	cur      atomic.Pointer[Config]
	path     string
	watcher  *fsnotify.Watcher
	onChange func(old, new *Config)
}

// NewStore creates a Store holding the given initial snapshot.
func NewStore(initial *Config) *Store {
	s := &Store{}
	s.cur.Store(initial)
	return s
}

// Current returns the currently published snapshot.
func (s *Store) Current() *Config {
	return s.cur.Load()
}

// Replace atomically publishes a new snapshot, invoking onChange (if set)
// with the old and new config for callers that invalidate derived caches
// (tool registries, binding tables) on config.apply.
func (s *Store) Replace(next *Config) {
	old := s.cur.Swap(next)
	if s.onChange != nil {
		s.onChange(old, next)
	}
}

// OnChange registers a callback invoked after every Replace.
func (s *Store) OnChange(fn func(old, new *Config)) {
	s.onChange = fn
}

// WatchFile starts an fsnotify watch on path, reloading and republishing a
// new snapshot whenever the file is written. Parse errors are logged and
// the previous snapshot is kept, since a partially-written file must never
// take down in-flight runs.
func (s *Store) WatchFile(path string) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(path); err != nil {
		w.Close()
		return err
	}
	s.watcher = w
	s.path = path

	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				cfg, err := LoadFile(path)
				if err != nil {
					slog.Warn("config reload failed, keeping previous snapshot", "path", path, "err", err)
					continue
				}
				slog.Info("config reloaded", "path", path)
				s.Replace(cfg)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				slog.Warn("config watcher error", "err", err)
			}
		}
	}()
	return nil
}

// Close stops the file watcher, if any.
func (s *Store) Close() error {
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}
