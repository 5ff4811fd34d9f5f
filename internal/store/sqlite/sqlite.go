// Package sqlite backs the auth-profile and media metadata stores with a
// single local SQLite database. It's the alternative to the per-file JSON
// backends for installs whose media volume makes directory walks on GC too
// slow.
package sqlite

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/halogate/halogate/internal/store"
)

// DB wraps the shared database handle the individual stores hang off.
type DB struct {
	db *sql.DB
}

// Open creates (or opens) the database at path and applies the schema.
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	// One writer at a time keeps modernc's driver honest under concurrency.
	db.SetMaxOpenConns(1)
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := os.Chmod(path, 0600); err != nil && !os.IsNotExist(err) {
		db.Close()
		return nil, err
	}
	return &DB{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
CREATE TABLE IF NOT EXISTS auth_profiles (
    provider         TEXT NOT NULL,
    id               TEXT NOT NULL,
    error_count      INTEGER NOT NULL DEFAULT 0,
    disabled_until   INTEGER NOT NULL DEFAULT 0,
    last_used_at     INTEGER NOT NULL DEFAULT 0,
    last_error_class TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (provider, id)
);
CREATE TABLE IF NOT EXISTS media_objects (
    hash         TEXT PRIMARY KEY,
    content_type TEXT NOT NULL,
    size_bytes   INTEGER NOT NULL,
    source_url   TEXT NOT NULL DEFAULT '',
    created_at   INTEGER NOT NULL,
    expires_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_media_expires ON media_objects (expires_at);
`)
	return err
}

// Close closes the underlying handle.
func (d *DB) Close() error { return d.db.Close() }

// AuthProfiles returns the AuthProfileStore view of this database.
func (d *DB) AuthProfiles() store.AuthProfileStore { return &authProfileStore{db: d.db} }

// Media returns the MediaStore view of this database.
func (d *DB) Media() store.MediaStore { return &mediaStore{db: d.db} }

type authProfileStore struct {
	db *sql.DB
}

func (s *authProfileStore) List(provider string) ([]store.AuthProfile, error) {
	rows, err := s.db.Query(`
SELECT id, provider, error_count, disabled_until, last_used_at, last_error_class
FROM auth_profiles WHERE provider = ?`, provider)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.AuthProfile
	for rows.Next() {
		var p store.AuthProfile
		var disabled, lastUsed int64
		if err := rows.Scan(&p.ID, &p.Provider, &p.ErrorCount, &disabled, &lastUsed, &p.LastErrorClass); err != nil {
			return nil, err
		}
		p.DisabledUntil = fromUnix(disabled)
		p.LastUsedAt = fromUnix(lastUsed)
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *authProfileStore) Upsert(p store.AuthProfile) error {
	_, err := s.db.Exec(`
INSERT INTO auth_profiles (provider, id, error_count, disabled_until, last_used_at, last_error_class)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (provider, id) DO UPDATE SET
    error_count = excluded.error_count,
    disabled_until = excluded.disabled_until,
    last_used_at = excluded.last_used_at,
    last_error_class = excluded.last_error_class`,
		p.Provider, p.ID, p.ErrorCount, toUnix(p.DisabledUntil), toUnix(p.LastUsedAt), p.LastErrorClass)
	return err
}

type mediaStore struct {
	db *sql.DB
}

func (s *mediaStore) Put(rec store.MediaRecord) error {
	_, err := s.db.Exec(`
INSERT INTO media_objects (hash, content_type, size_bytes, source_url, created_at, expires_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (hash) DO UPDATE SET
    content_type = excluded.content_type,
    size_bytes = excluded.size_bytes,
    source_url = excluded.source_url,
    expires_at = excluded.expires_at`,
		rec.Hash, rec.ContentType, rec.SizeBytes, rec.SourceURL, toUnix(rec.CreatedAt), toUnix(rec.ExpiresAt))
	return err
}

func (s *mediaStore) Get(hash string) (store.MediaRecord, bool, error) {
	var rec store.MediaRecord
	var created, expires int64
	err := s.db.QueryRow(`
SELECT hash, content_type, size_bytes, source_url, created_at, expires_at
FROM media_objects WHERE hash = ?`, hash).
		Scan(&rec.Hash, &rec.ContentType, &rec.SizeBytes, &rec.SourceURL, &created, &expires)
	if err == sql.ErrNoRows {
		return store.MediaRecord{}, false, nil
	}
	if err != nil {
		return store.MediaRecord{}, false, err
	}
	rec.CreatedAt = fromUnix(created)
	rec.ExpiresAt = fromUnix(expires)
	return rec, true, nil
}

func (s *mediaStore) Delete(hash string) error {
	_, err := s.db.Exec(`DELETE FROM media_objects WHERE hash = ?`, hash)
	return err
}

func (s *mediaStore) ListExpired(before time.Time) ([]store.MediaRecord, error) {
	rows, err := s.db.Query(`
SELECT hash, content_type, size_bytes, source_url, created_at, expires_at
FROM media_objects WHERE expires_at < ?`, toUnix(before))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.MediaRecord
	for rows.Next() {
		var rec store.MediaRecord
		var created, expires int64
		if err := rows.Scan(&rec.Hash, &rec.ContentType, &rec.SizeBytes, &rec.SourceURL, &created, &expires); err != nil {
			return nil, err
		}
		rec.CreatedAt = fromUnix(created)
		rec.ExpiresAt = fromUnix(expires)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func toUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromUnix(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
