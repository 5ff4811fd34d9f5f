package pg

import (
	"fmt"

	"github.com/halogate/halogate/internal/store"
)

// NewSessionStoreFromDSN opens the database and returns the Postgres-backed
// SessionStore. The other stores (media metadata, auth-profile cooldowns,
// pairing) stay on their file or sqlite backends regardless of this setting;
// only session state is worth a database round-trip.
func NewSessionStoreFromDSN(dsn string) (store.SessionStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres backend selected but no DSN configured")
	}
	db, err := OpenDB(dsn)
	if err != nil {
		return nil, err
	}
	return NewPGSessionStore(db), nil
}
