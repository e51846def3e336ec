// Package eventstore is the persistent Event Store: an append-only local
// store of accepted events, connected clients and inclusion proofs,
// queryable by filter. It is the single serialization point for event
// ordering (spec.md §4.3): the connection pool is limited to a single
// connection, so writes and reads all share it and run one at a time.
package eventstore

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

const (
	dbName           = "civkit.db"
	dbFilePermission = 0600
)

const schema = `
CREATE TABLE IF NOT EXISTS event (
	id             TEXT PRIMARY KEY,
	pubkey         TEXT NOT NULL,
	created_at     INTEGER NOT NULL,
	kind           INTEGER NOT NULL,
	tags           TEXT NOT NULL,
	content        TEXT NOT NULL,
	sig            TEXT NOT NULL,
	cumulative_hash TEXT NOT NULL,
	insertion_seq  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_event_author_kind ON event(pubkey, kind);
CREATE INDEX IF NOT EXISTS idx_event_kind ON event(kind);
CREATE INDEX IF NOT EXISTS idx_event_created_at ON event(created_at);
CREATE INDEX IF NOT EXISTS idx_event_insertion_seq ON event(insertion_seq);

CREATE TABLE IF NOT EXISTS client (
	client_id    INTEGER PRIMARY KEY,
	remote_addr  TEXT NOT NULL,
	author_pubkey TEXT
);

CREATE TABLE IF NOT EXISTS inclusion_proof (
	txid        TEXT PRIMARY KEY,
	commitment  TEXT NOT NULL,
	merkle_root TEXT NOT NULL,
	ops         TEXT NOT NULL,
	txoutproof  TEXT NOT NULL,
	raw_tx      TEXT NOT NULL
);
`

// DB is the primary datastore for civkitd: every accepted event, every
// client session ever seen, and every ingested attestation record.
type DB struct {
	*sql.DB

	dbPath string

	// writeMu serializes all writes so that cumulative-hash order
	// matches event-store write order exactly, per spec.md §4.3/§5.
	writeMu sync.Mutex

	// seq is the monotonic insertion counter backing
	// GetAllEventIDsInOrder.
	seq int64
}

// Open opens (creating if necessary) the event store rooted at dbPath.
func Open(dbPath string) (*DB, error) {
	if err := os.MkdirAll(dbPath, 0700); err != nil {
		return nil, fmt.Errorf("unable to create data dir: %w", err)
	}
	path := filepath.Join(dbPath, dbName)

	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("unable to open event store: %w", err)
	}
	// The single-writer policy in spec.md §5 is enforced at the
	// application level via writeMu; restricting the pool to one
	// connection keeps sqlite's own locking aligned with that policy.
	sqlDB.SetMaxOpenConns(1)

	if _, err := sqlDB.Exec(schema); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("unable to apply schema: %w", err)
	}

	db := &DB{DB: sqlDB, dbPath: dbPath}

	var maxSeq sql.NullInt64
	row := sqlDB.QueryRow(`SELECT MAX(insertion_seq) FROM event`)
	if err := row.Scan(&maxSeq); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("unable to read insertion sequence: %w", err)
	}
	db.seq = maxSeq.Int64

	return db, nil
}

// Close releases the underlying sqlite connection.
func (db *DB) Close() error {
	return db.DB.Close()
}
