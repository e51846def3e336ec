package eventstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/civkit/civkitd/wire"
)

// StoredEvent is a wire.Event plus the cumulative hash recorded for it at
// write time.
type StoredEvent struct {
	wire.Event
	CumulativeHash string
}

func marshalTags(tags []wire.Tag) (string, error) {
	b, err := json.Marshal(tags)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalTags(s string) ([]wire.Tag, error) {
	var tags []wire.Tag
	if err := json.Unmarshal([]byte(s), &tags); err != nil {
		return nil, err
	}
	return tags, nil
}

// WriteEvent inserts e with the given cumulativeHash, and, if replaced is
// non-empty, atomically deletes those event ids first -- all within one
// transaction, as spec.md §4.3 requires. It returns false (with no error)
// if e already exists, matching the "insert is the only mutation besides
// the replaceable-kind delete" invariant.
func (db *DB) WriteEvent(e *wire.Event, cumulativeHash string, replaced []string) (bool, error) {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	tagsJSON, err := marshalTags(e.Tags)
	if err != nil {
		return false, fmt.Errorf("marshal tags: %w", err)
	}

	tx, err := db.Begin()
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if len(replaced) > 0 {
		placeholders := make([]string, len(replaced))
		args := make([]interface{}, len(replaced))
		for i, id := range replaced {
			placeholders[i] = "?"
			args[i] = id
		}
		q := fmt.Sprintf(`DELETE FROM event WHERE id IN (%s)`,
			strings.Join(placeholders, ","))
		if _, err := tx.Exec(q, args...); err != nil {
			return false, fmt.Errorf("delete replaced events: %w", err)
		}
	}

	db.seq++
	res, err := tx.Exec(
		`INSERT OR IGNORE INTO event
			(id, pubkey, created_at, kind, tags, content, sig,
			 cumulative_hash, insertion_seq)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.PubKey, e.CreatedAt, int64(e.Kind), tagsJSON,
		e.Content, e.Sig, cumulativeHash, db.seq,
	)
	if err != nil {
		db.seq--
		return false, fmt.Errorf("insert event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		// Already present; not an error, just not a new write.
		db.seq--
		if err := tx.Commit(); err != nil {
			return false, err
		}
		return false, nil
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

// FindReplaceTarget returns the id of the currently-stored event occupying
// e's (author, kind) replaceable slot, if e.Kind.IsReplaceable() and such a
// row exists.
func (db *DB) FindReplaceTarget(e *wire.Event) (string, bool, error) {
	if !e.Kind.IsReplaceable() {
		return "", false, nil
	}
	row := db.QueryRow(
		`SELECT id, created_at FROM event WHERE pubkey = ? AND kind = ?`,
		e.PubKey, int64(e.Kind),
	)
	var (
		id        string
		createdAt int64
	)
	if err := row.Scan(&id, &createdAt); err != nil {
		if err == sql.ErrNoRows {
			return "", false, nil
		}
		return "", false, err
	}

	existing := &wire.Event{ID: id, PubKey: e.PubKey, Kind: e.Kind, CreatedAt: createdAt}
	if e.Supersedes(existing) {
		return id, true, nil
	}
	return id, false, nil
}

func scanEvent(row interface{ Scan(...interface{}) error }) (*StoredEvent, error) {
	var (
		se       StoredEvent
		kind     int64
		tagsJSON string
	)
	if err := row.Scan(&se.ID, &se.PubKey, &se.CreatedAt, &kind, &tagsJSON,
		&se.Content, &se.Sig, &se.CumulativeHash); err != nil {
		return nil, err
	}
	se.Kind = wire.Kind(kind)
	tags, err := unmarshalTags(tagsJSON)
	if err != nil {
		return nil, fmt.Errorf("unmarshal tags: %w", err)
	}
	se.Tags = tags
	return &se, nil
}

// QueryEvents returns every stored event matching f, ordered by insertion
// order (the order new subscribers should be replayed in before EOSE).
func (db *DB) QueryEvents(f *wire.Filter) ([]*StoredEvent, error) {
	rows, err := db.Query(
		`SELECT id, pubkey, created_at, kind, tags, content, sig, cumulative_hash
		 FROM event ORDER BY insertion_seq ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []*StoredEvent
	for rows.Next() {
		se, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		if f == nil || f.Matches(&se.Event) {
			out = append(out, se)
		}
	}
	return out, rows.Err()
}

// GetLastCumulativeHash returns the cumulative hash of the most recently
// written event, or ErrNoEventsStored if the store is empty.
func (db *DB) GetLastCumulativeHash() (string, error) {
	row := db.QueryRow(
		`SELECT cumulative_hash FROM event ORDER BY insertion_seq DESC LIMIT 1`,
	)
	var hash string
	if err := row.Scan(&hash); err != nil {
		if err == sql.ErrNoRows {
			return "", ErrNoEventsStored
		}
		return "", err
	}
	return hash, nil
}

// GetAllEventIDsInOrder returns every stored event id in write order, the
// sequence the cumulative hash must be recomputable from (spec.md §3's
// monotonicity invariant).
func (db *DB) GetAllEventIDsInOrder() ([]string, error) {
	rows, err := db.Query(`SELECT id FROM event ORDER BY insertion_seq ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// PrintEvents returns every stored event for introspection (Admin Facade
// ListDbEvents).
func (db *DB) PrintEvents() ([]*StoredEvent, error) {
	return db.QueryEvents(nil)
}
