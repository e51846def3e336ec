package eventstore

import "database/sql"

// ClientSession is the persisted projection of a Fan-Out Engine client
// session (spec.md §3's Client Session, minus its in-memory subscription
// set, which the Fan-Out Engine alone owns).
type ClientSession struct {
	ClientID     int64
	RemoteAddr   string
	AuthorPubKey string // empty until bound on the client's first accepted event
}

// WriteClient upserts a client session row.
func (db *DB) WriteClient(c *ClientSession) error {
	_, err := db.Exec(
		`INSERT INTO client (client_id, remote_addr, author_pubkey)
		 VALUES (?, ?, ?)
		 ON CONFLICT(client_id) DO UPDATE SET
			remote_addr = excluded.remote_addr,
			author_pubkey = excluded.author_pubkey`,
		c.ClientID, c.RemoteAddr, nullableString(c.AuthorPubKey),
	)
	return err
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// PrintClients returns every client session ever seen (Admin Facade
// ListDbClients).
func (db *DB) PrintClients() ([]*ClientSession, error) {
	rows, err := db.Query(`SELECT client_id, remote_addr, author_pubkey FROM client`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ClientSession
	for rows.Next() {
		var (
			c      ClientSession
			pubkey sql.NullString
		)
		if err := rows.Scan(&c.ClientID, &c.RemoteAddr, &pubkey); err != nil {
			return nil, err
		}
		c.AuthorPubKey = pubkey.String
		out = append(out, &c)
	}
	return out, rows.Err()
}
