package eventstore

import "database/sql"

// AttestationRecord is the persisted form of spec.md §3's Attestation
// Record.
type AttestationRecord struct {
	Txid        string
	Commitment  string
	MerkleRoot  string
	OpsJSON     string
	TxOutProof  string
	RawTx       string
}

// WriteAttestation inserts a.Txid idempotently: a second call with the same
// txid is a no-op, matching spec.md §8's "idempotent attestation ingest"
// property.
func (db *DB) WriteAttestation(a *AttestationRecord) (bool, error) {
	res, err := db.Exec(
		`INSERT OR IGNORE INTO inclusion_proof
			(txid, commitment, merkle_root, ops, txoutproof, raw_tx)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		a.Txid, a.Commitment, a.MerkleRoot, a.OpsJSON, a.TxOutProof, a.RawTx,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// GetAttestation looks up a previously stored attestation by txid.
func (db *DB) GetAttestation(txid string) (*AttestationRecord, error) {
	row := db.QueryRow(
		`SELECT txid, commitment, merkle_root, ops, txoutproof, raw_tx
		 FROM inclusion_proof WHERE txid = ?`, txid,
	)
	var a AttestationRecord
	if err := row.Scan(&a.Txid, &a.Commitment, &a.MerkleRoot, &a.OpsJSON,
		&a.TxOutProof, &a.RawTx); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &a, nil
}
