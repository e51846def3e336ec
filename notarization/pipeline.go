// Package notarization implements the Notarization Pipeline: cumulative
// hash maintenance over accepted events (spec.md §4.4.1) and the 4-part
// verification that binds an external attestation to a confirmed Bitcoin
// transaction (spec.md §4.4.2).
package notarization

import (
	"encoding/json"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg"

	"github.com/civkit/civkitd/attestation"
	"github.com/civkit/civkitd/eventstore"
)

// OracleVerifier is the subset of the Chain Oracle Adapter the pipeline
// needs for step 4 (on-chain existence).
type OracleVerifier interface {
	VerifyInclusionProof(merkleBlockHex string) (bool, error)
}

// Config carries the chain-binding derivation parameters, spec.md §6's
// [mainstay] base_pubkey/chain_code plus the active network.
type Config struct {
	BasePubKey string
	ChainCode  string
	NetParams  *chaincfg.Params
}

// Pipeline owns the event store's cumulative hash column and verifies
// incoming attestations against it.
type Pipeline struct {
	cfg    Config
	store  *eventstore.DB
	oracle OracleVerifier

	// lastVerified is the most recent attestation to pass all four
	// checks; a failing attestation leaves this untouched, per spec.md
	// §4.4.2's "any failure ... leaves the previous verified record in
	// place".
	lastVerified *attestation.Attestation
}

// New constructs a Pipeline.
func New(cfg Config, store *eventstore.DB, oracle OracleVerifier) *Pipeline {
	return &Pipeline{cfg: cfg, store: store, oracle: oracle}
}

// AdvanceCumulativeHash computes the next cumulative hash for eventID given
// the store's current tip, to be written in the same transaction as the
// event itself (spec.md §4.4.1).
func (p *Pipeline) AdvanceCumulativeHash(eventID string) (string, error) {
	prev, err := p.store.GetLastCumulativeHash()
	if err != nil && err != eventstore.ErrNoEventsStored {
		return "", fmt.Errorf("read last cumulative hash: %w", err)
	}
	return ComputeCumulativeHash(prev, eventID)
}

// VerifyAttestation runs all four checks from spec.md §4.4.2 against a.
// On success it records the attestation and becomes the new lastVerified;
// on any failure the previous record is untouched and the error names
// which check failed.
func (p *Pipeline) VerifyAttestation(a *attestation.Attestation) error {
	if err := p.checkCommitment(a); err != nil {
		return fmt.Errorf("commitment check failed: %w", err)
	}
	if err := VerifySlotProof(a.Commitment, a.Ops, a.MerkleRoot); err != nil {
		return fmt.Errorf("slot-proof check failed: %w", err)
	}
	if err := p.checkChainBinding(a); err != nil {
		return fmt.Errorf("chain-binding check failed: %w", err)
	}
	ok, err := p.oracle.VerifyInclusionProof(a.TxOutProof)
	if err != nil {
		return fmt.Errorf("on-chain existence check errored: %w", err)
	}
	if !ok {
		return fmt.Errorf("on-chain existence check failed: " +
			"verifytxoutproof rejected the proof")
	}

	opsJSON, err := json.Marshal(a.Ops)
	if err != nil {
		return fmt.Errorf("marshal ops: %w", err)
	}
	if _, err := p.store.WriteAttestation(&eventstore.AttestationRecord{
		Txid:       a.Txid,
		Commitment: a.Commitment,
		MerkleRoot: a.MerkleRoot,
		OpsJSON:    string(opsJSON),
		TxOutProof: a.TxOutProof,
		RawTx:      a.RawTx,
	}); err != nil {
		return fmt.Errorf("persist attestation: %w", err)
	}

	p.lastVerified = a
	ntrzLog.Infof("attestation %s verified and recorded", a.Txid)
	return nil
}

// checkChainBinding derives the expected P2WPKH script from a.MerkleRoot
// and requires it to equal the scriptPubKey of the raw transaction's first
// output (spec.md §4.4.2 step 3).
func (p *Pipeline) checkChainBinding(a *attestation.Attestation) error {
	scriptHex, err := DeriveChildScript(p.cfg.BasePubKey, p.cfg.ChainCode,
		a.MerkleRoot, p.cfg.NetParams)
	if err != nil {
		return fmt.Errorf("derive expected script: %w", err)
	}

	var rawTx struct {
		Vout []struct {
			ScriptPubKey struct {
				Hex string `json:"hex"`
			} `json:"scriptPubKey"`
		} `json:"vout"`
	}
	if err := json.Unmarshal([]byte(a.RawTx), &rawTx); err != nil {
		return fmt.Errorf("decode raw tx: %w", err)
	}
	if len(rawTx.Vout) == 0 {
		return fmt.Errorf("raw tx has no outputs")
	}
	if rawTx.Vout[0].ScriptPubKey.Hex != scriptHex {
		return fmt.Errorf("derived script %s != vout[0] script %s",
			scriptHex, rawTx.Vout[0].ScriptPubKey.Hex)
	}
	return nil
}

// checkCommitment recomputes the cumulative hash over every stored event
// id and requires it to equal a.Commitment (spec.md §4.4.2 step 1).
func (p *Pipeline) checkCommitment(a *attestation.Attestation) error {
	ids, err := p.store.GetAllEventIDsInOrder()
	if err != nil {
		return fmt.Errorf("read event ids: %w", err)
	}
	recomputed, err := RecomputeCumulativeHash(ids)
	if err != nil {
		return err
	}
	if recomputed != a.Commitment {
		return fmt.Errorf("recomputed cumulative hash %s != commitment %s",
			recomputed, a.Commitment)
	}
	return nil
}

// LastVerified returns the most recently verified attestation, or nil if
// none has ever passed all four checks.
func (p *Pipeline) LastVerified() *attestation.Attestation {
	return p.lastVerified
}
