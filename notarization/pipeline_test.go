package notarization

import (
	"encoding/hex"
	"encoding/json"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/stretchr/testify/require"

	"github.com/civkit/civkitd/attestation"
	"github.com/civkit/civkitd/eventstore"
	"github.com/civkit/civkitd/wire"
)

type fakeOracleVerifier struct {
	valid bool
	err   error
}

func (f *fakeOracleVerifier) VerifyInclusionProof(string) (bool, error) {
	return f.valid, f.err
}

func newTestPipeline(t *testing.T, oracle OracleVerifier) (*Pipeline, *eventstore.DB, Config, string) {
	t.Helper()

	store, err := eventstore.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	basePubKey := hex.EncodeToString(priv.PubKey().SerializeCompressed())
	chainCode := hex.EncodeToString(make([]byte, 32))

	cfg := Config{BasePubKey: basePubKey, ChainCode: chainCode, NetParams: &chaincfg.RegressionNetParams}
	return New(cfg, store, oracle), store, cfg, basePubKey
}

// buildValidAttestation writes one event to store, then constructs an
// Attestation whose commitment, slot proof and chain-binding script all
// check out against that single-event cumulative hash.
func buildValidAttestation(t *testing.T, store *eventstore.DB, cfg Config) *attestation.Attestation {
	t.Helper()

	eventID := "aa11"
	e := &wire.Event{ID: eventID, PubKey: "pub1", Kind: wire.KindTextNote, CreatedAt: 1}
	_, err := store.WriteEvent(e, "unused", nil)
	require.NoError(t, err)

	commitment, err := ComputeCumulativeHash("", eventID)
	require.NoError(t, err)

	// A single-entry slot proof: the leaf is also the root.
	merkleRoot := commitment

	scriptHex, err := DeriveChildScript(cfg.BasePubKey, cfg.ChainCode, merkleRoot, cfg.NetParams)
	require.NoError(t, err)

	rawTx, err := json.Marshal(map[string]interface{}{
		"vout": []map[string]interface{}{
			{"scriptPubKey": map[string]string{"hex": scriptHex}},
		},
	})
	require.NoError(t, err)

	return &attestation.Attestation{
		Txid:       "txid1",
		Commitment: commitment,
		MerkleRoot: merkleRoot,
		Ops:        []attestation.Op{{Commitment: commitment}},
		TxOutProof: "deadbeef",
		RawTx:      string(rawTx),
	}
}

func TestVerifyAttestationSucceedsAndPersists(t *testing.T) {
	p, store, cfg, _ := newTestPipeline(t, &fakeOracleVerifier{valid: true})
	a := buildValidAttestation(t, store, cfg)

	require.NoError(t, p.VerifyAttestation(a))
	require.Equal(t, a, p.LastVerified())

	rec, err := store.GetAttestation("txid1")
	require.NoError(t, err)
	require.NotNil(t, rec)
}

func TestVerifyAttestationLeavesPreviousOnFailure(t *testing.T) {
	p, store, cfg, _ := newTestPipeline(t, &fakeOracleVerifier{valid: true})
	good := buildValidAttestation(t, store, cfg)
	require.NoError(t, p.VerifyAttestation(good))

	bad := *good
	bad.Commitment = "0000000000000000000000000000000000000000000000000000000000000000"
	require.Error(t, p.VerifyAttestation(&bad))

	require.Equal(t, good, p.LastVerified())
}

func TestVerifyAttestationFailsOnChainExistenceReject(t *testing.T) {
	p, store, cfg, _ := newTestPipeline(t, &fakeOracleVerifier{valid: false})
	a := buildValidAttestation(t, store, cfg)

	err := p.VerifyAttestation(a)
	require.Error(t, err)
	require.Nil(t, p.LastVerified())
}

func TestAdvanceCumulativeHashFromEmptyStore(t *testing.T) {
	p, _, _, _ := newTestPipeline(t, &fakeOracleVerifier{valid: true})
	hash, err := p.AdvanceCumulativeHash("aa11")
	require.NoError(t, err)

	want, err := ComputeCumulativeHash("", "aa11")
	require.NoError(t, err)
	require.Equal(t, want, hash)
}
