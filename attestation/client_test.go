package attestation

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeOracleReader struct {
	proofCalls int
	txProof    string
	rawTx      string
}

func (f *fakeOracleReader) GetTxInclusionProof(string) (string, error) {
	f.proofCalls++
	return f.txProof, nil
}

func (f *fakeOracleReader) GetRawTxJSON(string) (string, error) {
	return f.rawTx, nil
}

func newLatestProofServer(t *testing.T, txid string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := LatestProofResponse{}
		resp.Response.Txid = txid
		resp.Response.Commitment = "commitment1"
		resp.Response.MerkleRoot = "root1"
		resp.Response.Ops = []Op{{Commitment: "commitment1"}}
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
}

func TestPollOnceEmitsOnNewTxid(t *testing.T) {
	srv := newLatestProofServer(t, "txid1")
	defer srv.Close()

	oracle := &fakeOracleReader{txProof: "proof1", rawTx: "rawtx1"}
	c := New(Config{URL: srv.URL, Position: 1, PollInterval: time.Minute}, oracle)

	require.NoError(t, c.pollOnce())

	select {
	case a := <-c.Attestations():
		require.Equal(t, "txid1", a.Txid)
		require.Equal(t, "proof1", a.TxOutProof)
	default:
		t.Fatal("expected an emitted attestation")
	}
	require.Equal(t, 1, oracle.proofCalls)
}

func TestPollOnceIsIdempotentOnUnchangedTxid(t *testing.T) {
	srv := newLatestProofServer(t, "txid1")
	defer srv.Close()

	oracle := &fakeOracleReader{txProof: "proof1", rawTx: "rawtx1"}
	c := New(Config{URL: srv.URL, Position: 1, PollInterval: time.Minute}, oracle)

	require.NoError(t, c.pollOnce())
	<-c.Attestations()

	require.NoError(t, c.pollOnce())
	select {
	case <-c.Attestations():
		t.Fatal("expected no second emission for an unchanged txid")
	default:
	}
	require.Equal(t, 1, oracle.proofCalls)
}

func TestNewEnforcesMinimumPollInterval(t *testing.T) {
	c := New(Config{PollInterval: time.Second}, &fakeOracleReader{})
	require.GreaterOrEqual(t, c.cfg.PollInterval, 60*time.Second)
}
