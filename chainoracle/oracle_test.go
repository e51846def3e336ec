package chainoracle

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// newRPCServer returns an httptest server that replies to any JSON-RPC
// call with result, and an Adapter pointed at it.
func newRPCServer(t *testing.T, result interface{}, rpcErr *rpcError) (*httptest.Server, *Adapter) {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		resp := rpcResponse{ID: req.ID, Error: rpcErr}
		if rpcErr == nil {
			raw, err := json.Marshal(result)
			require.NoError(t, err)
			resp.Result = raw
		}
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	host := u.Hostname()
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	a := New(Config{Host: host, Port: int32(port)})
	return srv, a
}

func TestGetTxInclusionProofReturnsHexProof(t *testing.T) {
	srv, a := newRPCServer(t, "deadbeef", nil)
	defer srv.Close()

	proof, err := a.GetTxInclusionProof("txid1")
	require.NoError(t, err)
	require.Equal(t, "deadbeef", proof)
}

func TestVerifyInclusionProofTrueOnNonEmptyTxids(t *testing.T) {
	srv, a := newRPCServer(t, []string{"txid1"}, nil)
	defer srv.Close()

	ok, err := a.VerifyInclusionProof("merkleblockhex")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestVerifyInclusionProofFalseOnEmptyTxids(t *testing.T) {
	srv, a := newRPCServer(t, []string{}, nil)
	defer srv.Close()

	ok, err := a.VerifyInclusionProof("merkleblockhex")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCallSurfacesRPCError(t *testing.T) {
	srv, a := newRPCServer(t, nil, &rpcError{Code: -5, Message: "No such mempool or blockchain transaction"})
	defer srv.Close()

	_, err := a.GetTxInclusionProof("missing")
	require.Error(t, err)
	require.True(t, strings.Contains(err.Error(), "No such mempool"))
}

func TestGetRawTxJSONReturnsVerbatimPayload(t *testing.T) {
	srv, a := newRPCServer(t, map[string]interface{}{
		"txid": "txid1",
		"vout": []map[string]interface{}{{"scriptPubKey": map[string]string{"hex": "51"}}},
	}, nil)
	defer srv.Close()

	raw, err := a.GetRawTxJSON("txid1")
	require.NoError(t, err)

	var decoded RawTx
	require.NoError(t, json.Unmarshal([]byte(raw), &decoded))
	require.Equal(t, "txid1", decoded.Txid)
	require.Equal(t, "51", decoded.Vout[0].ScriptPubKey.Hex)
}

func TestGetBlockchainInfoDecodesMap(t *testing.T) {
	srv, a := newRPCServer(t, map[string]interface{}{"chain": "regtest", "blocks": float64(100)}, nil)
	defer srv.Close()

	info, err := a.GetBlockchainInfo()
	require.NoError(t, err)
	require.Equal(t, "regtest", info["chain"])
}
