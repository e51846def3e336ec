// Package chainoracle implements the Chain Oracle Adapter: a JSON-RPC
// client to a Bitcoin full node used to validate Merkle inclusion proofs.
// It never retries internally (spec.md §4.1); transport and parse errors
// surface as a zero value plus error, and the caller decides whether to
// re-enqueue at the next tick.
package chainoracle

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"
)

// Config describes how to reach the bitcoind JSON-RPC endpoint, matching
// spec.md §6's [bitcoind_params] section.
type Config struct {
	Host        string
	Port        int32
	RPCUser     string
	RPCPassword string
	Chain       string
}

// Adapter is the Chain Oracle Adapter. It owns the one long-lived HTTP
// client to bitcoind and sends every call through it. Calls are not
// serialized: concurrent callers can have requests in flight at the same
// time.
type Adapter struct {
	cfg Config

	httpClient *http.Client
	endpoint   string

	nextID int64
}

// New constructs an Adapter from cfg.
func New(cfg Config) *Adapter {
	return &Adapter{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		endpoint:   fmt.Sprintf("http://%s:%d/", cfg.Host, cfg.Port),
	}
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int64         `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
	ID     int64           `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("bitcoind rpc error %d: %s", e.Code, e.Message)
}

// call issues a single JSON-RPC request whose id is taken from the
// adapter's own increasing counter; the adapter does not retry on failure.
func (a *Adapter) call(method string, params []interface{}, out interface{}) error {
	id := atomic.AddInt64(&a.nextID, 1)
	req := rpcRequest{JSONRPC: "1.0", ID: id, Method: method, Params: params}

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal rpc request: %w", err)
	}

	httpReq, err := http.NewRequest(http.MethodPost, a.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build rpc request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if a.cfg.RPCUser != "" {
		httpReq.SetBasicAuth(a.cfg.RPCUser, a.cfg.RPCPassword)
	}

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		orclLog.Warnf("%s (id=%d) transport error: %v", method, id, err)
		return fmt.Errorf("bitcoind transport error: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read rpc response: %w", err)
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(raw, &rpcResp); err != nil {
		return fmt.Errorf("parse rpc response: %w", err)
	}
	if rpcResp.Error != nil {
		return rpcResp.Error
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(rpcResp.Result, out)
}

// GetTxInclusionProof calls gettxoutproof for txid, returning the
// hex-encoded merkle block, or ("", err) on any transport/parse failure --
// the caller treats both as proof rejection per spec.md §4.1.
func (a *Adapter) GetTxInclusionProof(txid string) (string, error) {
	var hexProof string
	if err := a.call("gettxoutproof", []interface{}{[]string{txid}}, &hexProof); err != nil {
		return "", err
	}
	return hexProof, nil
}

// VerifyInclusionProof calls verifytxoutproof; it returns true only if the
// node accepted the proof and returned a non-empty txid array.
func (a *Adapter) VerifyInclusionProof(merkleBlockHex string) (bool, error) {
	var txids []string
	if err := a.call("verifytxoutproof", []interface{}{merkleBlockHex}, &txids); err != nil {
		return false, err
	}
	return len(txids) > 0, nil
}

// RawTx is the subset of getrawtransaction's verbose decoding this relay
// cares about.
type RawTx struct {
	Txid string `json:"txid"`
	Vout []struct {
		ScriptPubKey struct {
			Hex string `json:"hex"`
		} `json:"scriptPubKey"`
	} `json:"vout"`
}

// GetRawTx calls getrawtransaction txid true and returns the decoded
// transaction.
func (a *Adapter) GetRawTx(txid string) (*RawTx, error) {
	var tx RawTx
	if err := a.call("getrawtransaction", []interface{}{txid, true}, &tx); err != nil {
		return nil, err
	}
	return &tx, nil
}

// GetRawTxJSON calls getrawtransaction txid true and returns the raw
// decoded-transaction JSON verbatim, for attestation.Attestation.RawTx
// (the Notarization Pipeline re-parses just the scriptPubKey it needs).
func (a *Adapter) GetRawTxJSON(txid string) (string, error) {
	var raw json.RawMessage
	if err := a.call("getrawtransaction", []interface{}{txid, true}, &raw); err != nil {
		return "", err
	}
	return string(raw), nil
}

// GetBlockchainInfo calls getblockchaininfo, used by the Admin Facade's
// CheckChainState RPC and by the healthcheck observer.
func (a *Adapter) GetBlockchainInfo() (map[string]interface{}, error) {
	var info map[string]interface{}
	if err := a.call("getblockchaininfo", nil, &info); err != nil {
		return nil, err
	}
	return info, nil
}
