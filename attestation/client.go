// Package attestation implements the Attestation Client: an HTTP client
// to a Mainstay-style slot-based attestation service. It polls every
// configured interval (≥60s) for the configured slot and, on any txid
// change, enriches the new attestation with chain data and emits it on
// the Attestations channel for the Notarization Pipeline. The client does
// not write to the event store; the record is stored only by whoever
// consumes the channel.
package attestation

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/lightningnetwork/lnd/ticker"
)

// Config describes the attestation service endpoint, matching spec.md
// §6's [mainstay] section.
type Config struct {
	URL        string
	Position   int32
	Token      string
	BasePubKey string
	ChainCode  string

	// PollInterval must be >= 60s per spec.md §4.2.
	PollInterval time.Duration
}

// Op is one step of the authenticated Merkle path from a slot's commitment
// to the service's merkle_root.
type Op struct {
	Append     bool   `json:"append"`
	Commitment string `json:"commitment"`
}

// LatestProofResponse is the decoded body of
// GET {base}/commitment/latestproof?position={N}.
type LatestProofResponse struct {
	Response struct {
		Txid       string `json:"txid"`
		Commitment string `json:"commitment"`
		MerkleRoot string `json:"merkle_root"`
		Ops        []Op   `json:"ops"`
	} `json:"response"`
}

// Attestation is a newly observed, not-yet-verified attestation: the
// latest-proof response plus the Chain Oracle data needed to verify it.
type Attestation struct {
	Txid       string
	Commitment string
	MerkleRoot string
	Ops        []Op
	TxOutProof string
	RawTx      string
}

// OracleReader is the subset of the Chain Oracle Adapter the Attestation
// Client needs to enrich a new txid into a verifiable Attestation.
type OracleReader interface {
	GetTxInclusionProof(txid string) (string, error)
	GetRawTxJSON(txid string) (string, error)
}

// Client polls the attestation service and emits newly observed
// Attestations on Attestations().
type Client struct {
	cfg    Config
	oracle OracleReader

	httpClient *http.Client
	ticker     ticker.Ticker

	lastTxid string

	attestations chan *Attestation
	quit         chan struct{}
}

// New constructs a Client. It does not start polling until Start is
// called.
func New(cfg Config, oracle OracleReader) *Client {
	if cfg.PollInterval < 60*time.Second {
		cfg.PollInterval = 60 * time.Second
	}
	return &Client{
		cfg:          cfg,
		oracle:       oracle,
		httpClient:   &http.Client{Timeout: 15 * time.Second},
		ticker:       ticker.New(cfg.PollInterval),
		attestations: make(chan *Attestation, 1),
		quit:         make(chan struct{}),
	}
}

// Attestations returns the channel on which newly observed attestations
// are delivered, one at a time, to the Notarization Pipeline.
func (c *Client) Attestations() <-chan *Attestation {
	return c.attestations
}

// Start begins the poll loop in its own goroutine. Stop requests
// cooperative shutdown.
func (c *Client) Start() {
	c.ticker.Resume()
	go c.pollLoop()
}

// Stop signals the poll loop to exit.
func (c *Client) Stop() {
	close(c.quit)
	c.ticker.Stop()
}

func (c *Client) pollLoop() {
	for {
		select {
		case <-c.ticker.Ticks():
			if err := c.pollOnce(); err != nil {
				atstLog.Warnf("attestation poll failed: %v", err)
			}
		case <-c.quit:
			return
		}
	}
}

// pollOnce fetches the latest proof for the configured slot and, if the
// txid differs from the last observed one, enriches and emits it. It is
// idempotent: an unchanged txid causes no store mutation and no emission.
func (c *Client) pollOnce() error {
	resp, err := c.fetchLatestProof()
	if err != nil {
		return fmt.Errorf("fetch latest proof: %w", err)
	}

	if resp.Response.Txid == c.lastTxid {
		return nil
	}

	txoutproof, err := c.oracle.GetTxInclusionProof(resp.Response.Txid)
	if err != nil {
		return fmt.Errorf("fetch txoutproof: %w", err)
	}
	rawTx, err := c.oracle.GetRawTxJSON(resp.Response.Txid)
	if err != nil {
		return fmt.Errorf("fetch raw tx: %w", err)
	}

	c.lastTxid = resp.Response.Txid

	a := &Attestation{
		Txid:       resp.Response.Txid,
		Commitment: resp.Response.Commitment,
		MerkleRoot: resp.Response.MerkleRoot,
		Ops:        resp.Response.Ops,
		TxOutProof: txoutproof,
		RawTx:      rawTx,
	}

	select {
	case c.attestations <- a:
	case <-c.quit:
	}
	return nil
}

func (c *Client) fetchLatestProof() (*LatestProofResponse, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("bad mainstay url: %w", err)
	}
	u.Path = u.Path + "/commitment/latestproof"
	q := u.Query()
	q.Set("position", strconv.Itoa(int(c.cfg.Position)))
	u.RawQuery = q.Encode()

	resp, err := c.httpClient.Get(u.String())
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("attestation service returned %d: %s",
			resp.StatusCode, string(body))
	}

	var out LatestProofResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode attestation response: %w", err)
	}
	return &out, nil
}
