// Package credential implements the Credential Gateway: two independent
// state machines (issuance, redemption) over one signing key k_iss
// (spec.md §4.5).
package credential

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"

	"github.com/civkit/civkitd/wire"
)

const (
	// MaxCredentialsPerRequest bounds the size of one issuance batch
	// (spec.md §3).
	MaxCredentialsPerRequest = 100
)

// OracleChecker is the subset of the Chain Oracle Adapter the Issuance
// state machine needs to validate a payment proof.
type OracleChecker interface {
	VerifyInclusionProof(merkleBlockHex string) (bool, error)
}

// IssuanceRequest tracks one in-flight issuance (spec.md §3).
type IssuanceRequest struct {
	RequestID     uint64
	ClientID      int64
	PendingTokens [][32]byte
	Proof         []byte
}

// Gateway holds the issuance signing key and the service registry, and
// drives both the issuance and redemption state machines.
type Gateway struct {
	issuanceKey *btcec.PrivateKey
	oracle      OracleChecker

	mu       sync.Mutex
	pending  map[uint64]*IssuanceRequest
	nextReq  uint64

	registry *ServiceRegistry
}

// New constructs a Gateway signing credentials under issuanceKey.
func New(issuanceKey *btcec.PrivateKey, oracle OracleChecker) *Gateway {
	return &Gateway{
		issuanceKey: issuanceKey,
		oracle:      oracle,
		pending:     make(map[uint64]*IssuanceRequest),
		registry:    NewServiceRegistry(),
	}
}

// Registry returns the gateway's hosted-service registry, for the periodic
// announcement tick and the Admin Facade's CivkitService RPCs.
func (g *Gateway) Registry() *ServiceRegistry {
	return g.registry
}

// IssuancePubKey returns the public key clients must use to verify issued
// credential signatures.
func (g *Gateway) IssuancePubKey() *btcec.PublicKey {
	return g.issuanceKey.PubKey()
}

func tokenDigest(token [32]byte) [32]byte {
	return sha256.Sum256(token[:])
}

// BeginIssuance transitions a newly Received credential payload to
// AwaitingProof: it validates the batch size, assigns a request id, and
// remembers (clientID, tokens) for the eventual Signed response.
func (g *Gateway) BeginIssuance(clientID int64, p *wire.CredentialAuthenticationPayload) (*IssuanceRequest, error) {
	if len(p.Tokens) > MaxCredentialsPerRequest {
		return nil, fmt.Errorf("issuance request carries %d tokens, max is %d",
			len(p.Tokens), MaxCredentialsPerRequest)
	}

	id := atomic.AddUint64(&g.nextReq, 1)
	req := &IssuanceRequest{
		RequestID:     id,
		ClientID:      clientID,
		PendingTokens: p.Tokens,
		Proof:         p.Proof,
	}

	g.mu.Lock()
	g.pending[id] = req
	g.mu.Unlock()

	return req, nil
}

// CheckProof forwards req's proof to the Chain Oracle. On a valid proof it
// signs every pending token and returns the batch result in request order;
// on an invalid proof it drops the request with no result message, per
// spec.md §4.5.1 step 3.
func (g *Gateway) CheckProof(req *IssuanceRequest) (*wire.CredentialAuthenticationResult, bool, error) {
	defer func() {
		g.mu.Lock()
		delete(g.pending, req.RequestID)
		g.mu.Unlock()
	}()

	valid, err := g.oracle.VerifyInclusionProof(hex.EncodeToString(req.Proof))
	if err != nil {
		return nil, false, fmt.Errorf("chain oracle error: %w", err)
	}
	if !valid {
		credLog.Debugf("issuance request %d: proof rejected", req.RequestID)
		return nil, false, nil
	}

	sigs := make([][]byte, len(req.PendingTokens))
	for i, tok := range req.PendingTokens {
		digest := tokenDigest(tok)
		sig := ecdsa.Sign(g.issuanceKey, digest[:])
		sigs[i] = sig.Serialize()
	}

	return &wire.CredentialAuthenticationResult{Signatures: sigs}, true, nil
}

// VerifyRedemption checks every (token, signature) pair against the
// issuance public key, per spec.md §4.5.2. Any single invalid pair fails
// the whole batch.
func (g *Gateway) VerifyRedemption(req *wire.ServiceDeliveranceRequest) (bool, error) {
	if len(req.Tokens) != len(req.Signatures) {
		return false, fmt.Errorf("token/signature count mismatch: %d vs %d",
			len(req.Tokens), len(req.Signatures))
	}

	pubKey := g.IssuancePubKey()
	for i, tok := range req.Tokens {
		digest := tokenDigest(tok)
		sig, err := ecdsa.ParseDERSignature(req.Signatures[i])
		if err != nil {
			return false, nil
		}
		if !sig.Verify(digest[:], pubKey) {
			return false, nil
		}
	}
	return true, nil
}
