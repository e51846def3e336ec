package credential

import (
	"encoding/hex"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/stretchr/testify/require"

	"github.com/civkit/civkitd/wire"
)

type fakeOracle struct {
	valid     bool
	err       error
	lastProof string
}

func (f *fakeOracle) VerifyInclusionProof(merkleBlockHex string) (bool, error) {
	f.lastProof = merkleBlockHex
	return f.valid, f.err
}

func newTestGateway(t *testing.T, valid bool) *Gateway {
	t.Helper()
	g, _ := newTestGatewayWithOracle(t, valid)
	return g
}

func newTestGatewayWithOracle(t *testing.T, valid bool) (*Gateway, *fakeOracle) {
	t.Helper()
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	oracle := &fakeOracle{valid: valid}
	return New(priv, oracle), oracle
}

func TestBeginIssuanceRejectsOversizedBatch(t *testing.T) {
	g := newTestGateway(t, true)
	tokens := make([][32]byte, MaxCredentialsPerRequest+1)
	_, err := g.BeginIssuance(1, &wire.CredentialAuthenticationPayload{Tokens: tokens})
	require.Error(t, err)
}

func TestCheckProofSignsOnValidProof(t *testing.T) {
	g := newTestGateway(t, true)
	tokens := [][32]byte{{1}, {2}, {3}}
	req, err := g.BeginIssuance(1, &wire.CredentialAuthenticationPayload{Tokens: tokens, Proof: []byte("proof")})
	require.NoError(t, err)

	result, ok, err := g.CheckProof(req)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, result.Signatures, len(tokens))

	for i, tok := range tokens {
		digest := tokenDigest(tok)
		sig, err := ecdsa.ParseDERSignature(result.Signatures[i])
		require.NoError(t, err)
		require.True(t, sig.Verify(digest[:], g.IssuancePubKey()))
	}
}

func TestCheckProofHexEncodesProofForOracle(t *testing.T) {
	g, oracle := newTestGatewayWithOracle(t, true)
	req, err := g.BeginIssuance(1, &wire.CredentialAuthenticationPayload{
		Tokens: [][32]byte{{1}},
		Proof:  []byte("merkleblock"),
	})
	require.NoError(t, err)

	_, _, err = g.CheckProof(req)
	require.NoError(t, err)
	require.Equal(t, hex.EncodeToString([]byte("merkleblock")), oracle.lastProof)
}

func TestCheckProofDropsRequestOnInvalidProof(t *testing.T) {
	g := newTestGateway(t, false)
	req, err := g.BeginIssuance(1, &wire.CredentialAuthenticationPayload{Tokens: [][32]byte{{9}}})
	require.NoError(t, err)

	result, ok, err := g.CheckProof(req)
	require.NoError(t, err)
	require.False(t, ok)
	require.Nil(t, result)

	g.mu.Lock()
	_, stillPending := g.pending[req.RequestID]
	g.mu.Unlock()
	require.False(t, stillPending)
}

func TestVerifyRedemptionRoundTrip(t *testing.T) {
	g := newTestGateway(t, true)
	tokens := [][32]byte{{1}, {2}}
	req, err := g.BeginIssuance(1, &wire.CredentialAuthenticationPayload{Tokens: tokens, Proof: []byte("proof")})
	require.NoError(t, err)
	result, ok, err := g.CheckProof(req)
	require.NoError(t, err)
	require.True(t, ok)

	valid, err := g.VerifyRedemption(&wire.ServiceDeliveranceRequest{
		Tokens:     tokens,
		Signatures: result.Signatures,
	})
	require.NoError(t, err)
	require.True(t, valid)
}

func TestVerifyRedemptionFailsOnSingleBadPair(t *testing.T) {
	g := newTestGateway(t, true)
	tokens := [][32]byte{{1}, {2}}
	req, err := g.BeginIssuance(1, &wire.CredentialAuthenticationPayload{Tokens: tokens, Proof: []byte("proof")})
	require.NoError(t, err)
	result, ok, err := g.CheckProof(req)
	require.NoError(t, err)
	require.True(t, ok)

	// Tamper with the second signature only.
	result.Signatures[1] = result.Signatures[0]

	valid, err := g.VerifyRedemption(&wire.ServiceDeliveranceRequest{
		Tokens:     tokens,
		Signatures: result.Signatures,
	})
	require.NoError(t, err)
	require.False(t, valid)
}

func TestVerifyRedemptionRejectsCountMismatch(t *testing.T) {
	g := newTestGateway(t, true)
	_, err := g.VerifyRedemption(&wire.ServiceDeliveranceRequest{
		Tokens:     [][32]byte{{1}, {2}},
		Signatures: [][]byte{{0x01}},
	})
	require.Error(t, err)
}
