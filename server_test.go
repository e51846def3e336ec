package main

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/stretchr/testify/require"

	"github.com/civkit/civkitd/credential"
	"github.com/civkit/civkitd/eventstore"
	"github.com/civkit/civkitd/notarization"
	"github.com/civkit/civkitd/wire"
)

type fakeChainOracle struct{ valid bool }

func (f *fakeChainOracle) VerifyInclusionProof(string) (bool, error) { return f.valid, nil }

func newTestServer(t *testing.T) *server {
	t.Helper()

	store, err := eventstore.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	notary := notarization.New(notarization.Config{
		BasePubKey: hex.EncodeToString(make([]byte, 33)),
		ChainCode:  hex.EncodeToString(make([]byte, 32)),
		NetParams:  &chaincfg.RegressionNetParams,
	}, store, &fakeChainOracle{valid: true})

	issuanceKey, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	gateway := credential.New(issuanceKey, &fakeChainOracle{valid: true})

	cfg := &config{}
	return newServer(cfg, store, notary, gateway)
}

func newTestClient(t *testing.T, s *server, id int64) *client {
	c := newClient(id, "127.0.0.1:0", nil, s)
	t.Cleanup(func() { c.outbound.Stop() })
	return c
}

func signTestEvent(t *testing.T, kind wire.Kind, createdAt int64) *wire.Event {
	t.Helper()
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	e := &wire.Event{
		PubKey:    hex.EncodeToString(schnorr.SerializePubKey(priv.PubKey())),
		CreatedAt: createdAt,
		Kind:      kind,
	}
	id, err := e.ComputeID()
	require.NoError(t, err)
	e.ID = id

	idBytes, _ := hex.DecodeString(id)
	sig, err := schnorr.Sign(priv, idBytes)
	require.NoError(t, err)
	e.Sig = hex.EncodeToString(sig.Serialize())
	return e
}

// signTestEventWithTags builds and signs an event carrying tags, computing
// the id and signature over the fully-formed event (tags included).
func signTestEventWithTags(t *testing.T, kind wire.Kind, createdAt int64, tags []wire.Tag) *wire.Event {
	t.Helper()
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	e := &wire.Event{
		PubKey:    hex.EncodeToString(schnorr.SerializePubKey(priv.PubKey())),
		CreatedAt: createdAt,
		Kind:      kind,
		Tags:      tags,
	}
	id, err := e.ComputeID()
	require.NoError(t, err)
	e.ID = id

	idBytes, _ := hex.DecodeString(id)
	sig, err := schnorr.Sign(priv, idBytes)
	require.NoError(t, err)
	e.Sig = hex.EncodeToString(sig.Serialize())
	return e
}

// decodeCredentialEvent extracts and hex-decodes the credential payload
// carried by an EVENT frame sent via client.sendCredentialEvent.
func decodeCredentialEvent(t *testing.T, msg wire.RelayMessage) []byte {
	t.Helper()
	em, ok := msg.(*wire.EventMsg)
	require.True(t, ok)

	tagHex, ok := em.Event.CredentialTag()
	require.True(t, ok)

	raw, err := wire.DecodeHex(tagHex)
	require.NoError(t, err)
	return raw
}

// signTokens reproduces the Credential Gateway's per-token signing scheme
// (sha256 digest, DER-encoded ECDSA signature under the issuance key) so
// tests can build a redemption request the gateway will accept.
func signTokens(issuanceKey *btcec.PrivateKey, tokens [][32]byte) ([][]byte, error) {
	sigs := make([][]byte, len(tokens))
	for i, tok := range tokens {
		digest := sha256.Sum256(tok[:])
		sig := ecdsa.Sign(issuanceKey, digest[:])
		sigs[i] = sig.Serialize()
	}
	return sigs, nil
}

func signTestEventAs(t *testing.T, priv *btcec.PrivateKey, kind wire.Kind, createdAt int64) *wire.Event {
	t.Helper()
	e := &wire.Event{
		PubKey:    hex.EncodeToString(schnorr.SerializePubKey(priv.PubKey())),
		CreatedAt: createdAt,
		Kind:      kind,
	}
	id, err := e.ComputeID()
	require.NoError(t, err)
	e.ID = id

	idBytes, _ := hex.DecodeString(id)
	sig, err := schnorr.Sign(priv, idBytes)
	require.NoError(t, err)
	e.Sig = hex.EncodeToString(sig.Serialize())
	return e
}

// S1 — an ephemeral-kind event is dispatched but never persisted.
func TestAcceptEventEphemeralNotPersisted(t *testing.T) {
	s := newTestServer(t)
	c := newTestClient(t, s, 1)

	e := signTestEvent(t, wire.Kind(20001), 1000)
	s.acceptEvent(c, e)

	ids, err := s.store.GetAllEventIDsInOrder()
	require.NoError(t, err)
	require.Empty(t, ids)
}

// S2 — a newer replaceable event supersedes the older one at the same
// (author, kind) slot.
func TestAcceptEventReplaceableCollision(t *testing.T) {
	s := newTestServer(t)
	c := newTestClient(t, s, 1)

	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	older := signTestEventAs(t, priv, wire.Kind(10000), 100)
	newer := signTestEventAs(t, priv, wire.Kind(10000), 101)

	s.acceptEvent(c, older)
	s.acceptEvent(c, newer)

	ids, err := s.store.GetAllEventIDsInOrder()
	require.NoError(t, err)
	require.Equal(t, []string{newer.ID}, ids)
}

func TestAcceptEventRejectsUnverifiableEvent(t *testing.T) {
	s := newTestServer(t)
	c := newTestClient(t, s, 1)

	e := signTestEvent(t, wire.KindTextNote, 1000)
	e.Content = "tampered after signing"

	s.acceptEvent(c, e)

	ids, err := s.store.GetAllEventIDsInOrder()
	require.NoError(t, err)
	require.Empty(t, ids)
}

func TestAcceptEventGatesOnRequireCredentials(t *testing.T) {
	s := newTestServer(t)
	s.cfg.SpamProtection.RequireCredentials = true
	c := newTestClient(t, s, 1)

	e := signTestEvent(t, wire.KindTextNote, 1000)
	s.acceptEvent(c, e)

	ids, err := s.store.GetAllEventIDsInOrder()
	require.NoError(t, err)
	require.Empty(t, ids)
}

// S3 — issuance of 3 credentials against a valid inclusion proof returns a
// CredentialAuthenticationResult carrying 3 signatures.
func TestHandleCredentialEventIssuanceReturnsSignatures(t *testing.T) {
	s := newTestServer(t)
	c := newTestClient(t, s, 1)

	payload := &wire.CredentialAuthenticationPayload{
		Proof:  []byte("merkleblock-hex"),
		Tokens: [][32]byte{{1}, {2}, {3}},
	}
	raw, err := wire.EncodeAuthReq(0, payload)
	require.NoError(t, err)

	e := signTestEventWithTags(t, wire.KindCredential, 1000, []wire.Tag{{"credential", wire.EncodeHex(raw)}})

	s.acceptEvent(c, e)

	select {
	case msg := <-c.outbound.ChanOut():
		resultRaw := decodeCredentialEvent(t, msg)
		result, err := wire.DecodeAuthResult(resultRaw)
		require.NoError(t, err)
		require.Len(t, result.Signatures, 3)
	default:
		t.Fatal("expected an issuance result on the client's outbound queue")
	}
}

// S4 — credential redemption with both signatures valid releases the
// pending write; a single flipped signature leaves it unwritten and
// reports a false ServiceDeliveranceResult.
func TestHandleCredentialEventRedemptionGatesPendingWrite(t *testing.T) {
	issuanceKey, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	s := newTestServer(t)
	s.gateway = credential.New(issuanceKey, &fakeChainOracle{valid: true})
	s.cfg.SpamProtection.RequireCredentials = true
	c := newTestClient(t, s, 1)

	tokens := [][32]byte{{9, 9}, {8, 8}}
	sigs, err := signTokens(issuanceKey, tokens)
	require.NoError(t, err)

	gated := signTestEventWithTags(t, wire.KindTextNote, 1000, []wire.Tag{{"deliverance_id", "42"}})
	s.acceptEvent(c, gated)

	req := &wire.ServiceDeliveranceRequest{ServiceID: 42, Tokens: tokens, Signatures: sigs}
	raw, err := wire.EncodeDeliveranceReq(req)
	require.NoError(t, err)

	redeem := signTestEventWithTags(t, wire.KindCredential, 1001, []wire.Tag{{"credential", wire.EncodeHex(raw)}})
	s.acceptEvent(c, redeem)

	msg := <-c.outbound.ChanOut()
	raw2 := decodeCredentialEvent(t, msg)
	result, err := wire.DecodeDeliveranceResult(raw2)
	require.NoError(t, err)
	require.True(t, result.Ok)

	ids, err := s.store.GetAllEventIDsInOrder()
	require.NoError(t, err)
	require.Equal(t, []string{gated.ID}, ids)
}

func TestHandleCredentialEventRedemptionRejectsFlippedSignature(t *testing.T) {
	issuanceKey, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	s := newTestServer(t)
	s.gateway = credential.New(issuanceKey, &fakeChainOracle{valid: true})
	s.cfg.SpamProtection.RequireCredentials = true
	c := newTestClient(t, s, 1)

	tokens := [][32]byte{{9, 9}, {8, 8}}
	sigs, err := signTokens(issuanceKey, tokens)
	require.NoError(t, err)
	sigs[1][len(sigs[1])-1] ^= 0xff // flip s2

	gated := signTestEventWithTags(t, wire.KindTextNote, 1000, []wire.Tag{{"deliverance_id", "42"}})
	s.acceptEvent(c, gated)

	req := &wire.ServiceDeliveranceRequest{ServiceID: 42, Tokens: tokens, Signatures: sigs}
	raw, err := wire.EncodeDeliveranceReq(req)
	require.NoError(t, err)

	redeem := signTestEventWithTags(t, wire.KindCredential, 1001, []wire.Tag{{"credential", wire.EncodeHex(raw)}})
	s.acceptEvent(c, redeem)

	msg := <-c.outbound.ChanOut()
	raw2 := decodeCredentialEvent(t, msg)
	result, err := wire.DecodeDeliveranceResult(raw2)
	require.NoError(t, err)
	require.False(t, result.Ok)

	ids, err := s.store.GetAllEventIDsInOrder()
	require.NoError(t, err)
	require.Empty(t, ids)
}

func TestDispatchIfMatchedFansOutToSubscribedClients(t *testing.T) {
	s := newTestServer(t)
	c1 := newTestClient(t, s, 1)
	c2 := newTestClient(t, s, 2)
	s.clients[1] = c1
	s.clients[2] = c2

	c1.subs["sub1"] = &subscription{subID: "sub1", filters: []wire.Filter{{Kinds: []wire.Kind{wire.KindTextNote}}}}

	e := signTestEvent(t, wire.KindTextNote, 1000)
	s.dispatch(e)

	select {
	case msg := <-c1.outbound.ChanOut():
		em, ok := msg.(*wire.EventMsg)
		require.True(t, ok)
		require.Equal(t, e.ID, em.Event.ID)
	default:
		t.Fatal("expected subscribed client to receive the event")
	}

	select {
	case <-c2.outbound.ChanOut():
		t.Fatal("unsubscribed client should not receive the event")
	default:
	}
}
