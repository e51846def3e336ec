package wire

import (
	"encoding/hex"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/stretchr/testify/require"
)

func signedEvent(t *testing.T, kind Kind, tags []Tag, content string, createdAt int64) *Event {
	t.Helper()

	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	e := &Event{
		PubKey:    hex.EncodeToString(schnorr.SerializePubKey(priv.PubKey())),
		CreatedAt: createdAt,
		Kind:      kind,
		Tags:      tags,
		Content:   content,
	}

	id, err := e.ComputeID()
	require.NoError(t, err)
	e.ID = id

	idBytes, err := hex.DecodeString(id)
	require.NoError(t, err)
	sig, err := schnorr.Sign(priv, idBytes)
	require.NoError(t, err)
	e.Sig = hex.EncodeToString(sig.Serialize())

	return e
}

func TestEventVerifyRoundTrip(t *testing.T) {
	e := signedEvent(t, KindTextNote, nil, "hello relay", 1700000000)
	require.NoError(t, e.Verify())
}

func TestEventVerifyRejectsTamperedContent(t *testing.T) {
	e := signedEvent(t, KindTextNote, nil, "hello relay", 1700000000)
	e.Content = "hello attacker"
	require.Error(t, e.Verify())
}

func TestEventVerifyRejectsForeignSignature(t *testing.T) {
	a := signedEvent(t, KindTextNote, nil, "from a", 1700000000)
	b := signedEvent(t, KindTextNote, nil, "from b", 1700000000)
	a.Sig = b.Sig
	require.Error(t, a.Verify())
}

func TestKindClassification(t *testing.T) {
	require.True(t, Kind(20000).IsEphemeral())
	require.True(t, Kind(29999).IsEphemeral())
	require.False(t, Kind(30000).IsEphemeral())
	require.False(t, Kind(19999).IsEphemeral())

	require.True(t, Kind(10000).IsReplaceable())
	require.True(t, Kind(19999).IsReplaceable())
	require.False(t, Kind(20000).IsReplaceable())
	require.False(t, Kind(9999).IsReplaceable())
}

func TestCredentialCarrierRequiresSoleTag(t *testing.T) {
	soleTag := &Event{Tags: []Tag{{string(TagCredential), "deadbeef"}}}
	require.True(t, soleTag.IsCredentialCarrier())

	extraTag := &Event{Tags: []Tag{
		{string(TagCredential), "deadbeef"},
		{string(TagEvent), "abcd"},
	}}
	require.False(t, extraTag.IsCredentialCarrier())

	noTag := &Event{}
	require.False(t, noTag.IsCredentialCarrier())
}

func TestSupersedesNewerCreatedAtWins(t *testing.T) {
	older := &Event{ID: "aa", CreatedAt: 100}
	newer := &Event{ID: "bb", CreatedAt: 200}
	require.True(t, newer.Supersedes(older))
	require.False(t, older.Supersedes(newer))
}

func TestSupersedesTieBreaksOnLowerID(t *testing.T) {
	a := &Event{ID: "aa", CreatedAt: 100}
	b := &Event{ID: "bb", CreatedAt: 100}
	require.True(t, a.Supersedes(b))
	require.False(t, b.Supersedes(a))
}
