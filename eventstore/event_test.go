package eventstore

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/civkit/civkitd/wire"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestWriteEventIsIdempotent(t *testing.T) {
	db := openTestDB(t)
	e := &wire.Event{ID: "id1", PubKey: "pub1", Kind: wire.KindTextNote, CreatedAt: 100, Tags: nil}

	wrote, err := db.WriteEvent(e, "hash1", nil)
	require.NoError(t, err)
	require.True(t, wrote)

	wroteAgain, err := db.WriteEvent(e, "hash1", nil)
	require.NoError(t, err)
	require.False(t, wroteAgain)

	ids, err := db.GetAllEventIDsInOrder()
	require.NoError(t, err)
	require.Equal(t, []string{"id1"}, ids)
}

func TestFindReplaceTargetNewerWins(t *testing.T) {
	db := openTestDB(t)
	older := &wire.Event{ID: "id-old", PubKey: "pub1", Kind: wire.Kind(10000), CreatedAt: 100}
	_, err := db.WriteEvent(older, "hash1", nil)
	require.NoError(t, err)

	newer := &wire.Event{ID: "id-new", PubKey: "pub1", Kind: wire.Kind(10000), CreatedAt: 200}
	targetID, shouldReplace, err := db.FindReplaceTarget(newer)
	require.NoError(t, err)
	require.True(t, shouldReplace)
	require.Equal(t, "id-old", targetID)
}

func TestFindReplaceTargetOlderLoses(t *testing.T) {
	db := openTestDB(t)
	newer := &wire.Event{ID: "id-new", PubKey: "pub1", Kind: wire.Kind(10000), CreatedAt: 200}
	_, err := db.WriteEvent(newer, "hash1", nil)
	require.NoError(t, err)

	older := &wire.Event{ID: "id-old", PubKey: "pub1", Kind: wire.Kind(10000), CreatedAt: 100}
	_, shouldReplace, err := db.FindReplaceTarget(older)
	require.NoError(t, err)
	require.False(t, shouldReplace)
}

func TestFindReplaceTargetIgnoresRegularKinds(t *testing.T) {
	db := openTestDB(t)
	e := &wire.Event{ID: "id1", PubKey: "pub1", Kind: wire.KindTextNote, CreatedAt: 100}
	_, shouldReplace, err := db.FindReplaceTarget(e)
	require.NoError(t, err)
	require.False(t, shouldReplace)
}

func TestWriteEventDeletesReplacedRowsAtomically(t *testing.T) {
	db := openTestDB(t)
	older := &wire.Event{ID: "id-old", PubKey: "pub1", Kind: wire.Kind(10000), CreatedAt: 100}
	_, err := db.WriteEvent(older, "hash1", nil)
	require.NoError(t, err)

	newer := &wire.Event{ID: "id-new", PubKey: "pub1", Kind: wire.Kind(10000), CreatedAt: 200}
	_, err = db.WriteEvent(newer, "hash2", []string{"id-old"})
	require.NoError(t, err)

	ids, err := db.GetAllEventIDsInOrder()
	require.NoError(t, err)
	require.Equal(t, []string{"id-new"}, ids)
}

func TestQueryEventsAppliesFilter(t *testing.T) {
	db := openTestDB(t)
	note := &wire.Event{ID: "id-note", PubKey: "pub1", Kind: wire.KindTextNote, CreatedAt: 100}
	offer := &wire.Event{ID: "id-offer", PubKey: "pub1", Kind: wire.KindOffer, CreatedAt: 100}
	_, err := db.WriteEvent(note, "h1", nil)
	require.NoError(t, err)
	_, err = db.WriteEvent(offer, "h2", nil)
	require.NoError(t, err)

	results, err := db.QueryEvents(&wire.Filter{Kinds: []wire.Kind{wire.KindOffer}})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "id-offer", results[0].ID)
}

func TestGetLastCumulativeHashEmptyStore(t *testing.T) {
	db := openTestDB(t)
	_, err := db.GetLastCumulativeHash()
	require.ErrorIs(t, err, ErrNoEventsStored)
}
