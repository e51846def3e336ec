package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFilterMatchesConjunctionOfDisjunctions(t *testing.T) {
	e := &Event{ID: "id1", PubKey: "pub1", Kind: KindTextNote, CreatedAt: 1000}

	f := Filter{Kinds: []Kind{KindTextNote, KindOffer}, Authors: []string{"pub1", "pub2"}}
	require.True(t, f.Matches(e))

	f.Authors = []string{"pub2"}
	require.False(t, f.Matches(e))
}

func TestFilterSinceUntilBounds(t *testing.T) {
	e := &Event{CreatedAt: 500}
	since := int64(400)
	until := int64(600)
	f := Filter{Since: &since, Until: &until}
	require.True(t, f.Matches(e))

	tooOld := int64(501)
	f.Since = &tooOld
	require.False(t, f.Matches(e))
}

func TestFilterReferencedTags(t *testing.T) {
	e := &Event{Tags: []Tag{{string(TagEvent), "parent-id"}}}
	f := Filter{ReferencedEvents: []string{"parent-id"}}
	require.True(t, f.Matches(e))

	f.ReferencedEvents = []string{"other-id"}
	require.False(t, f.Matches(e))
}

func TestMatchesAnyIsDisjunctionAcrossFilters(t *testing.T) {
	e := &Event{Kind: KindOffer, CreatedAt: 10}
	filters := []Filter{
		{Kinds: []Kind{KindTextNote}},
		{Kinds: []Kind{KindOffer}},
	}
	require.True(t, MatchesAny(filters, e))

	filters = []Filter{{Kinds: []Kind{KindTextNote}}}
	require.False(t, MatchesAny(filters, e))
}
