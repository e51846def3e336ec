package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseClientMessageEvent(t *testing.T) {
	e := Event{ID: "id1", PubKey: "pub1", Kind: KindTextNote}
	raw, err := Encode(&EventMsg{Event: e})
	require.NoError(t, err)

	msg, err := ParseClientMessage(raw)
	require.NoError(t, err)
	em, ok := msg.(*EventMsg)
	require.True(t, ok)
	require.Equal(t, e.ID, em.Event.ID)
}

func TestParseClientMessageReqWithMultipleFilters(t *testing.T) {
	raw := []byte(`["REQ", "sub1", {"kinds":[1]}, {"kinds":[2]}]`)
	msg, err := ParseClientMessage(raw)
	require.NoError(t, err)
	req, ok := msg.(*ReqMsg)
	require.True(t, ok)
	require.Equal(t, "sub1", req.SubID)
	require.Len(t, req.Filters, 2)
}

func TestParseClientMessageClose(t *testing.T) {
	raw := []byte(`["CLOSE", "sub1"]`)
	msg, err := ParseClientMessage(raw)
	require.NoError(t, err)
	closeMsg, ok := msg.(*CloseMsg)
	require.True(t, ok)
	require.Equal(t, "sub1", closeMsg.SubID)
}

func TestParseClientMessageRejectsUnknownType(t *testing.T) {
	_, err := ParseClientMessage([]byte(`["BOGUS"]`))
	require.Error(t, err)
}

func TestParseClientMessageRejectsEmptyFrame(t *testing.T) {
	_, err := ParseClientMessage([]byte(`[]`))
	require.Error(t, err)
}

func TestEncodeEoseAndOk(t *testing.T) {
	raw, err := Encode(&EoseMsg{SubID: "sub1"})
	require.NoError(t, err)
	require.Contains(t, string(raw), "EOSE")

	raw, err = Encode(&OkMsg{EventID: "id1", Ok: true, Message: "duplicate"})
	require.NoError(t, err)
	require.Contains(t, string(raw), "id1")
}
