package wire

import (
	"encoding/json"
	"fmt"
)

// MessageType is the literal uppercase token that begins every client<->relay
// JSON array frame, e.g. ["EVENT", ...], ["REQ", "sub1", ...].
type MessageType string

// Client to relay message types.
const (
	MsgEvent MessageType = "EVENT"
	MsgReq   MessageType = "REQ"
	MsgClose MessageType = "CLOSE"
)

// Relay to client message types. MsgEvent is reused for matched deliveries.
const (
	MsgEOSE   MessageType = "EOSE"
	MsgNotice MessageType = "NOTICE"
	MsgOK     MessageType = "OK"
)

// ClientMessage is a message a client may send to the relay.
type ClientMessage interface {
	ClientMsgType() MessageType
}

// RelayMessage is a message the relay may send to a client.
type RelayMessage interface {
	RelayMsgType() MessageType
}

// EventMsg publishes an event (client->relay) or delivers a matched event
// to a subscriber (relay->client, SubID non-empty).
type EventMsg struct {
	SubID string // empty when this is a client publish
	Event Event
}

func (m *EventMsg) ClientMsgType() MessageType { return MsgEvent }
func (m *EventMsg) RelayMsgType() MessageType  { return MsgEvent }

// ReqMsg opens a subscription identified by SubID with one or more filters,
// matched as a disjunction (see MatchesAny).
type ReqMsg struct {
	SubID   string
	Filters []Filter
}

func (m *ReqMsg) ClientMsgType() MessageType { return MsgReq }

// CloseMsg closes the subscription previously opened with the same SubID.
type CloseMsg struct {
	SubID string
}

func (m *CloseMsg) ClientMsgType() MessageType { return MsgClose }

// EoseMsg signals the end of the stored-event replay for a subscription.
type EoseMsg struct {
	SubID string
}

func (m *EoseMsg) RelayMsgType() MessageType { return MsgEOSE }

// NoticeMsg is a free-text informational or error message.
type NoticeMsg struct {
	Message string
}

func (m *NoticeMsg) RelayMsgType() MessageType { return MsgNotice }

// OkMsg acknowledges (or rejects) a published event. OK is only ever sent
// true after the event has been durably written.
type OkMsg struct {
	EventID string
	Ok      bool
	Message string
}

func (m *OkMsg) RelayMsgType() MessageType { return MsgOK }

// ParseClientMessage decodes a raw JSON array frame received from a client
// socket into the appropriate ClientMessage. Unknown message types and
// malformed frames return an error; per the error handling policy the
// caller logs and drops the frame without closing the socket.
func ParseClientMessage(raw []byte) (ClientMessage, error) {
	var frame []json.RawMessage
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}
	if len(frame) == 0 {
		return nil, fmt.Errorf("empty frame")
	}

	var kind string
	if err := json.Unmarshal(frame[0], &kind); err != nil {
		return nil, fmt.Errorf("malformed message type: %w", err)
	}

	switch MessageType(kind) {
	case MsgEvent:
		if len(frame) != 2 {
			return nil, fmt.Errorf("EVENT: expected 2 elements, got %d", len(frame))
		}
		var e Event
		if err := json.Unmarshal(frame[1], &e); err != nil {
			return nil, fmt.Errorf("EVENT: bad event payload: %w", err)
		}
		return &EventMsg{Event: e}, nil

	case MsgReq:
		if len(frame) < 2 {
			return nil, fmt.Errorf("REQ: missing subscription id")
		}
		var subID string
		if err := json.Unmarshal(frame[1], &subID); err != nil {
			return nil, fmt.Errorf("REQ: bad subscription id: %w", err)
		}
		filters := make([]Filter, 0, len(frame)-2)
		for _, raw := range frame[2:] {
			var f Filter
			if err := json.Unmarshal(raw, &f); err != nil {
				return nil, fmt.Errorf("REQ: bad filter: %w", err)
			}
			filters = append(filters, f)
		}
		return &ReqMsg{SubID: subID, Filters: filters}, nil

	case MsgClose:
		if len(frame) != 2 {
			return nil, fmt.Errorf("CLOSE: expected 2 elements, got %d", len(frame))
		}
		var subID string
		if err := json.Unmarshal(frame[1], &subID); err != nil {
			return nil, fmt.Errorf("CLOSE: bad subscription id: %w", err)
		}
		return &CloseMsg{SubID: subID}, nil

	default:
		return nil, fmt.Errorf("unknown client message type %q", kind)
	}
}

// Encode renders a RelayMessage into its wire JSON array form.
func Encode(m RelayMessage) ([]byte, error) {
	switch v := m.(type) {
	case *EventMsg:
		return json.Marshal([]interface{}{MsgEvent, v.SubID, v.Event})
	case *EoseMsg:
		return json.Marshal([]interface{}{MsgEOSE, v.SubID})
	case *NoticeMsg:
		return json.Marshal([]interface{}{MsgNotice, v.Message})
	case *OkMsg:
		return json.Marshal([]interface{}{MsgOK, v.EventID, v.Ok, v.Message})
	default:
		return nil, fmt.Errorf("unknown relay message type %T", m)
	}
}
