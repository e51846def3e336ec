// Package wire defines the client/relay JSON wire protocol and the event
// data model shared by every civkitd component.
package wire

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

// Kind classifies an Event's persistence policy.
type Kind int64

// Kind ranges, per the relay's persistence policy.
const (
	// KindEphemeralLow and KindEphemeralHigh bound the half-open range
	// [20000, 30000) of kinds that are dispatched but never persisted.
	KindEphemeralLow  Kind = 20000
	KindEphemeralHigh Kind = 30000

	// KindReplaceableLow and KindReplaceableHigh bound the half-open
	// range [10000, 20000) of kinds for which only the latest event per
	// (author, kind) is kept.
	KindReplaceableLow  Kind = 10000
	KindReplaceableHigh Kind = 20000
)

// IsEphemeral reports whether k is never persisted.
func (k Kind) IsEphemeral() bool {
	return k >= KindEphemeralLow && k < KindEphemeralHigh
}

// IsReplaceable reports whether k keeps only the latest event per author.
func (k Kind) IsReplaceable() bool {
	return k >= KindReplaceableLow && k < KindReplaceableHigh
}

// Well-known kinds used by the Admin Facade and the credential protocol.
const (
	KindTextNote  Kind = 1
	KindNotice    Kind = 20000 // ephemeral; see S1 in the testable properties
	KindOffer     Kind = 30018
	KindInvoice   Kind = 30019
	KindCredential Kind = 31337
)

// TagName enumerates the recognized tag names. Tags are otherwise modeled
// as an opaque name/value pair, but "credential" is reserved and, when
// present, must be the event's sole tag.
type TagName string

const (
	TagCredential TagName = "credential"
	TagEvent      TagName = "e"
	TagPubkey     TagName = "p"

	// TagDeliverance links a credential-gated event to the deliverance_id
	// of the redemption that must succeed before the event is written
	// (spec.md §4.6.3 step 3).
	TagDeliverance TagName = "deliverance_id"

	// TagPaymentHash and TagAmountMsat surface a KindInvoice event's
	// decoded payment-request fields, so subscribers can filter/display
	// invoices without re-parsing the bech32 content themselves.
	TagPaymentHash TagName = "payment_hash"
	TagAmountMsat  TagName = "amount_msat"
)

// Tag is a single (name, values...) pair, serialized on the wire as a JSON
// array whose first element is the name.
type Tag []string

// Name returns the tag's name, or "" if the tag is malformed.
func (t Tag) Name() TagName {
	if len(t) == 0 {
		return ""
	}
	return TagName(t[0])
}

// Value returns the tag's first value, or "" if absent.
func (t Tag) Value() string {
	if len(t) < 2 {
		return ""
	}
	return t[1]
}

// Event is the immutable signed message carried between clients and the
// relay. Id is the SHA-256 digest of the event's canonical serialization;
// Sig is a schnorr signature over Id under PubKey.
type Event struct {
	ID        string `json:"id"`
	PubKey    string `json:"pubkey"`
	CreatedAt int64  `json:"created_at"`
	Kind      Kind   `json:"kind"`
	Tags      []Tag  `json:"tags"`
	Content   string `json:"content"`
	Sig       string `json:"sig"`
}

// canonical returns the exact byte sequence that Id and Sig are computed
// over: a fixed-shape JSON array, matching nostr NIP-01's canonical event
// serialization.
func (e *Event) canonical() ([]byte, error) {
	arr := []interface{}{
		0,
		e.PubKey,
		e.CreatedAt,
		e.Kind,
		e.Tags,
		e.Content,
	}
	return json.Marshal(arr)
}

// ComputeID returns the SHA-256 digest of e's canonical serialization, hex
// encoded, without mutating e.
func (e *Event) ComputeID() (string, error) {
	ser, err := e.canonical()
	if err != nil {
		return "", fmt.Errorf("canonicalize event: %w", err)
	}
	sum := sha256.Sum256(ser)
	return hex.EncodeToString(sum[:]), nil
}

// Verify checks that e.ID is the correct digest of e's canonical form and
// that e.Sig is a valid schnorr signature over that digest under e.PubKey.
// It is the sole authority for whether a wire event may be admitted further
// into the pipeline.
func (e *Event) Verify() error {
	wantID, err := e.ComputeID()
	if err != nil {
		return err
	}
	if !bytes.Equal([]byte(wantID), []byte(e.ID)) {
		return fmt.Errorf("event id mismatch: got %s want %s", e.ID, wantID)
	}

	idBytes, err := hex.DecodeString(e.ID)
	if err != nil {
		return fmt.Errorf("invalid event id hex: %w", err)
	}
	pubKeyBytes, err := hex.DecodeString(e.PubKey)
	if err != nil {
		return fmt.Errorf("invalid pubkey hex: %w", err)
	}
	sigBytes, err := hex.DecodeString(e.Sig)
	if err != nil {
		return fmt.Errorf("invalid signature hex: %w", err)
	}

	pubKey, err := schnorr.ParsePubKey(pubKeyBytes)
	if err != nil {
		return fmt.Errorf("parse pubkey: %w", err)
	}
	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return fmt.Errorf("parse signature: %w", err)
	}
	if !sig.Verify(idBytes, pubKey) {
		return fmt.Errorf("signature verification failed for event %s", e.ID)
	}
	return nil
}

// CredentialTag returns the event's sole credential tag and true, or
// ("", false) if the event carries none. A malformed event with a
// credential tag plus other tags is treated as carrying no credential tag
// by callers that enforce "sole tag" (see IsCredentialCarrier).
func (e *Event) CredentialTag() (string, bool) {
	for _, t := range e.Tags {
		if t.Name() == TagCredential {
			return t.Value(), true
		}
	}
	return "", false
}

// IsCredentialCarrier reports whether e is a well-formed credential-carrier
// event: exactly one tag, and that tag is "credential".
func (e *Event) IsCredentialCarrier() bool {
	return len(e.Tags) == 1 && e.Tags[0].Name() == TagCredential
}

// DeliveranceID returns the deliverance_id e names via its "deliverance_id"
// tag and true, or (0, false) if e carries no such tag or its value is not
// a valid decimal uint64.
func (e *Event) DeliveranceID() (uint64, bool) {
	for _, t := range e.Tags {
		if t.Name() != TagDeliverance {
			continue
		}
		id, err := strconv.ParseUint(t.Value(), 10, 64)
		if err != nil {
			return 0, false
		}
		return id, true
	}
	return 0, false
}

// ReplaceKey identifies the (author, kind) slot a replaceable event
// occupies. Only meaningful when e.Kind.IsReplaceable().
type ReplaceKey struct {
	Author string
	Kind   Kind
}

// Key returns e's replacement key.
func (e *Event) Key() ReplaceKey {
	return ReplaceKey{Author: e.PubKey, Kind: e.Kind}
}

// Supersedes reports whether e should replace other under the replaceable-
// kind policy: newer created_at wins; on a tie, the lower id wins.
func (e *Event) Supersedes(other *Event) bool {
	if e.CreatedAt != other.CreatedAt {
		return e.CreatedAt > other.CreatedAt
	}
	return e.ID < other.ID
}
