package wire

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/lightningnetwork/lnd/tlv"
)

// CredentialVariant selects which sub-message a CredentialMessage carries.
// It is the single leading byte of the message's TLV stream type, per
// spec.md §9's "dynamic tag dispatch" redesign note: the Credential tag
// carries a tagged union rather than a dynamically-typed payload.
type CredentialVariant uint8

const (
	VariantAuthReq CredentialVariant = iota
	VariantAuthResult
	VariantDeliveranceReq
	VariantDeliveranceResult
)

// TLV types used within a single CredentialMessage stream. Each sub-variant
// only ever populates the subset of types relevant to it.
const (
	typeRequestID      tlv.Type = 0
	typeProof          tlv.Type = 1
	typeTokens         tlv.Type = 2
	typeSignatures     tlv.Type = 3
	typeServiceID      tlv.Type = 4
	typeCommitmentSig  tlv.Type = 5
	typeOk             tlv.Type = 6
)

// CredentialAuthenticationPayload is an issuance request: a Merkle-block or
// txid proof plus the tokens to be blind-signed.
type CredentialAuthenticationPayload struct {
	Proof  []byte
	Tokens [][32]byte
}

// CredentialAuthenticationResult is the issuance response: one ECDSA
// signature per requested token, in request order.
type CredentialAuthenticationResult struct {
	Signatures [][]byte
}

// ServiceDeliveranceRequest redeems previously issued credentials to
// authorize a chargeable event.
type ServiceDeliveranceRequest struct {
	ServiceID     uint64
	Tokens        [][32]byte
	Signatures    [][]byte
	CommitmentSig []byte
}

// ServiceDeliveranceResult reports whether redemption succeeded. Per
// spec.md §9's Open Question, the `reason` field present in one fork of
// the original protocol is treated as absent here.
type ServiceDeliveranceResult struct {
	ServiceID uint64
	Ok        bool
}

func tokensRecord(typ tlv.Type, tokens *[][32]byte) tlv.Record {
	return tlv.MakeDynamicRecord(typ, tokens, func() uint64 {
		return uint64(len(*tokens) * 32)
	}, encodeTokens, decodeTokens)
}

func encodeTokens(w io.Writer, val interface{}, buf *[8]byte) error {
	tokens, ok := val.(*[][32]byte)
	if !ok {
		return tlv.NewTypeForEncodingErr(val, "[][32]byte")
	}
	for _, t := range *tokens {
		if _, err := w.Write(t[:]); err != nil {
			return err
		}
	}
	return nil
}

func decodeTokens(r io.Reader, val interface{}, buf *[8]byte, l uint64) error {
	tokens, ok := val.(*[][32]byte)
	if !ok {
		return tlv.NewTypeForDecodingErr(val, "[][32]byte", l, l)
	}
	if l%32 != 0 {
		return fmt.Errorf("token stream length %d not a multiple of 32", l)
	}
	n := int(l / 32)
	*tokens = make([][32]byte, n)
	for i := 0; i < n; i++ {
		if _, err := io.ReadFull(r, (*tokens)[i][:]); err != nil {
			return err
		}
	}
	return nil
}

func byteSlicesRecord(typ tlv.Type, sigs *[][]byte) tlv.Record {
	return tlv.MakeDynamicRecord(typ, sigs, func() uint64 {
		size := uint64(2)
		for _, s := range *sigs {
			size += 2 + uint64(len(s))
		}
		return size
	}, encodeByteSlices, decodeByteSlices)
}

func encodeByteSlices(w io.Writer, val interface{}, buf *[8]byte) error {
	sigs, ok := val.(*[][]byte)
	if !ok {
		return tlv.NewTypeForEncodingErr(val, "[][]byte")
	}
	if err := tlv.EUint16(w, uint16Ptr(uint16(len(*sigs))), buf); err != nil {
		return err
	}
	for _, s := range *sigs {
		if err := tlv.EUint16(w, uint16Ptr(uint16(len(s))), buf); err != nil {
			return err
		}
		if _, err := w.Write(s); err != nil {
			return err
		}
	}
	return nil
}

func decodeByteSlices(r io.Reader, val interface{}, buf *[8]byte, l uint64) error {
	sigs, ok := val.(*[][]byte)
	if !ok {
		return tlv.NewTypeForDecodingErr(val, "[][]byte", l, l)
	}
	var count uint16
	if err := tlv.DUint16(r, &count, buf, 2); err != nil {
		return err
	}
	out := make([][]byte, count)
	for i := range out {
		var sl uint16
		if err := tlv.DUint16(r, &sl, buf, 2); err != nil {
			return err
		}
		out[i] = make([]byte, sl)
		if _, err := io.ReadFull(r, out[i]); err != nil {
			return err
		}
	}
	*sigs = out
	return nil
}

func uint16Ptr(v uint16) *uint16 { return &v }

// EncodeAuthReq serializes a CredentialAuthenticationPayload as a
// VariantAuthReq CredentialMessage.
func EncodeAuthReq(requestID uint64, p *CredentialAuthenticationPayload) ([]byte, error) {
	proof := p.Proof
	tokens := p.Tokens
	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(typeRequestID, &requestID),
		tlv.MakePrimitiveRecord(typeProof, &proof),
		tokensRecord(typeTokens, &tokens),
	)
	if err != nil {
		return nil, err
	}
	return withVariant(VariantAuthReq, stream)
}

// DecodeAuthReq parses a VariantAuthReq CredentialMessage.
func DecodeAuthReq(raw []byte) (uint64, *CredentialAuthenticationPayload, error) {
	variant, body, err := splitVariant(raw)
	if err != nil {
		return 0, nil, err
	}
	if variant != VariantAuthReq {
		return 0, nil, fmt.Errorf("expected AuthReq, got variant %d", variant)
	}

	var (
		requestID uint64
		proof     []byte
		tokens    [][32]byte
	)
	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(typeRequestID, &requestID),
		tlv.MakePrimitiveRecord(typeProof, &proof),
		tokensRecord(typeTokens, &tokens),
	)
	if err != nil {
		return 0, nil, err
	}
	if err := stream.Decode(bytes.NewReader(body)); err != nil {
		return 0, nil, err
	}
	return requestID, &CredentialAuthenticationPayload{Proof: proof, Tokens: tokens}, nil
}

// EncodeAuthResult serializes a CredentialAuthenticationResult.
func EncodeAuthResult(r *CredentialAuthenticationResult) ([]byte, error) {
	sigs := r.Signatures
	stream, err := tlv.NewStream(byteSlicesRecord(typeSignatures, &sigs))
	if err != nil {
		return nil, err
	}
	return withVariant(VariantAuthResult, stream)
}

// DecodeAuthResult parses a VariantAuthResult CredentialMessage.
func DecodeAuthResult(raw []byte) (*CredentialAuthenticationResult, error) {
	variant, body, err := splitVariant(raw)
	if err != nil {
		return nil, err
	}
	if variant != VariantAuthResult {
		return nil, fmt.Errorf("expected AuthResult, got variant %d", variant)
	}
	var sigs [][]byte
	stream, err := tlv.NewStream(byteSlicesRecord(typeSignatures, &sigs))
	if err != nil {
		return nil, err
	}
	if err := stream.Decode(bytes.NewReader(body)); err != nil {
		return nil, err
	}
	return &CredentialAuthenticationResult{Signatures: sigs}, nil
}

// EncodeDeliveranceReq serializes a ServiceDeliveranceRequest.
func EncodeDeliveranceReq(r *ServiceDeliveranceRequest) ([]byte, error) {
	tokens := r.Tokens
	sigs := r.Signatures
	commitSig := r.CommitmentSig
	stream, err := tlv.NewStream(
		tokensRecord(typeTokens, &tokens),
		byteSlicesRecord(typeSignatures, &sigs),
		tlv.MakePrimitiveRecord(typeServiceID, &r.ServiceID),
		tlv.MakePrimitiveRecord(typeCommitmentSig, &commitSig),
	)
	if err != nil {
		return nil, err
	}
	return withVariant(VariantDeliveranceReq, stream)
}

// DecodeDeliveranceReq parses a VariantDeliveranceReq CredentialMessage.
func DecodeDeliveranceReq(raw []byte) (*ServiceDeliveranceRequest, error) {
	variant, body, err := splitVariant(raw)
	if err != nil {
		return nil, err
	}
	if variant != VariantDeliveranceReq {
		return nil, fmt.Errorf("expected DeliveranceReq, got variant %d", variant)
	}
	var (
		serviceID uint64
		tokens    [][32]byte
		sigs      [][]byte
		commitSig []byte
	)
	stream, err := tlv.NewStream(
		tokensRecord(typeTokens, &tokens),
		byteSlicesRecord(typeSignatures, &sigs),
		tlv.MakePrimitiveRecord(typeServiceID, &serviceID),
		tlv.MakePrimitiveRecord(typeCommitmentSig, &commitSig),
	)
	if err != nil {
		return nil, err
	}
	if err := stream.Decode(bytes.NewReader(body)); err != nil {
		return nil, err
	}
	return &ServiceDeliveranceRequest{
		ServiceID:     serviceID,
		Tokens:        tokens,
		Signatures:    sigs,
		CommitmentSig: commitSig,
	}, nil
}

// EncodeDeliveranceResult serializes a ServiceDeliveranceResult.
func EncodeDeliveranceResult(r *ServiceDeliveranceResult) ([]byte, error) {
	var ok uint8
	if r.Ok {
		ok = 1
	}
	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(typeServiceID, &r.ServiceID),
		tlv.MakePrimitiveRecord(typeOk, &ok),
	)
	if err != nil {
		return nil, err
	}
	return withVariant(VariantDeliveranceResult, stream)
}

// DecodeDeliveranceResult parses a VariantDeliveranceResult CredentialMessage.
func DecodeDeliveranceResult(raw []byte) (*ServiceDeliveranceResult, error) {
	variant, body, err := splitVariant(raw)
	if err != nil {
		return nil, err
	}
	if variant != VariantDeliveranceResult {
		return nil, fmt.Errorf("expected DeliveranceResult, got variant %d", variant)
	}
	var (
		serviceID uint64
		ok        uint8
	)
	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(typeServiceID, &serviceID),
		tlv.MakePrimitiveRecord(typeOk, &ok),
	)
	if err != nil {
		return nil, err
	}
	if err := stream.Decode(bytes.NewReader(body)); err != nil {
		return nil, err
	}
	return &ServiceDeliveranceResult{ServiceID: serviceID, Ok: ok == 1}, nil
}

func withVariant(v CredentialVariant, stream *tlv.Stream) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(byte(v))
	if err := stream.Encode(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func splitVariant(raw []byte) (CredentialVariant, []byte, error) {
	if len(raw) < 1 {
		return 0, nil, fmt.Errorf("empty credential message")
	}
	return CredentialVariant(raw[0]), raw[1:], nil
}

// EncodeHex is a convenience wrapper matching the "hex-encoded credential
// protocol message" carried in an event's credential tag.
func EncodeHex(raw []byte) string { return hex.EncodeToString(raw) }

// DecodeHex is EncodeHex's inverse.
func DecodeHex(s string) ([]byte, error) { return hex.DecodeString(s) }
