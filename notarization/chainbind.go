package notarization

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
)

// derivationPathFromRoot turns merkle_root into the 16 big-endian uint16
// derivation indices i0/.../i15 per spec.md §4.4.2 step 3 and §9's
// explicit byte-reverse contract: the root's bytes are reversed before
// being sliced into indices. This is bit-exact with the attestation
// service and must not be "simplified".
func derivationPathFromRoot(merkleRoot string) ([16]uint16, error) {
	var path [16]uint16

	raw, err := hex.DecodeString(merkleRoot)
	if err != nil {
		return path, fmt.Errorf("bad merkle root hex: %w", err)
	}
	if len(raw) != 32 {
		return path, fmt.Errorf("merkle root must be 32 bytes, got %d", len(raw))
	}

	reversed := make([]byte, len(raw))
	for i, b := range raw {
		reversed[len(raw)-1-i] = b
	}

	for i := 0; i < 16; i++ {
		path[i] = binary.BigEndian.Uint16(reversed[i*2 : i*2+2])
	}
	return path, nil
}

// ckdPubChild derives the non-hardened BIP32 child of parent at index,
// returning the child public key and child chain code.
func ckdPubChild(parent *btcec.PublicKey, chainCode []byte, index uint16) (*btcec.PublicKey, []byte, error) {
	parentBytes := parent.SerializeCompressed()

	var indexBytes [4]byte
	binary.BigEndian.PutUint32(indexBytes[:], uint32(index))

	mac := hmac.New(sha512.New, chainCode)
	mac.Write(parentBytes)
	mac.Write(indexBytes[:])
	i := mac.Sum(nil)

	il, childChainCode := i[:32], i[32:]

	var ilScalar btcec.ModNScalar
	overflow := ilScalar.SetByteSlice(il)
	if overflow {
		return nil, nil, fmt.Errorf("derivation index %d produced an out-of-range scalar", index)
	}

	var ilPoint, parentPoint, childPoint btcec.JacobianPoint
	btcec.ScalarBaseMultNonConst(&ilScalar, &ilPoint)
	parent.AsJacobian(&parentPoint)
	btcec.AddNonConst(&ilPoint, &parentPoint, &childPoint)
	childPoint.ToAffine()

	childPubKey := btcec.NewPublicKey(&childPoint.X, &childPoint.Y)
	return childPubKey, childChainCode, nil
}

// DeriveChildScript walks basePubKeyHex/chainCodeHex through the 16-level
// path derived from merkleRoot and returns the hex-encoded P2WPKH
// scriptPubKey for the resulting child key (spec.md §4.4.2 step 3).
func DeriveChildScript(basePubKeyHex, chainCodeHex, merkleRoot string, netParams *chaincfg.Params) (string, error) {
	path, err := derivationPathFromRoot(merkleRoot)
	if err != nil {
		return "", err
	}

	basePubKeyBytes, err := hex.DecodeString(basePubKeyHex)
	if err != nil {
		return "", fmt.Errorf("bad base pubkey hex: %w", err)
	}
	chainCode, err := hex.DecodeString(chainCodeHex)
	if err != nil {
		return "", fmt.Errorf("bad chain code hex: %w", err)
	}

	pubKey, err := btcec.ParsePubKey(basePubKeyBytes)
	if err != nil {
		return "", fmt.Errorf("parse base pubkey: %w", err)
	}

	for _, idx := range path {
		pubKey, chainCode, err = ckdPubChild(pubKey, chainCode, idx)
		if err != nil {
			return "", fmt.Errorf("derive child at index %d: %w", idx, err)
		}
	}

	addr, err := btcutil.NewAddressWitnessPubKeyHash(
		btcutil.Hash160(pubKey.SerializeCompressed()), netParams,
	)
	if err != nil {
		return "", fmt.Errorf("build p2wpkh address: %w", err)
	}

	script, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return "", fmt.Errorf("build scriptPubKey: %w", err)
	}
	return hex.EncodeToString(script), nil
}
