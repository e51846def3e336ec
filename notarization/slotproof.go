package notarization

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/civkit/civkitd/attestation"
)

// VerifySlotProof checks that ops is a valid Merkle authentication path
// from its first entry, the leaf (whose value must equal commitment), up
// to merkleRoot, per spec.md §4.4.2 step 2. The leaf's slot position is
// not an input and is not checked.
//
// Each op's Append flag selects which side of the running hash the op's
// own commitment is combined on: Append=true means "hash(current ||
// op.commitment)", Append=false means "hash(op.commitment || current)".
func VerifySlotProof(commitment string, ops []attestation.Op, merkleRoot string) error {
	if len(ops) == 0 {
		return fmt.Errorf("empty slot proof")
	}
	if ops[0].Commitment != commitment {
		return fmt.Errorf("slot proof leaf %s does not match commitment %s",
			ops[0].Commitment, commitment)
	}

	current, err := hex.DecodeString(ops[0].Commitment)
	if err != nil {
		return fmt.Errorf("bad leaf hex: %w", err)
	}

	for _, op := range ops[1:] {
		sibling, err := hex.DecodeString(op.Commitment)
		if err != nil {
			return fmt.Errorf("bad op hex: %w", err)
		}

		h := sha256.New()
		if op.Append {
			h.Write(current)
			h.Write(sibling)
		} else {
			h.Write(sibling)
			h.Write(current)
		}
		current = h.Sum(nil)
	}

	root := hex.EncodeToString(current)
	if root != merkleRoot {
		return fmt.Errorf("reconstructed root %s does not match "+
			"attestation merkle_root %s", root, merkleRoot)
	}
	return nil
}
