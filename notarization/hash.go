package notarization

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// ComputeCumulativeHash folds the id of the next event into prevHash,
// implementing spec.md §3's C₀ = H(e₁.id), Cₙ = H(Cₙ₋₁ ‖ eₙ.id).
// An empty prevHash computes C₀.
func ComputeCumulativeHash(prevHash, eventID string) (string, error) {
	idBytes, err := hex.DecodeString(eventID)
	if err != nil {
		return "", fmt.Errorf("bad event id hex: %w", err)
	}

	h := sha256.New()
	if prevHash != "" {
		prevBytes, err := hex.DecodeString(prevHash)
		if err != nil {
			return "", fmt.Errorf("bad previous hash hex: %w", err)
		}
		h.Write(prevBytes)
	}
	h.Write(idBytes)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// RecomputeCumulativeHash folds an ordered list of event ids from genesis,
// reproducing spec.md §8's "cumulative-hash consistency" invariant: this
// must equal the cumulative_hash recorded alongside the last id.
func RecomputeCumulativeHash(eventIDs []string) (string, error) {
	var hash string
	for _, id := range eventIDs {
		next, err := ComputeCumulativeHash(hash, id)
		if err != nil {
			return "", err
		}
		hash = next
	}
	return hash, nil
}
