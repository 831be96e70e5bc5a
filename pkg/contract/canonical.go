package contract

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
)

// CanonicalJSON renders v as canonical JSON: object keys sorted, no
// insignificant whitespace. Sorting comes from encoding/json, which marshals
// map keys in lexical order.
//
// Canonicalization never drops content. Volatile values (timestamps,
// generated IDs) are excluded from hashing by the shape of the hashed types
// themselves: GraphSpec carries none, and Outcome is a deterministic
// projection. Key-based filtering would also reach into opaque step params
// and outputs, leaving whatever hides under a colliding key name outside the
// hash.
func CanonicalJSON(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal value: %w", err)
	}

	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("failed to normalize value: %w", err)
	}

	canonical, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal canonical form: %w", err)
	}
	return canonical, nil
}

// Hash computes the canonical hash of v, formatted as "sha256:<hex>".
func Hash(v interface{}) (string, error) {
	canonical, err := CanonicalJSON(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return fmt.Sprintf("sha256:%x", sum), nil
}
