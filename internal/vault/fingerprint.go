package vault

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// Fingerprint returns a deterministic digest of an attribute set.
// encoding/json marshals map keys in sorted order, so equal attribute
// sets always produce equal digests regardless of insertion order.
// Writers compare it against the current version to skip no-op writes.
func Fingerprint(attrs map[string]any) string {
	if len(attrs) == 0 {
		return ""
	}
	data, err := json.Marshal(attrs)
	if err != nil {
		// Attributes that cannot be marshalled cannot be persisted
		// either; an empty fingerprint forces the write to proceed and
		// fail at the store with a usable error.
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
