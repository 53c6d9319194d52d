package core

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// ETagFromAny returns a SHA-256 hex digest of the JSON form of v.
// encoding/json sorts map keys, so equal values hash equally.
func ETagFromAny(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
