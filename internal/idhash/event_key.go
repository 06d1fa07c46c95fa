package idhash

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// ComputeEventKey computes the deduplication key of an event record.
// Formula: SHA256(contract_address|signature)
// Returns hex-encoded hash (64 characters).
func ComputeEventKey(contractAddress, signature string) string {
	data := fmt.Sprintf("%s|%s", contractAddress, signature)

	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}
