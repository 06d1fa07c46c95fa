package idhash

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"solana-fastpath/internal/domain"
)

// ComputeOpportunityID computes a deterministic opportunity id using SHA256.
// Formula: SHA256(mint|pool|kind|tx_signature|slot)
// Returns hex-encoded hash (64 characters).
func ComputeOpportunityID(
	mint string,
	pool string,
	kind domain.EventKind,
	txSignature string,
	slot int64,
) string {
	data := fmt.Sprintf("%s|%s|%s|%s|%d",
		mint,
		pool,
		string(kind),
		txSignature,
		slot,
	)

	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}
