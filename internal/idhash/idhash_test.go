package idhash

import (
	"testing"

	"solana-fastpath/internal/domain"
)

func TestComputeEventKey(t *testing.T) {
	tests := []struct {
		name      string
		address   string
		signature string
	}{
		{name: "raydium", address: "675kPX9MHTjS2zt1qfr1NYHuzeLXfQM9H24wFSUt1Mp8", signature: "5sig"},
		{name: "pump", address: "6EF8rrecthR5Dkzon8Nwu78hRvfCKubJ14M5uBEwF6P", signature: "5sig"},
	}

	seen := make(map[string]string)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ComputeEventKey(tt.address, tt.signature)
			if len(got) != 64 {
				t.Errorf("ComputeEventKey() length = %d, want 64", len(got))
			}
			if got != ComputeEventKey(tt.address, tt.signature) {
				t.Error("ComputeEventKey() is not deterministic")
			}
			if other, ok := seen[got]; ok {
				t.Errorf("collision with %s", other)
			}
			seen[got] = tt.name
		})
	}
}

func TestComputeEventKey_SeparatorMatters(t *testing.T) {
	if ComputeEventKey("ab", "c") == ComputeEventKey("a", "bc") {
		t.Error("Different field boundaries should produce different hash")
	}
}

func TestComputeOpportunityID_DifferentInputs(t *testing.T) {
	base := ComputeOpportunityID("Mint", "Pool", domain.EventKindPoolInitialized, "Tx", 1000)

	if len(base) != 64 {
		t.Errorf("ComputeOpportunityID() length = %d, want 64", len(base))
	}
	if base != ComputeOpportunityID("Mint", "Pool", domain.EventKindPoolInitialized, "Tx", 1000) {
		t.Error("ComputeOpportunityID() is not deterministic")
	}

	variants := map[string]string{
		"mint": ComputeOpportunityID("DifferentMint", "Pool", domain.EventKindPoolInitialized, "Tx", 1000),
		"pool": ComputeOpportunityID("Mint", "", domain.EventKindPoolInitialized, "Tx", 1000),
		"kind": ComputeOpportunityID("Mint", "Pool", domain.EventKindTokenCreated, "Tx", 1000),
		"slot": ComputeOpportunityID("Mint", "Pool", domain.EventKindPoolInitialized, "Tx", 2000),
	}
	for field, got := range variants {
		if got == base {
			t.Errorf("Different %s should produce different hash", field)
		}
	}
}
