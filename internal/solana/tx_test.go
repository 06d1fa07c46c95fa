package solana

import (
	"bytes"
	"errors"
	"testing"

	"github.com/mr-tron/base58"
)

func TestShortVec_RoundTrip(t *testing.T) {
	cases := map[int][]byte{
		0:      {0x00},
		0x7f:   {0x7f},
		0x80:   {0x80, 0x01},
		0x3fff: {0xff, 0x7f},
		0x4000: {0x80, 0x80, 0x01},
	}
	for n, want := range cases {
		got := EncodeShortVec(n)
		if !bytes.Equal(got, want) {
			t.Errorf("EncodeShortVec(%d) = %x, want %x", n, got, want)
		}
		v, size, err := DecodeShortVec(got)
		if err != nil {
			t.Fatalf("DecodeShortVec(%x): %v", got, err)
		}
		if v != n || size != len(want) {
			t.Errorf("DecodeShortVec(%x) = %d,%d, want %d,%d", got, v, size, n, len(want))
		}
	}
}

// buildTestTx assembles an unsigned transaction with the given signer keys.
func buildTestTx(version int, signers ...[]byte) []byte {
	var msg []byte
	if version >= 0 {
		msg = append(msg, byte(0x80|version))
	}
	msg = append(msg, byte(len(signers)), 0, 1)
	program := bytes.Repeat([]byte{9}, PublicKeyLength)
	msg = append(msg, EncodeShortVec(len(signers)+1)...)
	for _, s := range signers {
		msg = append(msg, s...)
	}
	msg = append(msg, program...)
	msg = append(msg, bytes.Repeat([]byte{7}, 32)...) // blockhash
	msg = append(msg, 0)                              // no instructions

	raw := EncodeShortVec(len(signers))
	raw = append(raw, make([]byte, SignatureLength*len(signers))...)
	return append(raw, msg...)
}

func TestParseWireTransaction(t *testing.T) {
	payer := bytes.Repeat([]byte{1}, PublicKeyLength)
	cosigner := bytes.Repeat([]byte{2}, PublicKeyLength)

	for _, version := range []int{-1, 0} {
		raw := buildTestTx(version, payer, cosigner)
		tx, err := ParseWireTransaction(raw)
		if err != nil {
			t.Fatalf("version %d: ParseWireTransaction: %v", version, err)
		}
		if tx.Version != version {
			t.Errorf("expected version %d, got %d", version, tx.Version)
		}
		if tx.NumRequiredSignatures != 2 || len(tx.AccountKeys) != 3 {
			t.Errorf("unexpected header: %d signers, %d keys", tx.NumRequiredSignatures, len(tx.AccountKeys))
		}
		if idx := tx.SignerIndex(cosigner); idx != 1 {
			t.Errorf("expected cosigner slot 1, got %d", idx)
		}
		if idx := tx.SignerIndex(bytes.Repeat([]byte{9}, PublicKeyLength)); idx != -1 {
			t.Errorf("program key must not be a signer slot, got %d", idx)
		}

		sig := bytes.Repeat([]byte{0xab}, SignatureLength)
		if err := tx.SetSignature(0, sig); err != nil {
			t.Fatalf("SetSignature: %v", err)
		}
		out := tx.Serialize()
		if len(out) != len(raw) {
			t.Fatalf("serialized length %d, want %d", len(out), len(raw))
		}
		if !bytes.Equal(out[1:1+SignatureLength], sig) {
			t.Error("signature not placed in slot 0")
		}
		if tx.Signature() != base58.Encode(sig) {
			t.Errorf("unexpected transaction id %s", tx.Signature())
		}
	}
}

func TestParseWireTransaction_Malformed(t *testing.T) {
	raw := buildTestTx(-1, bytes.Repeat([]byte{1}, PublicKeyLength))

	cases := map[string][]byte{
		"empty":           nil,
		"truncated sigs":  raw[:10],
		"truncated keys":  raw[:1+SignatureLength+3+1+10],
		"signer mismatch": append([]byte{0x00}, raw[1+SignatureLength:]...),
	}
	for name, b := range cases {
		if _, err := ParseWireTransaction(b); !errors.Is(err, ErrMalformedTransaction) {
			t.Errorf("%s: expected ErrMalformedTransaction, got %v", name, err)
		}
	}
}
