package solana

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/mr-tron/base58"
)

// Wire layout sizes.
const (
	SignatureLength = 64
	PublicKeyLength = 32

	versionPrefixMask = 0x80
)

// ErrMalformedTransaction is returned when serialized bytes do not follow the wire layout.
var ErrMalformedTransaction = errors.New("malformed transaction")

// WireTransaction is a serialized legacy or v0 transaction split into its
// signature slots and message bytes.
type WireTransaction struct {
	Signatures [][]byte
	Message    []byte
	// Version is -1 for legacy messages.
	Version               int
	NumRequiredSignatures int
	// AccountKeys holds the static keys; signers come first.
	AccountKeys [][]byte
}

// DecodeShortVec decodes a compact-u16 length prefix, returning the value and bytes consumed.
func DecodeShortVec(b []byte) (int, int, error) {
	value := 0
	for i := 0; i < 3; i++ {
		if i >= len(b) {
			return 0, 0, fmt.Errorf("%w: truncated length prefix", ErrMalformedTransaction)
		}
		elem := int(b[i])
		value |= (elem & 0x7f) << (7 * i)
		if elem&0x80 == 0 {
			return value, i + 1, nil
		}
	}
	return 0, 0, fmt.Errorf("%w: length prefix overflows u16", ErrMalformedTransaction)
}

// EncodeShortVec encodes n as a compact-u16.
func EncodeShortVec(n int) []byte {
	var out []byte
	for {
		elem := byte(n & 0x7f)
		n >>= 7
		if n == 0 {
			return append(out, elem)
		}
		out = append(out, elem|0x80)
	}
}

// ParseWireTransaction splits a serialized transaction.
func ParseWireTransaction(raw []byte) (*WireTransaction, error) {
	numSigs, off, err := DecodeShortVec(raw)
	if err != nil {
		return nil, err
	}
	if len(raw) < off+numSigs*SignatureLength {
		return nil, fmt.Errorf("%w: %d signatures do not fit", ErrMalformedTransaction, numSigs)
	}

	tx := &WireTransaction{Version: -1}
	for i := 0; i < numSigs; i++ {
		sig := make([]byte, SignatureLength)
		copy(sig, raw[off:off+SignatureLength])
		tx.Signatures = append(tx.Signatures, sig)
		off += SignatureLength
	}
	tx.Message = append([]byte(nil), raw[off:]...)

	msg := tx.Message
	pos := 0
	if len(msg) > 0 && msg[0]&versionPrefixMask != 0 {
		tx.Version = int(msg[0] &^ versionPrefixMask)
		pos++
	}
	if len(msg) < pos+3 {
		return nil, fmt.Errorf("%w: missing message header", ErrMalformedTransaction)
	}
	tx.NumRequiredSignatures = int(msg[pos])
	pos += 3

	numKeys, n, err := DecodeShortVec(msg[pos:])
	if err != nil {
		return nil, err
	}
	pos += n
	if len(msg) < pos+numKeys*PublicKeyLength {
		return nil, fmt.Errorf("%w: %d account keys do not fit", ErrMalformedTransaction, numKeys)
	}
	for i := 0; i < numKeys; i++ {
		tx.AccountKeys = append(tx.AccountKeys, msg[pos:pos+PublicKeyLength])
		pos += PublicKeyLength
	}

	if tx.NumRequiredSignatures != numSigs {
		return nil, fmt.Errorf("%w: header requires %d signatures, found %d slots",
			ErrMalformedTransaction, tx.NumRequiredSignatures, numSigs)
	}
	if tx.NumRequiredSignatures > numKeys {
		return nil, fmt.Errorf("%w: more signers than account keys", ErrMalformedTransaction)
	}
	return tx, nil
}

// SignerIndex returns the signature slot for pubkey, or -1 if it is not a required signer.
func (t *WireTransaction) SignerIndex(pubkey []byte) int {
	for i := 0; i < t.NumRequiredSignatures && i < len(t.AccountKeys); i++ {
		if bytes.Equal(t.AccountKeys[i], pubkey) {
			return i
		}
	}
	return -1
}

// SetSignature places sig in slot i.
func (t *WireTransaction) SetSignature(i int, sig []byte) error {
	if i < 0 || i >= len(t.Signatures) {
		return fmt.Errorf("signature slot %d out of range", i)
	}
	if len(sig) != SignatureLength {
		return fmt.Errorf("signature must be %d bytes, got %d", SignatureLength, len(sig))
	}
	copy(t.Signatures[i], sig)
	return nil
}

// Serialize re-encodes the transaction.
func (t *WireTransaction) Serialize() []byte {
	out := EncodeShortVec(len(t.Signatures))
	for _, sig := range t.Signatures {
		out = append(out, sig...)
	}
	return append(out, t.Message...)
}

// Signature returns the base58 fee-payer signature, which is the transaction ID.
func (t *WireTransaction) Signature() string {
	if len(t.Signatures) == 0 {
		return ""
	}
	return base58.Encode(t.Signatures[0])
}
