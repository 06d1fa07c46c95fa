// Package signer loads a trading keypair and signs serialized transactions.
package signer

import (
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/mr-tron/base58"

	"solana-fastpath/internal/solana"
)

// ErrNotSigner is returned when the keypair is not a required signer of the transaction.
var ErrNotSigner = errors.New("keypair is not a required signer")

// Signer signs transactions for one account.
type Signer interface {
	PublicKey() string
	// Sign fills this account's signature slot and returns the serialized transaction.
	Sign(raw []byte) ([]byte, error)
}

// Keypair is an ed25519 Solana keypair.
type Keypair struct {
	private ed25519.PrivateKey
	public  string
}

var _ Signer = (*Keypair)(nil)

// NewKeypair wraps a 64-byte ed25519 private key.
func NewKeypair(key ed25519.PrivateKey) (*Keypair, error) {
	if len(key) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("private key must be %d bytes, got %d", ed25519.PrivateKeySize, len(key))
	}
	derived := ed25519.NewKeyFromSeed(key.Seed())
	if !derived.Equal(key) {
		return nil, errors.New("public half does not match seed")
	}
	pub := key.Public().(ed25519.PublicKey)
	return &Keypair{private: key, public: base58.Encode(pub)}, nil
}

// ParseKeypair accepts either a solana-keygen JSON byte array or a base58 string.
func ParseKeypair(data []byte) (*Keypair, error) {
	text := strings.TrimSpace(string(data))
	if strings.HasPrefix(text, "[") {
		var ints []int
		if err := json.Unmarshal([]byte(text), &ints); err != nil {
			return nil, fmt.Errorf("parse keypair json: %w", err)
		}
		key := make([]byte, len(ints))
		for i, v := range ints {
			if v < 0 || v > 255 {
				return nil, fmt.Errorf("keypair byte %d out of range", i)
			}
			key[i] = byte(v)
		}
		return NewKeypair(key)
	}
	key, err := base58.Decode(text)
	if err != nil {
		return nil, fmt.Errorf("decode base58 keypair: %w", err)
	}
	return NewKeypair(key)
}

// LoadKeypair reads a keypair file.
func LoadKeypair(path string) (*Keypair, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read keypair: %w", err)
	}
	return ParseKeypair(data)
}

// PublicKey returns the base58 address.
func (k *Keypair) PublicKey() string {
	return k.public
}

// Sign signs the message and places the signature in this key's slot.
func (k *Keypair) Sign(raw []byte) ([]byte, error) {
	tx, err := solana.ParseWireTransaction(raw)
	if err != nil {
		return nil, err
	}
	slot := tx.SignerIndex(k.private.Public().(ed25519.PublicKey))
	if slot < 0 {
		return nil, ErrNotSigner
	}
	if err := tx.SetSignature(slot, ed25519.Sign(k.private, tx.Message)); err != nil {
		return nil, err
	}
	return tx.Serialize(), nil
}
