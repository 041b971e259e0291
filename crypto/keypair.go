// Package crypto implements the cryptographic primitives for the
// E-Enigma chat engine.
//
// This package handles Curve25519 keypair generation, per-peer shared
// key derivation, and authenticated symmetric encryption using the NaCl
// constructions from Go's x/crypto packages.
//
// Example:
//
//	keys, err := crypto.GenerateKeyPair()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println("Public key:", crypto.EncodeKey(keys.Public))
package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"
)

// KeySize is the byte length of Curve25519 public, secret and shared keys.
const KeySize = 32

// KeyPair represents a NaCl crypto_box key pair used for peer key agreement.
type KeyPair struct {
	Public  [KeySize]byte
	Private [KeySize]byte
}

// GenerateKeyPair creates a new random Curve25519 key pair.
func GenerateKeyPair() (*KeyPair, error) {
	publicKey, privateKey, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}

	return &KeyPair{
		Public:  *publicKey,
		Private: *privateKey,
	}, nil
}

// FromSecretKey reconstructs a key pair from an existing secret key by
// deriving the matching public key on the curve.
func FromSecretKey(secretKey [KeySize]byte) (*KeyPair, error) {
	if isZeroKey(secretKey) {
		return nil, errors.New("invalid secret key: all zeros")
	}

	var publicKey [KeySize]byte
	curve25519.ScalarBaseMult(&publicKey, &secretKey)

	return &KeyPair{
		Public:  publicKey,
		Private: secretKey,
	}, nil
}

// EncodeKey renders a key in the base64 form used on the wire and in the
// canonical store.
func EncodeKey(key [KeySize]byte) string {
	return base64.StdEncoding.EncodeToString(key[:])
}

// DecodeKey parses a base64 key string into its fixed-size form.
func DecodeKey(encoded string) ([KeySize]byte, error) {
	var key [KeySize]byte
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return key, fmt.Errorf("invalid key encoding: %w", err)
	}
	if len(raw) != KeySize {
		return key, fmt.Errorf("invalid key length: got %d, want %d", len(raw), KeySize)
	}
	copy(key[:], raw)
	return key, nil
}

// isZeroKey checks if a key consists of all zeros.
func isZeroKey(key [KeySize]byte) bool {
	for _, b := range key {
		if b != 0 {
			return false
		}
	}
	return true
}
