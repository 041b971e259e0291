package crypto

import (
	"crypto/rand"
	"errors"

	"golang.org/x/crypto/nacl/secretbox"
)

// NonceSize is the byte length of the XSalsa20-Poly1305 nonce.
const NonceSize = 24

// Overhead is the number of bytes the Poly1305 authenticator adds to a
// sealed message.
const Overhead = secretbox.Overhead

// MaxMessageSize bounds plaintext size (1MB) to prevent excessive memory usage.
const MaxMessageSize = 1024 * 1024

// Nonce is a 24-byte value used once per encryption.
type Nonce [NonceSize]byte

// GenerateNonce creates a cryptographically secure random nonce.
func GenerateNonce() (Nonce, error) {
	var nonce Nonce
	if _, err := rand.Read(nonce[:]); err != nil {
		return Nonce{}, err
	}
	return nonce, nil
}

// EncryptSymmetric seals a message with XSalsa20-Poly1305 under a shared
// key, providing both confidentiality and integrity protection.
func EncryptSymmetric(message []byte, nonce Nonce, key [KeySize]byte) ([]byte, error) {
	if len(message) == 0 {
		return nil, errors.New("empty message")
	}
	if len(message) > MaxMessageSize {
		return nil, errors.New("message too large")
	}

	out := secretbox.Seal(nil, message, (*[NonceSize]byte)(&nonce), (*[KeySize]byte)(&key))
	return out, nil
}

// DecryptSymmetric opens a sealed message. The ok result is false when
// authentication fails, which callers must treat as "undecryptable with
// this key" rather than corruption.
func DecryptSymmetric(ciphertext []byte, nonce Nonce, key [KeySize]byte) ([]byte, bool) {
	if len(ciphertext) < Overhead {
		return nil, false
	}

	out, ok := secretbox.Open(nil, ciphertext, (*[NonceSize]byte)(&nonce), (*[KeySize]byte)(&key))
	if !ok {
		return nil, false
	}
	return out, true
}
