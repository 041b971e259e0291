// Package codec seals and opens chat message payloads.
//
// The codec is stateless: it is handed a previously derived shared key
// and never touches the keystore. This lets the sync engine retry
// decryption after a key rotation without re-deriving anything here.
//
// Wire format: base64(nonce ‖ XSalsa20-Poly1305 ciphertext) over the JSON
// encoding of chat.Plaintext.
package codec

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/endeveron/e-enigma/chat"
	"github.com/endeveron/e-enigma/crypto"
)

// Encrypt serializes a plaintext payload and seals it under the peer's
// shared key with a fresh random nonce.
func Encrypt(sharedKey [crypto.KeySize]byte, plaintext chat.Plaintext) (string, error) {
	raw, err := json.Marshal(plaintext)
	if err != nil {
		return "", fmt.Errorf("failed to serialize payload: %w", err)
	}

	nonce, err := crypto.GenerateNonce()
	if err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed, err := crypto.EncryptSymmetric(raw, nonce, sharedKey)
	if err != nil {
		return "", fmt.Errorf("failed to seal payload: %w", err)
	}

	blob := make([]byte, 0, crypto.NonceSize+len(sealed))
	blob = append(blob, nonce[:]...)
	blob = append(blob, sealed...)

	return base64.StdEncoding.EncodeToString(blob), nil
}

// Decrypt opens a sealed payload. It returns nil when the blob cannot be
// authenticated under the given key, which callers must treat as
// "undecryptable now" rather than corruption: the common cause is a
// shared key that has not yet been (re)computed.
func Decrypt(sharedKey [crypto.KeySize]byte, blob string) *chat.Plaintext {
	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Decrypt",
			"error":    err.Error(),
		}).Debug("Ciphertext blob is not valid base64")
		return nil
	}

	if len(raw) <= crypto.NonceSize {
		return nil
	}

	var nonce crypto.Nonce
	copy(nonce[:], raw[:crypto.NonceSize])

	opened, ok := crypto.DecryptSymmetric(raw[crypto.NonceSize:], nonce, sharedKey)
	if !ok {
		return nil
	}

	var plaintext chat.Plaintext
	if err := json.Unmarshal(opened, &plaintext); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Decrypt",
			"error":    err.Error(),
		}).Warn("Opened payload failed validation")
		return nil
	}

	return &plaintext
}
