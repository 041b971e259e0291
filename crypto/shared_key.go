package crypto

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/nacl/box"
)

// DeriveSharedKey computes the symmetric key shared between the local
// account and a peer using Curve25519 Diffie-Hellman agreement followed
// by the NaCl HSalsa20 key hardening step (box.Precompute). Both sides
// obtain the same key, so messages sealed by either party open with it.
func DeriveSharedKey(peerPublicKey, privateKey [KeySize]byte) ([KeySize]byte, error) {
	logrus.WithFields(logrus.Fields{
		"function":        "DeriveSharedKey",
		"peer_key_prefix": fmt.Sprintf("%x", peerPublicKey[:8]),
	}).Debug("Computing shared key using ECDH")

	if isZeroKey(peerPublicKey) {
		return [KeySize]byte{}, fmt.Errorf("invalid peer public key: all zeros")
	}
	if isZeroKey(privateKey) {
		return [KeySize]byte{}, fmt.Errorf("invalid private key: all zeros")
	}

	// Copies keep the caller's key material untouched by the wipe below.
	var publicKeyCopy [KeySize]byte
	var privateKeyCopy [KeySize]byte
	copy(publicKeyCopy[:], peerPublicKey[:])
	copy(privateKeyCopy[:], privateKey[:])

	var sharedKey [KeySize]byte
	box.Precompute(&sharedKey, &publicKeyCopy, &privateKeyCopy)

	ZeroBytes(privateKeyCopy[:])

	logrus.WithFields(logrus.Fields{
		"function":        "DeriveSharedKey",
		"peer_key_prefix": fmt.Sprintf("%x", peerPublicKey[:8]),
	}).Debug("Shared key computed successfully")

	return sharedKey, nil
}
