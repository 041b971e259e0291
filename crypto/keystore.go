package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/pbkdf2"
)

// EncryptedKeyStore wraps file storage with AES-GCM encryption at rest.
// Shared key records and the identity keypair live here, never in the
// general message cache.
type EncryptedKeyStore struct {
	encryptionKey [KeySize]byte
	dataDir       string
	saltFile      string
}

const (
	// PBKDF2Iterations is the number of iterations for key derivation.
	PBKDF2Iterations = 100000
	// EncryptionVersion is the current on-disk encryption format version.
	EncryptionVersion = 1
	// SaltSize is the size of the salt for PBKDF2.
	SaltSize = 32
)

// NewEncryptedKeyStore creates a key store with encryption at rest.
// masterPassword should be a user-provided passphrase or a value derived
// from the platform keyring.
func NewEncryptedKeyStore(dataDir string, masterPassword []byte) (*EncryptedKeyStore, error) {
	if len(masterPassword) == 0 {
		return nil, fmt.Errorf("master password cannot be empty")
	}

	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	ks := &EncryptedKeyStore{
		dataDir:  dataDir,
		saltFile: filepath.Join(dataDir, ".salt"),
	}

	salt, err := ks.loadOrGenerateSalt()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize salt: %w", err)
	}

	derivedKey := pbkdf2.Key(masterPassword, salt, PBKDF2Iterations, KeySize, sha256.New)
	copy(ks.encryptionKey[:], derivedKey)

	SecureWipe(derivedKey)
	SecureWipe(masterPassword)

	return ks, nil
}

// loadOrGenerateSalt loads an existing salt or generates a new one.
func (ks *EncryptedKeyStore) loadOrGenerateSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)

	data, err := os.ReadFile(ks.saltFile)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read salt file: %w", err)
		}

		if _, err := rand.Read(salt); err != nil {
			return nil, fmt.Errorf("failed to generate salt: %w", err)
		}

		if err := os.WriteFile(ks.saltFile, salt, 0o600); err != nil {
			return nil, fmt.Errorf("failed to save salt: %w", err)
		}

		return salt, nil
	}

	if len(data) != SaltSize {
		return nil, fmt.Errorf("invalid salt file size: got %d, want %d", len(data), SaltSize)
	}

	copy(salt, data)
	return salt, nil
}

// Write encrypts and persists a named record.
// Format: [version:2][nonce:12][ciphertext+tag:N]
func (ks *EncryptedKeyStore) Write(name string, plaintext []byte) error {
	block, err := aes.NewCipher(ks.encryptionKey[:])
	if err != nil {
		return fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nil, nonce, plaintext, nil)

	out := make([]byte, 2+len(nonce)+len(ciphertext))
	binary.BigEndian.PutUint16(out[:2], EncryptionVersion)
	copy(out[2:], nonce)
	copy(out[2+len(nonce):], ciphertext)

	path := filepath.Join(ks.dataDir, name)
	if err := os.WriteFile(path, out, 0o600); err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}
	return nil
}

// Read loads and decrypts a named record. os.ErrNotExist is returned
// unwrapped when the record is absent so callers can distinguish
// "missing" from "unreadable".
func (ks *EncryptedKeyStore) Read(name string) ([]byte, error) {
	path := filepath.Join(ks.dataDir, name)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(ks.encryptionKey[:])
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	if len(data) < 2+gcm.NonceSize()+gcm.Overhead() {
		return nil, fmt.Errorf("record too short: %d bytes", len(data))
	}

	version := binary.BigEndian.Uint16(data[:2])
	if version != EncryptionVersion {
		return nil, fmt.Errorf("unsupported encryption version: %d", version)
	}

	nonce := data[2 : 2+gcm.NonceSize()]
	ciphertext := data[2+gcm.NonceSize():]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt record: %w", err)
	}
	return plaintext, nil
}

// Has reports whether a named record exists.
func (ks *EncryptedKeyStore) Has(name string) bool {
	_, err := os.Stat(filepath.Join(ks.dataDir, name))
	return err == nil
}

// Delete removes a named record. Deleting an absent record is not an error.
func (ks *EncryptedKeyStore) Delete(name string) error {
	err := os.Remove(filepath.Join(ks.dataDir, name))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete record: %w", err)
	}
	return nil
}
