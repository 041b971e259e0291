// Package keys implements the key manager for the E-Enigma engine.
//
// The manager owns the account's Curve25519 identity keypair and the
// per-peer shared key records derived from it. All key material lives in
// an encrypted keystore and never leaves the local machine; only the
// public key is ever published.
package keys

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/endeveron/e-enigma/crypto"
)

// Keystore record names. Shared keys use sharedKeyPrefix + peer id.
const (
	identityRecord  = "identity"
	rosterRecord    = "peer_ids"
	sharedKeyPrefix = "shared_"
)

// ErrSelfKeyMissing indicates the local keystore has no identity keypair.
// After a fresh install or data loss this is expected and resolved by
// ProvisionIdentity; any later occurrence is fatal local-state corruption
// and requires re-authentication.
var ErrSelfKeyMissing = errors.New("local identity keypair is missing")

// Manager derives, caches and rotates per-peer shared keys.
type Manager struct {
	store *crypto.EncryptedKeyStore

	mu      sync.Mutex
	keyPair *crypto.KeyPair
	shared  map[string][crypto.KeySize]byte
}

// NewManager creates a key manager backed by the given keystore.
func NewManager(store *crypto.EncryptedKeyStore) *Manager {
	return &Manager{
		store:  store,
		shared: make(map[string][crypto.KeySize]byte),
	}
}

// SelfKeyMissing reports whether no local identity keypair exists.
func (m *Manager) SelfKeyMissing() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.keyPair != nil {
		return false
	}
	return !m.store.Has(identityRecord)
}

// ProvisionIdentity loads the identity keypair, generating and persisting
// a new one when none exists. The fresh result is true when a keypair was
// generated; the caller must then publish the returned public key so the
// relay can notify every peer to recompute their shared keys.
func (m *Manager) ProvisionIdentity() (publicKey string, fresh bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.loadIdentityLocked(); err == nil {
		return crypto.EncodeKey(m.keyPair.Public), false, nil
	} else if !errors.Is(err, ErrSelfKeyMissing) {
		return "", false, err
	}

	keyPair, err := crypto.GenerateKeyPair()
	if err != nil {
		return "", false, fmt.Errorf("failed to generate identity keypair: %w", err)
	}

	record := make([]byte, 2*crypto.KeySize)
	copy(record[:crypto.KeySize], keyPair.Private[:])
	copy(record[crypto.KeySize:], keyPair.Public[:])
	if err := m.store.Write(identityRecord, record); err != nil {
		return "", false, fmt.Errorf("failed to persist identity keypair: %w", err)
	}
	crypto.ZeroBytes(record)

	m.keyPair = keyPair

	logrus.WithFields(logrus.Fields{
		"function":   "ProvisionIdentity",
		"key_prefix": fmt.Sprintf("%x", keyPair.Public[:8]),
	}).Info("Generated new identity keypair")

	return crypto.EncodeKey(keyPair.Public), true, nil
}

// PublicKey returns the account's public key in wire encoding.
func (m *Manager) PublicKey() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.loadIdentityLocked(); err != nil {
		return "", err
	}
	return crypto.EncodeKey(m.keyPair.Public), nil
}

// loadIdentityLocked populates m.keyPair from the keystore. The caller
// holds m.mu.
func (m *Manager) loadIdentityLocked() error {
	if m.keyPair != nil {
		return nil
	}

	record, err := m.store.Read(identityRecord)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrSelfKeyMissing
		}
		return fmt.Errorf("failed to read identity keypair: %w", err)
	}
	if len(record) != 2*crypto.KeySize {
		return fmt.Errorf("corrupt identity record: %d bytes", len(record))
	}

	keyPair := &crypto.KeyPair{}
	copy(keyPair.Private[:], record[:crypto.KeySize])
	copy(keyPair.Public[:], record[crypto.KeySize:])
	crypto.ZeroBytes(record)

	m.keyPair = keyPair
	return nil
}

// DeriveAndCacheSharedKey computes the DH shared key for a peer and
// persists it. If a record for the peer already exists the call is a
// no-op, so repeated derivation during sync passes is safe.
func (m *Manager) DeriveAndCacheSharedKey(peerID, peerPublicKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.shared[peerID]; ok {
		return nil
	}
	record := sharedKeyPrefix + peerID
	if m.store.Has(record) {
		// Warm the in-memory cache from the persisted record.
		_, err := m.sharedKeyLocked(peerID)
		return err
	}

	key, err := m.computeSharedKeyLocked(peerID, peerPublicKey)
	if err != nil {
		return err
	}

	if err := m.store.Write(record, key[:]); err != nil {
		return fmt.Errorf("failed to persist shared key for peer %s: %w", peerID, err)
	}
	m.shared[peerID] = key

	if err := m.appendToRosterLocked(peerID); err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"function": "DeriveAndCacheSharedKey",
		"peer_id":  peerID,
	}).Info("Shared key derived and cached")

	return nil
}

// RotateSharedKey unconditionally recomputes and overwrites the shared
// key for a peer. Invoked only when a key-rotation system message from
// that peer arrives.
func (m *Manager) RotateSharedKey(peerID, newPeerPublicKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key, err := m.computeSharedKeyLocked(peerID, newPeerPublicKey)
	if err != nil {
		return err
	}

	if err := m.store.Write(sharedKeyPrefix+peerID, key[:]); err != nil {
		return fmt.Errorf("failed to persist rotated shared key for peer %s: %w", peerID, err)
	}
	m.shared[peerID] = key

	logrus.WithFields(logrus.Fields{
		"function": "RotateSharedKey",
		"peer_id":  peerID,
	}).Info("Shared key rotated")

	return nil
}

// SharedKey returns the cached shared key for a peer. The ok result is
// false when no key has been derived yet.
func (m *Manager) SharedKey(peerID string) ([crypto.KeySize]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key, err := m.sharedKeyLocked(peerID)
	if err != nil {
		return [crypto.KeySize]byte{}, false
	}
	return key, true
}

// Roster returns the peer ids a shared key has been derived for. It is
// bookkeeping for cleanup, not an authority on room membership.
func (m *Manager) Roster() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	raw, err := m.store.Read(rosterRecord)
	if err != nil || len(raw) == 0 {
		return nil
	}
	return strings.Split(string(raw), ",")
}

func (m *Manager) computeSharedKeyLocked(peerID, peerPublicKey string) ([crypto.KeySize]byte, error) {
	if err := m.loadIdentityLocked(); err != nil {
		return [crypto.KeySize]byte{}, err
	}

	peerKey, err := crypto.DecodeKey(peerPublicKey)
	if err != nil {
		return [crypto.KeySize]byte{}, fmt.Errorf("invalid public key for peer %s: %w", peerID, err)
	}

	key, err := crypto.DeriveSharedKey(peerKey, m.keyPair.Private)
	if err != nil {
		return [crypto.KeySize]byte{}, fmt.Errorf("failed to derive shared key for peer %s: %w", peerID, err)
	}
	return key, nil
}

func (m *Manager) sharedKeyLocked(peerID string) ([crypto.KeySize]byte, error) {
	if key, ok := m.shared[peerID]; ok {
		return key, nil
	}

	raw, err := m.store.Read(sharedKeyPrefix + peerID)
	if err != nil {
		return [crypto.KeySize]byte{}, err
	}
	if len(raw) != crypto.KeySize {
		return [crypto.KeySize]byte{}, fmt.Errorf("corrupt shared key record for peer %s", peerID)
	}

	var key [crypto.KeySize]byte
	copy(key[:], raw)
	crypto.ZeroBytes(raw)

	m.shared[peerID] = key
	return key, nil
}

func (m *Manager) appendToRosterLocked(peerID string) error {
	var ids []string
	if raw, err := m.store.Read(rosterRecord); err == nil && len(raw) > 0 {
		ids = strings.Split(string(raw), ",")
	}
	for _, id := range ids {
		if id == peerID {
			return nil
		}
	}
	ids = append(ids, peerID)

	if err := m.store.Write(rosterRecord, []byte(strings.Join(ids, ","))); err != nil {
		return fmt.Errorf("failed to update peer roster: %w", err)
	}
	return nil
}
