package keys

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/endeveron/e-enigma/crypto"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	store, err := crypto.NewEncryptedKeyStore(t.TempDir(), []byte("test-password"))
	require.NoError(t, err)
	return NewManager(store)
}

func peerKey(t *testing.T) string {
	t.Helper()
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	return crypto.EncodeKey(kp.Public)
}

func TestProvisionIdentity(t *testing.T) {
	m := newTestManager(t)

	assert.True(t, m.SelfKeyMissing())

	publicKey, fresh, err := m.ProvisionIdentity()
	require.NoError(t, err)
	assert.True(t, fresh)
	assert.NotEmpty(t, publicKey)
	assert.False(t, m.SelfKeyMissing())

	// A second call loads the same keypair instead of generating.
	again, fresh, err := m.ProvisionIdentity()
	require.NoError(t, err)
	assert.False(t, fresh)
	assert.Equal(t, publicKey, again)
}

func TestPublicKeyRequiresIdentity(t *testing.T) {
	m := newTestManager(t)

	_, err := m.PublicKey()
	assert.ErrorIs(t, err, ErrSelfKeyMissing)

	_, _, err = m.ProvisionIdentity()
	require.NoError(t, err)

	key, err := m.PublicKey()
	require.NoError(t, err)
	assert.NotEmpty(t, key)
}

func TestDeriveAndCacheSharedKeyIdempotent(t *testing.T) {
	m := newTestManager(t)
	_, _, err := m.ProvisionIdentity()
	require.NoError(t, err)

	peer := peerKey(t)

	require.NoError(t, m.DeriveAndCacheSharedKey("bob", peer))
	first, ok := m.SharedKey("bob")
	require.True(t, ok)

	// Deriving twice must not change the stored value, even when a
	// different public key sneaks in without a rotation notice.
	require.NoError(t, m.DeriveAndCacheSharedKey("bob", peerKey(t)))
	second, ok := m.SharedKey("bob")
	require.True(t, ok)
	assert.Equal(t, first, second)

	assert.Equal(t, []string{"bob"}, m.Roster())
}

func TestRotateSharedKeyOverwrites(t *testing.T) {
	m := newTestManager(t)
	_, _, err := m.ProvisionIdentity()
	require.NoError(t, err)

	require.NoError(t, m.DeriveAndCacheSharedKey("bob", peerKey(t)))
	before, ok := m.SharedKey("bob")
	require.True(t, ok)

	require.NoError(t, m.RotateSharedKey("bob", peerKey(t)))
	after, ok := m.SharedKey("bob")
	require.True(t, ok)
	assert.NotEqual(t, before, after)

	// Rotation overwrites in place, so the roster gains no duplicate.
	assert.Equal(t, []string{"bob"}, m.Roster())
}

func TestSharedKeyUnknownPeer(t *testing.T) {
	m := newTestManager(t)
	_, _, err := m.ProvisionIdentity()
	require.NoError(t, err)

	_, ok := m.SharedKey("stranger")
	assert.False(t, ok)
}

func TestDeriveRequiresIdentity(t *testing.T) {
	m := newTestManager(t)

	err := m.DeriveAndCacheSharedKey("bob", peerKey(t))
	assert.ErrorIs(t, err, ErrSelfKeyMissing)
}

func TestDeriveRejectsMalformedPeerKey(t *testing.T) {
	m := newTestManager(t)
	_, _, err := m.ProvisionIdentity()
	require.NoError(t, err)

	assert.Error(t, m.DeriveAndCacheSharedKey("bob", "not-a-key"))
}

func TestSharedKeysSurviveRestart(t *testing.T) {
	dir := t.TempDir()

	store, err := crypto.NewEncryptedKeyStore(dir, []byte("pass"))
	require.NoError(t, err)
	m := NewManager(store)
	_, _, err = m.ProvisionIdentity()
	require.NoError(t, err)
	require.NoError(t, m.DeriveAndCacheSharedKey("bob", peerKey(t)))
	key, ok := m.SharedKey("bob")
	require.True(t, ok)

	// A new manager over the same keystore sees the same material.
	store2, err := crypto.NewEncryptedKeyStore(dir, []byte("pass"))
	require.NoError(t, err)
	m2 := NewManager(store2)
	assert.False(t, m2.SelfKeyMissing())
	key2, ok := m2.SharedKey("bob")
	require.True(t, ok)
	assert.Equal(t, key, key2)
	assert.Equal(t, []string{"bob"}, m2.Roster())
}
