package engine

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/endeveron/e-enigma/api"
	"github.com/endeveron/e-enigma/chat"
	"github.com/endeveron/e-enigma/codec"
	"github.com/endeveron/e-enigma/crypto"
)

// fakeRelay is a scriptable RelayAPI. Each response field is returned
// as-is; calls are recorded for assertions.
type fakeRelay struct {
	mu sync.Mutex

	snapshot    *api.Snapshot
	snapshotErr error
	rooms       *api.RoomsPayload
	invitations []chat.UserItem
	newMessages []chat.Message
	metadata    []chat.Metadata
	roomCreated *api.RoomCreated
	createErr   error

	newMessagesSince   []int64
	deletedInvitations [][2]string
	deletedSystemRooms []string
	invitedUsers       []string
	metadataRequests   [][]int64
}

func (f *fakeRelay) Snapshot(ctx context.Context, userID string) (*api.Snapshot, error) {
	if f.snapshotErr != nil {
		return nil, f.snapshotErr
	}
	return f.snapshot, nil
}

func (f *fakeRelay) Rooms(ctx context.Context, userID string) (*api.RoomsPayload, error) {
	if f.rooms == nil {
		return &api.RoomsPayload{}, nil
	}
	return f.rooms, nil
}

func (f *fakeRelay) Invite(ctx context.Context, roomCreatorID, invitedUserID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invitedUsers = append(f.invitedUsers, invitedUserID)
	return nil
}

func (f *fakeRelay) Invitations(ctx context.Context, userID string) ([]chat.UserItem, error) {
	return f.invitations, nil
}

func (f *fakeRelay) DeleteInvitation(ctx context.Context, roomCreatorID, invitedUserID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletedInvitations = append(f.deletedInvitations, [2]string{roomCreatorID, invitedUserID})
	return nil
}

func (f *fakeRelay) CreateRoom(ctx context.Context, roomCreatorID, invitedUserID string) (*api.RoomCreated, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	return f.roomCreated, nil
}

func (f *fakeRelay) NewMessages(ctx context.Context, userID string, since int64) ([]chat.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.newMessagesSince = append(f.newMessagesSince, since)
	return f.newMessages, nil
}

func (f *fakeRelay) MessageMetadata(ctx context.Context, userID, roomID string, createdAt []int64) ([]chat.Metadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.metadataRequests = append(f.metadataRequests, createdAt)
	return f.metadata, nil
}

func (f *fakeRelay) DeleteSystemMessages(ctx context.Context, roomID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletedSystemRooms = append(f.deletedSystemRooms, roomID)
	return nil
}

// fakeKeyRing derives real shared keys from real keypairs so messages
// sealed by testPeer helpers decrypt through the production codec.
type fakeKeyRing struct {
	mu        sync.Mutex
	self      *crypto.KeyPair
	shared    map[string][crypto.KeySize]byte
	rotations map[string]string
}

func newFakeKeyRing(t *testing.T) *fakeKeyRing {
	t.Helper()
	self, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	return &fakeKeyRing{
		self:      self,
		shared:    make(map[string][crypto.KeySize]byte),
		rotations: make(map[string]string),
	}
}

func (f *fakeKeyRing) PublicKey() (string, error) {
	return crypto.EncodeKey(f.self.Public), nil
}

func (f *fakeKeyRing) DeriveAndCacheSharedKey(peerID, peerPublicKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.shared[peerID]; ok {
		return nil
	}
	return f.deriveLocked(peerID, peerPublicKey)
}

func (f *fakeKeyRing) RotateSharedKey(peerID, newPeerPublicKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rotations[peerID] = newPeerPublicKey
	return f.deriveLocked(peerID, newPeerPublicKey)
}

func (f *fakeKeyRing) deriveLocked(peerID, peerPublicKey string) error {
	pub, err := crypto.DecodeKey(peerPublicKey)
	if err != nil {
		return err
	}
	key, err := crypto.DeriveSharedKey(pub, f.self.Private)
	if err != nil {
		return err
	}
	f.shared[peerID] = key
	return nil
}

func (f *fakeKeyRing) SharedKey(peerID string) ([crypto.KeySize]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key, ok := f.shared[peerID]
	return key, ok
}

// fakeOutbound records realtime emissions.
type fakeOutbound struct {
	mu       sync.Mutex
	receipts []chat.Receipt
	answers  []chat.InvitationAnswer
}

func (f *fakeOutbound) SendReceipt(r chat.Receipt) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receipts = append(f.receipts, r)
	return nil
}

func (f *fakeOutbound) SendInvitationAnswer(a chat.InvitationAnswer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers = append(f.answers, a)
	return nil
}

// testPeer owns a keypair and can seal messages addressed to the
// account under test, the way a real peer device would.
type testPeer struct {
	t    *testing.T
	id   string
	keys *crypto.KeyPair
}

func newTestPeer(t *testing.T, id string) *testPeer {
	t.Helper()
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	return &testPeer{t: t, id: id, keys: kp}
}

func (p *testPeer) publicKey() string {
	return crypto.EncodeKey(p.keys.Public)
}

func (p *testPeer) seal(selfPublic [crypto.KeySize]byte, content string) string {
	p.t.Helper()
	shared, err := crypto.DeriveSharedKey(selfPublic, p.keys.Private)
	require.NoError(p.t, err)
	blob, err := codec.Encrypt(shared, chat.Plaintext{
		Content: content,
		Kind:    chat.KindText,
		Date:    chat.DisplayDate{Day: "2026-09-01", Time: "12:00"},
	})
	require.NoError(p.t, err)
	return blob
}
