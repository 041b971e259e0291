package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/endeveron/e-enigma/api"
	"github.com/endeveron/e-enigma/cache"
	"github.com/endeveron/e-enigma/chat"
	"github.com/endeveron/e-enigma/events"
)

const testSelfID = "alice"

type testRig struct {
	recon    *Reconciler
	relay    *fakeRelay
	keys     *fakeKeyRing
	store    *cache.MemoryStore
	outbound *fakeOutbound
	bus      *events.Bus
}

func newTestRig(t *testing.T, relay *fakeRelay) *testRig {
	t.Helper()
	rig := &testRig{
		relay:    relay,
		keys:     newFakeKeyRing(t),
		store:    cache.NewMemoryStore(),
		outbound: &fakeOutbound{},
		bus:      events.NewBus(events.DefaultHistoryDepth),
	}
	rig.recon = New(Config{
		SelfID:   testSelfID,
		API:      relay,
		Keys:     rig.keys,
		Store:    rig.store,
		Bus:      rig.bus,
		Outbound: rig.outbound,
		Now:      func() int64 { return 1_000_000 },
	})
	return rig
}

func (rig *testRig) eventKinds() []events.Kind {
	history := rig.bus.History()
	kinds := make([]events.Kind, len(history))
	for i, e := range history {
		kinds[i] = e.Kind
	}
	return kinds
}

func TestBootstrapEmptyAccount(t *testing.T) {
	rig := newTestRig(t, &fakeRelay{snapshot: &api.Snapshot{}})

	require.NoError(t, rig.recon.Sync(context.Background()))

	done, err := rig.store.BootstrapDone()
	require.NoError(t, err)
	assert.True(t, done)

	// The self key is derived even with nothing else to sync.
	_, ok := rig.keys.SharedKey(testSelfID)
	assert.True(t, ok)

	rooms, err := rig.store.Rooms()
	require.NoError(t, err)
	assert.Empty(t, rooms)

	assert.Contains(t, rig.eventKinds(), events.KindBootstrapDone)
}

func TestBootstrapSeedsCacheAndKeys(t *testing.T) {
	bob := newTestPeer(t, "bob")
	rig := newTestRig(t, nil)
	rig.relay = &fakeRelay{snapshot: &api.Snapshot{
		RoomItems: []api.RoomItem{
			{ID: "r1", MemberID: "bob", NewMsgCount: 1, UpdatedAt: 500},
		},
		RoomMembers: []chat.RoomMember{
			{ID: "bob", Name: "Bob", PublicKey: bob.publicKey()},
		},
		Messages: []chat.Message{
			{
				ID: "m1", RoomID: "r1", SenderID: "bob", RecipientID: testSelfID,
				Ciphertext: bob.seal(rig.keys.self.Public, "hello"),
				CreatedAt:  400,
			},
		},
		Invitations: api.InvitationGroup{
			Received: []chat.UserItem{{ID: "carol", Name: "Carol"}},
		},
	}}
	rig.recon = New(Config{
		SelfID: testSelfID, API: rig.relay, Keys: rig.keys,
		Store: rig.store, Bus: rig.bus, Outbound: rig.outbound,
		Now: func() int64 { return 1_000_000 },
	})

	require.NoError(t, rig.recon.Sync(context.Background()))

	// Keys derived for the peer and self.
	_, ok := rig.keys.SharedKey("bob")
	assert.True(t, ok)
	_, ok = rig.keys.SharedKey(testSelfID)
	assert.True(t, ok)

	room, found, err := rig.store.Room("r1")
	require.NoError(t, err)
	require.True(t, found)
	other, ok := room.Other(testSelfID)
	require.True(t, ok)
	assert.Equal(t, "bob", other)

	member, found, err := rig.store.Member("bob")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, bob.publicKey(), member.PublicKey)

	// The message decrypted and landed in the cache and new-message map.
	msgs, err := rig.store.RoomMessages("r1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello", msgs[0].Plaintext.Content)
	assert.Equal(t, []string{"m1"}, rig.recon.NewMessageIDs()["r1"])

	recs, err := rig.store.Invitations(chat.InvitationReceived)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "carol", recs[0].Peer.ID)

	// No decryption failures, so no watermark.
	wm, err := rig.store.Watermark()
	require.NoError(t, err)
	assert.Zero(t, wm)
}

func TestBootstrapRestoresFullHistory(t *testing.T) {
	bob := newTestPeer(t, "bob")
	rig := newTestRig(t, nil)
	rig.relay = &fakeRelay{snapshot: &api.Snapshot{
		RoomItems: []api.RoomItem{
			{ID: "r1", MemberID: "bob", NewMsgCount: 1, UpdatedAt: 500},
		},
		RoomMembers: []chat.RoomMember{
			{ID: "bob", Name: "Bob", PublicKey: bob.publicKey()},
		},
		Messages: []chat.Message{
			{
				// Own outbound history: sealed for the peer, so this
				// device cannot open it.
				ID: "m1", RoomID: "r1", SenderID: testSelfID, RecipientID: "bob",
				Ciphertext: "sealed-for-peer",
				CreatedAt:  300, ViewedAt: 350,
			},
			{
				ID: "m2", RoomID: "r1", SenderID: "bob", RecipientID: testSelfID,
				Ciphertext: bob.seal(rig.keys.self.Public, "old"),
				CreatedAt:  400, ViewedAt: 450,
			},
			{
				ID: "m3", RoomID: "r1", SenderID: "bob", RecipientID: testSelfID,
				Ciphertext: bob.seal(rig.keys.self.Public, "new"),
				CreatedAt:  500,
			},
		},
	}}
	rig.recon = New(Config{
		SelfID: testSelfID, API: rig.relay, Keys: rig.keys,
		Store: rig.store, Bus: rig.bus, Outbound: rig.outbound,
		Now: func() int64 { return 1_000_000 },
	})

	require.NoError(t, rig.recon.Sync(context.Background()))

	// Viewed inbound history is restored alongside the unviewed tail.
	msgs, err := rig.store.RoomMessages("r1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "old", msgs[0].Plaintext.Content)
	assert.Equal(t, "new", msgs[1].Plaintext.Content)

	// Only the unviewed inbound message is surfaced as new.
	assert.Equal(t, []string{"m3"}, rig.recon.NewMessageIDs()["r1"])

	// The outbound entry stayed encrypted and only moved the watermark.
	wm, err := rig.store.Watermark()
	require.NoError(t, err)
	assert.Equal(t, int64(300), wm)
}

func TestBootstrapAbortsOnInconsistentSnapshot(t *testing.T) {
	rig := newTestRig(t, &fakeRelay{snapshot: &api.Snapshot{
		RoomItems: []api.RoomItem{
			{ID: "r1", MemberID: "ghost", UpdatedAt: 500},
		},
		RoomMembers: []chat.RoomMember{},
	}})

	err := rig.recon.Sync(context.Background())
	require.ErrorIs(t, err, ErrInconsistentState)

	// Nothing latched: the next sync reruns the bootstrap.
	done, err := rig.store.BootstrapDone()
	require.NoError(t, err)
	assert.False(t, done)

	rooms, err := rig.store.Rooms()
	require.NoError(t, err)
	assert.Empty(t, rooms)
}

func TestBootstrapConsumesKeyRotationSignal(t *testing.T) {
	bob := newTestPeer(t, "bob")
	bobRotated := newTestPeer(t, "bob")
	rig := newTestRig(t, nil)
	rig.relay = &fakeRelay{snapshot: &api.Snapshot{
		RoomItems: []api.RoomItem{
			{ID: "r1", MemberID: "bob", UpdatedAt: 500},
		},
		RoomMembers: []chat.RoomMember{
			{ID: "bob", Name: "Bob", PublicKey: bob.publicKey()},
		},
		Messages: []chat.Message{
			{
				ID: "sys1", RoomID: "r1", SenderID: "bob", RecipientID: testSelfID,
				Ciphertext: bobRotated.publicKey(),
				CreatedAt:  600, SystemCode: chat.SystemKeyRotated,
			},
			{
				// Own-sent signals are skipped, not consumed.
				ID: "sys2", RoomID: "r1", SenderID: testSelfID, RecipientID: "bob",
				Ciphertext: "ignored",
				CreatedAt:  601, SystemCode: chat.SystemKeyRotated,
			},
		},
	}}
	rig.recon = New(Config{
		SelfID: testSelfID, API: rig.relay, Keys: rig.keys,
		Store: rig.store, Bus: rig.bus, Now: func() int64 { return 1_000_000 },
	})

	require.NoError(t, rig.recon.Sync(context.Background()))

	assert.Equal(t, bobRotated.publicKey(), rig.keys.rotations["bob"])
	assert.Equal(t, []string{"r1"}, rig.relay.deletedSystemRooms)
}
