package cache

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/endeveron/e-enigma/chat"
)

func openStores(t *testing.T) map[string]Store {
	t.Helper()
	sqlStore, err := OpenSQLiteStore(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlStore.Close() })
	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": sqlStore,
	}
}

func textMessage(roomID, senderID, recipientID string, createdAt int64, content string) *chat.Message {
	return &chat.Message{
		ID:          chat.ProvisionalID(createdAt),
		RoomID:      roomID,
		SenderID:    senderID,
		RecipientID: recipientID,
		CreatedAt:   createdAt,
		Plaintext: &chat.Plaintext{
			Content: content,
			Kind:    chat.KindText,
			Date:    chat.DisplayDate{Day: "01.09.2026", Time: "12:00"},
		},
	}
}

func TestRoomUpsertIsInsertIfAbsent(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			room, err := chat.NewRoom("r1", "alice", "bob", 100)
			require.NoError(t, err)
			require.NoError(t, store.UpsertRoom(room))

			stale := room
			stale.UpdatedAt = 999
			require.NoError(t, store.UpsertRoom(stale))

			got, found, err := store.Room("r1")
			require.NoError(t, err)
			require.True(t, found)
			assert.Equal(t, int64(100), got.UpdatedAt)
		})
	}
}

func TestRoomsOrderedByRecency(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			for _, spec := range []struct {
				id        string
				updatedAt int64
			}{{"r1", 50}, {"r2", 200}, {"r3", 120}} {
				room, err := chat.NewRoom(spec.id, "alice", spec.id+"-peer", spec.updatedAt)
				require.NoError(t, err)
				require.NoError(t, store.UpsertRoom(room))
			}
			rooms, err := store.Rooms()
			require.NoError(t, err)
			require.Len(t, rooms, 3)
			assert.Equal(t, "r2", rooms[0].ID)
			assert.Equal(t, "r3", rooms[1].ID)
			assert.Equal(t, "r1", rooms[2].ID)
		})
	}
}

func TestMemberWrittenOnce(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, store.UpsertMember(chat.RoomMember{
				ID: "bob", Name: "Bob", PublicKey: "pk-original",
			}))
			require.NoError(t, store.UpsertMember(chat.RoomMember{
				ID: "bob", Name: "Bobby", PublicKey: "pk-changed",
			}))

			got, found, err := store.Member("bob")
			require.NoError(t, err)
			require.True(t, found)
			assert.Equal(t, "Bob", got.Name)
			assert.Equal(t, "pk-original", got.PublicKey)

			members, err := store.Members()
			require.NoError(t, err)
			assert.Len(t, members, 1)
		})
	}
}

func TestMessageDedupBySenderAndCreatedAt(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			first := textMessage("r1", "alice", "bob", 1000, "hello")
			inserted, err := store.InsertMessage(first)
			require.NoError(t, err)
			assert.True(t, inserted)
			assert.True(t, first.Persisted)

			// Same origin under a different id is the same message.
			dup := textMessage("r1", "alice", "bob", 1000, "hello")
			dup.ID = "uuid-from-relay"
			inserted, err = store.InsertMessage(dup)
			require.NoError(t, err)
			assert.False(t, inserted)

			other := textMessage("r1", "bob", "alice", 1000, "hello")
			inserted, err = store.InsertMessage(other)
			require.NoError(t, err)
			assert.True(t, inserted)

			msgs, err := store.RoomMessages("r1")
			require.NoError(t, err)
			assert.Len(t, msgs, 2)
		})
	}
}

func TestRoomMessagesOrderedAndDecrypted(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			for _, createdAt := range []int64{300, 100, 200} {
				msg := textMessage("r1", "alice", "bob", createdAt, "m")
				_, err := store.InsertMessage(msg)
				require.NoError(t, err)
			}
			_, err := store.InsertMessage(textMessage("r2", "alice", "carol", 150, "other room"))
			require.NoError(t, err)

			msgs, err := store.RoomMessages("r1")
			require.NoError(t, err)
			require.Len(t, msgs, 3)
			assert.Equal(t, int64(100), msgs[0].CreatedAt)
			assert.Equal(t, int64(200), msgs[1].CreatedAt)
			assert.Equal(t, int64(300), msgs[2].CreatedAt)
			require.NotNil(t, msgs[0].Plaintext)
			assert.Equal(t, chat.KindText, msgs[0].Plaintext.Kind)
		})
	}
}

func TestMessagesByIDsAcceptsProvisionalIDs(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			provisional := textMessage("r1", "alice", "bob", 1000, "a")
			_, err := store.InsertMessage(provisional)
			require.NoError(t, err)

			canonical := textMessage("r1", "bob", "alice", 2000, "b")
			canonical.ID = "uuid-1"
			_, err = store.InsertMessage(canonical)
			require.NoError(t, err)

			msgs, err := store.MessagesByIDs("r1", []string{chat.ProvisionalID(1000), "uuid-1"})
			require.NoError(t, err)
			assert.Len(t, msgs, 2)

			msgs, err = store.MessagesByIDs("r1", []string{"unknown"})
			require.NoError(t, err)
			assert.Empty(t, msgs)
		})
	}
}

func TestApplyMetadataAssignsIDAndStaysMonotonic(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			msg := textMessage("r1", "alice", "bob", 1000, "hello")
			_, err := store.InsertMessage(msg)
			require.NoError(t, err)

			changed, err := store.ApplyMetadata("r1", "alice", chat.Metadata{
				ID: "uuid-1", CreatedAt: 1000, ReceivedAt: 1500,
			})
			require.NoError(t, err)
			assert.True(t, changed)

			msgs, err := store.MessagesByIDs("r1", []string{"uuid-1"})
			require.NoError(t, err)
			require.Len(t, msgs, 1)
			assert.Equal(t, int64(1500), msgs[0].ReceivedAt)

			// Canonical id and receivedAt never rewind.
			changed, err = store.ApplyMetadata("r1", "alice", chat.Metadata{
				ID: "uuid-other", CreatedAt: 1000, ReceivedAt: 1200, ViewedAt: 1800,
			})
			require.NoError(t, err)
			assert.True(t, changed)

			msgs, err = store.MessagesByIDs("r1", []string{"uuid-1"})
			require.NoError(t, err)
			require.Len(t, msgs, 1)
			assert.Equal(t, int64(1500), msgs[0].ReceivedAt)
			assert.Equal(t, int64(1800), msgs[0].ViewedAt)

			// Fully acknowledged message absorbs repeats silently.
			changed, err = store.ApplyMetadata("r1", "alice", chat.Metadata{
				ID: "uuid-1", CreatedAt: 1000, ReceivedAt: 1500, ViewedAt: 1800,
			})
			require.NoError(t, err)
			assert.False(t, changed)

			changed, err = store.ApplyMetadata("r1", "alice", chat.Metadata{
				ID: "uuid-x", CreatedAt: 4242,
			})
			require.NoError(t, err)
			assert.False(t, changed)
		})
	}
}

func TestMarkViewedOnlySetsUnset(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			viewed := textMessage("r1", "bob", "alice", 1000, "a")
			viewed.ID = "m1"
			viewed.ViewedAt = 1100
			_, err := store.InsertMessage(viewed)
			require.NoError(t, err)

			fresh := textMessage("r1", "bob", "alice", 2000, "b")
			fresh.ID = "m2"
			_, err = store.InsertMessage(fresh)
			require.NoError(t, err)

			require.NoError(t, store.MarkViewed("r1", []string{"m1", "m2"}, 5000))

			msgs, err := store.RoomMessages("r1")
			require.NoError(t, err)
			require.Len(t, msgs, 2)
			assert.Equal(t, int64(1100), msgs[0].ViewedAt)
			assert.Equal(t, int64(5000), msgs[1].ViewedAt)
		})
	}
}

func TestUnackedSentReturnsMostRecent(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			for i := int64(1); i <= 7; i++ {
				msg := textMessage("r1", "alice", "bob", i*100, "sent")
				if i == 3 {
					msg.ViewedAt = 9000
				}
				_, err := store.InsertMessage(msg)
				require.NoError(t, err)
			}
			// Peer messages never count as unacked.
			_, err := store.InsertMessage(textMessage("r1", "bob", "alice", 650, "inbound"))
			require.NoError(t, err)

			unacked, err := store.UnackedSent("r1", "alice", 5)
			require.NoError(t, err)
			require.Len(t, unacked, 5)
			assert.Equal(t, int64(700), unacked[0].CreatedAt)
			for _, msg := range unacked {
				assert.Equal(t, "alice", msg.SenderID)
				assert.Zero(t, msg.ViewedAt)
				assert.NotEqual(t, int64(300), msg.CreatedAt)
			}
		})
	}
}

func TestInvitationTables(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			sent := InvitationRecord{
				Peer:      chat.UserItem{ID: "bob", Name: "Bob"},
				Direction: chat.InvitationSent,
				Timestamp: 100,
			}
			require.NoError(t, store.UpsertInvitation(sent))

			// Repeated offer to the same peer is absorbed.
			repeat := sent
			repeat.Timestamp = 500
			require.NoError(t, store.UpsertInvitation(repeat))

			recs, err := store.Invitations(chat.InvitationSent)
			require.NoError(t, err)
			require.Len(t, recs, 1)
			assert.Equal(t, int64(100), recs[0].Timestamp)

			// Directions are independent tables.
			recs, err = store.Invitations(chat.InvitationReceived)
			require.NoError(t, err)
			assert.Empty(t, recs)

			require.NoError(t, store.DeleteInvitation("bob", chat.InvitationSent))
			recs, err = store.Invitations(chat.InvitationSent)
			require.NoError(t, err)
			assert.Empty(t, recs)
		})
	}
}

func TestReplaceInvitationsIsWholesale(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, store.UpsertInvitation(InvitationRecord{
				Peer:      chat.UserItem{ID: "stale", Name: "Stale"},
				Direction: chat.InvitationReceived,
				Timestamp: 10,
			}))
			require.NoError(t, store.UpsertInvitation(InvitationRecord{
				Peer:      chat.UserItem{ID: "bob", Name: "Bob"},
				Direction: chat.InvitationSent,
				Timestamp: 20,
			}))

			require.NoError(t, store.ReplaceInvitations(chat.InvitationReceived, []InvitationRecord{
				{Peer: chat.UserItem{ID: "carol", Name: "Carol"}, Timestamp: 300},
				{Peer: chat.UserItem{ID: "dave", Name: "Dave"}, Timestamp: 100},
			}))

			recs, err := store.Invitations(chat.InvitationReceived)
			require.NoError(t, err)
			require.Len(t, recs, 2)
			assert.Equal(t, "carol", recs[0].Peer.ID)
			assert.Equal(t, "dave", recs[1].Peer.ID)

			// The sent table is untouched.
			recs, err = store.Invitations(chat.InvitationSent)
			require.NoError(t, err)
			require.Len(t, recs, 1)
			assert.Equal(t, "bob", recs[0].Peer.ID)
		})
	}
}

func TestWatermarkOnlyRises(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			wm, err := store.Watermark()
			require.NoError(t, err)
			assert.Zero(t, wm)

			require.NoError(t, store.RaiseWatermark(500))
			require.NoError(t, store.RaiseWatermark(200))

			wm, err = store.Watermark()
			require.NoError(t, err)
			assert.Equal(t, int64(500), wm)

			require.NoError(t, store.RaiseWatermark(700))
			wm, err = store.Watermark()
			require.NoError(t, err)
			assert.Equal(t, int64(700), wm)
		})
	}
}

func TestBootstrapFlagLatches(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			done, err := store.BootstrapDone()
			require.NoError(t, err)
			assert.False(t, done)

			require.NoError(t, store.SetBootstrapDone())
			done, err = store.BootstrapDone()
			require.NoError(t, err)
			assert.True(t, done)
		})
	}
}

func TestSQLiteSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")

	store, err := OpenSQLiteStore(path)
	require.NoError(t, err)
	room, err := chat.NewRoom("r1", "alice", "bob", 100)
	require.NoError(t, err)
	require.NoError(t, store.UpsertRoom(room))
	_, err = store.InsertMessage(textMessage("r1", "alice", "bob", 1000, "persist me"))
	require.NoError(t, err)
	require.NoError(t, store.RaiseWatermark(777))
	require.NoError(t, store.SetBootstrapDone())
	require.NoError(t, store.Close())

	store, err = OpenSQLiteStore(path)
	require.NoError(t, err)
	defer store.Close()

	rooms, err := store.Rooms()
	require.NoError(t, err)
	assert.Len(t, rooms, 1)

	msgs, err := store.RoomMessages("r1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "persist me", msgs[0].Plaintext.Content)

	wm, err := store.Watermark()
	require.NoError(t, err)
	assert.Equal(t, int64(777), wm)

	done, err := store.BootstrapDone()
	require.NoError(t, err)
	assert.True(t, done)
}
