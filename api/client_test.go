package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotDecodesEnvelope(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/chat/data", r.URL.Path)
		assert.Equal(t, "alice", r.URL.Query().Get("userId"))
		assert.Equal(t, "Bearer token-1", r.Header.Get("Authorization"))

		json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{
				"roomItems": []map[string]any{
					{"id": "r1", "memberId": "bob", "newMsgCount": 2, "updatedAt": 1000},
				},
				"roomMembers": []map[string]any{
					{"id": "bob", "name": "Bob", "publicKey": "pk"},
				},
				"messages": []map[string]any{
					{"id": "m1", "roomId": "r1", "senderId": "bob", "recipientId": "alice",
						"data": "blob", "createdAt": 900},
				},
				"invitations": map[string]any{
					"sent":     []map[string]any{{"id": "carol", "name": "Carol"}},
					"received": []any{},
				},
			},
		})
	}))
	defer server.Close()

	client := NewClient(server.URL, "token-1")
	snapshot, err := client.Snapshot(context.Background(), "alice")
	require.NoError(t, err)

	require.Len(t, snapshot.RoomItems, 1)
	assert.Equal(t, "bob", snapshot.RoomItems[0].MemberID)
	assert.Equal(t, 2, snapshot.RoomItems[0].NewMsgCount)
	require.Len(t, snapshot.RoomMembers, 1)
	assert.Equal(t, "pk", snapshot.RoomMembers[0].PublicKey)
	require.Len(t, snapshot.Messages, 1)
	assert.Equal(t, "blob", snapshot.Messages[0].Ciphertext)
	require.Len(t, snapshot.Invitations.Sent, 1)
	assert.Empty(t, snapshot.Invitations.Received)
}

func TestErrorEnvelopeBecomesTypedError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"message": "User not found."},
		})
	}))
	defer server.Close()

	client := NewClient(server.URL, "token-1")
	_, err := client.NewMessages(context.Background(), "ghost", 0)
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
	assert.Contains(t, err.Error(), "User not found.")
}

func TestCreateRoomConflict(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"message": "Room already exists"},
		})
	}))
	defer server.Close()

	client := NewClient(server.URL, "token-1")
	_, err := client.CreateRoom(context.Background(), "alice", "bob")
	require.ErrorIs(t, err, ErrRoomExists)
}

func TestCreateRoomReturnsCreatorKey(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "alice", body["roomCreatorId"])
		assert.Equal(t, "bob", body["invitedUserId"])

		json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{
				"roomId":               "room-1",
				"updatedAt":            1234,
				"roomCreatorPublicKey": "alice-pk",
			},
		})
	}))
	defer server.Close()

	client := NewClient(server.URL, "token-1")
	created, err := client.CreateRoom(context.Background(), "alice", "bob")
	require.NoError(t, err)
	assert.Equal(t, "room-1", created.RoomID)
	assert.Equal(t, "alice-pk", created.RoomCreatorPublicKey)
}

func TestPostMessageReturnsCanonicalID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "blob", body["data"])
		assert.EqualValues(t, 1000, body["createdAt"])

		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{"data": "uuid-1"})
	}))
	defer server.Close()

	client := NewClient(server.URL, "token-1")
	id, err := client.PostMessage(context.Background(), "alice", "r1", "blob", 1000)
	require.NoError(t, err)
	assert.Equal(t, "uuid-1", id)
}

func TestNewMessagesTimestampHint(t *testing.T) {
	var gotTimestamp string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTimestamp = r.URL.Query().Get("timestamp")
		json.NewEncoder(w).Encode(map[string]any{"data": []any{}})
	}))
	defer server.Close()

	client := NewClient(server.URL, "token-1")

	_, err := client.NewMessages(context.Background(), "alice", 0)
	require.NoError(t, err)
	assert.Empty(t, gotTimestamp)

	_, err = client.NewMessages(context.Background(), "alice", 5000)
	require.NoError(t, err)
	assert.Equal(t, "5000", gotTimestamp)
}

func TestMessageMetadataRequestShape(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			UserID       string  `json:"userId"`
			RoomID       string  `json:"roomId"`
			CreatedAtArr []int64 `json:"createdAtArr"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "alice", body.UserID)
		assert.Equal(t, []int64{100, 200}, body.CreatedAtArr)

		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{
				{"id": "uuid-1", "createdAt": 100, "receivedAt": 150},
			},
		})
	}))
	defer server.Close()

	client := NewClient(server.URL, "token-1")
	items, err := client.MessageMetadata(context.Background(), "alice", "r1", []int64{100, 200})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "uuid-1", items[0].ID)
	assert.Equal(t, int64(150), items[0].ReceivedAt)
}
