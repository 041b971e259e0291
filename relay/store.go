// Package relay is the canonical server: the HTTP surface clients sync
// against, the websocket hub pushes ride on, and the store that holds
// accounts, rooms, ciphertext messages and pending invitations. The
// relay never sees plaintext; every message body is opaque ciphertext.
package relay

import (
	"context"
	"errors"

	"github.com/endeveron/e-enigma/chat"
)

// Store lookup failures.
var (
	ErrUserNotFound    = errors.New("relay: user not found")
	ErrRoomNotFound    = errors.New("relay: room not found")
	ErrRoomExists      = errors.New("relay: room already exists")
	ErrMessageNotFound = errors.New("relay: message not found")
)

// User is a relay account row. PublicKey is the current Curve25519
// public key, replaced wholesale on rotation.
type User struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	ImageURL  string `json:"imageUrl,omitempty"`
	PublicKey string `json:"publicKey,omitempty"`
}

// UserItem trims a user to the projection invitation listings expose.
func (u User) UserItem() chat.UserItem {
	return chat.UserItem{ID: u.ID, Name: u.Name, ImageURL: u.ImageURL}
}

// RoomMember is the full member projection room listings expose.
func (u User) RoomMember() chat.RoomMember {
	return chat.RoomMember{ID: u.ID, Name: u.Name, PublicKey: u.PublicKey, ImageURL: u.ImageURL}
}

// Store is the relay's canonical state. Implementations: MemoryStore
// for tests and single-node use, RedisStore for deployment.
type Store interface {
	// PutUser creates or replaces an account row.
	PutUser(ctx context.Context, user User) error
	// User returns an account row or ErrUserNotFound.
	User(ctx context.Context, id string) (User, error)
	// SetPublicKey replaces an account's stored public key.
	SetPublicKey(ctx context.Context, userID, publicKey string) error

	// CreateRoom stores a new room and indexes its member pair.
	CreateRoom(ctx context.Context, room chat.Room) error
	// Room returns a room by id or ErrRoomNotFound.
	Room(ctx context.Context, id string) (chat.Room, error)
	// RoomByMembers returns the room for a member pair, in either member
	// order, or ErrRoomNotFound.
	RoomByMembers(ctx context.Context, memberA, memberB string) (chat.Room, error)
	// RoomsForUser returns every room the user is a member of.
	RoomsForUser(ctx context.Context, userID string) ([]chat.Room, error)
	// TouchRoom bumps a room's updatedAt, never lowering it.
	TouchRoom(ctx context.Context, roomID string, updatedAt int64) error

	// AppendMessage stores a message and indexes it for the recipient.
	AppendMessage(ctx context.Context, msg chat.Message) error
	// UnviewedMessages returns messages addressed to the user that carry
	// no viewedAt yet, oldest first. A positive since restricts the scan
	// to messages created strictly after it.
	UnviewedMessages(ctx context.Context, userID string, since int64) ([]chat.Message, error)
	// MessagesForUser returns every message the user sent or received,
	// viewed or not, oldest first. Backs the bootstrap snapshot.
	MessagesForUser(ctx context.Context, userID string) ([]chat.Message, error)
	// MessageMetadata resolves delivery metadata for a sender's messages
	// in a room, keyed by their createdAt values. Unknown values are
	// skipped, not errors.
	MessageMetadata(ctx context.Context, roomID, senderID string, createdAt []int64) ([]chat.Metadata, error)
	// ApplyReceipt merges delivery timestamps into a stored message,
	// writing each field only if unset. Reports whether anything changed.
	ApplyReceipt(ctx context.Context, receipt chat.Receipt) (bool, error)
	// DeleteSystemMessages removes a room's system messages.
	DeleteSystemMessages(ctx context.Context, roomID string) error

	// CreateInvitation records a pending invitation.
	CreateInvitation(ctx context.Context, inv chat.Invitation) error
	// DeleteInvitation removes a pending invitation, silently succeeding
	// when none exists.
	DeleteInvitation(ctx context.Context, fromID, toID string) error
	// InvitationsFrom lists invitations the user issued.
	InvitationsFrom(ctx context.Context, userID string) ([]chat.Invitation, error)
	// InvitationsTo lists invitations addressed to the user.
	InvitationsTo(ctx context.Context, userID string) ([]chat.Invitation, error)

	Close() error
}
