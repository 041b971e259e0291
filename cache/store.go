// Package cache implements the engine's local cache store: a persistent,
// queryable mirror of rooms, room members, messages and invitations.
//
// The cache is the only source of read truth for the UI. Writes use
// upsert-if-absent semantics: records are never overwritten on conflict,
// the sole exception being explicit metadata updates, which are
// themselves monotonic. Messages are stored decrypted, since the cache
// lives on the device inside the platform's storage sandbox; only key
// material is held separately in the protected keystore.
package cache

import (
	"github.com/endeveron/e-enigma/chat"
)

// InvitationRecord is a pending invitation as the cache tracks it: the
// peer's display projection plus which table (sent/received) it lives in.
type InvitationRecord struct {
	Peer      chat.UserItem
	Direction chat.InvitationDirection
	Timestamp int64
}

// Store is the local cache contract. Implementations must make writes
// durable before returning so the engine can report success upward.
type Store interface {
	// UpsertRoom persists a room unless one with the same id exists.
	UpsertRoom(room chat.Room) error
	// Rooms returns all cached rooms, most recently updated first.
	Rooms() ([]chat.Room, error)
	// Room looks a room up by id.
	Room(id string) (chat.Room, bool, error)

	// UpsertMember persists a member projection unless one exists. The
	// entry is written once and never refreshed.
	UpsertMember(member chat.RoomMember) error
	// Member looks a member up by peer id.
	Member(id string) (chat.RoomMember, bool, error)
	// Members returns all cached member projections.
	Members() ([]chat.RoomMember, error)

	// InsertMessage persists a message unless one with the same sender
	// and createdAt exists. It reports whether a row was inserted.
	InsertMessage(msg *chat.Message) (bool, error)
	// RoomMessages returns a room's messages ordered by createdAt.
	RoomMessages(roomID string) ([]chat.Message, error)
	// MessagesByIDs resolves messages by id, accepting provisional ids.
	MessagesByIDs(roomID string, ids []string) ([]chat.Message, error)
	// ApplyMetadata merges a metadata update into the message keyed by
	// (roomID, senderID, createdAt). Fields already set are kept.
	ApplyMetadata(roomID, senderID string, md chat.Metadata) (bool, error)
	// MarkViewed sets viewedAt on the given messages where unset.
	MarkViewed(roomID string, ids []string, viewedAt int64) error
	// UnackedSent returns up to limit most recent messages in a room
	// sent by senderID that have no viewedAt yet.
	UnackedSent(roomID, senderID string, limit int) ([]chat.Message, error)

	// UpsertInvitation persists an invitation unless present.
	UpsertInvitation(rec InvitationRecord) error
	// DeleteInvitation removes an invitation from one direction table.
	DeleteInvitation(peerID string, dir chat.InvitationDirection) error
	// Invitations lists one direction table.
	Invitations(dir chat.InvitationDirection) ([]InvitationRecord, error)
	// ReplaceInvitations swaps a direction table wholesale; the remote
	// list is authoritative for received invitations.
	ReplaceInvitations(dir chat.InvitationDirection, recs []InvitationRecord) error

	// Watermark returns the highest createdAt among messages that
	// failed decryption, or zero when none has been recorded.
	Watermark() (int64, error)
	// RaiseWatermark persists ts when it exceeds the stored watermark.
	RaiseWatermark(ts int64) error

	// BootstrapDone reports whether the one-time snapshot sync ran.
	BootstrapDone() (bool, error)
	// SetBootstrapDone latches the bootstrap flag.
	SetBootstrapDone() error

	// Close releases the underlying storage.
	Close() error
}
