package api

import "github.com/endeveron/e-enigma/chat"

// RoomItem is a room as the relay lists it: the peer member and the
// unread count, not the full member pair.
type RoomItem struct {
	ID          string `json:"id"`
	MemberID    string `json:"memberId"`
	NewMsgCount int    `json:"newMsgCount"`
	UpdatedAt   int64  `json:"updatedAt"`
}

// InvitationGroup carries both invitation directions of an account.
type InvitationGroup struct {
	Sent     []chat.UserItem `json:"sent"`
	Received []chat.UserItem `json:"received"`
}

// Snapshot is the full account state returned by the data endpoint,
// fetched once on first sign-in. Messages spans the account's whole
// history, both sent and received, viewed or not.
type Snapshot struct {
	RoomItems   []RoomItem        `json:"roomItems"`
	RoomMembers []chat.RoomMember `json:"roomMembers"`
	Messages    []chat.Message    `json:"messages"`
	Invitations InvitationGroup   `json:"invitations"`
}

// RoomsPayload is the incremental room listing.
type RoomsPayload struct {
	RoomItems   []RoomItem        `json:"roomItems"`
	RoomMembers []chat.RoomMember `json:"roomMembers"`
}

// RoomCreated is the relay's answer to a room creation: the new room's
// identity plus the creator's public key, which the acceptor needs for
// shared key derivation.
type RoomCreated struct {
	RoomID               string `json:"roomId"`
	UpdatedAt            int64  `json:"updatedAt"`
	RoomCreatorPublicKey string `json:"roomCreatorPublicKey"`
}
