package chat

import "errors"

// ErrInvalidRoomMembers is returned when a room is constructed from
// missing or duplicate member ids.
var ErrInvalidRoomMembers = errors.New("a room requires exactly two distinct member ids")

// Room is a 1:1 conversation between exactly two distinct accounts.
// Construct rooms with NewRoom so the two-member invariant holds by type.
type Room struct {
	ID        string    `json:"id"`
	Members   [2]string `json:"members"`
	UpdatedAt int64     `json:"updatedAt"`
}

// NewRoom builds a room, rejecting empty or duplicate member ids.
func NewRoom(id, memberA, memberB string, updatedAt int64) (Room, error) {
	if memberA == "" || memberB == "" || memberA == memberB {
		return Room{}, ErrInvalidRoomMembers
	}
	return Room{
		ID:        id,
		Members:   [2]string{memberA, memberB},
		UpdatedAt: updatedAt,
	}, nil
}

// Other returns the member id that is not the given one. The ok result is
// false when the id is not a member of the room.
func (r Room) Other(memberID string) (string, bool) {
	switch memberID {
	case r.Members[0]:
		return r.Members[1], true
	case r.Members[1]:
		return r.Members[0], true
	default:
		return "", false
	}
}

// Has reports whether the given id is a member of the room.
func (r Room) Has(memberID string) bool {
	return memberID == r.Members[0] || memberID == r.Members[1]
}
