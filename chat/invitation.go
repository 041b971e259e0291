package chat

// InvitationDirection distinguishes the two local cache tables an
// invitation can live in.
type InvitationDirection uint8

const (
	// InvitationSent was issued by the local account.
	InvitationSent InvitationDirection = iota
	// InvitationReceived is addressed to the local account.
	InvitationReceived
)

// String returns the direction's storage name.
func (d InvitationDirection) String() string {
	if d == InvitationSent {
		return "sent"
	}
	return "received"
}

// Invitation is a pending chat request between two accounts. It is never
// updated in place: accepting or rejecting deletes it from both the local
// cache and the canonical store.
type Invitation struct {
	FromID    string `json:"fromId"`
	ToID      string `json:"toId"`
	Timestamp int64  `json:"timestamp"`
}

// InvitationAnswer reports an accept/reject decision back to the inviter
// over the realtime channel.
type InvitationAnswer struct {
	Event  string `json:"event"` // "accepted" or "rejected"
	FromID string `json:"from"`
	ToID   string `json:"to"`
}

// Invitation answer events.
const (
	InvitationAccepted = "accepted"
	InvitationRejected = "rejected"
)
