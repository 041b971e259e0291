package chat

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// MessageKind is the closed set of user message payload kinds.
type MessageKind string

const (
	KindText  MessageKind = "text"
	KindImage MessageKind = "image"
	KindAudio MessageKind = "audio"
)

// ParseKind validates a wire kind string.
func ParseKind(s string) (MessageKind, error) {
	switch MessageKind(s) {
	case KindText, KindImage, KindAudio:
		return MessageKind(s), nil
	default:
		return "", fmt.Errorf("unknown message kind %q", s)
	}
}

// UnmarshalJSON enforces the closed enum at the decode boundary.
func (k *MessageKind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	kind, err := ParseKind(s)
	if err != nil {
		return err
	}
	*k = kind
	return nil
}

// SystemCode marks a message as a control signal carrying no user content.
type SystemCode string

// SystemKeyRotated signals that the sender regenerated its keypair; the
// message payload is the new public key.
const SystemKeyRotated SystemCode = "E001"

// Valid reports whether the code is a known control signal.
func (c SystemCode) Valid() bool {
	return c == SystemKeyRotated
}

// DisplayDate is the render-ready date pair carried inside the encrypted
// payload, so the server never learns even the local display form.
type DisplayDate struct {
	Day  string `json:"day"`  // YYYY-MM-DD
	Time string `json:"time"` // hh:mm
}

// NewDisplayDate formats a timestamp into its display form.
func NewDisplayDate(t time.Time) DisplayDate {
	return DisplayDate{
		Day:  t.Format("2006-01-02"),
		Time: t.Format("15:04"),
	}
}

// Plaintext is the decrypted message payload. Its JSON shape is the wire
// format that gets sealed by the codec.
type Plaintext struct {
	Content string      `json:"data"`
	Kind    MessageKind `json:"type"`
	Date    DisplayDate `json:"date"`
}

// Message is a chat message as the engine tracks it: the canonical
// encrypted record plus, when decryption has succeeded, the plaintext.
//
// CreatedAt is the message's durable identity. It is unique per sender
// and joins the provisional client record with the canonical one once the
// relay assigns the true id.
type Message struct {
	ID          string     `json:"id"`
	RoomID      string     `json:"roomId"`
	SenderID    string     `json:"senderId"`
	RecipientID string     `json:"recipientId"`
	Ciphertext  string     `json:"data"`
	CreatedAt   int64      `json:"createdAt"`
	ReceivedAt  int64      `json:"receivedAt,omitempty"`
	ViewedAt    int64      `json:"viewedAt,omitempty"`
	SystemCode  SystemCode `json:"systemCode,omitempty"`

	// Plaintext is local-only state, never serialized to the relay.
	Plaintext *Plaintext `json:"-"`
	// Persisted records that the local cache write has completed.
	Persisted bool `json:"-"`
}

// ProvisionalID is the identity a message carries before the relay
// assigns a canonical one.
func ProvisionalID(createdAt int64) string {
	return strconv.FormatInt(createdAt, 10)
}

// IsProvisional reports whether the message still carries its
// createdAt-based identity.
func (m *Message) IsProvisional() bool {
	return m.ID == "" || m.ID == ProvisionalID(m.CreatedAt)
}

// IsSystem reports whether the message is a control signal.
func (m *Message) IsSystem() bool {
	return m.SystemCode != ""
}

// MessageState is a sender-side message's position in the delivery chain.
type MessageState uint8

const (
	// StateComposed means the message exists only in memory.
	StateComposed MessageState = iota
	// StatePersisted means the local cache write has completed.
	StatePersisted
	// StateSent means the relay accepted the message and assigned its id.
	StateSent
	// StateDelivered means the recipient's device acknowledged receipt.
	StateDelivered
	// StateViewed means the recipient has seen the message.
	StateViewed
)

// String returns the state's display name.
func (s MessageState) String() string {
	switch s {
	case StateComposed:
		return "composed"
	case StatePersisted:
		return "persisted"
	case StateSent:
		return "sent"
	case StateDelivered:
		return "delivered"
	case StateViewed:
		return "viewed"
	default:
		return "unknown"
	}
}

// State derives the message's delivery state from its fields. Metadata
// only moves forward, so the derived state is monotonic too.
func (m *Message) State() MessageState {
	switch {
	case m.ViewedAt > 0:
		return StateViewed
	case m.ReceivedAt > 0:
		return StateDelivered
	case !m.IsProvisional():
		return StateSent
	case m.Persisted:
		return StatePersisted
	default:
		return StateComposed
	}
}

// Metadata is the subset of message fields the relay reports back to the
// sender, keyed by createdAt because the canonical id may not yet be
// known on the sender's side.
type Metadata struct {
	ID         string `json:"id,omitempty"`
	CreatedAt  int64  `json:"createdAt"`
	ReceivedAt int64  `json:"receivedAt,omitempty"`
	ViewedAt   int64  `json:"viewedAt,omitempty"`
}

// ApplyMetadata merges a metadata update into the message. Each field is
// written only if not already set locally, so updates are idempotent and
// timestamps never decrease or clear. It reports whether anything changed.
func (m *Message) ApplyMetadata(md Metadata) bool {
	changed := false
	if md.ID != "" && m.IsProvisional() {
		m.ID = md.ID
		changed = true
	}
	if md.ReceivedAt > 0 && m.ReceivedAt == 0 {
		m.ReceivedAt = md.ReceivedAt
		changed = true
	}
	if md.ViewedAt > 0 && m.ViewedAt == 0 {
		m.ViewedAt = md.ViewedAt
		changed = true
	}
	return changed
}

// Receipt is the message-receipt event a recipient reports back through
// the relay after handling an inbound message.
type Receipt struct {
	RoomID      string `json:"roomId"`
	MessageID   string `json:"messageId"`
	SenderID    string `json:"senderId"`
	RecipientID string `json:"recipientId"`
	CreatedAt   int64  `json:"createdAt"`
	ReceivedAt  int64  `json:"receivedAt,omitempty"`
	ViewedAt    int64  `json:"viewedAt,omitempty"`
}

// NewReceipt builds the receipt for an inbound message. ViewedAt is set
// only when the recipient currently has the room open.
func NewReceipt(m *Message, now int64, roomOpen bool) Receipt {
	r := Receipt{
		RoomID:      m.RoomID,
		MessageID:   m.ID,
		SenderID:    m.SenderID,
		RecipientID: m.RecipientID,
		CreatedAt:   m.CreatedAt,
		ReceivedAt:  now,
	}
	if roomOpen {
		r.ViewedAt = now
	}
	return r
}
