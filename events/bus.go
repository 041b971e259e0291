// Package events provides the in-process notification bus the engine
// uses to tell UI observers that local state changed.
//
// Envelopes are not persisted. The bus retains a short bounded history so
// late subscribers can catch up on what they missed while mounting.
package events

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Kind identifies what changed.
type Kind uint8

const (
	// KindBootstrapDone fires once after the first full snapshot sync.
	KindBootstrapDone Kind = iota
	// KindRoomsChanged fires when rooms or room members were added.
	KindRoomsChanged
	// KindNewMessage fires when a decrypted inbound message was cached.
	KindNewMessage
	// KindInvitationReceived fires when a pending invitation arrived.
	KindInvitationReceived
	// KindInvitationAnswered fires when a sent invitation was answered.
	KindInvitationAnswered
	// KindMetadataUpdated fires when delivery metadata advanced.
	KindMetadataUpdated
)

// String returns the kind's display name.
func (k Kind) String() string {
	switch k {
	case KindBootstrapDone:
		return "bootstrap-done"
	case KindRoomsChanged:
		return "rooms-changed"
	case KindNewMessage:
		return "new-message"
	case KindInvitationReceived:
		return "invitation-received"
	case KindInvitationAnswered:
		return "invitation-answered"
	case KindMetadataUpdated:
		return "metadata-updated"
	default:
		return "unknown"
	}
}

// Envelope is a single notification.
type Envelope struct {
	Kind    Kind
	Payload any
}

// DefaultHistoryDepth is the retained history length when NewBus is
// given a non-positive depth.
const DefaultHistoryDepth = 16

// Bus fans envelopes out to subscribers and retains bounded history.
type Bus struct {
	mu      sync.Mutex
	depth   int
	history []Envelope // newest first
	subs    map[int]chan Envelope
	nextID  int
}

// NewBus creates a bus retaining up to depth envelopes.
func NewBus(depth int) *Bus {
	if depth <= 0 {
		depth = DefaultHistoryDepth
	}
	return &Bus{
		depth: depth,
		subs:  make(map[int]chan Envelope),
	}
}

// Publish delivers an envelope to every subscriber and records it in the
// history. Delivery never blocks: a subscriber whose buffer is full
// misses the envelope and is expected to resync from the cache.
func (b *Bus) Publish(e Envelope) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.history = append([]Envelope{e}, b.history...)
	if len(b.history) > b.depth {
		b.history = b.history[:b.depth]
	}

	for id, ch := range b.subs {
		select {
		case ch <- e:
		default:
			logrus.WithFields(logrus.Fields{
				"function":   "Publish",
				"subscriber": id,
				"kind":       e.Kind.String(),
			}).Warn("Subscriber buffer full, envelope dropped")
		}
	}
}

// Subscribe registers a new observer. The returned cancel function
// unregisters it and closes the channel.
func (b *Bus) Subscribe(buffer int) (<-chan Envelope, func()) {
	if buffer <= 0 {
		buffer = b.depth
	}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	ch := make(chan Envelope, buffer)
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// History returns the retained envelopes, newest first.
func (b *Bus) History() []Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Envelope, len(b.history))
	copy(out, b.history)
	return out
}
