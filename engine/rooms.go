package engine

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/endeveron/e-enigma/chat"
	"github.com/endeveron/e-enigma/events"
)

// OpenRoom marks a room as the one currently on screen. Inbound
// messages for an open room are reported viewed immediately.
func (r *Reconciler) OpenRoom(roomID string) {
	r.mu.Lock()
	r.currentRoom = roomID
	r.mu.Unlock()
}

// CloseRoom clears the open-room marker.
func (r *Reconciler) CloseRoom() {
	r.mu.Lock()
	r.currentRoom = ""
	r.mu.Unlock()
}

// CurrentRoomID returns the room currently on screen, or empty.
func (r *Reconciler) CurrentRoomID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.currentRoom
}

// NewMessageIDs returns the ids of unviewed messages per room. The
// returned map is a snapshot; mutating it does not affect the engine.
func (r *Reconciler) NewMessageIDs() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string][]string, len(r.newByRoom))
	for roomID, ids := range r.newByRoom {
		out[roomID] = append([]string(nil), ids...)
	}
	return out
}

// RoomNewMessages resolves a room's unviewed messages from the cache.
func (r *Reconciler) RoomNewMessages(roomID string) ([]chat.Message, error) {
	r.mu.RLock()
	ids := append([]string(nil), r.newByRoom[roomID]...)
	r.mu.RUnlock()
	if len(ids) == 0 {
		return nil, nil
	}
	return r.store.MessagesByIDs(roomID, ids)
}

// MarkRoomViewed records the viewing of a room's unviewed messages in
// the cache and clears them from the new-message map.
func (r *Reconciler) MarkRoomViewed(roomID string) error {
	r.mu.RLock()
	ids := append([]string(nil), r.newByRoom[roomID]...)
	r.mu.RUnlock()
	if len(ids) == 0 {
		return nil
	}
	if err := r.store.MarkViewed(roomID, ids, r.now()); err != nil {
		return fmt.Errorf("engine: marking room %s viewed: %w", roomID, err)
	}
	r.resetNewMessages(roomID)
	return nil
}

// ResetRoomNewMessages drops a room's entry from the new-message map
// without touching the cache.
func (r *Reconciler) ResetRoomNewMessages(roomID string) {
	r.resetNewMessages(roomID)
}

// trackNewMessage appends a message id to its room's new-message list.
// Returns false when the id is already tracked. The map is replaced,
// not mutated, so concurrent readers keep a consistent view.
func (r *Reconciler) trackNewMessage(roomID, messageID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range r.newByRoom[roomID] {
		if id == messageID {
			return false
		}
	}
	next := make(map[string][]string, len(r.newByRoom)+1)
	for k, v := range r.newByRoom {
		next[k] = v
	}
	next[roomID] = append(append([]string(nil), r.newByRoom[roomID]...), messageID)
	r.newByRoom = next
	return true
}

func (r *Reconciler) resetNewMessages(roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.newByRoom[roomID]; !ok {
		return
	}
	next := make(map[string][]string, len(r.newByRoom))
	for k, v := range r.newByRoom {
		if k != roomID {
			next[k] = v
		}
	}
	r.newByRoom = next
}

// renameTrackedMessage swaps a provisional id for the canonical one in
// place, preserving order.
func (r *Reconciler) renameTrackedMessage(roomID, oldID, newID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids, ok := r.newByRoom[roomID]
	if !ok {
		return
	}
	replaced := append([]string(nil), ids...)
	for i, id := range replaced {
		if id == oldID {
			replaced[i] = newID
		}
	}
	next := make(map[string][]string, len(r.newByRoom))
	for k, v := range r.newByRoom {
		next[k] = v
	}
	next[roomID] = replaced
	r.newByRoom = next
}

// BackfillMetadata re-queries delivery metadata for the room's most
// recent own-sent messages still missing a viewedAt. This is the
// polling fallback for receipts dropped while the account was offline.
func (r *Reconciler) BackfillMetadata(ctx context.Context, roomID string) error {
	unacked, err := r.store.UnackedSent(roomID, r.selfID, metadataBackfillLimit)
	if err != nil {
		return fmt.Errorf("engine: reading unacked messages: %w", err)
	}
	if len(unacked) == 0 {
		return nil
	}

	createdAt := make([]int64, len(unacked))
	for i, msg := range unacked {
		createdAt[i] = msg.CreatedAt
	}

	items, err := r.api.MessageMetadata(ctx, r.selfID, roomID, createdAt)
	if err != nil {
		return fmt.Errorf("engine: querying message metadata: %w", err)
	}

	updated := 0
	for _, md := range items {
		changed, err := r.store.ApplyMetadata(roomID, r.selfID, md)
		if err != nil {
			return fmt.Errorf("engine: applying metadata: %w", err)
		}
		if changed {
			updated++
			r.publish(events.KindMetadataUpdated, chat.Receipt{
				RoomID:     roomID,
				MessageID:  md.ID,
				SenderID:   r.selfID,
				CreatedAt:  md.CreatedAt,
				ReceivedAt: md.ReceivedAt,
				ViewedAt:   md.ViewedAt,
			})
		}
	}

	if updated > 0 {
		logrus.WithFields(logrus.Fields{
			"function": "BackfillMetadata",
			"room_id":  roomID,
			"updated":  updated,
		}).Debug("receipt backfill applied")
	}
	return nil
}
