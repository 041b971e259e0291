package engine

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/endeveron/e-enigma/cache"
	"github.com/endeveron/e-enigma/chat"
	"github.com/endeveron/e-enigma/codec"
	"github.com/endeveron/e-enigma/events"
)

// Sync brings the local cache up to date. The first ever call runs the
// bootstrap snapshot; every later call runs the incremental pass.
func (r *Reconciler) Sync(ctx context.Context) error {
	done, err := r.store.BootstrapDone()
	if err != nil {
		return fmt.Errorf("engine: reading bootstrap flag: %w", err)
	}
	if !done {
		return r.bootstrap(ctx)
	}

	if err := r.syncRooms(ctx); err != nil {
		return err
	}
	if err := r.syncMessages(ctx); err != nil {
		return err
	}
	return r.syncInvitations(ctx)
}

// bootstrap fetches the account's full snapshot and seeds the cache.
// The bootstrap flag is latched only after every write succeeded, so a
// failed pass reruns from scratch.
func (r *Reconciler) bootstrap(ctx context.Context) error {
	snapshot, err := r.api.Snapshot(ctx, r.selfID)
	if err != nil {
		return fmt.Errorf("engine: fetching snapshot: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "bootstrap",
		"rooms":    len(snapshot.RoomItems),
		"members":  len(snapshot.RoomMembers),
		"messages": len(snapshot.Messages),
	}).Info("bootstrap snapshot received")

	// Rooms and members must agree before anything is written.
	known := make(map[string]chat.RoomMember, len(snapshot.RoomMembers))
	for _, member := range snapshot.RoomMembers {
		known[member.ID] = member
	}
	for _, item := range snapshot.RoomItems {
		if _, ok := known[item.MemberID]; !ok {
			return fmt.Errorf("%w: room %s references unknown member %s",
				ErrInconsistentState, item.ID, item.MemberID)
		}
	}

	// Shared keys: one per member, plus the self key.
	ownPublicKey, err := r.keys.PublicKey()
	if err != nil {
		return fmt.Errorf("engine: bootstrap: %w", err)
	}
	if err := r.keys.DeriveAndCacheSharedKey(r.selfID, ownPublicKey); err != nil {
		return fmt.Errorf("engine: deriving self key: %w", err)
	}
	for _, member := range snapshot.RoomMembers {
		if err := r.keys.DeriveAndCacheSharedKey(member.ID, member.PublicKey); err != nil {
			return fmt.Errorf("engine: deriving key for %s: %w", member.ID, err)
		}
		if err := r.store.UpsertMember(member); err != nil {
			return fmt.Errorf("engine: caching member %s: %w", member.ID, err)
		}
	}

	for _, item := range snapshot.RoomItems {
		room, err := chat.NewRoom(item.ID, r.selfID, item.MemberID, item.UpdatedAt)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInconsistentState, err)
		}
		if err := r.store.UpsertRoom(room); err != nil {
			return fmt.Errorf("engine: caching room %s: %w", item.ID, err)
		}
	}

	if err := r.ingestMessages(ctx, snapshot.Messages, true); err != nil {
		return err
	}

	if err := r.replaceReceivedInvitations(snapshot.Invitations.Received); err != nil {
		return err
	}
	for _, peer := range snapshot.Invitations.Sent {
		rec := cache.InvitationRecord{
			Peer:      peer,
			Direction: chat.InvitationSent,
			Timestamp: r.now(),
		}
		if err := r.store.UpsertInvitation(rec); err != nil {
			return fmt.Errorf("engine: caching sent invitation: %w", err)
		}
	}

	if err := r.store.SetBootstrapDone(); err != nil {
		return fmt.Errorf("engine: latching bootstrap flag: %w", err)
	}
	r.publish(events.KindBootstrapDone, nil)
	return nil
}

// syncRooms fetches the room listing, admits rooms not yet cached and
// derives shared keys for peer members seen for the first time. The
// room upserts never depend on the member refresh: a listing may carry
// a new room whose member is already known.
func (r *Reconciler) syncRooms(ctx context.Context) error {
	payload, err := r.api.Rooms(ctx, r.selfID)
	if err != nil {
		return fmt.Errorf("engine: fetching rooms: %w", err)
	}
	if len(payload.RoomItems) == 0 {
		return nil
	}

	var fresh []chat.RoomMember
	for _, member := range payload.RoomMembers {
		if _, found, err := r.store.Member(member.ID); err != nil {
			return fmt.Errorf("engine: reading member %s: %w", member.ID, err)
		} else if !found {
			fresh = append(fresh, member)
		}
	}
	for _, member := range fresh {
		if err := r.keys.DeriveAndCacheSharedKey(member.ID, member.PublicKey); err != nil {
			return fmt.Errorf("engine: deriving key for %s: %w", member.ID, err)
		}
		if err := r.store.UpsertMember(member); err != nil {
			return fmt.Errorf("engine: caching member %s: %w", member.ID, err)
		}
	}

	admitted := 0
	for _, item := range payload.RoomItems {
		if _, found, err := r.store.Room(item.ID); err != nil {
			return fmt.Errorf("engine: reading room %s: %w", item.ID, err)
		} else if !found {
			admitted++
		}
		room, err := chat.NewRoom(item.ID, r.selfID, item.MemberID, item.UpdatedAt)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInconsistentState, err)
		}
		if err := r.store.UpsertRoom(room); err != nil {
			return fmt.Errorf("engine: caching room %s: %w", item.ID, err)
		}
	}
	if len(fresh) == 0 && admitted == 0 {
		return nil
	}

	logrus.WithFields(logrus.Fields{
		"function":    "syncRooms",
		"new_members": len(fresh),
		"new_rooms":   admitted,
	}).Info("rooms synchronized")

	r.publish(events.KindRoomsChanged, nil)
	return nil
}

// syncMessages fetches unviewed inbound messages, using the decrypt
// watermark as the lower timestamp bound.
func (r *Reconciler) syncMessages(ctx context.Context) error {
	since, err := r.store.Watermark()
	if err != nil {
		return fmt.Errorf("engine: reading watermark: %w", err)
	}
	messages, err := r.api.NewMessages(ctx, r.selfID, since)
	if err != nil {
		return fmt.Errorf("engine: fetching new messages: %w", err)
	}
	if len(messages) == 0 {
		return nil
	}
	return r.ingestMessages(ctx, messages, false)
}

// ingestMessages splits a fetched batch into system messages, messages
// that decrypt, and messages that don't. Decrypted messages are cached
// and tracked as new; undecryptable ones only advance the watermark.
// During bootstrap, inbound messages already viewed are skipped from
// the new-message map but still raise no watermark.
func (r *Reconciler) ingestMessages(ctx context.Context, messages []chat.Message, bootstrap bool) error {
	var system []chat.Message
	var failedHighest int64
	var failedIDs []string
	ingested := 0

	for i := range messages {
		msg := messages[i]
		if msg.IsSystem() {
			system = append(system, msg)
			continue
		}

		key, ok := r.keys.SharedKey(msg.SenderID)
		var plaintext *chat.Plaintext
		if ok {
			plaintext = codec.Decrypt(key, msg.Ciphertext)
		}
		if plaintext == nil {
			failedIDs = append(failedIDs, msg.ID)
			if msg.CreatedAt > failedHighest {
				failedHighest = msg.CreatedAt
			}
			continue
		}
		msg.Plaintext = plaintext

		if _, err := r.store.InsertMessage(&msg); err != nil {
			return fmt.Errorf("engine: caching message %s: %w", msg.ID, err)
		}
		ingested++

		// Inbound, not yet viewed: surface it as new.
		if msg.RecipientID == r.selfID && msg.ViewedAt == 0 {
			if r.trackNewMessage(msg.RoomID, msg.ID) {
				r.publish(events.KindNewMessage, msg)
			}
		}
	}

	if len(failedIDs) > 0 {
		if err := r.store.RaiseWatermark(failedHighest); err != nil {
			return fmt.Errorf("engine: raising watermark: %w", err)
		}
		logrus.WithFields(logrus.Fields{
			"function":  "ingestMessages",
			"failed":    len(failedIDs),
			"watermark": failedHighest,
		}).Warn("messages left encrypted until keys catch up")
	}

	logrus.WithFields(logrus.Fields{
		"function":  "ingestMessages",
		"ingested":  ingested,
		"system":    len(system),
		"bootstrap": bootstrap,
	}).Debug("message batch processed")

	return r.handleSystemMessages(ctx, system)
}

// handleSystemMessages consumes key-rotation signals: the payload is
// the sender's new public key in the clear. The shared key is replaced
// and the signal deleted from the relay. Own-sent signals are skipped.
func (r *Reconciler) handleSystemMessages(ctx context.Context, system []chat.Message) error {
	for _, msg := range system {
		if msg.SystemCode != chat.SystemKeyRotated {
			logrus.WithFields(logrus.Fields{
				"function": "handleSystemMessages",
				"code":     string(msg.SystemCode),
			}).Warn("unknown system code ignored")
			continue
		}
		if msg.SenderID == r.selfID {
			continue
		}
		if msg.SenderID == "" || msg.Ciphertext == "" {
			logrus.WithFields(logrus.Fields{
				"function": "handleSystemMessages",
				"room_id":  msg.RoomID,
			}).Error("key rotation signal missing sender or key")
			continue
		}

		if err := r.keys.RotateSharedKey(msg.SenderID, msg.Ciphertext); err != nil {
			return fmt.Errorf("engine: rotating key for %s: %w", msg.SenderID, err)
		}
		logrus.WithFields(logrus.Fields{
			"function": "handleSystemMessages",
			"peer_id":  msg.SenderID,
		}).Info("shared key rotated")

		if err := r.api.DeleteSystemMessages(ctx, msg.RoomID); err != nil {
			return fmt.Errorf("engine: deleting consumed signal in room %s: %w", msg.RoomID, err)
		}
	}
	return nil
}

// syncInvitations fetches pending received invitations; the relay list
// replaces the local one wholesale.
func (r *Reconciler) syncInvitations(ctx context.Context) error {
	items, err := r.api.Invitations(ctx, r.selfID)
	if err != nil {
		return fmt.Errorf("engine: fetching invitations: %w", err)
	}
	if err := r.replaceReceivedInvitations(items); err != nil {
		return err
	}
	if len(items) > 0 {
		r.publish(events.KindInvitationReceived, items)
	}
	return nil
}

func (r *Reconciler) replaceReceivedInvitations(items []chat.UserItem) error {
	recs := make([]cache.InvitationRecord, 0, len(items))
	for _, peer := range items {
		recs = append(recs, cache.InvitationRecord{
			Peer:      peer,
			Direction: chat.InvitationReceived,
			Timestamp: r.now(),
		})
	}
	if err := r.store.ReplaceInvitations(chat.InvitationReceived, recs); err != nil {
		return fmt.Errorf("engine: replacing received invitations: %w", err)
	}
	return nil
}
