package engine

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/endeveron/e-enigma/chat"
	"github.com/endeveron/e-enigma/codec"
	"github.com/endeveron/e-enigma/events"
)

// HandleMessage processes a message pushed over the realtime channel:
// decrypt, stamp receipt times, cache, track as new, and report back to
// the sender. When the message's room is on screen the receipt already
// carries viewedAt.
func (r *Reconciler) HandleMessage(ctx context.Context, msg chat.Message) error {
	if msg.IsSystem() {
		// Rotation signals normally arrive through the fetch path; a
		// pushed one means both sides are online, handle it the same way.
		return r.handleSystemMessages(ctx, []chat.Message{msg})
	}

	key, ok := r.keys.SharedKey(msg.SenderID)
	if !ok {
		logrus.WithFields(logrus.Fields{
			"function": "HandleMessage",
			"peer_id":  msg.SenderID,
		}).Warn("no shared key for pushed message")
		return nil
	}
	plaintext := codec.Decrypt(key, msg.Ciphertext)
	if plaintext == nil {
		logrus.WithFields(logrus.Fields{
			"function":   "HandleMessage",
			"message_id": msg.ID,
		}).Warn("pushed message failed decryption")
		return nil
	}
	msg.Plaintext = plaintext

	now := r.now()
	roomOpen := r.CurrentRoomID() == msg.RoomID
	msg.ReceivedAt = now
	if roomOpen {
		msg.ViewedAt = now
	}

	if _, err := r.store.InsertMessage(&msg); err != nil {
		return fmt.Errorf("engine: caching pushed message: %w", err)
	}

	if r.trackNewMessage(msg.RoomID, msg.ID) {
		r.publish(events.KindNewMessage, msg)
	}

	if r.outbound != nil {
		receipt := chat.NewReceipt(&msg, now, roomOpen)
		if err := r.outbound.SendReceipt(receipt); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":   "HandleMessage",
				"message_id": msg.ID,
				"error":      err,
			}).Warn("receipt not delivered")
		}
	}
	return nil
}

// HandleMetadata applies a delivery receipt forwarded by the relay to
// one of this account's sent messages.
func (r *Reconciler) HandleMetadata(receipt chat.Receipt) error {
	if receipt.SenderID != r.selfID {
		logrus.WithFields(logrus.Fields{
			"function":  "HandleMetadata",
			"sender_id": receipt.SenderID,
		}).Warn("metadata event for a foreign sender dropped")
		return nil
	}

	md := chat.Metadata{
		ID:         receipt.MessageID,
		CreatedAt:  receipt.CreatedAt,
		ReceivedAt: receipt.ReceivedAt,
		ViewedAt:   receipt.ViewedAt,
	}
	changed, err := r.store.ApplyMetadata(receipt.RoomID, r.selfID, md)
	if err != nil {
		return fmt.Errorf("engine: applying receipt: %w", err)
	}
	if !changed {
		return nil
	}

	r.renameTrackedMessage(receipt.RoomID, chat.ProvisionalID(receipt.CreatedAt), receipt.MessageID)
	r.publish(events.KindMetadataUpdated, receipt)
	return nil
}
