package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/endeveron/e-enigma/api"
	"github.com/endeveron/e-enigma/cache"
	"github.com/endeveron/e-enigma/chat"
	"github.com/endeveron/e-enigma/events"
)

// SendInvitation offers a chat to another account. The relay records
// the invitation and pushes an offer to the invitee if connected.
func (r *Reconciler) SendInvitation(ctx context.Context, invited chat.UserItem) error {
	if err := r.api.Invite(ctx, r.selfID, invited.ID); err != nil {
		return fmt.Errorf("engine: sending invitation: %w", err)
	}
	rec := cache.InvitationRecord{
		Peer:      invited,
		Direction: chat.InvitationSent,
		Timestamp: r.now(),
	}
	if err := r.store.UpsertInvitation(rec); err != nil {
		return fmt.Errorf("engine: caching sent invitation: %w", err)
	}
	logrus.WithFields(logrus.Fields{
		"function":   "SendInvitation",
		"invited_id": invited.ID,
	}).Info("invitation sent")
	return nil
}

// AcceptInvitation turns a received invitation into a room: the relay
// creates the room and returns the inviter's public key, the shared key
// is derived, and the invitation is deleted on both sides. The inviter
// is notified through the realtime channel. An offer whose room already
// exists is stale: the existing room is admitted through a listing
// refresh and the offer deleted like an accepted one.
func (r *Reconciler) AcceptInvitation(ctx context.Context, inviter chat.UserItem) error {
	created, err := r.api.CreateRoom(ctx, inviter.ID, r.selfID)
	if errors.Is(err, api.ErrRoomExists) {
		logrus.WithFields(logrus.Fields{
			"function":   "AcceptInvitation",
			"inviter_id": inviter.ID,
		}).Warn("room already exists, clearing stale invitation")
		if err := r.syncRooms(ctx); err != nil {
			return err
		}
		return r.deleteReceivedInvitation(ctx, inviter.ID)
	}
	if err != nil {
		return fmt.Errorf("engine: creating room: %w", err)
	}

	room, err := chat.NewRoom(created.RoomID, inviter.ID, r.selfID, created.UpdatedAt)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInconsistentState, err)
	}
	if err := r.store.UpsertRoom(room); err != nil {
		return fmt.Errorf("engine: caching room %s: %w", created.RoomID, err)
	}
	if err := r.store.UpsertMember(chat.RoomMember{
		ID:        inviter.ID,
		Name:      inviter.Name,
		PublicKey: created.RoomCreatorPublicKey,
		ImageURL:  inviter.ImageURL,
	}); err != nil {
		return fmt.Errorf("engine: caching member %s: %w", inviter.ID, err)
	}
	if err := r.keys.DeriveAndCacheSharedKey(inviter.ID, created.RoomCreatorPublicKey); err != nil {
		return fmt.Errorf("engine: deriving key for %s: %w", inviter.ID, err)
	}

	if err := r.deleteReceivedInvitation(ctx, inviter.ID); err != nil {
		return err
	}

	r.sendAnswer(chat.InvitationAnswer{
		Event:  chat.InvitationAccepted,
		FromID: inviter.ID,
		ToID:   r.selfID,
	})

	logrus.WithFields(logrus.Fields{
		"function":   "AcceptInvitation",
		"inviter_id": inviter.ID,
		"room_id":    created.RoomID,
	}).Info("invitation accepted")

	r.publish(events.KindRoomsChanged, nil)
	return nil
}

// RejectInvitation declines a received invitation: deleted on both
// sides, inviter notified.
func (r *Reconciler) RejectInvitation(ctx context.Context, inviterID string) error {
	if err := r.deleteReceivedInvitation(ctx, inviterID); err != nil {
		return err
	}
	r.sendAnswer(chat.InvitationAnswer{
		Event:  chat.InvitationRejected,
		FromID: inviterID,
		ToID:   r.selfID,
	})
	return nil
}

func (r *Reconciler) deleteReceivedInvitation(ctx context.Context, inviterID string) error {
	if err := r.api.DeleteInvitation(ctx, inviterID, r.selfID); err != nil {
		return fmt.Errorf("engine: deleting remote invitation: %w", err)
	}
	if err := r.store.DeleteInvitation(inviterID, chat.InvitationReceived); err != nil {
		return fmt.Errorf("engine: deleting cached invitation: %w", err)
	}
	return nil
}

func (r *Reconciler) sendAnswer(answer chat.InvitationAnswer) {
	if r.outbound == nil {
		return
	}
	if err := r.outbound.SendInvitationAnswer(answer); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "sendAnswer",
			"event":    answer.Event,
			"error":    err,
		}).Warn("invitation answer not delivered")
	}
}

// HandleInvitationOffer admits an invitation pushed by the relay while
// the account is online.
func (r *Reconciler) HandleInvitationOffer(inviter chat.UserItem) error {
	rec := cache.InvitationRecord{
		Peer:      inviter,
		Direction: chat.InvitationReceived,
		Timestamp: r.now(),
	}
	if err := r.store.UpsertInvitation(rec); err != nil {
		return fmt.Errorf("engine: caching invitation offer: %w", err)
	}
	r.publish(events.KindInvitationReceived, []chat.UserItem{inviter})
	return nil
}

// HandleInvitationAnswer reacts to the invitee's decision on an
// invitation this account sent. An accepted answer means a room now
// exists, so the room listing is refreshed.
func (r *Reconciler) HandleInvitationAnswer(ctx context.Context, answer chat.InvitationAnswer) error {
	if answer.Event == chat.InvitationAccepted {
		if err := r.syncRooms(ctx); err != nil {
			return err
		}
	}
	if err := r.store.DeleteInvitation(answer.ToID, chat.InvitationSent); err != nil {
		return fmt.Errorf("engine: deleting answered invitation: %w", err)
	}
	r.publish(events.KindInvitationAnswered, answer)
	return nil
}
