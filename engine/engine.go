// Package engine reconciles the local cache with the relay's canonical
// state and reacts to realtime events.
//
// The reconciler runs one of two sync paths on start: a bootstrap
// snapshot fetch when the local cache has never been populated, or an
// incremental pass (rooms, then messages, then invitations) on every
// later start. Inbound realtime events are handled by the Handle*
// methods, which the realtime adapter dispatches into.
//
//	recon := engine.New(engine.Config{
//		SelfID: session.UserID,
//		API:    apiClient,
//		Keys:   keyManager,
//		Store:  cacheStore,
//		Bus:    bus,
//	})
//	if err := recon.Sync(ctx); err != nil {
//		// transient network errors are retryable; ErrInconsistentState
//		// means the relay answer contradicted itself
//	}
package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/endeveron/e-enigma/api"
	"github.com/endeveron/e-enigma/cache"
	"github.com/endeveron/e-enigma/chat"
	"github.com/endeveron/e-enigma/crypto"
	"github.com/endeveron/e-enigma/events"
)

// ErrInconsistentState means a relay response contradicted itself, for
// example rooms referencing members missing from the member list. The
// sync pass is aborted without partial writes of the bad data.
var ErrInconsistentState = errors.New("engine: inconsistent relay state")

// metadataBackfillLimit caps how many own-sent unacknowledged messages
// are re-queried when a room opens.
const metadataBackfillLimit = 5

// RelayAPI is the slice of the relay HTTP surface the reconciler needs.
// *api.Client satisfies it.
type RelayAPI interface {
	Snapshot(ctx context.Context, userID string) (*api.Snapshot, error)
	Rooms(ctx context.Context, userID string) (*api.RoomsPayload, error)
	Invite(ctx context.Context, roomCreatorID, invitedUserID string) error
	Invitations(ctx context.Context, userID string) ([]chat.UserItem, error)
	DeleteInvitation(ctx context.Context, roomCreatorID, invitedUserID string) error
	CreateRoom(ctx context.Context, roomCreatorID, invitedUserID string) (*api.RoomCreated, error)
	NewMessages(ctx context.Context, userID string, since int64) ([]chat.Message, error)
	MessageMetadata(ctx context.Context, userID, roomID string, createdAt []int64) ([]chat.Metadata, error)
	DeleteSystemMessages(ctx context.Context, roomID string) error
}

// KeyRing is the slice of the key manager the reconciler needs.
// *keys.Manager satisfies it.
type KeyRing interface {
	PublicKey() (string, error)
	DeriveAndCacheSharedKey(peerID, peerPublicKey string) error
	RotateSharedKey(peerID, newPeerPublicKey string) error
	SharedKey(peerID string) ([crypto.KeySize]byte, bool)
}

// Outbound sends realtime events back through the channel adapter. A
// nil Outbound drops them, which keeps the reconciler testable offline.
type Outbound interface {
	SendReceipt(r chat.Receipt) error
	SendInvitationAnswer(a chat.InvitationAnswer) error
}

// Store is the local cache contract the reconciler writes through.
type Store interface {
	UpsertRoom(room chat.Room) error
	Room(id string) (chat.Room, bool, error)
	UpsertMember(member chat.RoomMember) error
	Member(id string) (chat.RoomMember, bool, error)
	InsertMessage(msg *chat.Message) (bool, error)
	MessagesByIDs(roomID string, ids []string) ([]chat.Message, error)
	ApplyMetadata(roomID, senderID string, md chat.Metadata) (bool, error)
	MarkViewed(roomID string, ids []string, viewedAt int64) error
	UnackedSent(roomID, senderID string, limit int) ([]chat.Message, error)
	UpsertInvitation(rec cache.InvitationRecord) error
	DeleteInvitation(peerID string, dir chat.InvitationDirection) error
	Invitations(dir chat.InvitationDirection) ([]cache.InvitationRecord, error)
	ReplaceInvitations(dir chat.InvitationDirection, recs []cache.InvitationRecord) error
	Watermark() (int64, error)
	RaiseWatermark(ts int64) error
	BootstrapDone() (bool, error)
	SetBootstrapDone() error
}

// Config wires a Reconciler's collaborators.
type Config struct {
	SelfID   string
	API      RelayAPI
	Keys     KeyRing
	Store    Store
	Bus      *events.Bus
	Outbound Outbound

	// Now overrides the wall clock in tests. Epoch milliseconds.
	Now func() int64
}

// Reconciler coordinates sync passes and realtime event handling for
// one signed-in account.
type Reconciler struct {
	selfID   string
	api      RelayAPI
	keys     KeyRing
	store    Store
	bus      *events.Bus
	outbound Outbound
	now      func() int64

	mu sync.RWMutex
	// currentRoom is the room the user is looking at, or empty.
	currentRoom string
	// newByRoom maps room id to the ids of messages not yet viewed.
	// Updated copy-on-write so readers never see a partial update.
	newByRoom map[string][]string
}

// New creates a Reconciler. Config.SelfID, API, Keys, Store and Bus are
// required; Outbound and Now are optional.
func New(cfg Config) *Reconciler {
	now := cfg.Now
	if now == nil {
		now = func() int64 { return time.Now().UnixMilli() }
	}
	return &Reconciler{
		selfID:    cfg.SelfID,
		api:       cfg.API,
		keys:      cfg.Keys,
		store:     cfg.Store,
		bus:       cfg.Bus,
		outbound:  cfg.Outbound,
		now:       now,
		newByRoom: make(map[string][]string),
	}
}

func (r *Reconciler) publish(kind events.Kind, payload any) {
	if r.bus != nil {
		r.bus.Publish(events.Envelope{Kind: kind, Payload: payload})
	}
}
