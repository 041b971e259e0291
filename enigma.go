// Package enigma implements an end-to-end-encrypted 1:1 chat client.
//
// A Client owns the full client-side stack for one signed-in account:
// the protected keystore and key manager, the local cache, the sync
// reconciler, the relay HTTP client and the realtime channel. The relay
// only ever sees ciphertext; encryption and decryption happen here.
//
// Example:
//
//	options := enigma.NewOptions()
//	options.UserID = session.UserID
//	options.Token = session.Token
//	options.RelayURL = "https://relay.example"
//	options.DataDir = dataDir
//	options.MasterPassword = []byte(password)
//
//	client, err := enigma.New(options)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	if err := client.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
//	events, unsubscribe := client.Events(16)
//	defer unsubscribe()
//	for e := range events {
//	    // react to new messages, invitations, metadata updates
//	}
package enigma

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/endeveron/e-enigma/api"
	"github.com/endeveron/e-enigma/cache"
	"github.com/endeveron/e-enigma/chat"
	"github.com/endeveron/e-enigma/codec"
	"github.com/endeveron/e-enigma/crypto"
	"github.com/endeveron/e-enigma/engine"
	"github.com/endeveron/e-enigma/events"
	"github.com/endeveron/e-enigma/keys"
	"github.com/endeveron/e-enigma/realtime"
)

// ErrNoSharedKey is returned when a message is sent to a peer whose
// shared key has not been derived yet.
var ErrNoSharedKey = errors.New("enigma: no shared key for peer")

// Options contains configuration for creating a Client.
type Options struct {
	// UserID is the signed-in account id.
	UserID string
	// RelayURL is the relay origin, e.g. https://relay.example.
	RelayURL string
	// RealtimeURL is the websocket endpoint. Derived from RelayURL when
	// empty.
	RealtimeURL string
	// Token is the account's session JWT.
	Token string

	// DataDir holds the protected keystore files.
	DataDir string
	// MasterPassword unlocks the keystore.
	MasterPassword []byte

	// CachePath is the local cache database file. Empty selects the
	// in-memory cache, which loses state on restart and re-runs the
	// bootstrap sync on every start.
	CachePath string

	// EventDepth is the replay depth of the event bus.
	EventDepth int
}

// NewOptions creates a default Options.
func NewOptions() *Options {
	return &Options{
		EventDepth: events.DefaultHistoryDepth,
	}
}

// realtimeURL derives the websocket endpoint when not configured.
func (o *Options) realtimeURL() string {
	if o.RealtimeURL != "" {
		return o.RealtimeURL
	}
	url := o.RelayURL
	if after, ok := strings.CutPrefix(url, "https"); ok {
		url = "wss" + after
	} else if after, ok := strings.CutPrefix(url, "http"); ok {
		url = "ws" + after
	}
	return url + "/ws"
}

func (o *Options) validate() error {
	if o.UserID == "" {
		return errors.New("enigma: Options.UserID is required")
	}
	if o.RelayURL == "" {
		return errors.New("enigma: Options.RelayURL is required")
	}
	if o.DataDir == "" {
		return errors.New("enigma: Options.DataDir is required")
	}
	if len(o.MasterPassword) == 0 {
		return errors.New("enigma: Options.MasterPassword is required")
	}
	return nil
}

// handlerProxy breaks the construction cycle between the realtime
// client, which dispatches into the reconciler, and the reconciler,
// which sends receipts through the realtime client.
type handlerProxy struct {
	recon *engine.Reconciler
}

func (p *handlerProxy) HandleMessage(ctx context.Context, msg chat.Message) error {
	return p.recon.HandleMessage(ctx, msg)
}

func (p *handlerProxy) HandleMetadata(receipt chat.Receipt) error {
	return p.recon.HandleMetadata(receipt)
}

func (p *handlerProxy) HandleInvitationOffer(inviter chat.UserItem) error {
	return p.recon.HandleInvitationOffer(inviter)
}

func (p *handlerProxy) HandleInvitationAnswer(ctx context.Context, answer chat.InvitationAnswer) error {
	return p.recon.HandleInvitationAnswer(ctx, answer)
}

// Client is a running chat client for one account.
type Client struct {
	selfID string

	keys     *keys.Manager
	store    cache.Store
	bus      *events.Bus
	api      *api.Client
	realtime *realtime.Client
	recon    *engine.Reconciler

	now func() int64

	mu             sync.Mutex
	cancel         context.CancelFunc
	started        bool
	closed         bool
	pendingPublish bool
}

// New creates a Client from options. The keystore is opened and the
// cache initialized; no network traffic happens until Start.
func New(options *Options) (*Client, error) {
	if err := options.validate(); err != nil {
		return nil, err
	}

	keystore, err := crypto.NewEncryptedKeyStore(options.DataDir, options.MasterPassword)
	if err != nil {
		return nil, fmt.Errorf("enigma: opening keystore: %w", err)
	}

	var store cache.Store
	if options.CachePath != "" {
		store, err = cache.OpenSQLiteStore(options.CachePath)
		if err != nil {
			return nil, fmt.Errorf("enigma: opening cache: %w", err)
		}
	} else {
		store = cache.NewMemoryStore()
	}

	manager := keys.NewManager(keystore)
	bus := events.NewBus(options.EventDepth)
	apiClient := api.NewClient(options.RelayURL, options.Token)

	proxy := &handlerProxy{}
	rt := realtime.NewClient(realtime.Config{
		URL:     options.realtimeURL(),
		UserID:  options.UserID,
		Token:   options.Token,
		Handler: proxy,
	})

	recon := engine.New(engine.Config{
		SelfID:   options.UserID,
		API:      apiClient,
		Keys:     manager,
		Store:    store,
		Bus:      bus,
		Outbound: rt,
	})
	proxy.recon = recon

	return &Client{
		selfID:   options.UserID,
		keys:     manager,
		store:    store,
		bus:      bus,
		api:      apiClient,
		realtime: rt,
		recon:    recon,
		now:      func() int64 { return time.Now().UnixMilli() },
	}, nil
}

// Start provisions the identity, runs the initial sync and connects the
// realtime channel. On a fresh identity the new public key is published
// to the relay, which fans a key-rotation signal out to existing peers.
// A failed Start leaves the client stopped and may be retried; a fresh
// key whose publication failed is republished on the next attempt.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started || c.closed {
		c.mu.Unlock()
		return errors.New("enigma: client already started")
	}
	c.started = true
	c.mu.Unlock()

	if err := c.start(ctx); err != nil {
		c.mu.Lock()
		c.started = false
		c.mu.Unlock()
		return err
	}
	return nil
}

func (c *Client) start(ctx context.Context) error {
	publicKey, fresh, err := c.keys.ProvisionIdentity()
	if err != nil {
		return fmt.Errorf("enigma: provisioning identity: %w", err)
	}
	if fresh {
		c.pendingPublish = true
	}
	if c.pendingPublish {
		if err := c.api.PublishPublicKey(ctx, c.selfID, publicKey); err != nil {
			return fmt.Errorf("enigma: publishing public key: %w", err)
		}
		c.pendingPublish = false
		logrus.WithFields(logrus.Fields{
			"function": "Start",
			"user_id":  c.selfID,
		}).Info("fresh identity published")
	}

	if err := c.recon.Sync(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()
	go c.realtime.Run(runCtx)
	return nil
}

// Sync runs a reconciliation pass against the relay.
func (c *Client) Sync(ctx context.Context) error {
	return c.recon.Sync(ctx)
}

// Events subscribes to engine change notifications. The returned cancel
// function must be called when done.
func (c *Client) Events(buffer int) (<-chan events.Envelope, func()) {
	return c.bus.Subscribe(buffer)
}

// PublicKey returns the account's own public key.
func (c *Client) PublicKey() (string, error) {
	return c.keys.PublicKey()
}

// Rooms returns the cached rooms, most recently active first.
func (c *Client) Rooms() ([]chat.Room, error) {
	return c.store.Rooms()
}

// Members returns the cached peer projections.
func (c *Client) Members() ([]chat.RoomMember, error) {
	return c.store.Members()
}

// RoomMessages returns a room's cached messages ordered by createdAt.
// Messages whose decryption is deferred carry a nil Plaintext.
func (c *Client) RoomMessages(roomID string) ([]chat.Message, error) {
	return c.store.RoomMessages(roomID)
}

// Invitations lists one cached invitation table.
func (c *Client) Invitations(dir chat.InvitationDirection) ([]cache.InvitationRecord, error) {
	return c.store.Invitations(dir)
}

// SendMessage composes, caches, encrypts and submits a message. The
// returned message carries the relay's canonical id. When submission
// fails the message stays cached under its provisional id and the error
// is returned for the caller to retry.
func (c *Client) SendMessage(ctx context.Context, roomID, content string, kind chat.MessageKind) (chat.Message, error) {
	room, found, err := c.store.Room(roomID)
	if err != nil {
		return chat.Message{}, err
	}
	if !found {
		return chat.Message{}, fmt.Errorf("enigma: unknown room %s", roomID)
	}
	peerID, ok := room.Other(c.selfID)
	if !ok {
		return chat.Message{}, fmt.Errorf("enigma: not a member of room %s", roomID)
	}

	sharedKey, ok := c.keys.SharedKey(peerID)
	if !ok {
		return chat.Message{}, fmt.Errorf("%w: %s", ErrNoSharedKey, peerID)
	}

	createdAt := c.now()
	plaintext := chat.Plaintext{
		Content: content,
		Kind:    kind,
		Date:    chat.NewDisplayDate(time.UnixMilli(createdAt)),
	}
	ciphertext, err := codec.Encrypt(sharedKey, plaintext)
	if err != nil {
		return chat.Message{}, fmt.Errorf("enigma: encrypting message: %w", err)
	}

	msg := chat.Message{
		ID:          chat.ProvisionalID(createdAt),
		RoomID:      roomID,
		SenderID:    c.selfID,
		RecipientID: peerID,
		Ciphertext:  ciphertext,
		CreatedAt:   createdAt,
		Plaintext:   &plaintext,
	}
	if _, err := c.store.InsertMessage(&msg); err != nil {
		return chat.Message{}, fmt.Errorf("enigma: caching message: %w", err)
	}

	canonicalID, err := c.api.PostMessage(ctx, c.selfID, roomID, ciphertext, createdAt)
	if err != nil {
		return msg, err
	}
	if _, err := c.store.ApplyMetadata(roomID, c.selfID, chat.Metadata{
		ID:        canonicalID,
		CreatedAt: createdAt,
	}); err != nil {
		return msg, err
	}
	msg.ID = canonicalID
	return msg, nil
}

// OpenRoom marks a room as the one on screen: its new messages are
// acknowledged as viewed and stale delivery metadata for own-sent
// messages is backfilled from the relay.
func (c *Client) OpenRoom(ctx context.Context, roomID string) error {
	c.recon.OpenRoom(roomID)
	if err := c.recon.BackfillMetadata(ctx, roomID); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "OpenRoom",
			"room_id":  roomID,
			"error":    err,
		}).Warn("metadata backfill failed")
	}
	return c.recon.MarkRoomViewed(roomID)
}

// CloseRoom clears the on-screen room.
func (c *Client) CloseRoom() {
	c.recon.CloseRoom()
}

// NewMessageIDs returns the per-room ids of messages that arrived since
// each room was last viewed.
func (c *Client) NewMessageIDs() map[string][]string {
	return c.recon.NewMessageIDs()
}

// Invite sends a chat invitation to another account.
func (c *Client) Invite(ctx context.Context, invited chat.UserItem) error {
	return c.recon.SendInvitation(ctx, invited)
}

// AcceptInvitation accepts a received invitation: the room is created
// on the relay, the shared key derived, and the inviter notified.
func (c *Client) AcceptInvitation(ctx context.Context, inviter chat.UserItem) error {
	return c.recon.AcceptInvitation(ctx, inviter)
}

// RejectInvitation declines a received invitation.
func (c *Client) RejectInvitation(ctx context.Context, inviterID string) error {
	return c.recon.RejectInvitation(ctx, inviterID)
}

// Close stops the realtime channel and releases the cache.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.cancel != nil {
		c.cancel()
	}
	return c.store.Close()
}
