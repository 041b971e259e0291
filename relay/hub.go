package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/endeveron/e-enigma/chat"
	"github.com/endeveron/e-enigma/realtime"
)

// EventUserIDAssigned is the greeting the hub sends once a connection
// is registered.
const EventUserIDAssigned = "userIdAssigned"

// receiptStore is the slice of Store the hub needs for brokering.
type receiptStore interface {
	ApplyReceipt(ctx context.Context, receipt chat.Receipt) (bool, error)
}

type hubConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *hubConn) write(frame realtime.Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(frame)
}

// Hub tracks one websocket connection per account and brokers the
// realtime events that flow between peers: delivery reports forwarded
// to senders as metadata, invitation answers forwarded to inviters. A
// second connection for the same account replaces the first.
type Hub struct {
	receipts receiptStore
	upgrader websocket.Upgrader

	mu    sync.RWMutex
	conns map[string]*hubConn
}

// NewHub creates a hub brokering receipts through the given store.
func NewHub(receipts receiptStore) *Hub {
	return &Hub{
		receipts: receipts,
		conns:    make(map[string]*hubConn),
	}
}

// HandleConnection upgrades an authenticated request and serves the
// connection until the peer disconnects.
func (h *Hub) HandleConnection(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		userID = AuthenticatedUser(r.Context())
	}
	if userID == "" {
		writeError(w, http.StatusBadRequest, "Missing user id")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "HandleConnection",
			"error":    err,
		}).Warn("websocket upgrade failed")
		return
	}

	client := &hubConn{conn: conn}
	h.register(userID, client)
	defer h.unregister(userID, client)

	greeting, _ := json.Marshal(userID)
	if err := client.write(realtime.Envelope{Event: EventUserIDAssigned, Data: greeting}); err != nil {
		return
	}

	logrus.WithFields(logrus.Fields{
		"function": "HandleConnection",
		"user_id":  userID,
	}).Info("realtime client connected")

	for {
		var frame realtime.Envelope
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}
		h.dispatch(r.Context(), userID, frame)
	}
}

func (h *Hub) register(userID string, client *hubConn) {
	h.mu.Lock()
	if old, ok := h.conns[userID]; ok {
		old.conn.Close()
	}
	h.conns[userID] = client
	h.mu.Unlock()
}

func (h *Hub) unregister(userID string, client *hubConn) {
	h.mu.Lock()
	if h.conns[userID] == client {
		delete(h.conns, userID)
	}
	h.mu.Unlock()
	client.conn.Close()
}

// Push sends an event to an account's connection. Reports false when
// the account is not connected; the poll surface is the fallback.
func (h *Hub) Push(userID, event string, payload any) bool {
	h.mu.RLock()
	client, ok := h.conns[userID]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return false
	}
	if err := client.write(realtime.Envelope{Event: event, Data: data}); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Push",
			"user_id":  userID,
			"event":    event,
			"error":    err,
		}).Warn("realtime push failed")
		return false
	}
	return true
}

func (h *Hub) dispatch(ctx context.Context, userID string, frame realtime.Envelope) {
	var err error
	switch frame.Event {
	case realtime.EventMessageReport:
		err = h.brokerReceipt(ctx, frame.Data)
	case realtime.EventInvitationAnswer:
		err = h.brokerInvitationAnswer(frame.Data)
	default:
		logrus.WithFields(logrus.Fields{
			"function": "dispatch",
			"user_id":  userID,
			"event":    frame.Event,
		}).Debug("unknown client event ignored")
		return
	}
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "dispatch",
			"user_id":  userID,
			"event":    frame.Event,
			"error":    err,
		}).Error("client event brokering failed")
	}
}

// brokerReceipt persists a delivery report and forwards it to the
// message's sender as metadata. The store write is only-if-unset, so a
// replayed report neither regresses timestamps nor errors.
func (h *Hub) brokerReceipt(ctx context.Context, data json.RawMessage) error {
	var receipt chat.Receipt
	if err := json.Unmarshal(data, &receipt); err != nil {
		return err
	}
	if _, err := h.receipts.ApplyReceipt(ctx, receipt); err != nil {
		return err
	}
	h.Push(receipt.SenderID, realtime.EventMessageMetadata, receipt)
	return nil
}

func (h *Hub) brokerInvitationAnswer(data json.RawMessage) error {
	var answer chat.InvitationAnswer
	if err := json.Unmarshal(data, &answer); err != nil {
		return err
	}
	h.Push(answer.FromID, realtime.EventInvitation, realtime.InvitationEvent{
		Type: "answer",
		Data: data,
	})
	return nil
}
