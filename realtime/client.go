// Package realtime maintains the client's websocket connection to the
// relay: one connection per signed-in account, automatic reconnection
// with exponential backoff, inbound event dispatch into the engine and
// outbound receipt/answer emission.
//
// The wire format is a JSON envelope {"event": name, "data": payload}.
// Outbound sends are best-effort: when the connection is down the send
// fails immediately and nothing is queued, because every outbound event
// has a polling fallback on the HTTP surface.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/endeveron/e-enigma/chat"
)

// Wire event names shared by client and relay.
const (
	EventInvitation       = "invitation"
	EventInvitationAnswer = "invitation:answer"
	EventMessageNew       = "message:new"
	EventMessageReport    = "message:report"
	EventMessageMetadata  = "message:metadata"
)

// Envelope is the websocket wire frame.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// InvitationEvent is the payload of an "invitation" frame. Type is
// "offer" with a UserItem or "answer" with an InvitationAnswer.
type InvitationEvent struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// ErrNotConnected is returned on sends while the connection is down.
var ErrNotConnected = errors.New("realtime: not connected")

const (
	initialBackoff = time.Second
	maxBackoff     = 30 * time.Second
)

// Handler receives dispatched inbound events. *engine.Reconciler
// satisfies it.
type Handler interface {
	HandleMessage(ctx context.Context, msg chat.Message) error
	HandleMetadata(receipt chat.Receipt) error
	HandleInvitationOffer(inviter chat.UserItem) error
	HandleInvitationAnswer(ctx context.Context, answer chat.InvitationAnswer) error
}

// Config wires a realtime client.
type Config struct {
	// URL is the relay websocket endpoint, e.g. wss://relay.example/ws.
	URL     string
	UserID  string
	Token   string
	Handler Handler
}

// Client is the realtime channel adapter.
type Client struct {
	cfg Config

	mu   sync.Mutex
	conn *websocket.Conn

	writeMu sync.Mutex
}

// NewClient creates a realtime client. Run must be called to connect.
func NewClient(cfg Config) *Client {
	return &Client{cfg: cfg}
}

// Run connects and keeps the connection alive until ctx is cancelled,
// reconnecting with capped exponential backoff. Inbound frames are
// dispatched to the handler on the read goroutine.
func (c *Client) Run(ctx context.Context) error {
	backoff := initialBackoff
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		conn, err := c.dial(ctx)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Run",
				"backoff":  backoff.String(),
				"error":    err,
			}).Warn("realtime connect failed")

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		backoff = initialBackoff
		c.setConn(conn)
		logrus.WithFields(logrus.Fields{
			"function": "Run",
			"user_id":  c.cfg.UserID,
		}).Info("realtime connected")

		err = c.readLoop(ctx, conn)
		c.setConn(nil)
		conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logrus.WithFields(logrus.Fields{
			"function": "Run",
			"error":    err,
		}).Warn("realtime connection lost")
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	url := fmt.Sprintf("%s?userId=%s", c.cfg.URL, c.cfg.UserID)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("realtime: dialing %s: %w", c.cfg.URL, err)
	}
	return conn, nil
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

func (c *Client) currentConn() *websocket.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		var frame Envelope
		if err := conn.ReadJSON(&frame); err != nil {
			return err
		}
		c.dispatch(ctx, frame)
	}
}

// dispatch routes one inbound frame. Handler errors are logged, never
// fatal to the connection.
func (c *Client) dispatch(ctx context.Context, frame Envelope) {
	var err error
	switch frame.Event {
	case EventMessageNew:
		var msg chat.Message
		if err = json.Unmarshal(frame.Data, &msg); err == nil {
			err = c.cfg.Handler.HandleMessage(ctx, msg)
		}
	case EventMessageMetadata:
		var receipt chat.Receipt
		if err = json.Unmarshal(frame.Data, &receipt); err == nil {
			err = c.cfg.Handler.HandleMetadata(receipt)
		}
	case EventInvitation:
		err = c.dispatchInvitation(ctx, frame.Data)
	default:
		logrus.WithFields(logrus.Fields{
			"function": "dispatch",
			"event":    frame.Event,
		}).Debug("unknown realtime event ignored")
		return
	}
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "dispatch",
			"event":    frame.Event,
			"error":    err,
		}).Error("realtime event handling failed")
	}
}

func (c *Client) dispatchInvitation(ctx context.Context, data json.RawMessage) error {
	var event InvitationEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return err
	}
	switch event.Type {
	case "offer":
		var inviter chat.UserItem
		if err := json.Unmarshal(event.Data, &inviter); err != nil {
			return err
		}
		return c.cfg.Handler.HandleInvitationOffer(inviter)
	case "answer":
		var answer chat.InvitationAnswer
		if err := json.Unmarshal(event.Data, &answer); err != nil {
			return err
		}
		return c.cfg.Handler.HandleInvitationAnswer(ctx, answer)
	default:
		return fmt.Errorf("realtime: unknown invitation type %q", event.Type)
	}
}

// SendReceipt emits a message:report frame.
func (c *Client) SendReceipt(r chat.Receipt) error {
	return c.send(EventMessageReport, r)
}

// SendInvitationAnswer emits an invitation:answer frame.
func (c *Client) SendInvitationAnswer(a chat.InvitationAnswer) error {
	return c.send(EventInvitationAnswer, a)
}

func (c *Client) send(event string, payload any) error {
	conn := c.currentConn()
	if conn == nil {
		return ErrNotConnected
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("realtime: encoding %s: %w", event, err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteJSON(Envelope{Event: event, Data: data}); err != nil {
		return fmt.Errorf("realtime: sending %s: %w", event, err)
	}
	return nil
}
