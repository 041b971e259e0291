// Package api is the HTTP client for the relay surface. Every response
// arrives in a {"data": ...} envelope on success or {"error":
// {"message": ...}} on failure; the client unwraps both so callers see
// payloads and typed errors only.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/endeveron/e-enigma/chat"
)

// ErrRoomExists is returned by CreateRoom when a room for the member
// pair already exists on the relay.
var ErrRoomExists = errors.New("api: room already exists")

// Error is a relay error response with its HTTP status attached.
type Error struct {
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("api: relay returned %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a relay 404.
func IsNotFound(err error) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

const defaultTimeout = 15 * time.Second

// Client talks to one relay on behalf of one signed-in account.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient creates a relay client. baseURL is the relay origin without
// a trailing slash; token is the account's session JWT.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL:    baseURL,
		token:      token,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
}

// do performs a request and returns the raw body of the data envelope.
// Non-2xx responses decode the error envelope into *Error.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, requestBody any) (json.RawMessage, error) {
	requestURL := c.baseURL + path
	if len(query) > 0 {
		requestURL += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if requestBody != nil {
		encoded, err := json.Marshal(requestBody)
		if err != nil {
			return nil, fmt.Errorf("api: encoding request body: %w", err)
		}
		bodyReader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, requestURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("api: creating request: %w", err)
	}
	if requestBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("api: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("api: reading %s %s response: %w", method, path, err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		var envelope struct {
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(responseBody, &envelope); err != nil {
			return nil, fmt.Errorf("api: decoding %s %s response: %w", method, path, err)
		}
		return envelope.Data, nil
	}

	var envelope struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(responseBody, &envelope); err != nil {
		return nil, fmt.Errorf("api: unexpected %d response from %s %s: %s",
			resp.StatusCode, method, path, string(responseBody))
	}

	logrus.WithFields(logrus.Fields{
		"function": "do",
		"method":   method,
		"path":     path,
		"status":   resp.StatusCode,
	}).Debug("relay error response")

	return nil, &Error{StatusCode: resp.StatusCode, Message: envelope.Error.Message}
}

func decode[T any](raw json.RawMessage) (T, error) {
	var out T
	if len(raw) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("api: decoding payload: %w", err)
	}
	return out, nil
}

// Snapshot fetches the account's full state for the one-time bootstrap.
func (c *Client) Snapshot(ctx context.Context, userID string) (*Snapshot, error) {
	raw, err := c.do(ctx, http.MethodGet, "/chat/data", url.Values{"userId": {userID}}, nil)
	if err != nil {
		return nil, err
	}
	snapshot, err := decode[Snapshot](raw)
	if err != nil {
		return nil, err
	}
	return &snapshot, nil
}

// Rooms fetches the account's room listing with member projections.
func (c *Client) Rooms(ctx context.Context, userID string) (*RoomsPayload, error) {
	raw, err := c.do(ctx, http.MethodGet, "/chat/rooms", url.Values{"userId": {userID}}, nil)
	if err != nil {
		return nil, err
	}
	payload, err := decode[RoomsPayload](raw)
	if err != nil {
		return nil, err
	}
	return &payload, nil
}

// Invite records an invitation from the caller to another account. The
// relay pushes an offer to the invitee if they are connected.
func (c *Client) Invite(ctx context.Context, roomCreatorID, invitedUserID string) error {
	_, err := c.do(ctx, http.MethodGet, "/chat/invite", url.Values{
		"roomCreatorId": {roomCreatorID},
		"invitedUserId": {invitedUserID},
	}, nil)
	return err
}

// Invitations fetches the account's pending received invitations.
func (c *Client) Invitations(ctx context.Context, userID string) ([]chat.UserItem, error) {
	raw, err := c.do(ctx, http.MethodGet, "/chat/invitations", url.Values{"userId": {userID}}, nil)
	if err != nil {
		return nil, err
	}
	return decode[[]chat.UserItem](raw)
}

// DeleteInvitation removes an invitation from the relay.
func (c *Client) DeleteInvitation(ctx context.Context, roomCreatorID, invitedUserID string) error {
	_, err := c.do(ctx, http.MethodDelete, "/chat/invitation", url.Values{
		"roomCreatorId": {roomCreatorID},
		"invitedUserId": {invitedUserID},
	}, nil)
	return err
}

// CreateRoom creates a room for the member pair. Returns ErrRoomExists
// when the relay already has one.
func (c *Client) CreateRoom(ctx context.Context, roomCreatorID, invitedUserID string) (*RoomCreated, error) {
	raw, err := c.do(ctx, http.MethodPost, "/chat/room", nil, map[string]string{
		"roomCreatorId": roomCreatorID,
		"invitedUserId": invitedUserID,
	})
	if err != nil {
		var apiErr *Error
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict {
			return nil, fmt.Errorf("%w: %s + %s", ErrRoomExists, roomCreatorID, invitedUserID)
		}
		return nil, err
	}
	created, err := decode[RoomCreated](raw)
	if err != nil {
		return nil, err
	}
	return &created, nil
}

// PostMessage submits an encrypted message and returns the canonical id
// the relay assigned to it.
func (c *Client) PostMessage(ctx context.Context, senderID, roomID, ciphertext string, createdAt int64) (string, error) {
	raw, err := c.do(ctx, http.MethodPost, "/chat/message", nil, map[string]any{
		"senderId":  senderID,
		"roomId":    roomID,
		"data":      ciphertext,
		"createdAt": createdAt,
	})
	if err != nil {
		return "", err
	}
	return decode[string](raw)
}

// NewMessages fetches messages addressed to the account that it has not
// viewed yet. A positive since narrows the fetch to newer messages.
func (c *Client) NewMessages(ctx context.Context, userID string, since int64) ([]chat.Message, error) {
	query := url.Values{"userId": {userID}}
	if since > 0 {
		query.Set("timestamp", fmt.Sprintf("%d", since))
	}
	raw, err := c.do(ctx, http.MethodGet, "/chat/new-messages", query, nil)
	if err != nil {
		return nil, err
	}
	return decode[[]chat.Message](raw)
}

// MessageMetadata queries delivery metadata for the caller's own sent
// messages in a room, keyed by their createdAt values.
func (c *Client) MessageMetadata(ctx context.Context, userID, roomID string, createdAt []int64) ([]chat.Metadata, error) {
	raw, err := c.do(ctx, http.MethodPost, "/chat/message-metadata", nil, map[string]any{
		"userId":       userID,
		"roomId":       roomID,
		"createdAtArr": createdAt,
	})
	if err != nil {
		return nil, err
	}
	return decode[[]chat.Metadata](raw)
}

// DeleteSystemMessages removes a room's consumed system messages from
// the canonical store.
func (c *Client) DeleteSystemMessages(ctx context.Context, roomID string) error {
	_, err := c.do(ctx, http.MethodDelete, "/chat/message", url.Values{"roomId": {roomID}}, nil)
	return err
}

// PublishPublicKey uploads a freshly provisioned public key. The relay
// stores it and fans a key-rotation system message out to every room of
// the account.
func (c *Client) PublishPublicKey(ctx context.Context, userID, publicKey string) error {
	_, err := c.do(ctx, http.MethodPost, "/chat/public-key", nil, map[string]string{
		"userId":    userID,
		"publicKey": publicKey,
	})
	return err
}
