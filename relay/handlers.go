package relay

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/endeveron/e-enigma/api"
	"github.com/endeveron/e-enigma/chat"
	"github.com/endeveron/e-enigma/realtime"
)

// Server is the relay HTTP surface. Every /chat route requires a valid
// session token; /health and the websocket endpoint sit outside the
// sync surface.
type Server struct {
	store   Store
	hub     *Hub
	auth    *Authenticator
	now     func() int64
	started time.Time
}

// NewServer wires a relay over a store and an authenticator secret.
func NewServer(store Store, auth *Authenticator) *Server {
	s := &Server{
		store:   store,
		auth:    auth,
		now:     func() int64 { return time.Now().UnixMilli() },
		started: time.Now(),
	}
	s.hub = NewHub(store)
	return s
}

// Hub exposes the server's websocket hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Router builds the route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	ws := s.auth.Middleware(http.HandlerFunc(s.hub.HandleConnection))
	r.Handle("/ws", ws).Methods(http.MethodGet)

	chatRouter := r.PathPrefix("/chat").Subrouter()
	chatRouter.Use(s.auth.Middleware)
	chatRouter.HandleFunc("/data", s.handleData).Methods(http.MethodGet)
	chatRouter.HandleFunc("/rooms", s.handleRooms).Methods(http.MethodGet)
	chatRouter.HandleFunc("/room", s.handleCreateRoom).Methods(http.MethodPost)
	chatRouter.HandleFunc("/invite", s.handleInvite).Methods(http.MethodGet)
	chatRouter.HandleFunc("/invitations", s.handleInvitations).Methods(http.MethodGet)
	chatRouter.HandleFunc("/invitation", s.handleDeleteInvitation).Methods(http.MethodDelete)
	chatRouter.HandleFunc("/message", s.handlePostMessage).Methods(http.MethodPost)
	chatRouter.HandleFunc("/message", s.handleDeleteMessages).Methods(http.MethodDelete)
	chatRouter.HandleFunc("/new-messages", s.handleNewMessages).Methods(http.MethodGet)
	chatRouter.HandleFunc("/message-metadata", s.handleMessageMetadata).Methods(http.MethodPost)
	chatRouter.HandleFunc("/public-key", s.handlePublicKey).Methods(http.MethodPost)
	return r
}

func writeData(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]any{"data": payload}); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "writeData",
			"error":    err,
		}).Error("response encoding failed")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{"message": message},
	})
}

// storeError maps store failures onto the error envelope.
func storeError(w http.ResponseWriter, err error) {
	switch err {
	case ErrUserNotFound:
		writeError(w, http.StatusNotFound, "User not found")
	case ErrRoomNotFound:
		writeError(w, http.StatusNotFound, "Room not found")
	case ErrMessageNotFound:
		writeError(w, http.StatusNotFound, "Message not found")
	default:
		logrus.WithFields(logrus.Fields{
			"function": "storeError",
			"error":    err,
		}).Error("store operation failed")
		writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, into any) bool {
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":    "ok",
		"uptime":    time.Since(s.started).String(),
		"timestamp": s.now(),
	})
}

// roomListing builds the room items and member projections for a user.
func (s *Server) roomListing(r *http.Request, userID string) ([]api.RoomItem, []chat.RoomMember, error) {
	ctx := r.Context()
	rooms, err := s.store.RoomsForUser(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	unviewed, err := s.store.UnviewedMessages(ctx, userID, 0)
	if err != nil {
		return nil, nil, err
	}
	countByRoom := make(map[string]int)
	for _, msg := range unviewed {
		countByRoom[msg.RoomID]++
	}

	items := make([]api.RoomItem, 0, len(rooms))
	members := make([]chat.RoomMember, 0, len(rooms))
	for _, room := range rooms {
		peerID, ok := room.Other(userID)
		if !ok {
			continue
		}
		peer, err := s.store.User(ctx, peerID)
		if err != nil {
			return nil, nil, err
		}
		items = append(items, api.RoomItem{
			ID:          room.ID,
			MemberID:    peerID,
			NewMsgCount: countByRoom[room.ID],
			UpdatedAt:   room.UpdatedAt,
		})
		members = append(members, peer.RoomMember())
	}
	return items, members, nil
}

func (s *Server) invitationGroup(r *http.Request, userID string) (api.InvitationGroup, error) {
	ctx := r.Context()
	group := api.InvitationGroup{
		Sent:     []chat.UserItem{},
		Received: []chat.UserItem{},
	}

	sent, err := s.store.InvitationsFrom(ctx, userID)
	if err != nil {
		return group, err
	}
	for _, inv := range sent {
		user, err := s.store.User(ctx, inv.ToID)
		if err != nil {
			continue
		}
		group.Sent = append(group.Sent, user.UserItem())
	}

	received, err := s.store.InvitationsTo(ctx, userID)
	if err != nil {
		return group, err
	}
	for _, inv := range received {
		user, err := s.store.User(ctx, inv.FromID)
		if err != nil {
			continue
		}
		group.Received = append(group.Received, user.UserItem())
	}
	return group, nil
}

func (s *Server) handleData(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	items, members, err := s.roomListing(r, userID)
	if err != nil {
		storeError(w, err)
		return
	}
	messages, err := s.store.MessagesForUser(r.Context(), userID)
	if err != nil {
		storeError(w, err)
		return
	}
	invitations, err := s.invitationGroup(r, userID)
	if err != nil {
		storeError(w, err)
		return
	}
	writeData(w, http.StatusOK, api.Snapshot{
		RoomItems:   items,
		RoomMembers: members,
		Messages:    messages,
		Invitations: invitations,
	})
}

func (s *Server) handleRooms(w http.ResponseWriter, r *http.Request) {
	items, members, err := s.roomListing(r, r.URL.Query().Get("userId"))
	if err != nil {
		storeError(w, err)
		return
	}
	writeData(w, http.StatusOK, api.RoomsPayload{RoomItems: items, RoomMembers: members})
}

func (s *Server) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RoomCreatorID string `json:"roomCreatorId"`
		InvitedUserID string `json:"invitedUserId"`
	}
	if !decodeBody(w, r, &body) {
		return
	}

	creator, err := s.store.User(r.Context(), body.RoomCreatorID)
	if err != nil {
		storeError(w, err)
		return
	}

	room, err := chat.NewRoom(uuid.NewString(), body.RoomCreatorID, body.InvitedUserID, s.now())
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid room members")
		return
	}
	if err := s.store.CreateRoom(r.Context(), room); err != nil {
		if err == ErrRoomExists {
			writeError(w, http.StatusConflict, "Room already exists")
			return
		}
		storeError(w, err)
		return
	}

	writeData(w, http.StatusCreated, api.RoomCreated{
		RoomID:               room.ID,
		UpdatedAt:            room.UpdatedAt,
		RoomCreatorPublicKey: creator.PublicKey,
	})
}

func (s *Server) handleInvite(w http.ResponseWriter, r *http.Request) {
	creatorID := r.URL.Query().Get("roomCreatorId")
	invitedID := r.URL.Query().Get("invitedUserId")

	creator, err := s.store.User(r.Context(), creatorID)
	if err != nil {
		storeError(w, err)
		return
	}
	if _, err := s.store.User(r.Context(), invitedID); err != nil {
		storeError(w, err)
		return
	}

	inv := chat.Invitation{FromID: creatorID, ToID: invitedID, Timestamp: s.now()}
	if err := s.store.CreateInvitation(r.Context(), inv); err != nil {
		storeError(w, err)
		return
	}

	offer, _ := json.Marshal(creator.UserItem())
	s.hub.Push(invitedID, realtime.EventInvitation, realtime.InvitationEvent{
		Type: "offer",
		Data: offer,
	})
	writeData(w, http.StatusCreated, true)
}

func (s *Server) handleInvitations(w http.ResponseWriter, r *http.Request) {
	group, err := s.invitationGroup(r, r.URL.Query().Get("userId"))
	if err != nil {
		storeError(w, err)
		return
	}
	writeData(w, http.StatusOK, group.Received)
}

func (s *Server) handleDeleteInvitation(w http.ResponseWriter, r *http.Request) {
	creatorID := r.URL.Query().Get("roomCreatorId")
	invitedID := r.URL.Query().Get("invitedUserId")
	if err := s.store.DeleteInvitation(r.Context(), creatorID, invitedID); err != nil {
		storeError(w, err)
		return
	}
	writeData(w, http.StatusOK, true)
}

func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SenderID  string `json:"senderId"`
		RoomID    string `json:"roomId"`
		Data      string `json:"data"`
		CreatedAt int64  `json:"createdAt"`
	}
	if !decodeBody(w, r, &body) {
		return
	}

	room, err := s.store.Room(r.Context(), body.RoomID)
	if err != nil {
		storeError(w, err)
		return
	}
	recipientID, ok := room.Other(body.SenderID)
	if !ok {
		writeError(w, http.StatusForbidden, "Sender is not a room member")
		return
	}

	msg := chat.Message{
		ID:          uuid.NewString(),
		RoomID:      body.RoomID,
		SenderID:    body.SenderID,
		RecipientID: recipientID,
		Ciphertext:  body.Data,
		CreatedAt:   body.CreatedAt,
	}
	if err := s.store.AppendMessage(r.Context(), msg); err != nil {
		storeError(w, err)
		return
	}
	if err := s.store.TouchRoom(r.Context(), body.RoomID, body.CreatedAt); err != nil {
		storeError(w, err)
		return
	}

	s.hub.Push(recipientID, realtime.EventMessageNew, msg)
	writeData(w, http.StatusCreated, msg.ID)
}

func (s *Server) handleDeleteMessages(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteSystemMessages(r.Context(), r.URL.Query().Get("roomId")); err != nil {
		storeError(w, err)
		return
	}
	writeData(w, http.StatusOK, true)
}

func (s *Server) handleNewMessages(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	var since int64
	if raw := r.URL.Query().Get("timestamp"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid timestamp")
			return
		}
		since = parsed
	}
	messages, err := s.store.UnviewedMessages(r.Context(), userID, since)
	if err != nil {
		storeError(w, err)
		return
	}
	if messages == nil {
		messages = []chat.Message{}
	}
	writeData(w, http.StatusOK, messages)
}

func (s *Server) handleMessageMetadata(w http.ResponseWriter, r *http.Request) {
	var body struct {
		UserID       string  `json:"userId"`
		RoomID       string  `json:"roomId"`
		CreatedAtArr []int64 `json:"createdAtArr"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	metadata, err := s.store.MessageMetadata(r.Context(), body.RoomID, body.UserID, body.CreatedAtArr)
	if err != nil {
		storeError(w, err)
		return
	}
	if metadata == nil {
		metadata = []chat.Metadata{}
	}
	writeData(w, http.StatusOK, metadata)
}

// handlePublicKey stores a rotated public key and fans a key-rotation
// system message out to each of the account's rooms so peers rederive
// their shared keys.
func (s *Server) handlePublicKey(w http.ResponseWriter, r *http.Request) {
	var body struct {
		UserID    string `json:"userId"`
		PublicKey string `json:"publicKey"`
	}
	if !decodeBody(w, r, &body) {
		return
	}

	if err := s.store.SetPublicKey(r.Context(), body.UserID, body.PublicKey); err != nil {
		storeError(w, err)
		return
	}

	rooms, err := s.store.RoomsForUser(r.Context(), body.UserID)
	if err != nil {
		storeError(w, err)
		return
	}
	for _, room := range rooms {
		peerID, ok := room.Other(body.UserID)
		if !ok {
			continue
		}
		msg := chat.Message{
			ID:          uuid.NewString(),
			RoomID:      room.ID,
			SenderID:    body.UserID,
			RecipientID: peerID,
			Ciphertext:  body.PublicKey,
			CreatedAt:   s.now(),
			SystemCode:  chat.SystemKeyRotated,
		}
		if err := s.store.AppendMessage(r.Context(), msg); err != nil {
			storeError(w, err)
			return
		}
	}

	logrus.WithFields(logrus.Fields{
		"function": "handlePublicKey",
		"user_id":  body.UserID,
		"rooms":    len(rooms),
	}).Info("public key rotated")
	writeData(w, http.StatusOK, true)
}
