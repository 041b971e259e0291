package relay

import (
	"context"
	"sort"
	"sync"

	"github.com/endeveron/e-enigma/chat"
)

// MemoryStore is the in-process Store. It backs tests and single-node
// deployments where Redis is not worth running.
type MemoryStore struct {
	mu          sync.RWMutex
	users       map[string]User
	rooms       map[string]chat.Room
	roomByPair  map[[2]string]string
	messages    map[string]map[string]*chat.Message // roomID -> messageID
	invitations map[[2]string]chat.Invitation       // {fromID, toID}
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:       make(map[string]User),
		rooms:       make(map[string]chat.Room),
		roomByPair:  make(map[[2]string]string),
		messages:    make(map[string]map[string]*chat.Message),
		invitations: make(map[[2]string]chat.Invitation),
	}
}

func pairKey(a, b string) [2]string {
	if a > b {
		a, b = b, a
	}
	return [2]string{a, b}
}

func (s *MemoryStore) PutUser(_ context.Context, user User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[user.ID] = user
	return nil
}

func (s *MemoryStore) User(_ context.Context, id string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.users[id]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return user, nil
}

func (s *MemoryStore) SetPublicKey(_ context.Context, userID, publicKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[userID]
	if !ok {
		return ErrUserNotFound
	}
	user.PublicKey = publicKey
	s.users[userID] = user
	return nil
}

func (s *MemoryStore) CreateRoom(_ context.Context, room chat.Room) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := pairKey(room.Members[0], room.Members[1])
	if _, ok := s.roomByPair[key]; ok {
		return ErrRoomExists
	}
	s.rooms[room.ID] = room
	s.roomByPair[key] = room.ID
	return nil
}

func (s *MemoryStore) Room(_ context.Context, id string) (chat.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	room, ok := s.rooms[id]
	if !ok {
		return chat.Room{}, ErrRoomNotFound
	}
	return room, nil
}

func (s *MemoryStore) RoomByMembers(_ context.Context, memberA, memberB string) (chat.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.roomByPair[pairKey(memberA, memberB)]
	if !ok {
		return chat.Room{}, ErrRoomNotFound
	}
	return s.rooms[id], nil
}

func (s *MemoryStore) RoomsForUser(_ context.Context, userID string) ([]chat.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var rooms []chat.Room
	for _, room := range s.rooms {
		if room.Has(userID) {
			rooms = append(rooms, room)
		}
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].UpdatedAt > rooms[j].UpdatedAt })
	return rooms, nil
}

func (s *MemoryStore) TouchRoom(_ context.Context, roomID string, updatedAt int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[roomID]
	if !ok {
		return ErrRoomNotFound
	}
	if updatedAt > room.UpdatedAt {
		room.UpdatedAt = updatedAt
		s.rooms[roomID] = room
	}
	return nil
}

func (s *MemoryStore) AppendMessage(_ context.Context, msg chat.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byID, ok := s.messages[msg.RoomID]
	if !ok {
		byID = make(map[string]*chat.Message)
		s.messages[msg.RoomID] = byID
	}
	stored := msg
	byID[msg.ID] = &stored
	return nil
}

func (s *MemoryStore) UnviewedMessages(_ context.Context, userID string, since int64) ([]chat.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []chat.Message
	for _, byID := range s.messages {
		for _, msg := range byID {
			if msg.RecipientID != userID || msg.ViewedAt != 0 {
				continue
			}
			if since > 0 && msg.CreatedAt <= since {
				continue
			}
			out = append(out, *msg)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out, nil
}

func (s *MemoryStore) MessagesForUser(_ context.Context, userID string) ([]chat.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []chat.Message
	for _, byID := range s.messages {
		for _, msg := range byID {
			if msg.SenderID != userID && msg.RecipientID != userID {
				continue
			}
			out = append(out, *msg)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out, nil
}

func (s *MemoryStore) MessageMetadata(_ context.Context, roomID, senderID string, createdAt []int64) ([]chat.Metadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wanted := make(map[int64]bool, len(createdAt))
	for _, ts := range createdAt {
		wanted[ts] = true
	}
	var out []chat.Metadata
	for _, msg := range s.messages[roomID] {
		if msg.SenderID != senderID || !wanted[msg.CreatedAt] {
			continue
		}
		out = append(out, chat.Metadata{
			ID:         msg.ID,
			CreatedAt:  msg.CreatedAt,
			ReceivedAt: msg.ReceivedAt,
			ViewedAt:   msg.ViewedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out, nil
}

func (s *MemoryStore) ApplyReceipt(_ context.Context, receipt chat.Receipt) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[receipt.RoomID][receipt.MessageID]
	if !ok {
		return false, ErrMessageNotFound
	}
	changed := false
	if receipt.ReceivedAt > 0 && msg.ReceivedAt == 0 {
		msg.ReceivedAt = receipt.ReceivedAt
		changed = true
	}
	if receipt.ViewedAt > 0 && msg.ViewedAt == 0 {
		msg.ViewedAt = receipt.ViewedAt
		changed = true
	}
	return changed, nil
}

func (s *MemoryStore) DeleteSystemMessages(_ context.Context, roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, msg := range s.messages[roomID] {
		if msg.IsSystem() {
			delete(s.messages[roomID], id)
		}
	}
	return nil
}

func (s *MemoryStore) CreateInvitation(_ context.Context, inv chat.Invitation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := [2]string{inv.FromID, inv.ToID}
	if _, ok := s.invitations[key]; !ok {
		s.invitations[key] = inv
	}
	return nil
}

func (s *MemoryStore) DeleteInvitation(_ context.Context, fromID, toID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.invitations, [2]string{fromID, toID})
	return nil
}

func (s *MemoryStore) InvitationsFrom(_ context.Context, userID string) ([]chat.Invitation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collectInvitations(func(inv chat.Invitation) bool { return inv.FromID == userID }), nil
}

func (s *MemoryStore) InvitationsTo(_ context.Context, userID string) ([]chat.Invitation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collectInvitations(func(inv chat.Invitation) bool { return inv.ToID == userID }), nil
}

func (s *MemoryStore) collectInvitations(match func(chat.Invitation) bool) []chat.Invitation {
	var out []chat.Invitation
	for _, inv := range s.invitations {
		if match(inv) {
			out = append(out, inv)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out
}

func (s *MemoryStore) Close() error { return nil }
