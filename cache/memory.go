package cache

import (
	"sort"
	"sync"

	"github.com/endeveron/e-enigma/chat"
)

type messageKey struct {
	senderID  string
	createdAt int64
}

// MemoryStore is an in-memory Store used by tests and by callers that
// opt out of persistence. Safe for concurrent use.
type MemoryStore struct {
	mu            sync.RWMutex
	rooms         map[string]chat.Room
	members       map[string]chat.RoomMember
	messages      map[messageKey]*chat.Message
	invitations   map[chat.InvitationDirection]map[string]InvitationRecord
	watermark     int64
	bootstrapDone bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rooms:    make(map[string]chat.Room),
		members:  make(map[string]chat.RoomMember),
		messages: make(map[messageKey]*chat.Message),
		invitations: map[chat.InvitationDirection]map[string]InvitationRecord{
			chat.InvitationSent:     make(map[string]InvitationRecord),
			chat.InvitationReceived: make(map[string]InvitationRecord),
		},
	}
}

func (s *MemoryStore) UpsertRoom(room chat.Room) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[room.ID]; !ok {
		s.rooms[room.ID] = room
	}
	return nil
}

func (s *MemoryStore) Rooms() ([]chat.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]chat.Room, 0, len(s.rooms))
	for _, r := range s.rooms {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt > out[j].UpdatedAt })
	return out, nil
}

func (s *MemoryStore) Room(id string) (chat.Room, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[id]
	return r, ok, nil
}

func (s *MemoryStore) UpsertMember(member chat.RoomMember) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.members[member.ID]; !ok {
		s.members[member.ID] = member
	}
	return nil
}

func (s *MemoryStore) Member(id string) (chat.RoomMember, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.members[id]
	return m, ok, nil
}

func (s *MemoryStore) Members() ([]chat.RoomMember, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]chat.RoomMember, 0, len(s.members))
	for _, m := range s.members {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) InsertMessage(msg *chat.Message) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := messageKey{senderID: msg.SenderID, createdAt: msg.CreatedAt}
	if _, ok := s.messages[key]; ok {
		return false, nil
	}
	clone := *msg
	if msg.Plaintext != nil {
		pt := *msg.Plaintext
		clone.Plaintext = &pt
	}
	clone.Persisted = true
	s.messages[key] = &clone
	return true, nil
}

func (s *MemoryStore) RoomMessages(roomID string) ([]chat.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []chat.Message
	for _, m := range s.messages {
		if m.RoomID == roomID {
			out = append(out, *m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out, nil
}

func (s *MemoryStore) MessagesByIDs(roomID string, ids []string) ([]chat.Message, error) {
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []chat.Message
	for _, m := range s.messages {
		if m.RoomID != roomID {
			continue
		}
		if _, ok := want[m.ID]; ok {
			out = append(out, *m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out, nil
}

func (s *MemoryStore) ApplyMetadata(roomID, senderID string, md chat.Metadata) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[messageKey{senderID: senderID, createdAt: md.CreatedAt}]
	if !ok || m.RoomID != roomID {
		return false, nil
	}
	return m.ApplyMetadata(md), nil
}

func (s *MemoryStore) MarkViewed(roomID string, ids []string, viewedAt int64) error {
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.messages {
		if m.RoomID != roomID {
			continue
		}
		if _, ok := want[m.ID]; !ok {
			continue
		}
		if m.ViewedAt == 0 {
			m.ViewedAt = viewedAt
		}
	}
	return nil
}

func (s *MemoryStore) UnackedSent(roomID, senderID string, limit int) ([]chat.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []chat.Message
	for _, m := range s.messages {
		if m.RoomID == roomID && m.SenderID == senderID && m.ViewedAt == 0 {
			out = append(out, *m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt > out[j].CreatedAt })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) UpsertInvitation(rec InvitationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	table := s.invitations[rec.Direction]
	if _, ok := table[rec.Peer.ID]; !ok {
		table[rec.Peer.ID] = rec
	}
	return nil
}

func (s *MemoryStore) DeleteInvitation(peerID string, dir chat.InvitationDirection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.invitations[dir], peerID)
	return nil
}

func (s *MemoryStore) Invitations(dir chat.InvitationDirection) ([]InvitationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]InvitationRecord, 0, len(s.invitations[dir]))
	for _, rec := range s.invitations[dir] {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp > out[j].Timestamp })
	return out, nil
}

func (s *MemoryStore) ReplaceInvitations(dir chat.InvitationDirection, recs []InvitationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	table := make(map[string]InvitationRecord, len(recs))
	for _, rec := range recs {
		rec.Direction = dir
		table[rec.Peer.ID] = rec
	}
	s.invitations[dir] = table
	return nil
}

func (s *MemoryStore) Watermark() (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.watermark, nil
}

func (s *MemoryStore) RaiseWatermark(ts int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ts > s.watermark {
		s.watermark = ts
	}
	return nil
}

func (s *MemoryStore) BootstrapDone() (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bootstrapDone, nil
}

func (s *MemoryStore) SetBootstrapDone() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bootstrapDone = true
	return nil
}

func (s *MemoryStore) Close() error { return nil }
