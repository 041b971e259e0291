package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/endeveron/e-enigma/chat"
)

// Redis key layout. Records are JSON strings; orderings are sorted sets
// scored by createdAt.
const (
	userPrefix     = "user:"     // user:{userId} -> JSON User
	roomPrefix     = "room:"     // room:{roomId} -> JSON Room
	roomPairPrefix = "roompair:" // roompair:{a}:{b} -> roomId (a < b)
	userRoomsInfix = ":rooms"    // user:{userId}:rooms -> set of roomIds
	messagePrefix  = "msg:"      // msg:{roomId}:{messageId} -> JSON Message
	roomMsgsInfix  = ":messages" // room:{roomId}:messages -> zset messageId/createdAt
	inboxPrefix    = "inbox:"    // inbox:{userId} -> zset roomId/messageId scored by createdAt
	sentPrefix     = "inv:sent:" // inv:sent:{userId} -> hash toId -> JSON Invitation
	recvPrefix     = "inv:recv:" // inv:recv:{userId} -> hash fromId -> JSON Invitation
)

// RedisStore is the deployment Store. Multi-key writes go through
// TxPipeline so partially applied records are never visible.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore wraps an already configured client.
func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

// OpenRedisStore connects to a Redis instance and verifies the
// connection with a ping.
func OpenRedisStore(ctx context.Context, addr, password string, db int) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("relay: connecting to redis at %s: %w", addr, err)
	}
	logrus.WithFields(logrus.Fields{
		"function": "OpenRedisStore",
		"addr":     addr,
	}).Info("redis store connected")
	return &RedisStore{rdb: rdb}, nil
}

func inboxMember(roomID, messageID string) string {
	return roomID + "/" + messageID
}

func (s *RedisStore) PutUser(ctx context.Context, user User) error {
	data, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("relay: encoding user: %w", err)
	}
	if err := s.rdb.Set(ctx, userPrefix+user.ID, data, 0).Err(); err != nil {
		return fmt.Errorf("relay: storing user: %w", err)
	}
	return nil
}

func (s *RedisStore) User(ctx context.Context, id string) (User, error) {
	data, err := s.rdb.Get(ctx, userPrefix+id).Result()
	if err == redis.Nil {
		return User{}, ErrUserNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("relay: loading user: %w", err)
	}
	var user User
	if err := json.Unmarshal([]byte(data), &user); err != nil {
		return User{}, fmt.Errorf("relay: decoding user: %w", err)
	}
	return user, nil
}

func (s *RedisStore) SetPublicKey(ctx context.Context, userID, publicKey string) error {
	user, err := s.User(ctx, userID)
	if err != nil {
		return err
	}
	user.PublicKey = publicKey
	return s.PutUser(ctx, user)
}

func (s *RedisStore) CreateRoom(ctx context.Context, room chat.Room) error {
	pair := pairKey(room.Members[0], room.Members[1])
	pairField := roomPairPrefix + pair[0] + ":" + pair[1]

	created, err := s.rdb.SetNX(ctx, pairField, room.ID, 0).Result()
	if err != nil {
		return fmt.Errorf("relay: indexing room pair: %w", err)
	}
	if !created {
		return ErrRoomExists
	}

	data, err := json.Marshal(room)
	if err != nil {
		return fmt.Errorf("relay: encoding room: %w", err)
	}
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, roomPrefix+room.ID, data, 0)
	pipe.SAdd(ctx, userPrefix+room.Members[0]+userRoomsInfix, room.ID)
	pipe.SAdd(ctx, userPrefix+room.Members[1]+userRoomsInfix, room.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("relay: storing room: %w", err)
	}
	return nil
}

func (s *RedisStore) Room(ctx context.Context, id string) (chat.Room, error) {
	data, err := s.rdb.Get(ctx, roomPrefix+id).Result()
	if err == redis.Nil {
		return chat.Room{}, ErrRoomNotFound
	}
	if err != nil {
		return chat.Room{}, fmt.Errorf("relay: loading room: %w", err)
	}
	var room chat.Room
	if err := json.Unmarshal([]byte(data), &room); err != nil {
		return chat.Room{}, fmt.Errorf("relay: decoding room: %w", err)
	}
	return room, nil
}

func (s *RedisStore) RoomByMembers(ctx context.Context, memberA, memberB string) (chat.Room, error) {
	pair := pairKey(memberA, memberB)
	id, err := s.rdb.Get(ctx, roomPairPrefix+pair[0]+":"+pair[1]).Result()
	if err == redis.Nil {
		return chat.Room{}, ErrRoomNotFound
	}
	if err != nil {
		return chat.Room{}, fmt.Errorf("relay: resolving room pair: %w", err)
	}
	return s.Room(ctx, id)
}

func (s *RedisStore) RoomsForUser(ctx context.Context, userID string) ([]chat.Room, error) {
	ids, err := s.rdb.SMembers(ctx, userPrefix+userID+userRoomsInfix).Result()
	if err != nil {
		return nil, fmt.Errorf("relay: listing rooms: %w", err)
	}
	rooms := make([]chat.Room, 0, len(ids))
	for _, id := range ids {
		room, err := s.Room(ctx, id)
		if err == ErrRoomNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		rooms = append(rooms, room)
	}
	return rooms, nil
}

func (s *RedisStore) TouchRoom(ctx context.Context, roomID string, updatedAt int64) error {
	key := roomPrefix + roomID
	return s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Result()
		if err == redis.Nil {
			return ErrRoomNotFound
		}
		if err != nil {
			return err
		}
		var room chat.Room
		if err := json.Unmarshal([]byte(data), &room); err != nil {
			return err
		}
		if updatedAt <= room.UpdatedAt {
			return nil
		}
		room.UpdatedAt = updatedAt
		updated, err := json.Marshal(room)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, 0)
			return nil
		})
		return err
	}, key)
}

func (s *RedisStore) AppendMessage(ctx context.Context, msg chat.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("relay: encoding message: %w", err)
	}
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, messagePrefix+msg.RoomID+":"+msg.ID, data, 0)
	pipe.ZAdd(ctx, roomPrefix+msg.RoomID+roomMsgsInfix, redis.Z{
		Score:  float64(msg.CreatedAt),
		Member: msg.ID,
	})
	pipe.ZAdd(ctx, inboxPrefix+msg.RecipientID, redis.Z{
		Score:  float64(msg.CreatedAt),
		Member: inboxMember(msg.RoomID, msg.ID),
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("relay: storing message: %w", err)
	}
	return nil
}

func (s *RedisStore) message(ctx context.Context, roomID, messageID string) (chat.Message, error) {
	data, err := s.rdb.Get(ctx, messagePrefix+roomID+":"+messageID).Result()
	if err == redis.Nil {
		return chat.Message{}, ErrMessageNotFound
	}
	if err != nil {
		return chat.Message{}, fmt.Errorf("relay: loading message: %w", err)
	}
	var msg chat.Message
	if err := json.Unmarshal([]byte(data), &msg); err != nil {
		return chat.Message{}, fmt.Errorf("relay: decoding message: %w", err)
	}
	return msg, nil
}

func (s *RedisStore) UnviewedMessages(ctx context.Context, userID string, since int64) ([]chat.Message, error) {
	min := "-inf"
	if since > 0 {
		min = "(" + strconv.FormatInt(since, 10)
	}
	members, err := s.rdb.ZRangeByScore(ctx, inboxPrefix+userID, &redis.ZRangeBy{
		Min: min,
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("relay: scanning inbox: %w", err)
	}

	var out []chat.Message
	for _, member := range members {
		roomID, messageID, ok := splitInboxMember(member)
		if !ok {
			continue
		}
		msg, err := s.message(ctx, roomID, messageID)
		if err == ErrMessageNotFound {
			s.rdb.ZRem(ctx, inboxPrefix+userID, member)
			continue
		}
		if err != nil {
			return nil, err
		}
		if msg.ViewedAt != 0 {
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

// MessagesForUser walks the user's rooms. Rooms are pairwise, so every
// message in them is sender- or recipient-scoped to a member; the
// per-room orderings together cover the account's full history.
func (s *RedisStore) MessagesForUser(ctx context.Context, userID string) ([]chat.Message, error) {
	roomIDs, err := s.rdb.SMembers(ctx, userPrefix+userID+userRoomsInfix).Result()
	if err != nil {
		return nil, fmt.Errorf("relay: listing rooms: %w", err)
	}
	var out []chat.Message
	for _, roomID := range roomIDs {
		ids, err := s.rdb.ZRange(ctx, roomPrefix+roomID+roomMsgsInfix, 0, -1).Result()
		if err != nil {
			return nil, fmt.Errorf("relay: scanning room messages: %w", err)
		}
		for _, id := range ids {
			msg, err := s.message(ctx, roomID, id)
			if err == ErrMessageNotFound {
				continue
			}
			if err != nil {
				return nil, err
			}
			if msg.SenderID != userID && msg.RecipientID != userID {
				continue
			}
			out = append(out, msg)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out, nil
}

func splitInboxMember(member string) (roomID, messageID string, ok bool) {
	for i := 0; i < len(member); i++ {
		if member[i] == '/' {
			return member[:i], member[i+1:], true
		}
	}
	return "", "", false
}

func (s *RedisStore) MessageMetadata(ctx context.Context, roomID, senderID string, createdAt []int64) ([]chat.Metadata, error) {
	var out []chat.Metadata
	for _, ts := range createdAt {
		score := strconv.FormatInt(ts, 10)
		ids, err := s.rdb.ZRangeByScore(ctx, roomPrefix+roomID+roomMsgsInfix, &redis.ZRangeBy{
			Min: score,
			Max: score,
		}).Result()
		if err != nil {
			return nil, fmt.Errorf("relay: resolving metadata: %w", err)
		}
		for _, id := range ids {
			msg, err := s.message(ctx, roomID, id)
			if err == ErrMessageNotFound {
				continue
			}
			if err != nil {
				return nil, err
			}
			if msg.SenderID != senderID {
				continue
			}
			out = append(out, chat.Metadata{
				ID:         msg.ID,
				CreatedAt:  msg.CreatedAt,
				ReceivedAt: msg.ReceivedAt,
				ViewedAt:   msg.ViewedAt,
			})
		}
	}
	return out, nil
}

func (s *RedisStore) ApplyReceipt(ctx context.Context, receipt chat.Receipt) (bool, error) {
	key := messagePrefix + receipt.RoomID + ":" + receipt.MessageID
	changed := false
	err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Result()
		if err == redis.Nil {
			return ErrMessageNotFound
		}
		if err != nil {
			return err
		}
		var msg chat.Message
		if err := json.Unmarshal([]byte(data), &msg); err != nil {
			return err
		}
		if receipt.ReceivedAt > 0 && msg.ReceivedAt == 0 {
			msg.ReceivedAt = receipt.ReceivedAt
			changed = true
		}
		if receipt.ViewedAt > 0 && msg.ViewedAt == 0 {
			msg.ViewedAt = receipt.ViewedAt
			changed = true
		}
		if !changed {
			return nil
		}
		updated, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, 0)
			if msg.ViewedAt != 0 {
				pipe.ZRem(ctx, inboxPrefix+msg.RecipientID, inboxMember(msg.RoomID, msg.ID))
			}
			return nil
		})
		return err
	}, key)
	if err != nil {
		return false, err
	}
	return changed, nil
}

func (s *RedisStore) DeleteSystemMessages(ctx context.Context, roomID string) error {
	orderKey := roomPrefix + roomID + roomMsgsInfix
	ids, err := s.rdb.ZRange(ctx, orderKey, 0, -1).Result()
	if err != nil {
		return fmt.Errorf("relay: scanning room messages: %w", err)
	}
	pipe := s.rdb.TxPipeline()
	for _, id := range ids {
		msg, err := s.message(ctx, roomID, id)
		if err == ErrMessageNotFound {
			continue
		}
		if err != nil {
			return err
		}
		if !msg.IsSystem() {
			continue
		}
		pipe.Del(ctx, messagePrefix+roomID+":"+id)
		pipe.ZRem(ctx, orderKey, id)
		pipe.ZRem(ctx, inboxPrefix+msg.RecipientID, inboxMember(roomID, id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("relay: deleting system messages: %w", err)
	}
	return nil
}

func (s *RedisStore) CreateInvitation(ctx context.Context, inv chat.Invitation) error {
	data, err := json.Marshal(inv)
	if err != nil {
		return fmt.Errorf("relay: encoding invitation: %w", err)
	}
	pipe := s.rdb.TxPipeline()
	pipe.HSetNX(ctx, sentPrefix+inv.FromID, inv.ToID, data)
	pipe.HSetNX(ctx, recvPrefix+inv.ToID, inv.FromID, data)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("relay: storing invitation: %w", err)
	}
	return nil
}

func (s *RedisStore) DeleteInvitation(ctx context.Context, fromID, toID string) error {
	pipe := s.rdb.TxPipeline()
	pipe.HDel(ctx, sentPrefix+fromID, toID)
	pipe.HDel(ctx, recvPrefix+toID, fromID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("relay: deleting invitation: %w", err)
	}
	return nil
}

func (s *RedisStore) InvitationsFrom(ctx context.Context, userID string) ([]chat.Invitation, error) {
	return s.invitationHash(ctx, sentPrefix+userID)
}

func (s *RedisStore) InvitationsTo(ctx context.Context, userID string) ([]chat.Invitation, error) {
	return s.invitationHash(ctx, recvPrefix+userID)
}

func (s *RedisStore) invitationHash(ctx context.Context, key string) ([]chat.Invitation, error) {
	fields, err := s.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("relay: listing invitations: %w", err)
	}
	out := make([]chat.Invitation, 0, len(fields))
	for _, data := range fields {
		var inv chat.Invitation
		if err := json.Unmarshal([]byte(data), &inv); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "invitationHash",
				"key":      key,
				"error":    err,
			}).Warn("skipping malformed invitation record")
			continue
		}
		out = append(out, inv)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out, nil
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
