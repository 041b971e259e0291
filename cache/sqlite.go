package cache

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/endeveron/e-enigma/chat"
)

const schema = `
	CREATE TABLE IF NOT EXISTS rooms (
		id         TEXT PRIMARY KEY,
		member_a   TEXT NOT NULL,
		member_b   TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS members (
		id         TEXT PRIMARY KEY,
		name       TEXT NOT NULL,
		public_key TEXT NOT NULL,
		image_url  TEXT
	);

	CREATE TABLE IF NOT EXISTS messages (
		sender_id    TEXT NOT NULL,
		created_at   INTEGER NOT NULL,
		id           TEXT NOT NULL,
		room_id      TEXT NOT NULL,
		recipient_id TEXT NOT NULL,
		content      TEXT NOT NULL,
		kind         TEXT NOT NULL,
		day          TEXT NOT NULL,
		time         TEXT NOT NULL,
		received_at  INTEGER NOT NULL DEFAULT 0,
		viewed_at    INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (sender_id, created_at)
	);
	CREATE INDEX IF NOT EXISTS idx_messages_room ON messages(room_id, created_at);

	CREATE TABLE IF NOT EXISTS invitations (
		peer_id   TEXT NOT NULL,
		direction INTEGER NOT NULL,
		name      TEXT NOT NULL,
		image_url TEXT,
		timestamp INTEGER NOT NULL,
		PRIMARY KEY (peer_id, direction)
	);

	CREATE TABLE IF NOT EXISTS engine_meta (
		key   TEXT PRIMARY KEY,
		value INTEGER NOT NULL
	);
`

const (
	metaWatermark = "watermark"
	metaBootstrap = "bootstrap_done"
)

// SQLiteStore is the persistent Store implementation. A single
// connection guarded by a mutex serves all callers; the engine's write
// rate is interactive, not batch.
type SQLiteStore struct {
	mu   sync.Mutex
	conn *sqlite.Conn
}

// OpenSQLiteStore opens (creating if needed) the cache database at
// path and ensures the schema exists. The database runs in WAL mode so
// a crashed process never leaves a half-applied write visible.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	conn, err := sqlite.OpenConn(path, sqlite.OpenReadWrite|sqlite.OpenCreate|sqlite.OpenWAL)
	if err != nil {
		return nil, fmt.Errorf("cache: open %s: %w", path, err)
	}
	for _, pragma := range []string{
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	} {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			conn.Close()
			return nil, fmt.Errorf("cache: %s: %w", pragma, err)
		}
	}
	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("cache: creating schema: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "OpenSQLiteStore",
		"path":     path,
	}).Debug("cache database opened")

	return &SQLiteStore{conn: conn}, nil
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.Close()
}

func (s *SQLiteStore) UpsertRoom(room chat.Room) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sqlitex.Execute(s.conn,
		`INSERT INTO rooms (id, member_a, member_b, updated_at)
		 VALUES (?, ?, ?, ?) ON CONFLICT (id) DO NOTHING`,
		&sqlitex.ExecOptions{
			Args: []any{room.ID, room.Members[0], room.Members[1], room.UpdatedAt},
		})
}

func (s *SQLiteStore) Rooms() ([]chat.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []chat.Room
	err := sqlitex.Execute(s.conn,
		`SELECT id, member_a, member_b, updated_at FROM rooms ORDER BY updated_at DESC`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				out = append(out, chat.Room{
					ID:        stmt.ColumnText(0),
					Members:   [2]string{stmt.ColumnText(1), stmt.ColumnText(2)},
					UpdatedAt: stmt.ColumnInt64(3),
				})
				return nil
			},
		})
	return out, err
}

func (s *SQLiteStore) Room(id string) (chat.Room, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var room chat.Room
	found := false
	err := sqlitex.Execute(s.conn,
		`SELECT id, member_a, member_b, updated_at FROM rooms WHERE id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{id},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				room = chat.Room{
					ID:        stmt.ColumnText(0),
					Members:   [2]string{stmt.ColumnText(1), stmt.ColumnText(2)},
					UpdatedAt: stmt.ColumnInt64(3),
				}
				found = true
				return nil
			},
		})
	return room, found, err
}

func (s *SQLiteStore) UpsertMember(member chat.RoomMember) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sqlitex.Execute(s.conn,
		`INSERT INTO members (id, name, public_key, image_url)
		 VALUES (?, ?, ?, ?) ON CONFLICT (id) DO NOTHING`,
		&sqlitex.ExecOptions{
			Args: []any{member.ID, member.Name, member.PublicKey, member.ImageURL},
		})
}

func (s *SQLiteStore) Member(id string) (chat.RoomMember, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var member chat.RoomMember
	found := false
	err := sqlitex.Execute(s.conn,
		`SELECT id, name, public_key, image_url FROM members WHERE id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{id},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				member = scanMember(stmt)
				found = true
				return nil
			},
		})
	return member, found, err
}

func (s *SQLiteStore) Members() ([]chat.RoomMember, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []chat.RoomMember
	err := sqlitex.Execute(s.conn,
		`SELECT id, name, public_key, image_url FROM members ORDER BY id`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				out = append(out, scanMember(stmt))
				return nil
			},
		})
	return out, err
}

func scanMember(stmt *sqlite.Stmt) chat.RoomMember {
	return chat.RoomMember{
		ID:        stmt.ColumnText(0),
		Name:      stmt.ColumnText(1),
		PublicKey: stmt.ColumnText(2),
		ImageURL:  stmt.ColumnText(3),
	}
}

func (s *SQLiteStore) InsertMessage(msg *chat.Message) (bool, error) {
	if msg.Plaintext == nil {
		return false, fmt.Errorf("cache: message %s has no decrypted payload", msg.ID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	err := sqlitex.Execute(s.conn,
		`INSERT INTO messages
		 (sender_id, created_at, id, room_id, recipient_id, content, kind, day, time, received_at, viewed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (sender_id, created_at) DO NOTHING`,
		&sqlitex.ExecOptions{
			Args: []any{
				msg.SenderID,
				msg.CreatedAt,
				msg.ID,
				msg.RoomID,
				msg.RecipientID,
				msg.Plaintext.Content,
				string(msg.Plaintext.Kind),
				msg.Plaintext.Date.Day,
				msg.Plaintext.Date.Time,
				msg.ReceivedAt,
				msg.ViewedAt,
			},
		})
	if err != nil {
		return false, fmt.Errorf("cache: insert message: %w", err)
	}
	inserted := s.conn.Changes() > 0
	if inserted {
		msg.Persisted = true
	}
	return inserted, nil
}

func scanMessage(stmt *sqlite.Stmt) chat.Message {
	return chat.Message{
		ID:          stmt.ColumnText(2),
		RoomID:      stmt.ColumnText(3),
		SenderID:    stmt.ColumnText(0),
		RecipientID: stmt.ColumnText(4),
		CreatedAt:   stmt.ColumnInt64(1),
		ReceivedAt:  stmt.ColumnInt64(9),
		ViewedAt:    stmt.ColumnInt64(10),
		Plaintext: &chat.Plaintext{
			Content: stmt.ColumnText(5),
			Kind:    chat.MessageKind(stmt.ColumnText(6)),
			Date: chat.DisplayDate{
				Day:  stmt.ColumnText(7),
				Time: stmt.ColumnText(8),
			},
		},
		Persisted: true,
	}
}

const messageColumns = `sender_id, created_at, id, room_id, recipient_id,
	content, kind, day, time, received_at, viewed_at`

func (s *SQLiteStore) RoomMessages(roomID string) ([]chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []chat.Message
	err := sqlitex.Execute(s.conn,
		`SELECT `+messageColumns+` FROM messages WHERE room_id = ? ORDER BY created_at`,
		&sqlitex.ExecOptions{
			Args: []any{roomID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				out = append(out, scanMessage(stmt))
				return nil
			},
		})
	return out, err
}

func (s *SQLiteStore) MessagesByIDs(roomID string, ids []string) ([]chat.Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []chat.Message
	err := sqlitex.Execute(s.conn,
		`SELECT `+messageColumns+` FROM messages WHERE room_id = ? ORDER BY created_at`,
		&sqlitex.ExecOptions{
			Args: []any{roomID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				msg := scanMessage(stmt)
				if _, ok := want[msg.ID]; ok {
					out = append(out, msg)
				}
				return nil
			},
		})
	return out, err
}

func (s *SQLiteStore) ApplyMetadata(roomID, senderID string, md chat.Metadata) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := sqlitex.Execute(s.conn,
		`UPDATE messages SET
			id = CASE WHEN id = CAST(created_at AS TEXT) AND ? != '' THEN ? ELSE id END,
			received_at = CASE WHEN received_at = 0 THEN ? ELSE received_at END,
			viewed_at = CASE WHEN viewed_at = 0 THEN ? ELSE viewed_at END
		 WHERE room_id = ? AND sender_id = ? AND created_at = ?
		   AND ((id = CAST(created_at AS TEXT) AND ? != '')
			 OR (received_at = 0 AND ? != 0)
			 OR (viewed_at = 0 AND ? != 0))`,
		&sqlitex.ExecOptions{
			Args: []any{
				md.ID, md.ID,
				md.ReceivedAt,
				md.ViewedAt,
				roomID, senderID, md.CreatedAt,
				md.ID, md.ReceivedAt, md.ViewedAt,
			},
		})
	if err != nil {
		return false, fmt.Errorf("cache: apply metadata: %w", err)
	}
	return s.conn.Changes() > 0, nil
}

func (s *SQLiteStore) MarkViewed(roomID string, ids []string, viewedAt int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		err := sqlitex.Execute(s.conn,
			`UPDATE messages SET viewed_at = ?
			 WHERE room_id = ? AND id = ? AND viewed_at = 0`,
			&sqlitex.ExecOptions{Args: []any{viewedAt, roomID, id}})
		if err != nil {
			return fmt.Errorf("cache: mark viewed: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) UnackedSent(roomID, senderID string, limit int) ([]chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []chat.Message
	err := sqlitex.Execute(s.conn,
		`SELECT `+messageColumns+` FROM messages
		 WHERE room_id = ? AND sender_id = ? AND viewed_at = 0
		 ORDER BY created_at DESC LIMIT ?`,
		&sqlitex.ExecOptions{
			Args: []any{roomID, senderID, limit},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				out = append(out, scanMessage(stmt))
				return nil
			},
		})
	return out, err
}

func (s *SQLiteStore) UpsertInvitation(rec InvitationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sqlitex.Execute(s.conn,
		`INSERT INTO invitations (peer_id, direction, name, image_url, timestamp)
		 VALUES (?, ?, ?, ?, ?) ON CONFLICT (peer_id, direction) DO NOTHING`,
		&sqlitex.ExecOptions{
			Args: []any{rec.Peer.ID, int(rec.Direction), rec.Peer.Name, rec.Peer.ImageURL, rec.Timestamp},
		})
}

func (s *SQLiteStore) DeleteInvitation(peerID string, dir chat.InvitationDirection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sqlitex.Execute(s.conn,
		`DELETE FROM invitations WHERE peer_id = ? AND direction = ?`,
		&sqlitex.ExecOptions{Args: []any{peerID, int(dir)}})
}

func (s *SQLiteStore) Invitations(dir chat.InvitationDirection) ([]InvitationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []InvitationRecord
	err := sqlitex.Execute(s.conn,
		`SELECT peer_id, name, image_url, timestamp FROM invitations
		 WHERE direction = ? ORDER BY timestamp DESC`,
		&sqlitex.ExecOptions{
			Args: []any{int(dir)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				out = append(out, InvitationRecord{
					Peer: chat.UserItem{
						ID:       stmt.ColumnText(0),
						Name:     stmt.ColumnText(1),
						ImageURL: stmt.ColumnText(2),
					},
					Direction: dir,
					Timestamp: stmt.ColumnInt64(3),
				})
				return nil
			},
		})
	return out, err
}

func (s *SQLiteStore) ReplaceInvitations(dir chat.InvitationDirection, recs []InvitationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	endFn, err := sqlitex.ImmediateTransaction(s.conn)
	if err != nil {
		return fmt.Errorf("cache: begin transaction: %w", err)
	}
	defer endFn(&err)

	err = sqlitex.Execute(s.conn,
		`DELETE FROM invitations WHERE direction = ?`,
		&sqlitex.ExecOptions{Args: []any{int(dir)}})
	if err != nil {
		return err
	}
	for _, rec := range recs {
		err = sqlitex.Execute(s.conn,
			`INSERT INTO invitations (peer_id, direction, name, image_url, timestamp)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT (peer_id, direction) DO UPDATE SET timestamp = excluded.timestamp`,
			&sqlitex.ExecOptions{
				Args: []any{rec.Peer.ID, int(dir), rec.Peer.Name, rec.Peer.ImageURL, rec.Timestamp},
			})
		if err != nil {
			return err
		}
	}
	return err
}

func (s *SQLiteStore) metaValue(key string) (int64, error) {
	var value int64
	err := sqlitex.Execute(s.conn,
		`SELECT value FROM engine_meta WHERE key = ?`,
		&sqlitex.ExecOptions{
			Args: []any{key},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				value = stmt.ColumnInt64(0)
				return nil
			},
		})
	return value, err
}

func (s *SQLiteStore) Watermark() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metaValue(metaWatermark)
}

func (s *SQLiteStore) RaiseWatermark(ts int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sqlitex.Execute(s.conn,
		`INSERT INTO engine_meta (key, value) VALUES (?, ?)
		 ON CONFLICT (key) DO UPDATE SET value = excluded.value
		 WHERE excluded.value > engine_meta.value`,
		&sqlitex.ExecOptions{Args: []any{metaWatermark, ts}})
}

func (s *SQLiteStore) BootstrapDone() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, err := s.metaValue(metaBootstrap)
	return value != 0, err
}

func (s *SQLiteStore) SetBootstrapDone() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sqlitex.Execute(s.conn,
		`INSERT INTO engine_meta (key, value) VALUES (?, 1)
		 ON CONFLICT (key) DO UPDATE SET value = 1`,
		&sqlitex.ExecOptions{Args: []any{metaBootstrap}})
}
