// Package stub is a self-contained development backend for the chat
// client: the REST endpoints and websocket gateway the client expects,
// backed by SQLite. It exists so the client, the CLI and the integration
// tests have a collaborator to talk to; it is not the production backend.
package stub

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"

	"github.com/putto11262002/chatlink/chat"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("already exists")
	ErrInvalidUser  = errors.New("invalid user")
	ErrNotAMember   = errors.New("not a room member")
	ErrSelfChat     = errors.New("cannot chat with yourself")
	ErrBadPassword  = errors.New("invalid username or password")
	ErrEmptyMessage = errors.New("empty message")
)

// OpenDB opens the SQLite database and applies goose migrations. An
// empty migrationDir uses the migrations embedded in the binary.
func OpenDB(file, migrationDir string) (*sql.DB, error) {
	var dsn strings.Builder
	dsn.WriteString("file:")
	dsn.WriteString(file)
	dsn.WriteString("?_foreign_keys=on")

	db, err := sql.Open("sqlite3", dsn.String())
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	var migrationfs fs.FS
	if migrationDir == "" {
		migrationfs, err = fs.Sub(migrationFS, "migrations")
		if err != nil {
			return nil, fmt.Errorf("embedded migrations: %w", err)
		}
	} else {
		migrationfs = os.DirFS(migrationDir)
	}
	goose.SetBaseFS(migrationfs)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return nil, fmt.Errorf("set dialect: %w", err)
	}
	if err := goose.Up(db, "."); err != nil {
		return nil, fmt.Errorf("migrate up: %w", err)
	}
	return db, nil
}

// Store is the dev server's persistence layer.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

type UserRecord struct {
	chat.User
	PasswordHash []byte
}

func (s *Store) CreateUser(ctx context.Context, username string, passwordHash []byte) (chat.User, error) {
	if username == "" {
		return chat.User{}, ErrInvalidUser
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (username, password_hash) VALUES (@username, @password_hash)`,
		sql.Named("username", username), sql.Named("password_hash", passwordHash))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return chat.User{}, ErrConflict
		}
		return chat.User{}, fmt.Errorf("insert user: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return chat.User{}, fmt.Errorf("LastInsertId: %w", err)
	}
	return chat.User{ID: int(id), Username: username}, nil
}

func (s *Store) GetUserByUsername(ctx context.Context, username string) (UserRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, username, password_hash, is_online FROM users WHERE username = @username`,
		sql.Named("username", username))

	var u UserRecord
	if err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.IsOnline); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return u, ErrNotFound
		}
		return u, fmt.Errorf("row.Scan: %w", err)
	}
	return u, nil
}

func (s *Store) GetUserByID(ctx context.Context, id int) (chat.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, username, is_online FROM users WHERE id = @id`, sql.Named("id", id))

	var u chat.User
	if err := row.Scan(&u.ID, &u.Username, &u.IsOnline); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return u, ErrNotFound
		}
		return u, fmt.Errorf("row.Scan: %w", err)
	}
	return u, nil
}

// Friends lists every other user. The dev server treats all users as
// friends; the friend graph proper lives in the excluded backend.
func (s *Store) Friends(ctx context.Context, userID int) ([]chat.User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, username, is_online FROM users WHERE id != @id ORDER BY username`,
		sql.Named("id", userID))
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer rows.Close()

	var users []chat.User
	for rows.Next() {
		var u chat.User
		if err := rows.Scan(&u.ID, &u.Username, &u.IsOnline); err != nil {
			return nil, fmt.Errorf("rows.Scan: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// GetOrCreateRoom resolves the 1:1 room between two users, creating it
// on first use. Member columns are stored low-id-first so the pair is
// unique regardless of who asked.
func (s *Store) GetOrCreateRoom(ctx context.Context, userID, friendID int) (int, error) {
	if userID == friendID {
		return 0, ErrSelfChat
	}
	if _, err := s.GetUserByID(ctx, friendID); err != nil {
		return 0, err
	}

	a, b := userID, friendID
	if a > b {
		a, b = b, a
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT id FROM rooms WHERE user_a = @a AND user_b = @b`,
		sql.Named("a", a), sql.Named("b", b))

	var id int
	err := row.Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("row.Scan: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO rooms (user_a, user_b) VALUES (@a, @b)`,
		sql.Named("a", a), sql.Named("b", b))
	if err != nil {
		return 0, fmt.Errorf("insert room: %w", err)
	}
	newID, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("LastInsertId: %w", err)
	}
	return int(newID), nil
}

// RoomMembers returns the two member ids of a room.
func (s *Store) RoomMembers(ctx context.Context, roomID int) ([2]int, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT user_a, user_b FROM rooms WHERE id = @id`, sql.Named("id", roomID))

	var members [2]int
	if err := row.Scan(&members[0], &members[1]); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return members, ErrNotFound
		}
		return members, fmt.Errorf("row.Scan: %w", err)
	}
	return members, nil
}

// Room builds the viewer's projection of a room: the other participant,
// the last message and the unread counter.
func (s *Store) Room(ctx context.Context, roomID, viewerID int) (chat.Room, error) {
	members, err := s.RoomMembers(ctx, roomID)
	if err != nil {
		return chat.Room{}, err
	}
	otherID := members[0]
	if otherID == viewerID {
		otherID = members[1]
	} else if members[1] != viewerID {
		return chat.Room{}, ErrNotAMember
	}

	other, err := s.GetUserByID(ctx, otherID)
	if err != nil {
		return chat.Room{}, err
	}

	room := chat.Room{ID: roomID, OtherUser: other}

	row := s.db.QueryRowContext(ctx, `
	SELECT m.id, m.content, m.sender_id, u.username, m.timestamp, m.is_read
	FROM messages AS m INNER JOIN users AS u ON m.sender_id = u.id
	WHERE m.room_id = @room_id ORDER BY m.id DESC LIMIT 1`,
		sql.Named("room_id", roomID))

	var last chat.Message
	err = row.Scan(&last.ID, &last.Content, &last.Sender.ID, &last.Sender.Username,
		&last.Timestamp, &last.IsRead)
	switch {
	case err == nil:
		room.LastMessage = &last
	case errors.Is(err, sql.ErrNoRows):
	default:
		return chat.Room{}, fmt.Errorf("row.Scan: %w", err)
	}

	row = s.db.QueryRowContext(ctx, `
	SELECT count(*) FROM messages
	WHERE room_id = @room_id AND sender_id != @viewer AND is_read = 0`,
		sql.Named("room_id", roomID), sql.Named("viewer", viewerID))
	if err := row.Scan(&room.UnreadCount); err != nil {
		return chat.Room{}, fmt.Errorf("row.Scan: %w", err)
	}

	return room, nil
}

// Rooms lists every room the viewer participates in, most recent
// activity first.
func (s *Store) Rooms(ctx context.Context, viewerID int) ([]chat.Room, error) {
	rows, err := s.db.QueryContext(ctx, `
	SELECT r.id FROM rooms AS r
	LEFT JOIN messages AS m ON m.room_id = r.id
	WHERE r.user_a = @viewer OR r.user_b = @viewer
	GROUP BY r.id ORDER BY coalesce(max(m.id), 0) DESC`,
		sql.Named("viewer", viewerID))
	if err != nil {
		return nil, fmt.Errorf("query rooms: %w", err)
	}
	defer rows.Close()

	var ids []int
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("rows.Scan: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rooms := make([]chat.Room, 0, len(ids))
	for _, id := range ids {
		room, err := s.Room(ctx, id, viewerID)
		if err != nil {
			return nil, err
		}
		rooms = append(rooms, room)
	}
	return rooms, nil
}

// InsertMessage persists a message and returns it with the
// server-assigned id.
func (s *Store) InsertMessage(ctx context.Context, roomID, senderID int, content string) (chat.Message, error) {
	if content == "" {
		return chat.Message{}, ErrEmptyMessage
	}
	sender, err := s.GetUserByID(ctx, senderID)
	if err != nil {
		return chat.Message{}, err
	}

	ts := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
	INSERT INTO messages (room_id, sender_id, content, timestamp, is_read)
	VALUES (@room_id, @sender_id, @content, @timestamp, 0)`,
		sql.Named("room_id", roomID), sql.Named("sender_id", senderID),
		sql.Named("content", content), sql.Named("timestamp", ts))
	if err != nil {
		return chat.Message{}, fmt.Errorf("insert message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return chat.Message{}, fmt.Errorf("LastInsertId: %w", err)
	}

	return chat.Message{
		ID:        int(id),
		Content:   content,
		Sender:    chat.Sender{ID: sender.ID, Username: sender.Username},
		Timestamp: ts,
	}, nil
}

// MessagesPage returns one history page. Page 1 holds the newest
// messages; every page is ordered oldest first within itself, so the
// client can prepend older pages directly.
func (s *Store) MessagesPage(ctx context.Context, roomID, page, pageSize int) ([]chat.Message, error) {
	if page < 1 || pageSize < 1 {
		return nil, fmt.Errorf("invalid page %d size %d", page, pageSize)
	}
	rows, err := s.db.QueryContext(ctx, `
	SELECT m.id, m.content, m.sender_id, u.username, m.timestamp, m.is_read
	FROM messages AS m INNER JOIN users AS u ON m.sender_id = u.id
	WHERE m.room_id = @room_id
	ORDER BY m.id DESC LIMIT @limit OFFSET @offset`,
		sql.Named("room_id", roomID),
		sql.Named("limit", pageSize),
		sql.Named("offset", (page-1)*pageSize))
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var newestFirst []chat.Message
	for rows.Next() {
		var m chat.Message
		if err := rows.Scan(&m.ID, &m.Content, &m.Sender.ID, &m.Sender.Username,
			&m.Timestamp, &m.IsRead); err != nil {
			return nil, fmt.Errorf("rows.Scan: %w", err)
		}
		newestFirst = append(newestFirst, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	msgs := make([]chat.Message, 0, len(newestFirst))
	for i := len(newestFirst) - 1; i >= 0; i-- {
		msgs = append(msgs, newestFirst[i])
	}
	return msgs, nil
}

// MarkRead flags every message in the room not sent by the viewer as
// read.
func (s *Store) MarkRead(ctx context.Context, roomID, viewerID int) error {
	_, err := s.db.ExecContext(ctx, `
	UPDATE messages SET is_read = 1
	WHERE room_id = @room_id AND sender_id != @viewer AND is_read = 0`,
		sql.Named("room_id", roomID), sql.Named("viewer", viewerID))
	if err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	return nil
}

// SetOnline flips the user's online flag.
func (s *Store) SetOnline(ctx context.Context, userID int, online bool) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET is_online = @online WHERE id = @id`,
		sql.Named("online", online), sql.Named("id", userID))
	if err != nil {
		return fmt.Errorf("set online: %w", err)
	}
	return nil
}
