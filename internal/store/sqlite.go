package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/Tyrowin/roomchat/internal/chat"
)

// SQLite is a MessageStore and UserStore backed by a SQLite database.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	username TEXT UNIQUE NOT NULL,
	password_hash TEXT NOT NULL,
	avatar TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT UNIQUE NOT NULL,
	room TEXT NOT NULL,
	sender_id TEXT NOT NULL,
	sender_username TEXT NOT NULL,
	content TEXT NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS message_readers (
	message_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	read_at INTEGER NOT NULL,
	PRIMARY KEY (message_id, user_id),
	FOREIGN KEY (message_id) REFERENCES messages(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_messages_room_seq ON messages(room, seq);
`

// OpenSQLite opens (creating if needed) the database at path and applies
// the schema. Use ":memory:" for a throwaway database.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// A single connection serialises writers and keeps ":memory:" databases
	// from splitting across pool connections.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return &SQLite{db: db, now: time.Now}, nil
}

// Close releases the database handle.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Create implements MessageStore.
func (s *SQLite) Create(ctx context.Context, room string, sender chat.Identity, content string) (chat.Message, error) {
	msg := chat.Message{
		ID:        uuid.NewString(),
		Room:      room,
		Sender:    sender,
		Content:   content,
		CreatedAt: s.now().UTC(),
		Readers:   []string{},
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, room, sender_id, sender_username, content, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.Room, sender.UserID, sender.Username, msg.Content, msg.CreatedAt.UnixNano(),
	)
	if err != nil {
		return chat.Message{}, fmt.Errorf("insert message: %w", err)
	}
	return msg, nil
}

// Find implements MessageStore.
func (s *SQLite) Find(ctx context.Context, q FindQuery) ([]chat.Message, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultFindLimit
	}
	order := "ASC"
	if q.NewestFirst {
		order = "DESC"
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, room, sender_id, sender_username, content, created_at
		FROM messages
		WHERE room = ?
		ORDER BY seq `+order+`
		LIMIT ?`, q.Room, limit)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	messages := make([]chat.Message, 0)
	index := make(map[string]int)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		index[msg.ID] = len(messages)
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	// Release the only pooled connection before the readers query.
	_ = rows.Close()
	if len(messages) == 0 {
		return messages, nil
	}

	if err := s.loadReaders(ctx, messages, index); err != nil {
		return nil, err
	}
	return messages, nil
}

// Get implements MessageStore.
func (s *SQLite) Get(ctx context.Context, id string) (chat.Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, room, sender_id, sender_username, content, created_at
		FROM messages WHERE id = ?`, id)
	msg, err := scanMessage(row)
	if err != nil {
		return chat.Message{}, err
	}

	messages := []chat.Message{msg}
	if err := s.loadReaders(ctx, messages, map[string]int{msg.ID: 0}); err != nil {
		return chat.Message{}, err
	}
	return messages[0], nil
}

// AddReader implements MessageStore.
func (s *SQLite) AddReader(ctx context.Context, messageID, userID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO message_readers (message_id, user_id, read_at)
		 SELECT id, ?, ? FROM messages WHERE id = ?`,
		userID, s.now().UTC().UnixNano(), messageID,
	)
	if err != nil {
		return false, fmt.Errorf("insert reader: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert reader: %w", err)
	}
	if n > 0 {
		return true, nil
	}

	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM messages WHERE id = ?`, messageID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("lookup message: %w", err)
	}
	return false, nil
}

// CreateUser implements UserStore.
func (s *SQLite) CreateUser(ctx context.Context, user User) (User, error) {
	user.ID = uuid.NewString()
	user.CreatedAt = s.now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, username, password_hash, avatar, created_at) VALUES (?, ?, ?, ?, ?)`,
		user.ID, user.Username, user.PasswordHash, user.Avatar, user.CreatedAt.UnixNano(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return User{}, ErrDuplicate
		}
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	return user, nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	switch sqliteErr.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	}
	return false
}

// FindUserByUsername implements UserStore.
func (s *SQLite) FindUserByUsername(ctx context.Context, username string) (User, error) {
	var (
		user      User
		createdAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, password_hash, avatar, created_at FROM users WHERE username = ?`, username,
	).Scan(&user.ID, &user.Username, &user.PasswordHash, &user.Avatar, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("query user: %w", err)
	}
	user.CreatedAt = time.Unix(0, createdAt).UTC()
	return user, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (chat.Message, error) {
	var (
		msg       chat.Message
		createdAt int64
	)
	err := row.Scan(&msg.ID, &msg.Room, &msg.Sender.UserID, &msg.Sender.Username, &msg.Content, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.Message{}, ErrNotFound
	}
	if err != nil {
		return chat.Message{}, fmt.Errorf("scan message: %w", err)
	}
	msg.CreatedAt = time.Unix(0, createdAt).UTC()
	msg.Readers = []string{}
	return msg, nil
}

func (s *SQLite) loadReaders(ctx context.Context, messages []chat.Message, index map[string]int) error {
	placeholders := make([]string, 0, len(messages))
	args := make([]any, 0, len(messages))
	for _, msg := range messages {
		placeholders = append(placeholders, "?")
		args = append(args, msg.ID)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT message_id, user_id FROM message_readers
		WHERE message_id IN (`+strings.Join(placeholders, ",")+`)
		ORDER BY read_at, user_id`, args...)
	if err != nil {
		return fmt.Errorf("query readers: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var messageID, userID string
		if err := rows.Scan(&messageID, &userID); err != nil {
			return fmt.Errorf("scan reader: %w", err)
		}
		if i, ok := index[messageID]; ok {
			messages[i].Readers = append(messages[i].Readers, userID)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate readers: %w", err)
	}
	return nil
}
