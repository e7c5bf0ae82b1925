package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Tyrowin/roomchat/internal/chat"
)

// Memory is an in-process MessageStore and UserStore. It is used by tests
// and by the server when no database path is configured.
type Memory struct {
	mu       sync.RWMutex
	rooms    map[string][]*chat.Message
	messages map[string]*chat.Message
	users    map[string]User
	now      func() time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		rooms:    make(map[string][]*chat.Message),
		messages: make(map[string]*chat.Message),
		users:    make(map[string]User),
		now:      time.Now,
	}
}

// Create implements MessageStore.
func (m *Memory) Create(ctx context.Context, room string, sender chat.Identity, content string) (chat.Message, error) {
	if err := ctx.Err(); err != nil {
		return chat.Message{}, err
	}

	msg := &chat.Message{
		ID:        uuid.NewString(),
		Room:      room,
		Sender:    sender,
		Content:   content,
		CreatedAt: m.now().UTC(),
		Readers:   []string{},
	}

	m.mu.Lock()
	m.rooms[room] = append(m.rooms[room], msg)
	m.messages[msg.ID] = msg
	m.mu.Unlock()

	return msg.Clone(), nil
}

// Find implements MessageStore.
func (m *Memory) Find(ctx context.Context, q FindQuery) ([]chat.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultFindLimit
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	all := m.rooms[q.Room]
	if len(all) < limit {
		limit = len(all)
	}
	out := make([]chat.Message, 0, limit)
	if q.NewestFirst {
		for i := len(all) - 1; i >= len(all)-limit; i-- {
			out = append(out, all[i].Clone())
		}
		return out, nil
	}
	for _, msg := range all[:limit] {
		out = append(out, msg.Clone())
	}
	return out, nil
}

// Get implements MessageStore.
func (m *Memory) Get(ctx context.Context, id string) (chat.Message, error) {
	if err := ctx.Err(); err != nil {
		return chat.Message{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	msg, ok := m.messages[id]
	if !ok {
		return chat.Message{}, ErrNotFound
	}
	return msg.Clone(), nil
}

// AddReader implements MessageStore.
func (m *Memory) AddReader(ctx context.Context, messageID, userID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.messages[messageID]
	if !ok {
		return false, ErrNotFound
	}
	return msg.AddReader(userID), nil
}

// CreateUser implements UserStore.
func (m *Memory) CreateUser(ctx context.Context, user User) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.users[user.Username]; exists {
		return User{}, ErrDuplicate
	}
	user.ID = uuid.NewString()
	user.CreatedAt = m.now().UTC()
	m.users[user.Username] = user
	return user, nil
}

// FindUserByUsername implements UserStore.
func (m *Memory) FindUserByUsername(ctx context.Context, username string) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	user, ok := m.users[username]
	if !ok {
		return User{}, ErrNotFound
	}
	return user, nil
}
