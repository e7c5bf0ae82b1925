// Package store holds the durable side of the chat: persisted messages with
// their read receipts, and user accounts.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/Tyrowin/roomchat/internal/chat"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when a unique constraint would be violated.
	ErrDuplicate = errors.New("duplicate entry")
)

// FindQuery selects messages from a single room.
type FindQuery struct {
	Room        string
	Limit       int
	NewestFirst bool
}

// MessageStore persists chat messages. Create assigns ID and CreatedAt.
type MessageStore interface {
	Create(ctx context.Context, room string, sender chat.Identity, content string) (chat.Message, error)
	Find(ctx context.Context, q FindQuery) ([]chat.Message, error)
	Get(ctx context.Context, id string) (chat.Message, error)
	// AddReader records userID as a reader of the message. It reports
	// whether the reader was newly added; repeated calls are no-ops.
	AddReader(ctx context.Context, messageID, userID string) (bool, error)
}

// User is a registered account.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	Avatar       string    `json:"avatar,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Identity returns the chat identity of the account.
func (u User) Identity() chat.Identity {
	return chat.Identity{UserID: u.ID, Username: u.Username}
}

// UserStore persists user accounts. CreateUser assigns ID and CreatedAt.
type UserStore interface {
	CreateUser(ctx context.Context, user User) (User, error)
	FindUserByUsername(ctx context.Context, username string) (User, error)
}

// DefaultFindLimit is used when a query does not specify a positive limit.
const DefaultFindLimit = 50
