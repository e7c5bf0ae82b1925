// Package chat defines the domain types shared by the real-time coordination
// layer, the stores, and the wire protocol.
package chat

import (
	"errors"
	"strings"
	"time"
)

// MaxRoomIDLength bounds the size of a room key accepted from clients.
const MaxRoomIDLength = 128

// ErrInvalidRoomID is returned by ValidateRoomID for empty or oversized keys.
var ErrInvalidRoomID = errors.New("invalid room id")

// Identity is the verified user bound to a connection for its whole lifetime.
type Identity struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

// Valid reports whether both identity fields are populated.
func (i Identity) Valid() bool {
	return i.UserID != "" && i.Username != ""
}

// Message is a persisted chat message. Content, Sender and CreatedAt never
// change after creation; Readers only grows.
type Message struct {
	ID        string    `json:"id"`
	Room      string    `json:"room"`
	Sender    Identity  `json:"sender"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
	Readers   []string  `json:"readers"`
}

// HasReader reports whether userID is already recorded as a reader.
func (m *Message) HasReader(userID string) bool {
	for _, r := range m.Readers {
		if r == userID {
			return true
		}
	}
	return false
}

// AddReader records userID as a reader. Adding the same reader twice is a no-op.
func (m *Message) AddReader(userID string) bool {
	if m.HasReader(userID) {
		return false
	}
	m.Readers = append(m.Readers, userID)
	return true
}

// Clone returns a deep copy so callers cannot mutate a store's copy.
func (m Message) Clone() Message {
	m.Readers = append([]string{}, m.Readers...)
	return m
}

// PresenceStatus is a user's global connectivity status.
type PresenceStatus string

const (
	StatusOnline  PresenceStatus = "online"
	StatusOffline PresenceStatus = "offline"
)

// MembershipAction describes a room membership change.
type MembershipAction string

const (
	ActionJoined MembershipAction = "joined"
	ActionLeft   MembershipAction = "left"
)

// NormalizeContent trims surrounding whitespace from message content.
// An empty result means the message must be dropped.
func NormalizeContent(content string) string {
	return strings.TrimSpace(content)
}

// ValidateRoomID checks a client-supplied room key.
func ValidateRoomID(roomID string) error {
	if strings.TrimSpace(roomID) == "" || len(roomID) > MaxRoomIDLength {
		return ErrInvalidRoomID
	}
	return nil
}
