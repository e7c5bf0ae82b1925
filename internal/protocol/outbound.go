package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Tyrowin/roomchat/internal/chat"
)

// Outbound event names.
const (
	TypeRoomHistory       = "room:history"
	TypeRoomUsers         = "room:users"
	TypeMessageNew        = "message:new"
	TypeUserTyping        = "userTyping"
	TypeUserStoppedTyping = "userStoppedTyping"
	TypeMessageReadBy     = "messageReadBy"
	TypeNewNotification   = "newNotification"
	TypePresenceUpdate    = "presence:update"
	TypeError             = "error"
)

// Error codes carried by an ErrorEvent.
const (
	CodeMalformed   = "malformed"
	CodeUnknownType = "unknown_type"
	CodeNotMember   = "not_member"
	CodeNotFound    = "not_found"
	CodeRateLimited = "rate_limited"
	CodeUnavailable = "unavailable"
)

// Event is an outbound payload that knows its own event name.
type Event interface {
	EventType() string
}

// RoomHistory is unicast to a connection that joined a room.
type RoomHistory struct {
	RoomID   string         `json:"roomId"`
	Messages []chat.Message `json:"messages"`
}

// RoomUsers announces a membership change to the room.
type RoomUsers struct {
	RoomID   string                `json:"roomId"`
	UserID   string                `json:"userId"`
	Username string                `json:"username"`
	Action   chat.MembershipAction `json:"action"`
}

// MessageNew announces a persisted message.
type MessageNew struct {
	ID        string        `json:"id"`
	Room      string        `json:"room"`
	Sender    chat.Identity `json:"sender"`
	Content   string        `json:"content"`
	CreatedAt time.Time     `json:"createdAt"`
}

// UserTyping announces that a user started typing.
type UserTyping struct {
	RoomID   string `json:"roomId"`
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

// UserStoppedTyping announces that a user stopped typing or their entry expired.
type UserStoppedTyping struct {
	RoomID   string `json:"roomId"`
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

// MessageReadBy announces a read receipt.
type MessageReadBy struct {
	RoomID    string        `json:"roomId"`
	MessageID string        `json:"messageId"`
	Reader    chat.Identity `json:"reader"`
}

// NewNotification relays a client-supplied notification payload.
type NewNotification struct {
	RoomID       string          `json:"roomId"`
	From         string          `json:"from"`
	Notification json.RawMessage `json:"notification"`
	Time         time.Time       `json:"time"`
}

// PresenceUpdate announces a global online/offline transition.
type PresenceUpdate struct {
	UserID   string              `json:"userId"`
	Username string              `json:"username"`
	Status   chat.PresenceStatus `json:"status"`
}

// ErrorEvent is unicast to a connection whose frame was rejected.
type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Event   string `json:"event,omitempty"`
}

func (RoomHistory) EventType() string       { return TypeRoomHistory }
func (RoomUsers) EventType() string         { return TypeRoomUsers }
func (MessageNew) EventType() string        { return TypeMessageNew }
func (UserTyping) EventType() string        { return TypeUserTyping }
func (UserStoppedTyping) EventType() string { return TypeUserStoppedTyping }
func (MessageReadBy) EventType() string     { return TypeMessageReadBy }
func (NewNotification) EventType() string   { return TypeNewNotification }
func (PresenceUpdate) EventType() string    { return TypePresenceUpdate }
func (ErrorEvent) EventType() string        { return TypeError }

// NewMessageEvent builds the broadcast payload for a persisted message.
func NewMessageEvent(msg chat.Message) MessageNew {
	return MessageNew{
		ID:        msg.ID,
		Room:      msg.Room,
		Sender:    msg.Sender,
		Content:   msg.Content,
		CreatedAt: msg.CreatedAt,
	}
}

// Encode wraps an event in an envelope and marshals it once so the same
// bytes can be queued for every recipient.
func Encode(ev Event) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", ev.EventType(), err)
	}
	out, err := json.Marshal(Envelope{Type: ev.EventType(), Data: data})
	if err != nil {
		return nil, fmt.Errorf("encode envelope %s: %w", ev.EventType(), err)
	}
	return out, nil
}
