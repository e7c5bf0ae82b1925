// Package protocol defines the JSON wire format spoken over a chat connection:
// a closed set of inbound commands decoded once per frame and the outbound
// events fanned out by the hub.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/Tyrowin/roomchat/internal/chat"
)

// Inbound event names.
const (
	TypeRoomJoin    = "room:join"
	TypeRoomLeave   = "room:leave"
	TypeMessageSend = "message:send"
	TypeTyping      = "typing"
	TypeStopTyping  = "stopTyping"
	TypeMessageRead = "message:read"
	TypeNotify      = "notify"
)

var (
	// ErrMalformed is returned when a frame or its payload has an unexpected shape.
	ErrMalformed = errors.New("malformed frame")
	// ErrUnknownType is returned for an event name outside the inbound set.
	ErrUnknownType = errors.New("unknown event type")
)

// Envelope is the framing shared by every inbound and outbound frame.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Command is one decoded inbound frame. The set of implementations is closed.
type Command interface {
	Type() string
	Room() string
	isCommand()
}

// JoinRoom subscribes the connection to a room.
type JoinRoom struct {
	RoomID string `json:"roomId"`
}

// LeaveRoom unsubscribes the connection from a room.
type LeaveRoom struct {
	RoomID string `json:"roomId"`
}

// SendMessage persists and broadcasts a chat message.
type SendMessage struct {
	RoomID  string `json:"roomId"`
	Content string `json:"content"`
}

// StartTyping marks the sender as typing in a room.
type StartTyping struct {
	RoomID string `json:"roomId"`
}

// StopTyping clears the sender's typing state in a room.
type StopTyping struct {
	RoomID string `json:"roomId"`
}

// MarkRead acknowledges that the sender has read a message.
type MarkRead struct {
	RoomID    string `json:"roomId"`
	MessageID string `json:"messageId"`
}

// Notify relays an arbitrary payload to the other members of a room.
type Notify struct {
	RoomID       string          `json:"roomId"`
	Notification json.RawMessage `json:"notification"`
}

func (JoinRoom) Type() string    { return TypeRoomJoin }
func (LeaveRoom) Type() string   { return TypeRoomLeave }
func (SendMessage) Type() string { return TypeMessageSend }
func (StartTyping) Type() string { return TypeTyping }
func (StopTyping) Type() string  { return TypeStopTyping }
func (MarkRead) Type() string    { return TypeMessageRead }
func (Notify) Type() string      { return TypeNotify }

func (c JoinRoom) Room() string    { return c.RoomID }
func (c LeaveRoom) Room() string   { return c.RoomID }
func (c SendMessage) Room() string { return c.RoomID }
func (c StartTyping) Room() string { return c.RoomID }
func (c StopTyping) Room() string  { return c.RoomID }
func (c MarkRead) Room() string    { return c.RoomID }
func (c Notify) Room() string      { return c.RoomID }

func (JoinRoom) isCommand()    {}
func (LeaveRoom) isCommand()   {}
func (SendMessage) isCommand() {}
func (StartTyping) isCommand() {}
func (StopTyping) isCommand()  {}
func (MarkRead) isCommand()    {}
func (Notify) isCommand()      {}

// Decode parses a raw frame into a Command. Unknown event names yield
// ErrUnknownType; anything else that does not fit yields ErrMalformed.
func Decode(raw []byte) (Command, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var (
		cmd Command
		err error
	)
	switch env.Type {
	case TypeRoomJoin:
		var c JoinRoom
		c.RoomID, err = decodeRoomID(env.Data)
		cmd = c
	case TypeRoomLeave:
		var c LeaveRoom
		c.RoomID, err = decodeRoomID(env.Data)
		cmd = c
	case TypeTyping:
		var c StartTyping
		c.RoomID, err = decodeRoomID(env.Data)
		cmd = c
	case TypeStopTyping:
		var c StopTyping
		c.RoomID, err = decodeRoomID(env.Data)
		cmd = c
	case TypeMessageSend:
		var c SendMessage
		err = decodeData(env.Data, &c)
		cmd = c
	case TypeMessageRead:
		var c MarkRead
		if err = decodeData(env.Data, &c); err == nil && strings.TrimSpace(c.MessageID) == "" {
			err = fmt.Errorf("%w: messageId is required", ErrMalformed)
		}
		cmd = c
	case TypeNotify:
		var c Notify
		if err = decodeData(env.Data, &c); err == nil && isNull(c.Notification) {
			err = fmt.Errorf("%w: notification is required", ErrMalformed)
		}
		cmd = c
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	if err != nil {
		return nil, err
	}

	if err := chat.ValidateRoomID(cmd.Room()); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return cmd, nil
}

func decodeData(data json.RawMessage, dst any) error {
	if isNull(data) {
		return fmt.Errorf("%w: missing data", ErrMalformed)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

// decodeRoomID accepts either {"roomId": "..."} or a bare JSON string.
func decodeRoomID(data json.RawMessage) (string, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var roomID string
		if err := json.Unmarshal(trimmed, &roomID); err != nil {
			return "", fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return roomID, nil
	}
	var payload struct {
		RoomID string `json:"roomId"`
	}
	if err := decodeData(data, &payload); err != nil {
		return "", err
	}
	return payload.RoomID, nil
}

func isNull(data json.RawMessage) bool {
	trimmed := bytes.TrimSpace(data)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
