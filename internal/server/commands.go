package server

import (
	"context"
	"errors"
	"slices"

	"github.com/sirupsen/logrus"

	"github.com/Tyrowin/roomchat/internal/chat"
	"github.com/Tyrowin/roomchat/internal/protocol"
	"github.com/Tyrowin/roomchat/internal/store"
)

// dispatch routes a decoded command to its handler. Every command except
// room:join requires membership of the target room.
func (h *Hub) dispatch(c *Client, cmd protocol.Command) {
	if _, isJoin := cmd.(protocol.JoinRoom); !isJoin && !h.rooms.isMember(cmd.Room(), c.id) {
		if _, isLeave := cmd.(protocol.LeaveRoom); isLeave {
			return
		}
		c.log.WithFields(logrus.Fields{"room_id": cmd.Room(), "event": cmd.Type()}).Warn("Command for a room the connection has not joined")
		c.sendError(protocol.CodeNotMember, "join the room first", cmd.Type())
		return
	}

	switch cmd := cmd.(type) {
	case protocol.JoinRoom:
		h.joinRoom(c, cmd.RoomID)
	case protocol.LeaveRoom:
		h.leaveRoom(c, cmd.RoomID)
	case protocol.SendMessage:
		h.sendMessage(c, cmd.RoomID, cmd.Content)
	case protocol.StartTyping:
		h.startTyping(c, cmd.RoomID)
	case protocol.StopTyping:
		h.stopTyping(c, cmd.RoomID)
	case protocol.MarkRead:
		h.markRead(c, cmd.RoomID, cmd.MessageID)
	case protocol.Notify:
		h.notify(c, cmd)
	default:
		c.log.WithField("event", cmd.Type()).Error("No handler for command")
		c.sendError(protocol.CodeUnknownType, "unsupported event", cmd.Type())
	}
}

func (h *Hub) persistContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), h.cfg.PersistTimeout)
}

// joinRoom adds membership, announces it to the room including the joiner,
// and unicasts the room's recent history in chronological order.
func (h *Hub) joinRoom(c *Client, roomID string) {
	added, members := h.rooms.join(c, roomID)
	if added {
		h.deliver(members, "", protocol.RoomUsers{
			RoomID:   roomID,
			UserID:   c.identity.UserID,
			Username: c.identity.Username,
			Action:   chat.ActionJoined,
		})
	}

	ctx, cancel := h.persistContext()
	defer cancel()

	recent, err := h.messages.Find(ctx, store.FindQuery{
		Room:        roomID,
		Limit:       h.cfg.HistoryLimit,
		NewestFirst: true,
	})
	if err != nil {
		c.log.WithError(err).WithField("room_id", roomID).Error("Failed to load room history")
		c.sendError(protocol.CodeUnavailable, "history unavailable", protocol.TypeRoomJoin)
		return
	}
	slices.Reverse(recent)

	c.sendEvent(protocol.RoomHistory{RoomID: roomID, Messages: recent})
}

// leaveRoom removes membership and announces it to the remaining members.
func (h *Hub) leaveRoom(c *Client, roomID string) {
	if h.typing.stopConn(roomID, c.identity.UserID, c.id) {
		h.broadcastStoppedTyping(roomID, c.identity, c.id)
	}

	left, remaining := h.rooms.leave(c, roomID)
	if !left {
		return
	}
	h.deliver(remaining, "", protocol.RoomUsers{
		RoomID:   roomID,
		UserID:   c.identity.UserID,
		Username: c.identity.Username,
		Action:   chat.ActionLeft,
	})
}

// sendMessage persists non-empty content and broadcasts it to the members
// present when the send was accepted, sender included. Ordering across
// concurrent senders follows persistence completion.
func (h *Hub) sendMessage(c *Client, roomID, content string) {
	content = chat.NormalizeContent(content)
	if content == "" {
		return
	}

	members := h.rooms.members(roomID)

	ctx, cancel := h.persistContext()
	defer cancel()

	msg, err := h.messages.Create(ctx, roomID, c.identity, content)
	if err != nil {
		c.log.WithError(err).WithField("room_id", roomID).Error("Failed to persist message")
		c.sendError(protocol.CodeUnavailable, "message was not saved", protocol.TypeMessageSend)
		return
	}

	if h.typing.stop(roomID, c.identity.UserID) {
		h.broadcastStoppedTyping(roomID, c.identity, c.id)
	}

	h.deliver(members, "", protocol.NewMessageEvent(msg))
}

func (h *Hub) startTyping(c *Client, roomID string) {
	h.typing.start(roomID, c.identity, c.id, h.now())
	h.deliver(h.rooms.members(roomID), c.id, protocol.UserTyping{
		RoomID:   roomID,
		UserID:   c.identity.UserID,
		Username: c.identity.Username,
	})
}

func (h *Hub) stopTyping(c *Client, roomID string) {
	h.typing.stop(roomID, c.identity.UserID)
	h.broadcastStoppedTyping(roomID, c.identity, c.id)
}

// markRead records the reader durably and relays the receipt to every
// member of the room, including the reader.
func (h *Hub) markRead(c *Client, roomID, messageID string) {
	ctx, cancel := h.persistContext()
	defer cancel()

	msg, err := h.messages.Get(ctx, messageID)
	switch {
	case errors.Is(err, store.ErrNotFound) || (err == nil && msg.Room != roomID):
		c.sendError(protocol.CodeNotFound, "message not found in room", protocol.TypeMessageRead)
		return
	case err != nil:
		c.log.WithError(err).WithField("room_id", roomID).Error("Failed to load message")
		c.sendError(protocol.CodeUnavailable, "receipt was not saved", protocol.TypeMessageRead)
		return
	}

	if _, err := h.messages.AddReader(ctx, messageID, c.identity.UserID); err != nil {
		c.log.WithError(err).WithField("room_id", roomID).Error("Failed to record reader")
		c.sendError(protocol.CodeUnavailable, "receipt was not saved", protocol.TypeMessageRead)
		return
	}

	h.deliver(h.rooms.members(roomID), "", protocol.MessageReadBy{
		RoomID:    roomID,
		MessageID: messageID,
		Reader:    c.identity,
	})
}

// notify relays an opaque payload to the other members of the room.
func (h *Hub) notify(c *Client, cmd protocol.Notify) {
	h.deliver(h.rooms.members(cmd.RoomID), c.id, protocol.NewNotification{
		RoomID:       cmd.RoomID,
		From:         c.identity.Username,
		Notification: cmd.Notification,
		Time:         h.now().UTC(),
	})
}
