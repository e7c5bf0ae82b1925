// Package server coordinates client registration, room fan-out, presence and
// connection cleanup for the chat system via the Hub type.
package server

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Tyrowin/roomchat/internal/chat"
	"github.com/Tyrowin/roomchat/internal/protocol"
	"github.com/Tyrowin/roomchat/internal/store"
)

// Hub owns every piece of shared real-time state: live connections, room
// membership, presence counts and typing entries. Connects and disconnects
// are serialized through Run; room commands run on each client's read pump.
type Hub struct {
	cfg      Config
	messages store.MessageStore

	conns    *connectionTable
	rooms    *roomMembership
	presence *presenceTable
	typing   *typingTracker

	register   chan *Client
	unregister chan *Client
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}

	now func() time.Time
}

// NewHub creates a Hub backed by the given message store. The returned Hub
// is ready to manage connections once Run is started.
func NewHub(cfg Config, messages store.MessageStore) *Hub {
	if messages == nil {
		panic("server: NewHub requires a message store")
	}
	cfg = cfg.Sanitize()
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		cfg:        cfg,
		messages:   messages,
		conns:      newConnectionTable(),
		rooms:      newRoomMembership(),
		presence:   newPresenceTable(),
		typing:     newTypingTracker(cfg.TypingTimeout),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		now:        time.Now,
	}
}

// Config returns the sanitized configuration the hub runs with.
func (h *Hub) Config() Config { return h.cfg }

// Register hands an authenticated client to the hub, which starts its pumps.
func (h *Hub) Register(c *Client) error {
	select {
	case h.register <- c:
		return nil
	case <-h.ctx.Done():
		return ErrHubClosed
	}
}

func (h *Hub) unregisterClient(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.ctx.Done():
	}
}

// ClientCount returns the number of live connections.
func (h *Hub) ClientCount() int { return h.conns.len() }

// Presence returns the users that currently hold at least one connection.
func (h *Hub) Presence() []PresenceEntry { return h.presence.snapshot() }

// Run starts the hub's main event loop, handling client registration,
// unregistration and typing expiry. It returns after Shutdown.
func (h *Hub) Run() {
	defer close(h.done)

	sweep := time.NewTicker(h.cfg.TypingSweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownClients()
			return

		case client := <-h.register:
			if client == nil {
				logrus.Warn("Received nil client registration; skipping")
				continue
			}
			h.connect(client)
			h.startPumps(client)

		case client := <-h.unregister:
			h.disconnect(client)

		case now := <-sweep.C:
			h.expireTyping(now)
		}
	}
}

func (h *Hub) startPumps(c *Client) {
	if c.conn == nil {
		return
	}
	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		c.writePump()
	}()
	go func() {
		defer h.wg.Done()
		c.readPump()
	}()
}

// connect adds the client to the connection table and announces the user
// globally on their first connection.
func (h *Hub) connect(c *Client) {
	total := h.conns.add(c)
	c.log.WithField("total", total).Info("Client registered")

	if h.presence.connect(c.identity) {
		h.broadcastAll(protocol.PresenceUpdate{
			UserID:   c.identity.UserID,
			Username: c.identity.Username,
			Status:   chat.StatusOnline,
		})
	}
}

// disconnect removes every trace of the client: its rooms, its typing
// entries and its presence count. It is safe to call more than once.
func (h *Hub) disconnect(c *Client) {
	removed, total := h.conns.remove(c)
	if !removed {
		return
	}
	c.closeSend()

	rooms := h.rooms.roomsOf(c.id)
	for _, st := range h.typing.clearConn(c.id, rooms) {
		h.broadcastStoppedTyping(st.room, st.identity, c.id)
	}
	for _, roomID := range rooms {
		if left, remaining := h.rooms.leave(c, roomID); left {
			h.deliver(remaining, "", protocol.RoomUsers{
				RoomID:   roomID,
				UserID:   c.identity.UserID,
				Username: c.identity.Username,
				Action:   chat.ActionLeft,
			})
		}
	}

	if h.presence.disconnect(c.identity) {
		h.broadcastAll(protocol.PresenceUpdate{
			UserID:   c.identity.UserID,
			Username: c.identity.Username,
			Status:   chat.StatusOffline,
		})
	}

	c.log.WithFields(logrus.Fields{"total": total, "rooms": len(rooms)}).Info("Client unregistered")
}

// expireTyping removes typing entries that were not refreshed in time.
func (h *Hub) expireTyping(now time.Time) {
	for _, st := range h.typing.expire(now) {
		h.broadcastStoppedTyping(st.room, st.identity, st.connID)
	}
}

func (h *Hub) broadcastStoppedTyping(roomID string, id chat.Identity, excludeConnID string) {
	h.deliver(h.rooms.members(roomID), excludeConnID, protocol.UserStoppedTyping{
		RoomID:   roomID,
		UserID:   id.UserID,
		Username: id.Username,
	})
}

// broadcastAll sends ev to every live connection.
func (h *Hub) broadcastAll(ev protocol.Event) {
	h.deliver(h.conns.snapshot(), "", ev)
}

// deliver encodes ev once and queues it for each recipient except the
// connection excludeConnID. A recipient with a full queue is dropped without
// delaying the others.
func (h *Hub) deliver(recipients []*Client, excludeConnID string, ev protocol.Event) int {
	if len(recipients) == 0 {
		return 0
	}
	payload, err := protocol.Encode(ev)
	if err != nil {
		logrus.WithError(err).WithField("event", ev.EventType()).Error("Failed to encode event")
		return 0
	}

	delivered := 0
	for _, c := range recipients {
		if c.id == excludeConnID {
			continue
		}
		if c.trySend(payload) {
			delivered++
		}
	}
	logrus.WithFields(logrus.Fields{
		"event":      ev.EventType(),
		"recipients": delivered,
	}).Debug("Broadcast event")
	return delivered
}

// shutdownClients closes all active client connections
func (h *Hub) shutdownClients() {
	logrus.Info("Shutting down all client connections...")

	clients := h.conns.snapshot()
	for _, client := range clients {
		if client.conn != nil {
			if err := client.conn.Close(); err != nil {
				if !isExpectedCloseError(err) {
					client.log.WithError(err).Warn("Error closing client connection")
				}
			}
		}
	}

	logrus.WithField("count", len(clients)).Info("Closed client connections")
}

// Shutdown initiates graceful shutdown of the hub and waits for all goroutines to complete.
// It returns after all client connections are closed and goroutines have finished,
// or when the timeout is reached.
func (h *Hub) Shutdown(timeout time.Duration) error {
	logrus.Info("Initiating hub shutdown...")

	h.cancel()
	<-h.done

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logrus.Info("Hub shutdown completed successfully")
		return nil
	case <-time.After(timeout):
		logrus.Warn("Hub shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}
