// Package server manages individual WebSocket clients, handling read/write
// pumps, rate limiting, and lifecycle control for each connection.
package server

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/Tyrowin/roomchat/internal/chat"
	"github.com/Tyrowin/roomchat/internal/protocol"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Client represents one authenticated WebSocket connection. The identity is
// bound at handshake time and never changes.
type Client struct {
	id       string
	identity chat.Identity
	conn     *websocket.Conn
	send     chan []byte
	hub      *Hub
	addr     string
	limiter  *rateLimiter
	log      *logrus.Entry

	mu     sync.Mutex
	closed bool
}

// NewClient creates a Client for an upgraded connection. The send queue is
// bounded by the hub's SendBufferSize.
func NewClient(conn *websocket.Conn, hub *Hub, identity chat.Identity, addr string) *Client {
	cfg := hub.cfg
	if conn != nil {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}

	id := uuid.NewString()
	return &Client{
		id:       id,
		identity: identity,
		conn:     conn,
		send:     make(chan []byte, cfg.SendBufferSize),
		hub:      hub,
		addr:     addr,
		limiter:  newRateLimiter(cfg.RateLimit.Burst, cfg.RateLimit.RefillInterval),
		log: logrus.WithFields(logrus.Fields{
			"conn_id":  id,
			"user_id":  identity.UserID,
			"username": identity.Username,
			"addr":     addr,
		}),
	}
}

// ID returns the connection id.
func (c *Client) ID() string { return c.id }

// Identity returns the identity bound at handshake.
func (c *Client) Identity() chat.Identity { return c.identity }

// GetSendChan returns the client's send channel for reading outgoing messages.
func (c *Client) GetSendChan() <-chan []byte {
	return c.send
}

// trySend queues a frame without blocking. A full queue drops the client:
// the send channel is closed, the write pump sends a close frame, and the
// read pump then unregisters the connection.
func (c *Client) trySend(message []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}

	select {
	case c.send <- message:
		return true
	default:
		c.closed = true
		close(c.send)
		c.log.Warn("Send buffer full; dropping slow client")
		return false
	}
}

// closeSend closes the send channel once.
func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// sendEvent encodes ev and queues it for this client only.
func (c *Client) sendEvent(ev protocol.Event) bool {
	payload, err := protocol.Encode(ev)
	if err != nil {
		c.log.WithError(err).Error("Failed to encode event")
		return false
	}
	return c.trySend(payload)
}

func (c *Client) sendError(code, message, event string) {
	c.sendEvent(protocol.ErrorEvent{Code: code, Message: message, Event: event})
}

// setupReadConnection configures read deadlines and pong handler for the WebSocket connection
func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.log.WithError(err).Debug("Error setting initial read deadline")
	}
	c.conn.SetPongHandler(func(string) error {
		if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			c.log.WithError(err).Debug("Error setting read deadline in pong handler")
		}
		return nil
	})
}

// handleReadError logs the read failure at a level matching its cause.
func (c *Client) handleReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.log.WithField("limit", c.hub.cfg.MaxMessageSize).Warn("Frame exceeded maximum size")
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure):
		c.log.WithError(err).Info("Client disconnected")
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		c.log.WithError(err).Debug("Client connection closed")
	case websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseMessageTooBig):
		c.log.WithError(err).Warn("Unexpected WebSocket close")
	default:
		c.log.WithError(err).Warn("WebSocket read error")
	}
}

// checkRateLimit reports whether the frame may be processed.
func (c *Client) checkRateLimit() bool {
	if c.limiter != nil && !c.limiter.allow() {
		c.log.WithFields(logrus.Fields{
			"burst":    c.hub.cfg.RateLimit.Burst,
			"interval": c.hub.cfg.RateLimit.RefillInterval,
		}).Warn("Rate limit exceeded; discarding frame")
		c.sendError(protocol.CodeRateLimited, "too many frames", "")
		return false
	}
	return true
}

// processMessage decodes one inbound frame and dispatches it. Rejected
// frames are answered with an error event and the connection stays open.
func (c *Client) processMessage(raw []byte) {
	cmd, err := protocol.Decode(raw)
	if err != nil {
		code := protocol.CodeMalformed
		if errors.Is(err, protocol.ErrUnknownType) {
			code = protocol.CodeUnknownType
		}
		c.log.WithError(err).Warn("Rejected inbound frame")
		c.sendError(code, err.Error(), "")
		return
	}

	c.hub.dispatch(c, cmd)
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregisterClient(c)
		// After shutdown nobody else will close the queue; the write pump
		// exits once it is closed.
		c.closeSend()
		c.closeConnection()
	}()

	c.setupReadConnection()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.handleReadError(err)
			return
		}

		if !c.checkRateLimit() {
			continue
		}

		c.processMessage(raw)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.closeConnection()
	}()

	for c.processWriteEvent(ticker) {
	}
}

// processWriteEvent waits for the next write event and returns false when the
// pump should stop processing.
func (c *Client) processWriteEvent(ticker *time.Ticker) bool {
	select {
	case message, ok := <-c.send:
		if !ok {
			return c.writeCloseMessage()
		}
		return c.writeFrame(message) && c.writeQueuedMessages()
	case <-ticker.C:
		return c.handlePing()
	}
}

// closeConnection safely closes the WebSocket connection with proper error handling
func (c *Client) closeConnection() {
	if c.conn == nil {
		return
	}
	if err := c.conn.Close(); err != nil {
		if !isExpectedCloseError(err) {
			c.log.WithError(err).Debug("Error closing connection")
		}
	}
}

// writeCloseMessage sends a close frame to the client
func (c *Client) writeCloseMessage() bool {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil {
		if !isExpectedCloseError(err) {
			c.log.WithError(err).Debug("Error writing close message")
		}
	}
	return false
}

// writeFrame writes one envelope as its own text frame.
func (c *Client) writeFrame(message []byte) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.log.WithError(err).Debug("Error setting write deadline")
		return false
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
		if !isExpectedCloseError(err) {
			c.log.WithError(err).Warn("Error writing message")
		}
		return false
	}
	return true
}

// writeQueuedMessages drains frames that queued up during the last write.
func (c *Client) writeQueuedMessages() bool {
	n := len(c.send)
	for i := 0; i < n; i++ {
		message, ok := <-c.send
		if !ok {
			return c.writeCloseMessage()
		}
		if !c.writeFrame(message) {
			return false
		}
	}
	return true
}

// handlePing sends a ping message to keep the connection alive
func (c *Client) handlePing() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.log.WithError(err).Debug("Error setting write deadline for ping")
		return false
	}
	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		if !isExpectedCloseError(err) {
			c.log.WithError(err).Warn("Error writing ping message")
		}
		return false
	}
	return true
}
