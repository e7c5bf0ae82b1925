package server

import (
	"sync"
	"time"

	"github.com/Tyrowin/roomchat/internal/chat"
)

type typingKey struct {
	room   string
	userID string
}

type typingEntry struct {
	identity chat.Identity
	connID   string
	expires  time.Time
}

// typingState is a cleared or expired typing entry that still needs a
// userStoppedTyping broadcast.
type typingState struct {
	room     string
	identity chat.Identity
	connID   string
}

// typingTracker owns who-is-typing state per (room, user). Entries expire
// server-side so a vanished client cannot leave a stale indicator behind.
type typingTracker struct {
	mu      sync.Mutex
	timeout time.Duration
	entries map[typingKey]typingEntry
}

func newTypingTracker(timeout time.Duration) *typingTracker {
	return &typingTracker{
		timeout: timeout,
		entries: make(map[typingKey]typingEntry),
	}
}

// start records or refreshes an entry and reports whether it is new.
func (t *typingTracker) start(roomID string, id chat.Identity, connID string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := typingKey{room: roomID, userID: id.UserID}
	_, existed := t.entries[key]
	t.entries[key] = typingEntry{identity: id, connID: connID, expires: now.Add(t.timeout)}
	return !existed
}

// stop removes the user's entry and reports whether one was present.
func (t *typingTracker) stop(roomID, userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := typingKey{room: roomID, userID: userID}
	if _, ok := t.entries[key]; !ok {
		return false
	}
	delete(t.entries, key)
	return true
}

// stopConn removes the user's entry only when connID set it, so one
// connection leaving does not clear typing started on another.
func (t *typingTracker) stopConn(roomID, userID, connID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := typingKey{room: roomID, userID: userID}
	if entry, ok := t.entries[key]; !ok || entry.connID != connID {
		return false
	}
	delete(t.entries, key)
	return true
}

// expire removes entries whose deadline has passed.
func (t *typingTracker) expire(now time.Time) []typingState {
	t.mu.Lock()
	defer t.mu.Unlock()
	var expired []typingState
	for key, entry := range t.entries {
		if !now.Before(entry.expires) {
			delete(t.entries, key)
			expired = append(expired, typingState{room: key.room, identity: entry.identity, connID: entry.connID})
		}
	}
	return expired
}

// clearConn removes entries set by connID in the given rooms.
func (t *typingTracker) clearConn(connID string, rooms []string) []typingState {
	t.mu.Lock()
	defer t.mu.Unlock()
	var cleared []typingState
	for _, roomID := range rooms {
		for key, entry := range t.entries {
			if key.room == roomID && entry.connID == connID {
				delete(t.entries, key)
				cleared = append(cleared, typingState{room: roomID, identity: entry.identity, connID: connID})
			}
		}
	}
	return cleared
}
