package server

import (
	"sort"
	"sync"

	"github.com/Tyrowin/roomchat/internal/chat"
)

// PresenceEntry describes one online user.
type PresenceEntry struct {
	UserID      string              `json:"userId"`
	Username    string              `json:"username"`
	Status      chat.PresenceStatus `json:"status"`
	Connections int                 `json:"connections"`
}

// presenceTable reference-counts live connections per user. A user is online
// iff the count is positive.
type presenceTable struct {
	mu    sync.Mutex
	users map[string]*presenceCount
}

type presenceCount struct {
	username string
	conns    int
}

func newPresenceTable() *presenceTable {
	return &presenceTable{users: make(map[string]*presenceCount)}
}

// connect increments the user's count and reports a 0 -> 1 transition.
func (p *presenceTable) connect(id chat.Identity) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.users[id.UserID]
	if !ok {
		entry = &presenceCount{}
		p.users[id.UserID] = entry
	}
	entry.username = id.Username
	entry.conns++
	return entry.conns == 1
}

// disconnect decrements the user's count and reports a transition to 0.
func (p *presenceTable) disconnect(id chat.Identity) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.users[id.UserID]
	if !ok {
		return false
	}
	entry.conns--
	if entry.conns > 0 {
		return false
	}
	delete(p.users, id.UserID)
	return true
}

func (p *presenceTable) status(userID string) chat.PresenceStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.users[userID]; ok {
		return chat.StatusOnline
	}
	return chat.StatusOffline
}

func (p *presenceTable) snapshot() []PresenceEntry {
	p.mu.Lock()
	entries := make([]PresenceEntry, 0, len(p.users))
	for userID, entry := range p.users {
		entries = append(entries, PresenceEntry{
			UserID:      userID,
			Username:    entry.username,
			Status:      chat.StatusOnline,
			Connections: entry.conns,
		})
	}
	p.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].Username < entries[j].Username })
	return entries
}
