package server

import (
	"sort"
	"sync"
	"sync/atomic"
)

// roomMembership indexes room -> connections and connection -> rooms.
// Each room's member set has its own lock; the index locks only guard map
// lookups so unrelated rooms never contend.
type roomMembership struct {
	mu    sync.Mutex
	rooms map[string]*room

	connMu sync.Mutex
	byConn map[string]map[string]struct{}
}

type room struct {
	id      string
	mu      sync.RWMutex
	members map[string]*Client
	deleted atomic.Bool
}

func newRoomMembership() *roomMembership {
	return &roomMembership{
		rooms:  make(map[string]*room),
		byConn: make(map[string]map[string]struct{}),
	}
}

func (m *roomMembership) getOrCreate(roomID string) *room {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[roomID]
	if !ok || r.deleted.Load() {
		r = &room{id: roomID, members: make(map[string]*Client)}
		m.rooms[roomID] = r
	}
	return r
}

func (m *roomMembership) get(roomID string) *room {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rooms[roomID]
}

// join adds c to the room. It reports whether membership changed and returns
// the member snapshot taken under the room lock, including c.
func (m *roomMembership) join(c *Client, roomID string) (bool, []*Client) {
	for {
		r := m.getOrCreate(roomID)
		r.mu.Lock()
		if r.deleted.Load() {
			r.mu.Unlock()
			continue
		}
		_, exists := r.members[c.id]
		if !exists {
			r.members[c.id] = c
		}
		members := r.snapshotLocked()
		r.mu.Unlock()

		if !exists {
			m.connMu.Lock()
			joined, ok := m.byConn[c.id]
			if !ok {
				joined = make(map[string]struct{})
				m.byConn[c.id] = joined
			}
			joined[roomID] = struct{}{}
			m.connMu.Unlock()
		}
		return !exists, members
	}
}

// leave removes c from the room. It reports whether c was a member and
// returns the remaining members.
func (m *roomMembership) leave(c *Client, roomID string) (bool, []*Client) {
	r := m.get(roomID)
	if r == nil {
		return false, nil
	}

	r.mu.Lock()
	if _, ok := r.members[c.id]; !ok {
		r.mu.Unlock()
		return false, nil
	}
	delete(r.members, c.id)
	remaining := r.snapshotLocked()
	empty := len(r.members) == 0
	if empty {
		r.deleted.Store(true)
	}
	r.mu.Unlock()

	if empty {
		m.mu.Lock()
		if m.rooms[roomID] == r {
			delete(m.rooms, roomID)
		}
		m.mu.Unlock()
	}

	m.connMu.Lock()
	if joined, ok := m.byConn[c.id]; ok {
		delete(joined, roomID)
		if len(joined) == 0 {
			delete(m.byConn, c.id)
		}
	}
	m.connMu.Unlock()

	return true, remaining
}

// roomsOf returns the rooms c currently belongs to, sorted for stable output.
func (m *roomMembership) roomsOf(connID string) []string {
	m.connMu.Lock()
	defer m.connMu.Unlock()
	rooms := make([]string, 0, len(m.byConn[connID]))
	for roomID := range m.byConn[connID] {
		rooms = append(rooms, roomID)
	}
	sort.Strings(rooms)
	return rooms
}

func (m *roomMembership) members(roomID string) []*Client {
	r := m.get(roomID)
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshotLocked()
}

func (m *roomMembership) isMember(roomID, connID string) bool {
	r := m.get(roomID)
	if r == nil {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.members[connID]
	return ok
}

func (r *room) snapshotLocked() []*Client {
	members := make([]*Client, 0, len(r.members))
	for _, c := range r.members {
		members = append(members, c)
	}
	return members
}
