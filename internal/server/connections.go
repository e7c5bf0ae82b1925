package server

import "sync"

// connectionTable maps connection ids to live clients. Presence updates are
// fanned out to every entry.
type connectionTable struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

func newConnectionTable() *connectionTable {
	return &connectionTable{clients: make(map[string]*Client)}
}

func (t *connectionTable) add(c *Client) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.clients[c.id] = c
	return len(t.clients)
}

// remove reports whether c was present, so cleanup runs exactly once.
func (t *connectionTable) remove(c *Client) (bool, int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.clients[c.id]; !ok || existing != c {
		return false, len(t.clients)
	}
	delete(t.clients, c.id)
	return true, len(t.clients)
}

func (t *connectionTable) snapshot() []*Client {
	t.mu.RLock()
	defer t.mu.RUnlock()
	clients := make([]*Client, 0, len(t.clients))
	for _, c := range t.clients {
		clients = append(clients, c)
	}
	return clients
}

func (t *connectionTable) len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.clients)
}
