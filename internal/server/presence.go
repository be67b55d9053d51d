// Package server tracks which users are currently reachable. The Registry is
// the single piece of mutable shared state in the real-time core; every
// mutation is serialized behind one mutex.
package server

import (
	"sort"
	"sync"
	"time"
)

// PresenceInfo is a point-in-time view of one connected user, as returned by
// Snapshot.
type PresenceInfo struct {
	UserID      int64     `json:"userId"`
	Username    string    `json:"username"`
	Role        string    `json:"role"`
	Connections int       `json:"connections"`
	ConnectedAt time.Time `json:"connectedAt"`
}

// presenceEntry exists for a user exactly while at least one live connection
// for that user exists.
type presenceEntry struct {
	userID      int64
	username    string
	role        string
	connectedAt time.Time
	conns       map[string]*Client // keyed by connection handle
}

// Registry maps connected user identities to their live connection handles.
// A user may hold several simultaneous connections; deregistration removes
// one handle at a time so a second device never masks the first's
// disconnect.
type Registry struct {
	mu      sync.RWMutex
	entries map[int64]*presenceEntry
	clients map[*Client]struct{}
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[int64]*presenceEntry),
		clients: make(map[*Client]struct{}),
	}
}

// Register records a connection for its user, creating the presence entry on
// the user's first handle. Returns whether this was the first handle.
func (r *Registry) Register(c *Client) (first bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c.closed = false
	r.clients[c] = struct{}{}

	entry, ok := r.entries[c.identity.ID]
	if !ok {
		entry = &presenceEntry{
			userID:      c.identity.ID,
			username:    c.identity.Username,
			role:        c.identity.Role,
			connectedAt: c.connectedAt,
			conns:       make(map[string]*Client),
		}
		r.entries[c.identity.ID] = entry
	}
	entry.conns[c.handle] = c
	return !ok
}

// Deregister removes exactly the given connection. The presence entry goes
// away with the user's last handle. Deregistering an unknown handle is a
// no-op so disconnect races stay harmless.
func (r *Registry) Deregister(c *Client) (last, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, registered := r.clients[c]; !registered {
		return false, false
	}
	delete(r.clients, c)
	c.closed = true

	entry, exists := r.entries[c.identity.ID]
	if exists {
		delete(entry.conns, c.handle)
		if len(entry.conns) == 0 {
			delete(r.entries, c.identity.ID)
			last = true
		}
	}
	return last, true
}

// Resolve returns the live connections for a user. The returned slice is a
// copy; an offline user yields an empty result, never an error.
func (r *Registry) Resolve(userID int64) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.entries[userID]
	if !ok {
		return nil
	}
	conns := make([]*Client, 0, len(entry.conns))
	for _, c := range entry.conns {
		conns = append(conns, c)
	}
	return conns
}

// Snapshot returns a point-in-time copy of every presence entry, ordered by
// username for stable diagnostics output.
func (r *Registry) Snapshot() []PresenceInfo {
	r.mu.RLock()
	infos := make([]PresenceInfo, 0, len(r.entries))
	for _, entry := range r.entries {
		infos = append(infos, PresenceInfo{
			UserID:      entry.userID,
			Username:    entry.username,
			Role:        entry.role,
			Connections: len(entry.conns),
			ConnectedAt: entry.connectedAt,
		})
	}
	r.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool {
		if infos[i].Username != infos[j].Username {
			return infos[i].Username < infos[j].Username
		}
		return infos[i].UserID < infos[j].UserID
	})
	return infos
}

// AllClients returns a snapshot of every registered connection.
func (r *Registry) AllClients() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	clients := make([]*Client, 0, len(r.clients))
	for c := range r.clients {
		clients = append(clients, c)
	}
	return clients
}

// Len reports the number of registered connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}
