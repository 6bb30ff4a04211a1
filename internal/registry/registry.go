// Package registry tracks which connections are currently open for each user
// identity. One identity may hold many connections (tabs, devices).
package registry

import (
	"sort"
	"sync"
)

// Peer is a connection that can receive a pre-encoded frame.
type Peer interface {
	ID() string
	Send(msg []byte) bool
}

// Registry is a multimap from user id to the peers registered for it.
type Registry struct {
	mu    sync.RWMutex
	users map[string]map[string]Peer
}

func New() *Registry {
	return &Registry{
		users: make(map[string]map[string]Peer),
	}
}

// Add registers peer under userID. The entry is created on first use.
func (r *Registry) Add(userID string, peer Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	peers, ok := r.users[userID]
	if !ok {
		peers = make(map[string]Peer)
		r.users[userID] = peers
	}
	peers[peer.ID()] = peer
}

// Remove unregisters the connection and prunes the identity once it has no
// connections left. Reports whether the connection was registered.
func (r *Registry) Remove(userID, connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	peers, ok := r.users[userID]
	if !ok {
		return false
	}
	if _, ok := peers[connID]; !ok {
		return false
	}
	delete(peers, connID)
	if len(peers) == 0 {
		delete(r.users, userID)
	}
	return true
}

// Peers returns a copy of the peers registered for userID.
func (r *Registry) Peers(userID string) []Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	peers := r.users[userID]
	if len(peers) == 0 {
		return nil
	}
	out := make([]Peer, 0, len(peers))
	for _, p := range peers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Deliver sends msg to every connection of userID and returns how many peers
// accepted it. Zero means the identity is unroutable.
func (r *Registry) Deliver(userID string, msg []byte) int {
	delivered := 0
	for _, p := range r.Peers(userID) {
		if p.Send(msg) {
			delivered++
		}
	}
	return delivered
}

// Connections returns the number of connections registered for userID.
func (r *Registry) Connections(userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users[userID])
}

// UserCount returns the number of identities with at least one connection.
func (r *Registry) UserCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users)
}
