// Package room holds the in-memory state of live collaboration rooms.
package room

import (
	"crypto/rand"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/manpreetbhatti/coderoom/internal/protocol"
)

// ErrNotFound is returned when a room id has no live room.
var ErrNotFound = errors.New("room not found")

const (
	idLength   = 8
	idAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	idAttempts = 10
)

// Store maps room ids to live rooms. The store lock only guards the map;
// each room serializes its own mutations.
type Store struct {
	mu    sync.RWMutex
	rooms map[string]*Room
	newID func() (string, error)
}

func NewStore() *Store {
	return &Store{
		rooms: make(map[string]*Room),
		newID: NewID,
	}
}

// Create allocates a room with a fresh id and the default document.
func (s *Store) Create() (*Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := 0; i < idAttempts; i++ {
		id, err := s.newID()
		if err != nil {
			return nil, fmt.Errorf("generate room id: %w", err)
		}
		if _, taken := s.rooms[id]; taken {
			continue
		}
		r := NewRoom(id)
		s.rooms[id] = r
		return r, nil
	}
	return nil, fmt.Errorf("generate room id: %d collisions in a row", idAttempts)
}

// Get returns the live room for id.
func (s *Store) Get(id string) (*Room, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.rooms[id]
	return r, ok
}

// Join adds peer to the live room id. A room that closed between lookup and
// join is reported as ErrNotFound.
func (s *Store) Join(id string, peer Peer, name string) (*Room, protocol.Snapshot, error) {
	r, ok := s.Get(id)
	if !ok {
		return nil, protocol.Snapshot{}, ErrNotFound
	}
	snap, err := r.Join(peer, name)
	if err != nil {
		return nil, protocol.Snapshot{}, err
	}
	return r, snap, nil
}

// Leave removes connID from the room and deletes the room once it is empty.
func (s *Store) Leave(id, connID string) LeaveResult {
	r, ok := s.Get(id)
	if !ok {
		return LeaveResult{}
	}

	res := r.Leave(connID)
	if res.Closed {
		s.mu.Lock()
		if s.rooms[id] == r {
			delete(s.rooms, id)
		}
		s.mu.Unlock()
	}
	return res
}

// ReapUnjoined deletes rooms created before cutoff that nobody joined and
// returns their ids.
func (s *Store) ReapUnjoined(cutoff time.Time) []string {
	var reaped []string
	for _, r := range s.Rooms() {
		if !r.CreatedAt.Before(cutoff) || !r.closeIfEmpty() {
			continue
		}
		s.mu.Lock()
		if s.rooms[r.ID] == r {
			delete(s.rooms, r.ID)
		}
		s.mu.Unlock()
		reaped = append(reaped, r.ID)
	}
	return reaped
}

// Count returns the number of live rooms.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rooms)
}

// Rooms returns the live rooms ordered by creation time.
func (s *Store) Rooms() []*Room {
	s.mu.RLock()
	rooms := make([]*Room, 0, len(s.rooms))
	for _, r := range s.rooms {
		rooms = append(rooms, r)
	}
	s.mu.RUnlock()

	sort.Slice(rooms, func(i, j int) bool {
		if rooms[i].CreatedAt.Equal(rooms[j].CreatedAt) {
			return rooms[i].ID < rooms[j].ID
		}
		return rooms[i].CreatedAt.Before(rooms[j].CreatedAt)
	})
	return rooms
}

// NewID returns a random lowercase alphanumeric room id.
func NewID() (string, error) {
	// 252 is the largest multiple of 36 below 256; higher bytes are rejected
	// to keep the distribution uniform.
	const limit = 252

	out := make([]byte, 0, idLength)
	buf := make([]byte, idLength*2)
	for len(out) < idLength {
		if _, err := rand.Read(buf); err != nil {
			return "", err
		}
		for _, b := range buf {
			if b >= limit {
				continue
			}
			out = append(out, idAlphabet[int(b)%len(idAlphabet)])
			if len(out) == idLength {
				break
			}
		}
	}
	return string(out), nil
}
