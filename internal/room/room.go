package room

import (
	"log"
	"sort"
	"sync"
	"time"

	"github.com/manpreetbhatti/coderoom/internal/protocol"
)

const (
	DefaultCode     = "// Start collaborating…"
	DefaultLanguage = "javascript"
)

// Peer is a connection that can join a room.
type Peer interface {
	ID() string
	// Send enqueues a frame without blocking and reports whether it was accepted.
	Send(msg []byte) bool
	// Close tears the connection down. It must not block.
	Close()
}

type participant struct {
	peer Peer
	name string
	seq  uint64
}

// A live collaborative editing session. All state is guarded by mu and every
// fan-out happens while mu is held, so members observe one room's events in
// the order they were applied.
type Room struct {
	ID        string
	CreatedAt time.Time

	mu           sync.Mutex
	code         string
	language     string
	participants map[string]*participant
	nextSeq      uint64
	peak         int
	closed       bool
}

// Creates a room holding the default document
func NewRoom(id string) *Room {
	return &Room{
		ID:           id,
		CreatedAt:    time.Now(),
		code:         DefaultCode,
		language:     DefaultLanguage,
		participants: make(map[string]*participant),
	}
}

// Adds peer under name, broadcasts the new presence list to everyone in the
// room and returns the state as of the join.
func (r *Room) Join(peer Peer, name string) (protocol.Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return protocol.Snapshot{}, ErrNotFound
	}

	if p, ok := r.participants[peer.ID()]; ok {
		p.name = name
	} else {
		r.nextSeq++
		r.participants[peer.ID()] = &participant{peer: peer, name: name, seq: r.nextSeq}
	}
	if len(r.participants) > r.peak {
		r.peak = len(r.participants)
	}

	users := r.usersLocked()
	r.broadcastLocked(protocol.EventPresence, users, "")

	return protocol.Snapshot{
		Code:     r.code,
		Language: r.language,
		Users:    users,
	}, nil
}

// LeaveResult describes what a Leave call changed.
type LeaveResult struct {
	Removed bool
	// Closed is set when the last participant left; the room is dead.
	Closed bool
	// Peak is the largest participant count the room reached. Set on close.
	Peak int
}

// Removes the participant. The last one out closes the room; otherwise the
// remaining members get the new presence list.
func (r *Room) Leave(connID string) LeaveResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.participants[connID]; !ok {
		return LeaveResult{}
	}
	delete(r.participants, connID)

	if len(r.participants) == 0 {
		r.closed = true
		return LeaveResult{Removed: true, Closed: true, Peak: r.peak}
	}

	r.broadcastLocked(protocol.EventPresence, r.usersLocked(), "")
	return LeaveResult{Removed: true}
}

// Replaces the document and relays it to every participant except the sender.
// Concurrent writers race; whichever is applied last wins.
func (r *Room) SetCode(senderID, code string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return false
	}
	r.code = code
	r.broadcastLocked(protocol.EventCodeChange, protocol.CodeUpdate{Code: code}, senderID)
	return true
}

// Replaces the language and relays it to every participant, sender included.
func (r *Room) SetLanguage(language string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return false
	}
	r.language = language
	r.broadcastLocked(protocol.EventLanguageChange, protocol.LanguageUpdate{Language: language}, "")
	return true
}

// Publishes a server event to every participant except exclude (empty for
// all). Reports how many participants accepted the frame.
func (r *Room) Publish(event string, payload any, exclude string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return 0
	}
	return r.broadcastLocked(event, payload, exclude)
}

// Returns the participant's display name in this room.
func (r *Room) DisplayName(connID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.participants[connID]
	if !ok {
		return "", false
	}
	return p.name, true
}

// Returns the current state without joining.
func (r *Room) Snapshot() protocol.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	return protocol.Snapshot{
		Code:     r.code,
		Language: r.language,
		Users:    r.usersLocked(),
	}
}

// Closes the room if nobody ever joined it. Rooms lose their last
// participant through Leave, so an empty live room was never joined.
func (r *Room) closeIfEmpty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed || len(r.participants) > 0 {
		return false
	}
	r.closed = true
	return true
}

// Returns the largest participant count the room has reached.
func (r *Room) Peak() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.peak
}

func (r *Room) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Display names in join order.
func (r *Room) usersLocked() []string {
	ps := make([]*participant, 0, len(r.participants))
	for _, p := range r.participants {
		ps = append(ps, p)
	}
	sort.Slice(ps, func(i, j int) bool { return ps[i].seq < ps[j].seq })

	users := make([]string, len(ps))
	for i, p := range ps {
		users[i] = p.name
	}
	return users
}

// Delivery is best effort. A participant whose buffer is full is closed; its
// connection teardown removes it from the room.
func (r *Room) broadcastLocked(event string, payload any, exclude string) int {
	msg, err := protocol.Encode(event, "", payload)
	if err != nil {
		log.Printf("Room %s: %v", r.ID, err)
		return 0
	}

	sent := 0
	for id, p := range r.participants {
		if id == exclude {
			continue
		}
		if p.peer.Send(msg) {
			sent++
			continue
		}
		log.Printf("⚠️ Dropping slow connection %s in room %s", id, r.ID)
		p.peer.Close()
	}
	return sent
}
