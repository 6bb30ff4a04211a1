package ws

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/manpreetbhatti/coderoom/internal/db"
	"github.com/manpreetbhatti/coderoom/internal/execution"
	"github.com/manpreetbhatti/coderoom/internal/protocol"
	"github.com/manpreetbhatti/coderoom/internal/registry"
	"github.com/manpreetbhatti/coderoom/internal/room"
)

const (
	anonymousName = "Anonymous"
	roomNotFound  = "Room not found"
)

// History records room activity. Writes happen outside room locks and a
// failed write is logged, never surfaced to clients.
type History interface {
	RecordRoomCreated(id string, at time.Time) error
	RecordRoomClosed(id string, peak int, at time.Time) error
	RecordRun(run db.Run) (int64, error)
}

// Hub coordinates every open connection: identities, room membership, and
// the events relayed between room members. Rooms are locked individually so
// traffic in one room never waits on another.
type Hub struct {
	rooms    *room.Store
	registry *registry.Registry
	runner   execution.Runner
	history  History
	now      func() time.Time

	// Base context for executor calls; cancelled only on shutdown.
	ctx    context.Context
	cancel context.CancelFunc
	runs   sync.WaitGroup

	clients atomic.Int64
}

// NewHub builds a coordinator. history may be nil.
func NewHub(runner execution.Runner, history History) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		rooms:    room.NewStore(),
		registry: registry.New(),
		runner:   runner,
		history:  history,
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Session is the hub's view of one open connection.
type Session struct {
	peer room.Peer

	mu          sync.Mutex
	userID      string
	displayName string
	rooms       map[string]struct{}
}

func (s *Session) ID() string {
	return s.peer.ID()
}

func (s *Session) identity() (userID, displayName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID, s.displayName
}

func (s *Session) joined() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.rooms))
	for id := range s.rooms {
		ids = append(ids, id)
	}
	return ids
}

// Connect starts tracking a newly opened connection.
func (h *Hub) Connect(peer room.Peer) *Session {
	h.clients.Add(1)
	return &Session{
		peer:  peer,
		rooms: make(map[string]struct{}),
	}
}

// Disconnect leaves every room the connection joined and drops it from the
// identity registry.
func (h *Hub) Disconnect(s *Session) {
	for _, id := range s.joined() {
		h.leave(s, id)
	}

	if userID, _ := s.identity(); userID != "" {
		h.registry.Remove(userID, s.ID())
	}
	h.clients.Add(-1)
}

// Handle decodes one client frame and applies it. Frames from a single
// connection must be handled in arrival order, one at a time.
func (h *Hub) Handle(s *Session, frame []byte) {
	env, err := protocol.Decode(frame)
	if err != nil {
		log.Printf("⚠️ Invalid message from client %s: %v", s.ID(), err)
		h.reply(s, protocol.EventError, "", protocol.ErrorNotice{Error: err.Error()})
		return
	}

	switch env.Type {
	case protocol.EventRegisterIdentity:
		h.registerIdentity(s, env)
	case protocol.EventCreateRoom:
		h.createRoom(s, env)
	case protocol.EventJoinRoom:
		h.joinRoom(s, env)
	case protocol.EventLeaveRoom:
		h.leaveRoom(s, env)
	case protocol.EventCodeChange:
		h.codeChange(s, env)
	case protocol.EventLanguageChange:
		h.languageChange(s, env)
	case protocol.EventChatMessage:
		h.chatMessage(s, env)
	case protocol.EventInvite:
		h.invite(s, env)
	case protocol.EventRunCode:
		h.runCode(s, env)
	}
}

func (h *Hub) registerIdentity(s *Session, env *protocol.Envelope) {
	var req protocol.RegisterIdentity
	if err := env.Bind(&req); err != nil {
		h.rejectMalformed(s, env, err)
		return
	}

	userID := string(req.UserID)

	s.mu.Lock()
	previous := s.userID
	s.userID = userID
	s.displayName = req.DisplayName
	s.mu.Unlock()

	if previous != "" && previous != userID {
		h.registry.Remove(previous, s.ID())
	}
	h.registry.Add(userID, s.peer)
}

// Shutdown cancels in-flight executor calls and waits for their broadcasts
// to finish or for ctx to expire.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.cancel()

	done := make(chan struct{})
	go func() {
		h.runs.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Hub) reply(s *Session, event, id string, payload any) {
	msg, err := protocol.Encode(event, id, payload)
	if err != nil {
		log.Printf("Failed to encode %s for client %s: %v", event, s.ID(), err)
		return
	}
	if !s.peer.Send(msg) {
		log.Printf("⚠️ Could not deliver %s to client %s", event, s.ID())
	}
}

func (h *Hub) rejectMalformed(s *Session, env *protocol.Envelope, err error) {
	log.Printf("⚠️ Rejected %s from client %s: %v", env.Type, s.ID(), err)
	h.reply(s, protocol.EventError, env.ID, protocol.ErrorNotice{Event: env.Type, Error: err.Error()})
}

func (h *Hub) recordClosed(id string, peak int) {
	log.Printf("Room %s closed (empty)", id)
	if h.history == nil {
		return
	}
	if err := h.history.RecordRoomClosed(id, peak, h.now()); err != nil {
		log.Printf("History: failed to record close of room %s: %v", id, err)
	}
}

// ReapUnjoinedRooms deletes rooms that were created but not joined within
// grace of their creation.
func (h *Hub) ReapUnjoinedRooms(grace time.Duration) int {
	reaped := h.rooms.ReapUnjoined(h.now().Add(-grace))
	for _, id := range reaped {
		h.recordClosed(id, 0)
	}
	return len(reaped)
}

// Stats

// RoomSummary describes a live room for the REST surface.
type RoomSummary struct {
	ID           string    `json:"id"`
	Language     string    `json:"language"`
	Participants int       `json:"participants"`
	Users        []string  `json:"users"`
	CreatedAt    time.Time `json:"created_at"`
}

func summarize(r *room.Room) RoomSummary {
	snap := r.Snapshot()
	return RoomSummary{
		ID:           r.ID,
		Language:     snap.Language,
		Participants: len(snap.Users),
		Users:        snap.Users,
		CreatedAt:    r.CreatedAt,
	}
}

func (h *Hub) GetRoomCount() int {
	return h.rooms.Count()
}

func (h *Hub) GetClientCount() int {
	return int(h.clients.Load())
}

func (h *Hub) GetUserCount() int {
	return h.registry.UserCount()
}

// GetActiveRooms lists the live rooms, oldest first.
func (h *Hub) GetActiveRooms() []RoomSummary {
	rooms := h.rooms.Rooms()
	out := make([]RoomSummary, 0, len(rooms))
	for _, r := range rooms {
		out = append(out, summarize(r))
	}
	return out
}

func (h *Hub) GetRoom(id string) (RoomSummary, bool) {
	r, ok := h.rooms.Get(id)
	if !ok {
		return RoomSummary{}, false
	}
	return summarize(r), true
}
