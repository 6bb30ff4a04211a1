package ws

import (
	"errors"
	"log"
	"strings"

	"github.com/manpreetbhatti/coderoom/internal/protocol"
	"github.com/manpreetbhatti/coderoom/internal/room"
)

func (h *Hub) createRoom(s *Session, env *protocol.Envelope) {
	r, err := h.rooms.Create()
	if err != nil {
		log.Printf("Failed to create room for client %s: %v", s.ID(), err)
		h.reply(s, protocol.EventError, env.ID, protocol.ErrorNotice{Event: env.Type, Error: "Failed to create room"})
		return
	}
	log.Printf("Room %s created by client %s", r.ID, s.ID())

	h.reply(s, protocol.EventAck, env.ID, protocol.CreateRoomAck{RoomID: r.ID})

	if h.history != nil {
		if err := h.history.RecordRoomCreated(r.ID, r.CreatedAt); err != nil {
			log.Printf("History: failed to record room %s: %v", r.ID, err)
		}
	}
}

// joinRoom answers with the state at the moment of joining. The presence
// broadcast triggered by the join reaches the joiner before this ack.
func (h *Hub) joinRoom(s *Session, env *protocol.Envelope) {
	var req protocol.JoinRoom
	if err := env.Bind(&req); err != nil {
		h.reply(s, protocol.EventAck, env.ID, protocol.JoinAck{OK: false, Error: err.Error()})
		return
	}

	name := strings.TrimSpace(req.DisplayName)
	if name == "" {
		_, name = s.identity()
	}
	if name == "" {
		name = anonymousName
	}

	_, snap, err := h.rooms.Join(req.RoomID, s.peer, name)
	if errors.Is(err, room.ErrNotFound) {
		h.reply(s, protocol.EventAck, env.ID, protocol.JoinAck{OK: false, Error: roomNotFound})
		return
	}
	if err != nil {
		log.Printf("Client %s failed to join room %s: %v", s.ID(), req.RoomID, err)
		h.reply(s, protocol.EventAck, env.ID, protocol.JoinAck{OK: false, Error: err.Error()})
		return
	}

	s.mu.Lock()
	s.rooms[req.RoomID] = struct{}{}
	s.mu.Unlock()

	log.Printf("Client %s joined room %s (total: %d)", s.ID(), req.RoomID, len(snap.Users))
	h.reply(s, protocol.EventAck, env.ID, protocol.JoinAck{OK: true, State: &snap})
}

func (h *Hub) leaveRoom(s *Session, env *protocol.Envelope) {
	var req protocol.LeaveRoom
	if err := env.Bind(&req); err != nil {
		h.rejectMalformed(s, env, err)
		return
	}
	h.leave(s, req.RoomID)
}

func (h *Hub) leave(s *Session, roomID string) {
	s.mu.Lock()
	delete(s.rooms, roomID)
	s.mu.Unlock()

	res := h.rooms.Leave(roomID, s.ID())
	if !res.Removed {
		return
	}
	if res.Closed {
		h.recordClosed(roomID, res.Peak)
		return
	}
	log.Printf("Client %s left room %s", s.ID(), roomID)
}

// codeChange applies a full-document replacement. A missing room is not an
// error: edits racing a disconnect are expected.
func (h *Hub) codeChange(s *Session, env *protocol.Envelope) {
	var req protocol.CodeChange
	if err := env.Bind(&req); err != nil {
		h.rejectMalformed(s, env, err)
		return
	}

	r, ok := h.rooms.Get(req.RoomID)
	if !ok {
		return
	}
	r.SetCode(s.ID(), *req.Code)
}

func (h *Hub) languageChange(s *Session, env *protocol.Envelope) {
	var req protocol.LanguageChange
	if err := env.Bind(&req); err != nil {
		h.rejectMalformed(s, env, err)
		return
	}

	r, ok := h.rooms.Get(req.RoomID)
	if !ok {
		return
	}
	r.SetLanguage(req.Language)
}
