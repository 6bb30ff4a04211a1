package ws

import (
	"github.com/manpreetbhatti/coderoom/internal/protocol"
)

// chatMessage relays a transient message to every room member, the sender
// included. Nothing is stored.
func (h *Hub) chatMessage(s *Session, env *protocol.Envelope) {
	var req protocol.ChatSend
	if err := env.Bind(&req); err != nil {
		h.rejectMalformed(s, env, err)
		return
	}

	r, ok := h.rooms.Get(req.RoomID)
	if !ok {
		return
	}

	name, ok := r.DisplayName(s.ID())
	if !ok {
		_, name = s.identity()
	}
	if name == "" {
		name = anonymousName
	}

	r.Publish(protocol.EventChatMessage, protocol.ChatMessage{
		DisplayName: name,
		Text:        req.Text,
		Timestamp:   h.now().UTC(),
	}, "")
}
