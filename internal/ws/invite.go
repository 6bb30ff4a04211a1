package ws

import (
	"log"

	"github.com/manpreetbhatti/coderoom/internal/protocol"
)

// invite notifies every open connection of the target identity. Delivery is
// at most once; an identity with no connections silently drops the invite.
func (h *Hub) invite(s *Session, env *protocol.Envelope) {
	var req protocol.Invite
	if err := env.Bind(&req); err != nil {
		h.rejectMalformed(s, env, err)
		return
	}

	from := req.FromDisplayName
	if from == "" {
		_, from = s.identity()
	}

	msg, err := protocol.Encode(protocol.EventInvite, "", protocol.InviteNotice{
		FromDisplayName: from,
		RoomID:          req.RoomID,
		Timestamp:       h.now().UTC(),
	})
	if err != nil {
		log.Printf("Failed to encode invite: %v", err)
		return
	}

	delivered := h.registry.Deliver(string(req.ToUserID), msg)
	if delivered == 0 {
		log.Printf("Invite to user %s for room %s dropped: no active connections", req.ToUserID, req.RoomID)
		return
	}
	log.Printf("Invite to user %s for room %s delivered to %d connection(s)", req.ToUserID, req.RoomID, delivered)
}
