package ws

import (
	"log"
	"time"

	"github.com/manpreetbhatti/coderoom/internal/db"
	"github.com/manpreetbhatti/coderoom/internal/execution"
	"github.com/manpreetbhatti/coderoom/internal/protocol"
	"github.com/manpreetbhatti/coderoom/internal/room"
)

// runCode hands the request to the executor without blocking the sender's
// other events. The single result goes to the whole room.
func (h *Hub) runCode(s *Session, env *protocol.Envelope) {
	var req protocol.RunCode
	if err := env.Bind(&req); err != nil {
		h.rejectMalformed(s, env, err)
		return
	}

	r, ok := h.rooms.Get(req.RoomID)
	if !ok {
		h.reply(s, protocol.EventError, env.ID, protocol.ErrorNotice{Event: env.Type, Error: roomNotFound})
		return
	}

	h.runs.Add(1)
	go func() {
		defer h.runs.Done()
		h.execute(r, req)
	}()
}

// execute does not observe the requester's disconnect. If the room emptied
// while the call was pending the broadcast reaches nobody.
func (h *Hub) execute(r *room.Room, req protocol.RunCode) {
	started := h.now()
	res, err := h.runner.Run(h.ctx, execution.Request{
		Code:     req.Code,
		Language: req.Language,
		Stdin:    req.Stdin,
	})

	run := db.Run{
		RoomID:     r.ID,
		Language:   req.Language,
		LanguageID: execution.LanguageID(req.Language),
		CreatedAt:  started,
	}

	var output string
	if err != nil {
		log.Printf("Execution for room %s failed: %v", r.ID, err)
		output = execution.FailureOutput
		run.Status = "failed"
		run.Duration = time.Since(started)
	} else {
		output = res.Output()
		run.Status = res.Status
		run.Succeeded = res.Accepted()
		run.Duration = res.Duration
	}
	run.Output = output

	r.Publish(protocol.EventRunResult, protocol.RunResult{Output: output}, "")

	if h.history != nil {
		if _, err := h.history.RecordRun(run); err != nil {
			log.Printf("History: failed to record run for room %s: %v", r.ID, err)
		}
	}
}
