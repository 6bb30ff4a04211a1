package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manpreetbhatti/coderoom/internal/db"
	"github.com/manpreetbhatti/coderoom/internal/execution"
	"github.com/manpreetbhatti/coderoom/internal/protocol"
	"github.com/manpreetbhatti/coderoom/internal/room"
)

// Stands in for a websocket client and records every frame it is sent
type MockClient struct {
	id       string
	mu       sync.Mutex
	received []protocol.Envelope
	closed   bool
}

func NewMockClient(id string) *MockClient {
	return &MockClient{id: id}
}

func (m *MockClient) ID() string { return m.id }

func (m *MockClient) Send(msg []byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	var env protocol.Envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		panic(err)
	}
	m.received = append(m.received, env)
	return true
}

func (m *MockClient) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
}

func (m *MockClient) GetReceived(typ string) []protocol.Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []protocol.Envelope
	for _, env := range m.received {
		if env.Type == typ {
			out = append(out, env)
		}
	}
	return out
}

func (m *MockClient) Total() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.received)
}

type fakeRunner struct {
	mu      sync.Mutex
	calls   []execution.Request
	result  *execution.Result
	err     error
	release chan struct{}
}

func (f *fakeRunner) Run(ctx context.Context, req execution.Request) (*execution.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	release := f.release
	f.mu.Unlock()

	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", execution.ErrExecution, ctx.Err())
		}
	}
	return f.result, f.err
}

type fakeHistory struct {
	mu      sync.Mutex
	created []string
	closed  map[string]int
	runs    []db.Run
}

func newFakeHistory() *fakeHistory {
	return &fakeHistory{closed: make(map[string]int)}
}

func (f *fakeHistory) RecordRoomCreated(id string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, id)
	return nil
}

func (f *fakeHistory) RecordRoomClosed(id string, peak int, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed[id] = peak
	return nil
}

func (f *fakeHistory) RecordRun(run db.Run) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, run)
	return int64(len(f.runs)), nil
}

func (f *fakeHistory) runCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.runs)
}

type harness struct {
	t       *testing.T
	hub     *Hub
	runner  *fakeRunner
	history *fakeHistory
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	runner := &fakeRunner{result: &execution.Result{Stdout: "hi\n", StatusID: execution.StatusAccepted, Status: "Accepted"}}
	history := newFakeHistory()
	hub := NewHub(runner, history)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		hub.Shutdown(ctx)
	})
	return &harness{t: t, hub: hub, runner: runner, history: history}
}

func (h *harness) connect(id string) (*MockClient, *Session) {
	c := NewMockClient(id)
	return c, h.hub.Connect(c)
}

func (h *harness) send(s *Session, typ, id string, payload any) {
	h.t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(h.t, err)
	frame, err := json.Marshal(protocol.Envelope{Type: typ, ID: id, Payload: raw})
	require.NoError(h.t, err)
	h.hub.Handle(s, frame)
}

func (h *harness) createRoom(c *MockClient, s *Session) string {
	h.t.Helper()
	h.hub.Handle(s, []byte(`{"type":"create-room","id":"create"}`))
	acks := c.GetReceived(protocol.EventAck)
	require.NotEmpty(h.t, acks)
	last := acks[len(acks)-1]
	require.Equal(h.t, "create", last.ID)

	var ack protocol.CreateRoomAck
	require.NoError(h.t, json.Unmarshal(last.Payload, &ack))
	return ack.RoomID
}

func (h *harness) join(c *MockClient, s *Session, roomID, name string) protocol.JoinAck {
	h.t.Helper()
	corr := "join-" + name
	h.send(s, protocol.EventJoinRoom, corr, protocol.JoinRoom{RoomID: roomID, DisplayName: name})

	acks := c.GetReceived(protocol.EventAck)
	require.NotEmpty(h.t, acks)
	last := acks[len(acks)-1]
	require.Equal(h.t, corr, last.ID)

	var ack protocol.JoinAck
	require.NoError(h.t, json.Unmarshal(last.Payload, &ack))
	return ack
}

func lastPresence(t *testing.T, c *MockClient) []string {
	t.Helper()
	all := c.GetReceived(protocol.EventPresence)
	require.NotEmpty(t, all, "client %s saw no presence", c.id)
	var users []string
	require.NoError(t, json.Unmarshal(all[len(all)-1].Payload, &users))
	return users
}

func TestHubCreation(t *testing.T) {
	hub := NewHub(&fakeRunner{}, nil)
	require.NotNil(t, hub)
	assert.Equal(t, 0, hub.GetRoomCount())
	assert.Equal(t, 0, hub.GetClientCount())
	assert.Empty(t, hub.GetActiveRooms())
}

func TestCollaborationScenario(t *testing.T) {
	h := newHarness(t)
	alice, aliceSess := h.connect("alice-conn")
	bob, bobSess := h.connect("bob-conn")

	// 1. create and join
	roomID := h.createRoom(alice, aliceSess)
	assert.Regexp(t, `^[a-z0-9]{8}$`, roomID)

	ack := h.join(alice, aliceSess, roomID, "Alice")
	require.True(t, ack.OK)
	assert.Equal(t, &protocol.Snapshot{
		Code:     "// Start collaborating…",
		Language: "javascript",
		Users:    []string{"Alice"},
	}, ack.State)

	// 2. second participant; both see the full list
	ack = h.join(bob, bobSess, roomID, "Bob")
	require.True(t, ack.OK)
	assert.Equal(t, []string{"Alice", "Bob"}, lastPresence(t, alice))
	assert.Equal(t, []string{"Alice", "Bob"}, lastPresence(t, bob))

	// 3. code change is not echoed
	h.send(aliceSess, protocol.EventCodeChange, "", map[string]string{"roomId": roomID, "code": "x=1"})
	bobCode := bob.GetReceived(protocol.EventCodeChange)
	require.Len(t, bobCode, 1)
	assert.JSONEq(t, `{"code":"x=1"}`, string(bobCode[0].Payload))
	assert.Empty(t, alice.GetReceived(protocol.EventCodeChange))

	// 4. language change reaches everyone
	h.send(aliceSess, protocol.EventLanguageChange, "", protocol.LanguageChange{RoomID: roomID, Language: "python"})
	for _, c := range []*MockClient{alice, bob} {
		got := c.GetReceived(protocol.EventLanguageChange)
		require.Len(t, got, 1, c.id)
		assert.JSONEq(t, `{"language":"python"}`, string(got[0].Payload))
	}

	summary, ok := h.hub.GetRoom(roomID)
	require.True(t, ok)
	assert.Equal(t, "python", summary.Language)
	assert.Equal(t, 2, summary.Participants)

	// 5. everyone leaves; the room is gone
	h.hub.Disconnect(aliceSess)
	assert.Equal(t, []string{"Bob"}, lastPresence(t, bob))
	h.hub.Disconnect(bobSess)
	assert.Equal(t, 0, h.hub.GetRoomCount())

	carol, carolSess := h.connect("carol-conn")
	ack = h.join(carol, carolSess, roomID, "Carol")
	assert.False(t, ack.OK)
	assert.Equal(t, "Room not found", ack.Error)
	assert.Nil(t, ack.State)

	assert.Equal(t, []string{roomID}, h.history.created)
	assert.Equal(t, 2, h.history.closed[roomID])
}

func TestLateJoinerSeesLatestState(t *testing.T) {
	h := newHarness(t)
	alice, aliceSess := h.connect("a")
	roomID := h.createRoom(alice, aliceSess)
	h.join(alice, aliceSess, roomID, "Alice")

	h.send(aliceSess, protocol.EventCodeChange, "", map[string]string{"roomId": roomID, "code": "print(1)"})
	h.send(aliceSess, protocol.EventLanguageChange, "", protocol.LanguageChange{RoomID: roomID, Language: "python"})

	bob, bobSess := h.connect("b")
	ack := h.join(bob, bobSess, roomID, "Bob")
	require.True(t, ack.OK)
	assert.Equal(t, "print(1)", ack.State.Code)
	assert.Equal(t, "python", ack.State.Language)
	assert.Equal(t, []string{"Alice", "Bob"}, ack.State.Users)
}

func TestPresenceLengthMatchesJoins(t *testing.T) {
	h := newHarness(t)
	owner, ownerSess := h.connect("owner")
	roomID := h.createRoom(owner, ownerSess)

	const n = 6
	clients := make([]*MockClient, n)
	for i := 0; i < n; i++ {
		c, s := h.connect(fmt.Sprintf("conn-%d", i))
		clients[i] = c
		require.True(t, h.join(c, s, roomID, fmt.Sprintf("user-%d", i)).OK)
	}

	for _, c := range clients {
		assert.Len(t, lastPresence(t, c), n, c.id)
	}
}

func TestRoomsAreIsolated(t *testing.T) {
	h := newHarness(t)
	alice, aliceSess := h.connect("a")
	bob, bobSess := h.connect("b")

	roomA := h.createRoom(alice, aliceSess)
	roomB := h.createRoom(bob, bobSess)
	require.NotEqual(t, roomA, roomB)

	h.join(alice, aliceSess, roomA, "Alice")
	h.join(bob, bobSess, roomB, "Bob")

	h.send(aliceSess, protocol.EventLanguageChange, "", protocol.LanguageChange{RoomID: roomA, Language: "go"})
	assert.Empty(t, bob.GetReceived(protocol.EventLanguageChange))
	assert.Len(t, alice.GetReceived(protocol.EventLanguageChange), 1)
}

func TestChangesToMissingRoomAreIgnored(t *testing.T) {
	h := newHarness(t)
	alice, aliceSess := h.connect("a")

	h.send(aliceSess, protocol.EventCodeChange, "", map[string]string{"roomId": "gone0001", "code": "x"})
	h.send(aliceSess, protocol.EventLanguageChange, "", protocol.LanguageChange{RoomID: "gone0001", Language: "go"})
	h.send(aliceSess, protocol.EventChatMessage, "", protocol.ChatSend{RoomID: "gone0001", Text: "hi"})

	assert.Equal(t, 0, alice.Total(), "no error for races against a vanished room")
}

func TestMalformedInputIsRejected(t *testing.T) {
	h := newHarness(t)
	alice, aliceSess := h.connect("a")

	h.hub.Handle(aliceSess, []byte(`not json`))
	h.send(aliceSess, protocol.EventCodeChange, "c1", map[string]string{"code": "x"})
	h.send(aliceSess, protocol.EventChatMessage, "c2", map[string]string{"roomId": "r"})

	errs := alice.GetReceived(protocol.EventError)
	require.Len(t, errs, 3)

	var notice protocol.ErrorNotice
	require.NoError(t, json.Unmarshal(errs[1].Payload, &notice))
	assert.Equal(t, "c1", errs[1].ID)
	assert.Equal(t, protocol.EventCodeChange, notice.Event)
	assert.Contains(t, notice.Error, "roomId is required")

	ack := h.join(alice, aliceSess, "", "Alice")
	assert.False(t, ack.OK)
	assert.Contains(t, ack.Error, "roomId is required")
}

func TestExplicitLeave(t *testing.T) {
	h := newHarness(t)
	alice, aliceSess := h.connect("a")
	bob, bobSess := h.connect("b")
	roomID := h.createRoom(alice, aliceSess)
	h.join(alice, aliceSess, roomID, "Alice")
	h.join(bob, bobSess, roomID, "Bob")

	h.send(bobSess, protocol.EventLeaveRoom, "", protocol.LeaveRoom{RoomID: roomID})
	assert.Equal(t, []string{"Alice"}, lastPresence(t, alice))

	h.send(aliceSess, protocol.EventCodeChange, "", map[string]string{"roomId": roomID, "code": "after"})
	assert.Empty(t, bob.GetReceived(protocol.EventCodeChange), "left participants get nothing")

	// Disconnecting after an explicit leave must not touch the room again
	presenceBefore := len(alice.GetReceived(protocol.EventPresence))
	h.hub.Disconnect(bobSess)
	assert.Len(t, alice.GetReceived(protocol.EventPresence), presenceBefore)
	assert.Equal(t, 1, h.hub.GetRoomCount())
}

func TestDisconnectLeavesEveryRoom(t *testing.T) {
	h := newHarness(t)
	alice, aliceSess := h.connect("a")
	bob, bobSess := h.connect("b")

	roomA := h.createRoom(alice, aliceSess)
	roomB := h.createRoom(alice, aliceSess)
	h.join(alice, aliceSess, roomA, "Alice")
	h.join(alice, aliceSess, roomB, "Alice")
	h.join(bob, bobSess, roomB, "Bob")

	h.hub.Disconnect(aliceSess)

	_, ok := h.hub.GetRoom(roomA)
	assert.False(t, ok, "room with no one left is deleted")
	summary, ok := h.hub.GetRoom(roomB)
	require.True(t, ok)
	assert.Equal(t, []string{"Bob"}, summary.Users)
	assert.Equal(t, []string{"Bob"}, lastPresence(t, bob))
}

func TestChatRelaysWhitespaceText(t *testing.T) {
	h := newHarness(t)
	alice, aliceSess := h.connect("a")
	roomID := h.createRoom(alice, aliceSess)
	h.join(alice, aliceSess, roomID, "Alice")

	h.send(aliceSess, protocol.EventChatMessage, "c", protocol.ChatSend{RoomID: roomID, Text: "   "})

	msgs := alice.GetReceived(protocol.EventChatMessage)
	require.Len(t, msgs, 1)
	var chat protocol.ChatMessage
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &chat))
	assert.Equal(t, "   ", chat.Text)
	assert.Empty(t, alice.GetReceived(protocol.EventError))
}

func TestChatIncludesSender(t *testing.T) {
	h := newHarness(t)
	fixed := time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)
	h.hub.now = func() time.Time { return fixed }

	alice, aliceSess := h.connect("a")
	bob, bobSess := h.connect("b")
	roomID := h.createRoom(alice, aliceSess)
	h.join(alice, aliceSess, roomID, "Alice")
	h.join(bob, bobSess, roomID, "Bob")

	h.send(aliceSess, protocol.EventChatMessage, "", protocol.ChatSend{RoomID: roomID, Text: "hello"})

	for _, c := range []*MockClient{alice, bob} {
		msgs := c.GetReceived(protocol.EventChatMessage)
		require.Len(t, msgs, 1, c.id)

		var chat protocol.ChatMessage
		require.NoError(t, json.Unmarshal(msgs[0].Payload, &chat))
		assert.Equal(t, "Alice", chat.DisplayName)
		assert.Equal(t, "hello", chat.Text)
		assert.True(t, chat.Timestamp.Equal(fixed))
	}
}

func TestChatFromNonParticipantUsesIdentityName(t *testing.T) {
	h := newHarness(t)
	alice, aliceSess := h.connect("a")
	_, lurkerSess := h.connect("l")
	roomID := h.createRoom(alice, aliceSess)
	h.join(alice, aliceSess, roomID, "Alice")

	h.send(lurkerSess, protocol.EventRegisterIdentity, "", map[string]any{"userId": 9, "displayName": "Lurker"})
	h.send(lurkerSess, protocol.EventChatMessage, "", protocol.ChatSend{RoomID: roomID, Text: "psst"})

	msgs := alice.GetReceived(protocol.EventChatMessage)
	require.Len(t, msgs, 1)
	var chat protocol.ChatMessage
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &chat))
	assert.Equal(t, "Lurker", chat.DisplayName)
}

func TestJoinFallsBackToIdentityName(t *testing.T) {
	h := newHarness(t)
	alice, aliceSess := h.connect("a")
	h.send(aliceSess, protocol.EventRegisterIdentity, "", map[string]any{"userId": "u1", "displayName": "Alice"})
	roomID := h.createRoom(alice, aliceSess)

	ack := h.join(alice, aliceSess, roomID, "")
	require.True(t, ack.OK)
	assert.Equal(t, []string{"Alice"}, ack.State.Users)

	bob, bobSess := h.connect("b")
	ack = h.join(bob, bobSess, roomID, "   ")
	require.True(t, ack.OK)
	assert.Equal(t, []string{"Alice", "Anonymous"}, ack.State.Users)
}

func TestInviteToOfflineUserIsDropped(t *testing.T) {
	h := newHarness(t)
	alice, aliceSess := h.connect("a")
	bystander, bystanderSess := h.connect("b")
	h.send(bystanderSess, protocol.EventRegisterIdentity, "", map[string]any{"userId": 8, "displayName": "Bystander"})

	h.send(aliceSess, protocol.EventInvite, "", map[string]any{
		"fromDisplayName": "Alice",
		"toUserId":        7,
		"roomId":          "room0002",
	})

	assert.Equal(t, 0, alice.Total(), "sender sees no error")
	assert.Equal(t, 0, bystander.Total())
}

func TestInviteFansOutToEveryConnection(t *testing.T) {
	h := newHarness(t)
	fixed := time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)
	h.hub.now = func() time.Time { return fixed }

	_, aliceSess := h.connect("alice")
	const k = 3
	tabs := make([]*MockClient, k)
	for i := 0; i < k; i++ {
		c, s := h.connect(fmt.Sprintf("bob-tab-%d", i))
		tabs[i] = c
		h.send(s, protocol.EventRegisterIdentity, "", map[string]any{"userId": 7, "displayName": "Bob"})
	}

	h.send(aliceSess, protocol.EventInvite, "", map[string]any{
		"fromDisplayName": "Alice",
		"toUserId":        "7",
		"roomId":          "room0002",
	})

	for _, c := range tabs {
		got := c.GetReceived(protocol.EventInvite)
		require.Len(t, got, 1, c.id)

		var notice protocol.InviteNotice
		require.NoError(t, json.Unmarshal(got[0].Payload, &notice))
		assert.Equal(t, protocol.InviteNotice{FromDisplayName: "Alice", RoomID: "room0002", Timestamp: fixed}, notice)
	}
}

func TestRegistryFollowsIdentityAndDisconnect(t *testing.T) {
	h := newHarness(t)
	_, s := h.connect("tab")

	h.send(s, protocol.EventRegisterIdentity, "", map[string]any{"userId": 7, "displayName": "Bob"})
	assert.Equal(t, 1, h.hub.registry.Connections("7"))

	h.send(s, protocol.EventRegisterIdentity, "", map[string]any{"userId": 8, "displayName": "Bob"})
	assert.Equal(t, 0, h.hub.registry.Connections("7"), "re-registering moves the connection")
	assert.Equal(t, 1, h.hub.registry.Connections("8"))
	assert.Equal(t, 1, h.hub.GetUserCount())

	h.hub.Disconnect(s)
	assert.Equal(t, 0, h.hub.GetUserCount())
	assert.Equal(t, 0, h.hub.GetClientCount())
}

func TestRunCodeBroadcastsResultToRoom(t *testing.T) {
	h := newHarness(t)
	alice, aliceSess := h.connect("a")
	bob, bobSess := h.connect("b")
	roomID := h.createRoom(alice, aliceSess)
	h.join(alice, aliceSess, roomID, "Alice")
	h.join(bob, bobSess, roomID, "Bob")

	h.send(bobSess, protocol.EventRunCode, "", protocol.RunCode{RoomID: roomID, Code: "print('hi')", Language: "python", Stdin: "x"})

	for _, c := range []*MockClient{alice, bob} {
		require.Eventually(t, func() bool {
			return len(c.GetReceived(protocol.EventRunResult)) == 1
		}, time.Second, 5*time.Millisecond, c.id)
		assert.JSONEq(t, `{"output":"Output:\nhi\n"}`, string(c.GetReceived(protocol.EventRunResult)[0].Payload))
	}

	require.Eventually(t, func() bool { return h.history.runCount() == 1 }, time.Second, 5*time.Millisecond)
	run := h.history.runs[0]
	assert.Equal(t, roomID, run.RoomID)
	assert.Equal(t, 71, run.LanguageID)
	assert.True(t, run.Succeeded)

	require.Len(t, h.runner.calls, 1)
	assert.Equal(t, execution.Request{Code: "print('hi')", Language: "python", Stdin: "x"}, h.runner.calls[0])
}

func TestRunCodeFailureBroadcastsPlaceholder(t *testing.T) {
	h := newHarness(t)
	h.runner.result = nil
	h.runner.err = fmt.Errorf("%w: connection refused", execution.ErrExecution)

	alice, aliceSess := h.connect("a")
	roomID := h.createRoom(alice, aliceSess)
	h.join(alice, aliceSess, roomID, "Alice")

	h.send(aliceSess, protocol.EventRunCode, "", protocol.RunCode{RoomID: roomID, Code: "boom", Language: "cobol"})

	require.Eventually(t, func() bool {
		return len(alice.GetReceived(protocol.EventRunResult)) == 1
	}, time.Second, 5*time.Millisecond)

	var result protocol.RunResult
	require.NoError(t, json.Unmarshal(alice.GetReceived(protocol.EventRunResult)[0].Payload, &result))
	assert.Equal(t, execution.FailureOutput, result.Output)
	assert.NotContains(t, result.Output, "connection refused")

	require.Eventually(t, func() bool { return h.history.runCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.False(t, h.history.runs[0].Succeeded)
	assert.Equal(t, execution.DefaultLanguageID, h.history.runs[0].LanguageID)
}

func TestRunCodeAbnormalExitRecordedAsFailed(t *testing.T) {
	h := newHarness(t)
	h.runner.result = &execution.Result{Stderr: "ZeroDivisionError\n", StatusID: 11, Status: "Runtime Error (NZEC)"}

	alice, aliceSess := h.connect("a")
	roomID := h.createRoom(alice, aliceSess)
	h.join(alice, aliceSess, roomID, "Alice")

	h.send(aliceSess, protocol.EventRunCode, "", protocol.RunCode{RoomID: roomID, Code: "1/0", Language: "python"})

	require.Eventually(t, func() bool {
		return len(alice.GetReceived(protocol.EventRunResult)) == 1
	}, time.Second, 5*time.Millisecond)
	assert.JSONEq(t, `{"output":"Error:\nZeroDivisionError\n"}`, string(alice.GetReceived(protocol.EventRunResult)[0].Payload))

	require.Eventually(t, func() bool { return h.history.runCount() == 1 }, time.Second, 5*time.Millisecond)
	h.history.mu.Lock()
	run := h.history.runs[0]
	h.history.mu.Unlock()
	assert.False(t, run.Succeeded)
	assert.Equal(t, "Runtime Error (NZEC)", run.Status)
}

func TestRunCodeDoesNotBlockSender(t *testing.T) {
	h := newHarness(t)
	h.runner.release = make(chan struct{})

	alice, aliceSess := h.connect("a")
	bob, bobSess := h.connect("b")
	roomID := h.createRoom(alice, aliceSess)
	h.join(alice, aliceSess, roomID, "Alice")
	h.join(bob, bobSess, roomID, "Bob")

	h.send(aliceSess, protocol.EventRunCode, "", protocol.RunCode{RoomID: roomID, Code: "sleep"})
	h.send(aliceSess, protocol.EventCodeChange, "", map[string]string{"roomId": roomID, "code": "next"})
	assert.Len(t, bob.GetReceived(protocol.EventCodeChange), 1)
	assert.Empty(t, bob.GetReceived(protocol.EventRunResult))

	close(h.runner.release)
	require.Eventually(t, func() bool {
		return len(bob.GetReceived(protocol.EventRunResult)) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestRunCodeResultAfterRoomEmptied(t *testing.T) {
	h := newHarness(t)
	h.runner.release = make(chan struct{})

	alice, aliceSess := h.connect("a")
	roomID := h.createRoom(alice, aliceSess)
	h.join(alice, aliceSess, roomID, "Alice")

	h.send(aliceSess, protocol.EventRunCode, "", protocol.RunCode{RoomID: roomID, Code: "slow"})
	h.hub.Disconnect(aliceSess)
	close(h.runner.release)

	require.Eventually(t, func() bool { return h.history.runCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, alice.GetReceived(protocol.EventRunResult), "result is discarded once nobody is left")
}

func TestRunCodeUnknownRoom(t *testing.T) {
	h := newHarness(t)
	alice, aliceSess := h.connect("a")

	h.send(aliceSess, protocol.EventRunCode, "r1", protocol.RunCode{RoomID: "missing1", Code: "x"})

	errs := alice.GetReceived(protocol.EventError)
	require.Len(t, errs, 1)
	assert.Equal(t, "r1", errs[0].ID)
	assert.Empty(t, h.runner.calls)
}

func TestShutdownCancelsPendingRuns(t *testing.T) {
	runner := &fakeRunner{release: make(chan struct{})}
	hub := NewHub(runner, nil)

	alice := NewMockClient("a")
	s := hub.Connect(alice)
	hub.Handle(s, []byte(`{"type":"create-room","id":"1"}`))
	var ack protocol.CreateRoomAck
	require.NoError(t, json.Unmarshal(alice.GetReceived(protocol.EventAck)[0].Payload, &ack))
	hub.Handle(s, []byte(fmt.Sprintf(`{"type":"join-room","id":"2","payload":{"roomId":%q,"displayName":"Alice"}}`, ack.RoomID)))
	hub.Handle(s, []byte(fmt.Sprintf(`{"type":"run-code","payload":{"roomId":%q,"code":"x"}}`, ack.RoomID)))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, hub.Shutdown(ctx))

	results := alice.GetReceived(protocol.EventRunResult)
	require.Len(t, results, 1)
	assert.JSONEq(t, fmt.Sprintf(`{"output":%q}`, execution.FailureOutput), string(results[0].Payload))
}

func TestConcurrentRoomTraffic(t *testing.T) {
	h := newHarness(t)
	owner, ownerSess := h.connect("owner")
	roomID := h.createRoom(owner, ownerSess)
	h.join(owner, ownerSess, roomID, "Owner")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, s := h.connect(fmt.Sprintf("conn-%d", i))
			raw, _ := json.Marshal(protocol.JoinRoom{RoomID: roomID, DisplayName: c.id})
			h.hub.Handle(s, mustFrame(protocol.EventJoinRoom, raw))
			for j := 0; j < 10; j++ {
				raw, _ := json.Marshal(map[string]string{"roomId": roomID, "code": fmt.Sprintf("%d-%d", i, j)})
				h.hub.Handle(s, mustFrame(protocol.EventCodeChange, raw))
			}
			h.hub.Disconnect(s)
		}(i)
	}
	wg.Wait()

	summary, ok := h.hub.GetRoom(roomID)
	require.True(t, ok)
	assert.Equal(t, []string{"Owner"}, summary.Users)
	assert.Len(t, owner.GetReceived(protocol.EventCodeChange), 200)
}

func mustFrame(typ string, payload json.RawMessage) []byte {
	frame, err := json.Marshal(protocol.Envelope{Type: typ, Payload: payload})
	if err != nil {
		panic(err)
	}
	return frame
}

func TestJoinErrorIsNotFound(t *testing.T) {
	h := newHarness(t)
	_, s := h.connect("a")
	_, _, err := h.hub.rooms.Join("missing1", s.peer, "x")
	assert.True(t, errors.Is(err, room.ErrNotFound))
}

func TestReapUnjoinedRooms(t *testing.T) {
	h := newHarness(t)
	alice, aliceSess := h.connect("a")
	abandoned := h.createRoom(alice, aliceSess)
	kept := h.createRoom(alice, aliceSess)
	h.join(alice, aliceSess, kept, "Alice")

	assert.Equal(t, 0, h.hub.ReapUnjoinedRooms(time.Hour))

	h.hub.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	assert.Equal(t, 1, h.hub.ReapUnjoinedRooms(time.Hour))

	_, ok := h.hub.GetRoom(abandoned)
	assert.False(t, ok)
	_, ok = h.hub.GetRoom(kept)
	assert.True(t, ok)
	assert.Equal(t, 0, h.history.closed[abandoned])
	assert.Contains(t, h.history.closed, abandoned)
}
