// Package protocol defines the JSON event vocabulary exchanged with browser
// clients over the collaboration websocket.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Event names carried in Envelope.Type.
const (
	EventRegisterIdentity = "register-identity"
	EventCreateRoom       = "create-room"
	EventJoinRoom         = "join-room"
	EventLeaveRoom        = "leave-room"
	EventCodeChange       = "code-change"
	EventLanguageChange   = "language-change"
	EventPresence         = "presence"
	EventChatMessage      = "chat-message"
	EventRunCode          = "run-code"
	EventRunResult        = "run-result"
	EventInvite           = "invite"

	// Server to client only
	EventAck   = "ack"
	EventError = "error"
)

// ErrMalformed marks a frame or payload that cannot be acted on.
var ErrMalformed = errors.New("malformed message")

var inbound = map[string]bool{
	EventRegisterIdentity: true,
	EventCreateRoom:       true,
	EventJoinRoom:         true,
	EventLeaveRoom:        true,
	EventCodeChange:       true,
	EventLanguageChange:   true,
	EventChatMessage:      true,
	EventRunCode:          true,
	EventInvite:           true,
}

// Envelope wraps every frame. ID correlates an ack with its request.
type Envelope struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Decode parses a client frame and checks that it names a known event.
func Decode(data []byte) (*Envelope, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("%w: empty frame", ErrMalformed)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	if !inbound[env.Type] {
		return nil, fmt.Errorf("%w: unknown event %q", ErrMalformed, env.Type)
	}
	return &env, nil
}

// Bind unmarshals the payload into v and validates it when v knows how.
func (e *Envelope) Bind(v any) error {
	if len(e.Payload) == 0 || string(e.Payload) == "null" {
		return fmt.Errorf("%w: %s requires a payload", ErrMalformed, e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if val, ok := v.(interface{ Validate() error }); ok {
		return val.Validate()
	}
	return nil
}

// Encode builds a server frame.
func Encode(typ, id string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", typ, err)
	}
	return json.Marshal(Envelope{Type: typ, ID: id, Payload: raw})
}

// UserID is a stable identity supplied by the authenticated transport.
// Clients send it as either a JSON number or a string.
type UserID string

func (u *UserID) UnmarshalJSON(b []byte) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return err
	}
	switch t := v.(type) {
	case nil:
		*u = ""
	case string:
		*u = UserID(t)
	case json.Number:
		*u = UserID(t.String())
	default:
		return fmt.Errorf("userId must be a string or number")
	}
	return nil
}

func required(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%w: %s is required", ErrMalformed, field)
	}
	return nil
}

// Requests

type RegisterIdentity struct {
	UserID      UserID `json:"userId"`
	DisplayName string `json:"displayName"`
}

func (r RegisterIdentity) Validate() error {
	return required("userId", string(r.UserID))
}

type JoinRoom struct {
	RoomID      string `json:"roomId"`
	DisplayName string `json:"displayName"`
}

func (r JoinRoom) Validate() error {
	return required("roomId", r.RoomID)
}

type LeaveRoom struct {
	RoomID string `json:"roomId"`
}

func (r LeaveRoom) Validate() error {
	return required("roomId", r.RoomID)
}

// CodeChange carries the full document text; an empty document is valid.
type CodeChange struct {
	RoomID string  `json:"roomId"`
	Code   *string `json:"code"`
}

func (r CodeChange) Validate() error {
	if err := required("roomId", r.RoomID); err != nil {
		return err
	}
	if r.Code == nil {
		return fmt.Errorf("%w: code is required", ErrMalformed)
	}
	return nil
}

type LanguageChange struct {
	RoomID   string `json:"roomId"`
	Language string `json:"language"`
}

func (r LanguageChange) Validate() error {
	if err := required("roomId", r.RoomID); err != nil {
		return err
	}
	return required("language", r.Language)
}

type ChatSend struct {
	RoomID string `json:"roomId"`
	Text   string `json:"text"`
}

func (r ChatSend) Validate() error {
	if err := required("roomId", r.RoomID); err != nil {
		return err
	}
	if r.Text == "" {
		return fmt.Errorf("%w: text is required", ErrMalformed)
	}
	return nil
}

type RunCode struct {
	RoomID   string `json:"roomId"`
	Code     string `json:"code"`
	Language string `json:"language"`
	Stdin    string `json:"stdin,omitempty"`
}

func (r RunCode) Validate() error {
	return required("roomId", r.RoomID)
}

type Invite struct {
	FromDisplayName string `json:"fromDisplayName"`
	ToUserID        UserID `json:"toUserId"`
	RoomID          string `json:"roomId"`
}

func (r Invite) Validate() error {
	if err := required("toUserId", string(r.ToUserID)); err != nil {
		return err
	}
	return required("roomId", r.RoomID)
}

// Responses and broadcasts

type CreateRoomAck struct {
	RoomID string `json:"roomId"`
}

// Snapshot is the room state handed to a client at the moment it joins.
type Snapshot struct {
	Code     string   `json:"code"`
	Language string   `json:"language"`
	Users    []string `json:"users"`
}

type JoinAck struct {
	OK    bool      `json:"ok"`
	State *Snapshot `json:"state,omitempty"`
	Error string    `json:"error,omitempty"`
}

type CodeUpdate struct {
	Code string `json:"code"`
}

type LanguageUpdate struct {
	Language string `json:"language"`
}

type ChatMessage struct {
	DisplayName string    `json:"displayName"`
	Text        string    `json:"text"`
	Timestamp   time.Time `json:"timestamp"`
}

type RunResult struct {
	Output string `json:"output"`
}

type InviteNotice struct {
	FromDisplayName string    `json:"fromDisplayName"`
	RoomID          string    `json:"roomId"`
	Timestamp       time.Time `json:"timestamp"`
}

type ErrorNotice struct {
	Event string `json:"event"`
	Error string `json:"error"`
}
