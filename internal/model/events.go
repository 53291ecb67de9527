package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind names one outbound event. The set is closed: every Kind has exactly one
// payload type below and payloadDecoders must list all of them.
type Kind string

const (
	KindMessageNew          Kind = "message:new"
	KindMessageAck          Kind = "message:ack"
	KindMessageFailed       Kind = "message:failed"
	KindTypingStart         Kind = "user:typing_start"
	KindTypingStop          Kind = "user:typing_stop"
	KindPresenceOnline      Kind = "presence:online"
	KindPresenceOffline     Kind = "presence:offline"
	KindPresenceSnapshot    Kind = "presence:snapshot"
	KindMemberJoined        Kind = "member:joined"
	KindInvitationCreated   Kind = "invitation:created"
	KindInvitationResponded Kind = "invitation:responded"
	KindInvitationCancelled Kind = "invitation:cancelled"
	KindViewRefresh         Kind = "view:refresh"
	KindSessionReady        Kind = "session:ready"
	KindRoomJoined          Kind = "room:joined"
	KindRoomLeft            Kind = "room:left"
	KindCommandOK           Kind = "command:ok"
	KindCommandError        Kind = "command:error"
)

// Payload is implemented only by the payload structs in this file.
type Payload interface {
	Kind() Kind
}

type MessageNew struct {
	Message Message `json:"message"`
}

// MessageAck reconciles the sender's optimistic entry with the durable record.
type MessageAck struct {
	CorrelationID string  `json:"correlation_id"`
	Message       Message `json:"message"`
}

type MessageFailed struct {
	CorrelationID string    `json:"correlation_id"`
	RoomID        uuid.UUID `json:"room_id"`
	Code          string    `json:"code"`
	Reason        string    `json:"reason"`
}

type TypingStart struct {
	RoomID   uuid.UUID `json:"room_id"`
	UserID   uuid.UUID `json:"user_id"`
	Username string    `json:"username"`
}

type TypingStop struct {
	RoomID   uuid.UUID `json:"room_id"`
	UserID   uuid.UUID `json:"user_id"`
	Username string    `json:"username"`
}

type PresenceOnline struct {
	UserID   uuid.UUID `json:"user_id"`
	Username string    `json:"username"`
	LastSeen time.Time `json:"last_seen"`
}

type PresenceOffline struct {
	UserID   uuid.UUID `json:"user_id"`
	Username string    `json:"username"`
	LastSeen time.Time `json:"last_seen"`
}

// PresenceSnapshot answers a presence query. RoomID is nil for the global view.
type PresenceSnapshot struct {
	Ref    string      `json:"ref,omitempty"`
	RoomID *uuid.UUID  `json:"room_id,omitempty"`
	Online []uuid.UUID `json:"online"`
}

type MemberJoined struct {
	RoomID       uuid.UUID  `json:"room_id"`
	UserID       uuid.UUID  `json:"user_id"`
	JoinedAt     time.Time  `json:"joined_at"`
	InvitationID *uuid.UUID `json:"invitation_id,omitempty"`
}

type InvitationCreated struct {
	Invitation Invitation `json:"invitation"`
}

// InvitationResponded reports an ACCEPTED or DECLINED invitation.
type InvitationResponded struct {
	Invitation Invitation `json:"invitation"`
}
// InvitationWithdrawn reports an invitation the inviter cancelled.

type InvitationWithdrawn struct {
	Invitation Invitation `json:"invitation"`
}

// ViewRefresh asks observers to reload views derived from topic.
type ViewRefresh struct {
	Topic   string `json:"topic"`
	Changes int    `json:"changes"`
}

type SessionReady struct {
	Identity     Identity  `json:"identity"`
	ConnectionID string    `json:"connection_id"`
	Network      string    `json:"network"`
	HeartbeatMS  int64     `json:"heartbeat_ms"`
	ExpiryMS     int64     `json:"expiry_ms"`
	ServerTime   time.Time `json:"server_time"`
}

type RoomJoined struct {
	Ref    string      `json:"ref,omitempty"`
	Room   Room        `json:"room"`
	Online []uuid.UUID `json:"online"`
}

type RoomLeft struct {
	Ref    string    `json:"ref,omitempty"`
	RoomID uuid.UUID `json:"room_id"`
}

type CommandOK struct {
	Ref     string      `json:"ref,omitempty"`
	Command CommandName `json:"command"`
}

type CommandError struct {
	Ref     string      `json:"ref,omitempty"`
	Command CommandName `json:"command"`
	Code    string      `json:"code"`
	Message string      `json:"message"`
}

func (MessageNew) Kind() Kind          { return KindMessageNew }
func (MessageAck) Kind() Kind          { return KindMessageAck }
func (MessageFailed) Kind() Kind       { return KindMessageFailed }
func (TypingStart) Kind() Kind         { return KindTypingStart }
func (TypingStop) Kind() Kind          { return KindTypingStop }
func (PresenceOnline) Kind() Kind      { return KindPresenceOnline }
func (PresenceOffline) Kind() Kind     { return KindPresenceOffline }
func (PresenceSnapshot) Kind() Kind    { return KindPresenceSnapshot }
func (MemberJoined) Kind() Kind        { return KindMemberJoined }
func (InvitationCreated) Kind() Kind   { return KindInvitationCreated }
func (InvitationResponded) Kind() Kind { return KindInvitationResponded }
func (InvitationWithdrawn) Kind() Kind { return KindInvitationCancelled }
func (ViewRefresh) Kind() Kind         { return KindViewRefresh }
func (SessionReady) Kind() Kind        { return KindSessionReady }
func (RoomJoined) Kind() Kind          { return KindRoomJoined }
func (RoomLeft) Kind() Kind            { return KindRoomLeft }
func (CommandOK) Kind() Kind           { return KindCommandOK }
func (CommandError) Kind() Kind        { return KindCommandError }

// Event is one outbound record. ID is unique per logical event so consumers
// can drop redelivered copies.
type Event struct {
	ID      uuid.UUID
	At      time.Time
	Payload Payload
}

// NewEvent stamps payload with a fresh id and the current time.
func NewEvent(payload Payload) Event {
	return Event{
		ID:      uuid.New(),
		At:      time.Now().UTC(),
		Payload: payload,
	}
}

// Kind returns the kind of the wrapped payload.
func (e Event) Kind() Kind {
	if e.Payload == nil {
		return ""
	}
	return e.Payload.Kind()
}

type envelope struct {
	ID   uuid.UUID       `json:"id"`
	Type Kind            `json:"type"`
	At   time.Time       `json:"at"`
	Data json.RawMessage `json:"data"`
}

func (e Event) MarshalJSON() ([]byte, error) {
	if e.Payload == nil {
		return nil, fmt.Errorf("event %s has no payload", e.ID)
	}
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("could not encode %s payload: %w", e.Kind(), err)
	}
	return json.Marshal(envelope{ID: e.ID, Type: e.Kind(), At: e.At, Data: data})
}

func (e *Event) UnmarshalJSON(p []byte) error {
	var env envelope
	if err := json.Unmarshal(p, &env); err != nil {
		return err
	}
	decode, ok := payloadDecoders[env.Type]
	if !ok {
		return fmt.Errorf("unknown event kind %q", env.Type)
	}
	payload, err := decode(env.Data)
	if err != nil {
		return fmt.Errorf("could not decode %s payload: %w", env.Type, err)
	}
	e.ID, e.At, e.Payload = env.ID, env.At, payload
	return nil
}

func decodeAs[T Payload](data json.RawMessage) (Payload, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

var payloadDecoders = map[Kind]func(json.RawMessage) (Payload, error){
	KindMessageNew:          decodeAs[MessageNew],
	KindMessageAck:          decodeAs[MessageAck],
	KindMessageFailed:       decodeAs[MessageFailed],
	KindTypingStart:         decodeAs[TypingStart],
	KindTypingStop:          decodeAs[TypingStop],
	KindPresenceOnline:      decodeAs[PresenceOnline],
	KindPresenceOffline:     decodeAs[PresenceOffline],
	KindPresenceSnapshot:    decodeAs[PresenceSnapshot],
	KindMemberJoined:        decodeAs[MemberJoined],
	KindInvitationCreated:   decodeAs[InvitationCreated],
	KindInvitationResponded: decodeAs[InvitationResponded],
	KindInvitationCancelled: decodeAs[InvitationWithdrawn],
	KindViewRefresh:         decodeAs[ViewRefresh],
	KindSessionReady:        decodeAs[SessionReady],
	KindRoomJoined:          decodeAs[RoomJoined],
	KindRoomLeft:            decodeAs[RoomLeft],
	KindCommandOK:           decodeAs[CommandOK],
	KindCommandError:        decodeAs[CommandError],
}
