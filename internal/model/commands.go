package model

import (
	"encoding/json"

	"github.com/google/uuid"
)

// CommandName names one inbound command a connection may send.
type CommandName string

const (
	CmdAuthenticate      CommandName = "authenticate"
	CmdRoomJoin          CommandName = "room:join"
	CmdRoomLeave         CommandName = "room:leave"
	CmdRoomCreate        CommandName = "room:create"
	CmdMessageSend       CommandName = "message:send"
	CmdTypingStart       CommandName = "typing:start"
	CmdTypingStop        CommandName = "typing:stop"
	CmdInvitationCreate  CommandName = "invitation:create"
	CmdInvitationRespond CommandName = "invitation:respond"
	CmdInvitationCancel  CommandName = "invitation:cancel"
	CmdPresenceQuery     CommandName = "presence:query"
	CmdHeartbeat         CommandName = "heartbeat"
)

// Command is the inbound envelope. Data is decoded into one of the typed
// structs below once Type is known.
type Command struct {
	Type CommandName     `json:"type"`
	Ref  string          `json:"ref,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

type Authenticate struct {
	Token   string `json:"token"`
	Network string `json:"network,omitempty"`
}

type RoomRef struct {
	RoomID uuid.UUID `json:"room_id"`
}

type CreateRoom struct {
	Name string `json:"name"`
}

// SendMessage carries the client's correlation id, chosen before the durable
// id exists. It is echoed back only to the sending connection.
type SendMessage struct {
	RoomID        uuid.UUID   `json:"room_id"`
	Content       string      `json:"content"`
	Type          MessageType `json:"type,omitempty"`
	ReplyTo       *uuid.UUID  `json:"reply_to,omitempty"`
	CorrelationID string      `json:"correlation_id"`
}

type CreateInvitation struct {
	RoomID    uuid.UUID `json:"room_id"`
	InviteeID uuid.UUID `json:"invitee_id"`
}

type RespondInvitation struct {
	InvitationID uuid.UUID `json:"invitation_id"`
	Decision     Decision  `json:"decision"`
}

type CancelInvitation struct {
	InvitationID uuid.UUID `json:"invitation_id"`
}

type PresenceQuery struct {
	RoomID *uuid.UUID `json:"room_id,omitempty"`
}

type Heartbeat struct {
	RoomID  *uuid.UUID `json:"room_id,omitempty"`
	Network string     `json:"network,omitempty"`
}
