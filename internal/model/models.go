// Package model defines data structure.
package model

import (
	"time"

	"github.com/google/uuid"
)

// Identity is the authenticated principal behind a connection. It is looked
// up once at authentication and never changes for the connection's lifetime.
type Identity struct {
	ID       uuid.UUID `json:"id"`
	Username string    `json:"username"`
	FullName string    `json:"full_name"`
	Avatar   string    `json:"avatar,omitempty"`
}

// Room holds information about a single chat room.
type Room struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	OwnerID   uuid.UUID `json:"owner_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Membership links an identity to a room.
type Membership struct {
	RoomID   uuid.UUID `json:"room_id"`
	UserID   uuid.UUID `json:"user_id"`
	JoinedAt time.Time `json:"joined_at"`
}

type MessageType string

const (
	MessageText  MessageType = "text"
	MessageImage MessageType = "image"
	MessageFile  MessageType = "file"
)

// Valid reports whether t is one of the known message types.
func (t MessageType) Valid() bool {
	switch t {
	case MessageText, MessageImage, MessageFile:
		return true
	}
	return false
}

// Message is a durable chat message. The ID is assigned by the store.
type Message struct {
	ID        uuid.UUID   `json:"id"`
	RoomID    uuid.UUID   `json:"room_id"`
	SenderID  uuid.UUID   `json:"sender_id"`
	Username  string      `json:"username"`
	Content   string      `json:"content"`
	Type      MessageType `json:"type"`
	ReplyTo   *uuid.UUID  `json:"reply_to,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
	EditedAt  *time.Time  `json:"edited_at,omitempty"`
}

// NewMessage carries the fields a caller supplies when persisting a message.
type NewMessage struct {
	RoomID   uuid.UUID
	SenderID uuid.UUID
	Content  string
	Type     MessageType
	ReplyTo  *uuid.UUID
}

type InvitationStatus string

const (
	InvitationPending   InvitationStatus = "PENDING"
	InvitationAccepted  InvitationStatus = "ACCEPTED"
	InvitationDeclined  InvitationStatus = "DECLINED"
	InvitationCancelled InvitationStatus = "CANCELLED"
)

// Terminal reports whether no further transitions are allowed from s.
func (s InvitationStatus) Terminal() bool {
	return s == InvitationAccepted || s == InvitationDeclined || s == InvitationCancelled
}

// Invitation asks an identity to join a room.
type Invitation struct {
	ID        uuid.UUID        `json:"id"`
	RoomID    uuid.UUID        `json:"room_id"`
	InviterID uuid.UUID        `json:"inviter_id"`
	InviteeID uuid.UUID        `json:"invitee_id"`
	Status    InvitationStatus `json:"status"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

type Decision string

const (
	DecisionAccept  Decision = "ACCEPT"
	DecisionDecline Decision = "DECLINE"
)
