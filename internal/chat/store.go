package chat

import (
	"context"

	"github.com/google/uuid"

	"github.com/johndosdos/huddle/internal/model"
)

// Store is the persistence contract the coordinator consumes. Implementations
// return database.ErrNotFound and database.ErrConflict for missing rows and
// constraint violations.
type Store interface {
	GetUser(ctx context.Context, id uuid.UUID) (model.Identity, error)

	CreateRoom(ctx context.Context, name string, ownerID uuid.UUID) (model.Room, error)
	GetRoom(ctx context.Context, id uuid.UUID) (model.Room, error)
	IsMember(ctx context.Context, roomID, userID uuid.UUID) (bool, error)

	CreateMessage(ctx context.Context, msg model.NewMessage) (model.Message, error)
	ListMessages(ctx context.Context, roomID uuid.UUID, limit int) ([]model.Message, error)

	CreateInvitation(ctx context.Context, roomID, inviterID, inviteeID uuid.UUID) (model.Invitation, error)
	GetInvitation(ctx context.Context, id uuid.UUID) (model.Invitation, error)
	TransitionInvitation(ctx context.Context, id uuid.UUID, from, to model.InvitationStatus) (model.Invitation, error)
	AcceptInvitation(ctx context.Context, id uuid.UUID) (model.Invitation, model.Membership, bool, error)
}
