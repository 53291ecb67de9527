package database

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/johndosdos/huddle/internal/model"
)

const invitationColumns = `id, room_id, inviter_id, invitee_id, status, created_at, updated_at`

const createInvitation = `
INSERT INTO invitations (room_id, inviter_id, invitee_id)
VALUES ($1, $2, $3)
RETURNING ` + invitationColumns

// CreateInvitation inserts a PENDING invitation. The partial unique index
// turns a second PENDING row for the same (room, invitee) into ErrConflict.
func (q *Queries) CreateInvitation(ctx context.Context, roomID, inviterID, inviteeID uuid.UUID) (model.Invitation, error) {
	row := q.db.QueryRow(ctx, createInvitation,
		pgtype.UUID{Bytes: roomID, Valid: true},
		pgtype.UUID{Bytes: inviterID, Valid: true},
		pgtype.UUID{Bytes: inviteeID, Valid: true},
	)
	inv, err := scanInvitation(row)
	return inv, translate(err)
}

const getInvitation = `SELECT ` + invitationColumns + ` FROM invitations WHERE id = $1`

func (q *Queries) GetInvitation(ctx context.Context, id uuid.UUID) (model.Invitation, error) {
	inv, err := scanInvitation(q.db.QueryRow(ctx, getInvitation, pgtype.UUID{Bytes: id, Valid: true}))
	return inv, translate(err)
}

const pendingInvitation = `
SELECT ` + invitationColumns + `
FROM invitations
WHERE room_id = $1 AND invitee_id = $2 AND status = 'PENDING'`

// PendingInvitation returns the PENDING invitation for (roomID, inviteeID),
// or ErrNotFound.
func (q *Queries) PendingInvitation(ctx context.Context, roomID, inviteeID uuid.UUID) (model.Invitation, error) {
	inv, err := scanInvitation(q.db.QueryRow(ctx, pendingInvitation,
		pgtype.UUID{Bytes: roomID, Valid: true},
		pgtype.UUID{Bytes: inviteeID, Valid: true}))
	return inv, translate(err)
}

const transitionInvitation = `
UPDATE invitations
SET status = $3, updated_at = now()
WHERE id = $1 AND status = $2
RETURNING ` + invitationColumns

// TransitionInvitation moves an invitation from one status to another. It
// returns ErrConflict when the invitation is not currently in from.
func (q *Queries) TransitionInvitation(ctx context.Context, id uuid.UUID, from, to model.InvitationStatus) (model.Invitation, error) {
	inv, err := scanInvitation(q.db.QueryRow(ctx, transitionInvitation,
		pgtype.UUID{Bytes: id, Valid: true}, string(from), string(to)))
	if err == nil {
		return inv, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return model.Invitation{}, translate(err)
	}
	if _, err := q.GetInvitation(ctx, id); err != nil {
		return model.Invitation{}, err
	}
	return model.Invitation{}, ErrConflict
}

// AcceptInvitation marks a PENDING invitation ACCEPTED and creates the
// invitee's membership in one transaction. created is false when the
// invitee was already a member.
func (q *Queries) AcceptInvitation(ctx context.Context, id uuid.UUID) (model.Invitation, model.Membership, bool, error) {
	var (
		inv     model.Invitation
		m       model.Membership
		created bool
	)
	err := q.inTx(ctx, func(tx *Queries) error {
		var err error
		inv, err = tx.TransitionInvitation(ctx, id, model.InvitationPending, model.InvitationAccepted)
		if err != nil {
			return err
		}
		m, created, err = tx.CreateMembership(ctx, inv.RoomID, inv.InviteeID)
		return err
	})
	if err != nil {
		return model.Invitation{}, model.Membership{}, false, err
	}
	return inv, m, created, nil
}

func scanInvitation(row pgx.Row) (model.Invitation, error) {
	var (
		inv                       model.Invitation
		id, room, inviter, invite pgtype.UUID
		status                    string
	)
	err := row.Scan(&id, &room, &inviter, &invite, &status, &inv.CreatedAt, &inv.UpdatedAt)
	if err != nil {
		return model.Invitation{}, err
	}
	inv.ID, inv.RoomID, inv.InviterID, inv.InviteeID = id.Bytes, room.Bytes, inviter.Bytes, invite.Bytes
	inv.Status = model.InvitationStatus(status)
	return inv, nil
}
