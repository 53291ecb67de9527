package database

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/johndosdos/huddle/internal/model"
)

const createRoom = `
INSERT INTO rooms (name, owner_id)
VALUES ($1, $2)
RETURNING id, name, owner_id, created_at`

// CreateRoom creates a room and makes its owner the first member.
func (q *Queries) CreateRoom(ctx context.Context, name string, ownerID uuid.UUID) (model.Room, error) {
	var room model.Room
	err := q.inTx(ctx, func(tx *Queries) error {
		var id, owner pgtype.UUID
		err := tx.db.QueryRow(ctx, createRoom, name, pgtype.UUID{Bytes: ownerID, Valid: true}).
			Scan(&id, &room.Name, &owner, &room.CreatedAt)
		if err != nil {
			return translate(err)
		}
		room.ID, room.OwnerID = id.Bytes, owner.Bytes

		_, _, err = tx.CreateMembership(ctx, room.ID, ownerID)
		return err
	})
	if err != nil {
		return model.Room{}, err
	}
	return room, nil
}

const getRoom = `SELECT id, name, owner_id, created_at FROM rooms WHERE id = $1`

func (q *Queries) GetRoom(ctx context.Context, id uuid.UUID) (model.Room, error) {
	var (
		room      model.Room
		rid, ownr pgtype.UUID
	)
	err := q.db.QueryRow(ctx, getRoom, pgtype.UUID{Bytes: id, Valid: true}).
		Scan(&rid, &room.Name, &ownr, &room.CreatedAt)
	if err != nil {
		return model.Room{}, translate(err)
	}
	room.ID, room.OwnerID = rid.Bytes, ownr.Bytes
	return room, nil
}

const isMember = `
SELECT
    EXISTS (SELECT 1 FROM rooms WHERE id = $1),
    EXISTS (SELECT 1 FROM room_members WHERE room_id = $1 AND user_id = $2)`

// IsMember reports whether userID belongs to roomID. It returns ErrNotFound
// when the room does not exist.
func (q *Queries) IsMember(ctx context.Context, roomID, userID uuid.UUID) (bool, error) {
	var roomExists, member bool
	err := q.db.QueryRow(ctx, isMember,
		pgtype.UUID{Bytes: roomID, Valid: true},
		pgtype.UUID{Bytes: userID, Valid: true}).Scan(&roomExists, &member)
	if err != nil {
		return false, translate(err)
	}
	if !roomExists {
		return false, ErrNotFound
	}
	return member, nil
}

const createMembership = `
INSERT INTO room_members (room_id, user_id)
VALUES ($1, $2)
ON CONFLICT (room_id, user_id) DO NOTHING
RETURNING joined_at`

const getMembership = `SELECT joined_at FROM room_members WHERE room_id = $1 AND user_id = $2`

// CreateMembership adds userID to roomID. An existing membership is returned
// unchanged with created == false.
func (q *Queries) CreateMembership(ctx context.Context, roomID, userID uuid.UUID) (model.Membership, bool, error) {
	m := model.Membership{RoomID: roomID, UserID: userID}
	args := []any{pgtype.UUID{Bytes: roomID, Valid: true}, pgtype.UUID{Bytes: userID, Valid: true}}

	err := q.db.QueryRow(ctx, createMembership, args...).Scan(&m.JoinedAt)
	switch {
	case err == nil:
		return m, true, nil
	case !errors.Is(err, pgx.ErrNoRows):
		return model.Membership{}, false, translate(err)
	}

	// ON CONFLICT DO NOTHING returns no row for an existing member.
	if err := q.db.QueryRow(ctx, getMembership, args...).Scan(&m.JoinedAt); err != nil {
		return model.Membership{}, false, translate(err)
	}
	return m, false, nil
}
