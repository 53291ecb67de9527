package database

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/johndosdos/huddle/internal/model"
)

const getUserByID = `SELECT id, username, full_name, avatar FROM users WHERE id = $1`

func (q *Queries) GetUser(ctx context.Context, id uuid.UUID) (model.Identity, error) {
	var (
		u   model.Identity
		uid pgtype.UUID
	)
	err := q.db.QueryRow(ctx, getUserByID, pgtype.UUID{Bytes: id, Valid: true}).
		Scan(&uid, &u.Username, &u.FullName, &u.Avatar)
	if err != nil {
		return model.Identity{}, translate(err)
	}
	u.ID = uid.Bytes
	return u, nil
}

const createUser = `
INSERT INTO users (id, username, full_name, avatar)
VALUES ($1, $2, $3, $4)
RETURNING id`

// CreateUser inserts u. A zero u.ID is replaced with a new one.
func (q *Queries) CreateUser(ctx context.Context, u model.Identity) (model.Identity, error) {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	var uid pgtype.UUID
	err := q.db.QueryRow(ctx, createUser,
		pgtype.UUID{Bytes: u.ID, Valid: true}, u.Username, u.FullName, u.Avatar).Scan(&uid)
	if err != nil {
		return model.Identity{}, translate(err)
	}
	u.ID = uid.Bytes
	return u, nil
}
