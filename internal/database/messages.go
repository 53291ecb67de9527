package database

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/johndosdos/huddle/internal/model"
)

const createMessage = `
WITH m AS (
    INSERT INTO messages (room_id, sender_id, content, type, reply_to)
    VALUES ($1, $2, $3, $4, $5)
    RETURNING id, room_id, sender_id, content, type, reply_to, created_at, edited_at
)
SELECT m.id, m.room_id, m.sender_id, u.username, m.content, m.type, m.reply_to, m.created_at, m.edited_at
FROM m JOIN users u ON u.id = m.sender_id`

// CreateMessage persists msg. The store assigns the id and created_at.
func (q *Queries) CreateMessage(ctx context.Context, msg model.NewMessage) (model.Message, error) {
	replyTo := pgtype.UUID{}
	if msg.ReplyTo != nil {
		replyTo = pgtype.UUID{Bytes: *msg.ReplyTo, Valid: true}
	}

	row := q.db.QueryRow(ctx, createMessage,
		pgtype.UUID{Bytes: msg.RoomID, Valid: true},
		pgtype.UUID{Bytes: msg.SenderID, Valid: true},
		msg.Content,
		string(msg.Type),
		replyTo,
	)
	m, err := scanMessage(row)
	if err != nil {
		return model.Message{}, translate(err)
	}
	return m, nil
}

const listMessages = `
SELECT * FROM (
    SELECT m.id, m.room_id, m.sender_id, u.username, m.content, m.type, m.reply_to, m.created_at, m.edited_at
    FROM messages m JOIN users u ON u.id = m.sender_id
    WHERE m.room_id = $1
    ORDER BY m.created_at DESC
    LIMIT $2
) latest
ORDER BY created_at ASC`

// ListMessages returns the latest limit messages of a room, oldest first.
func (q *Queries) ListMessages(ctx context.Context, roomID uuid.UUID, limit int) ([]model.Message, error) {
	rows, err := q.db.Query(ctx, listMessages, pgtype.UUID{Bytes: roomID, Valid: true}, limit)
	if err != nil {
		return nil, fmt.Errorf("internal/database: list messages: %w", err)
	}
	defer rows.Close()

	var out []model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, translate(err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanMessage(row pgx.Row) (model.Message, error) {
	var (
		m                    model.Message
		id, room, sender, rt pgtype.UUID
		typ                  string
		edited               pgtype.Timestamptz
	)
	if err := row.Scan(&id, &room, &sender, &m.Username, &m.Content, &typ, &rt, &m.CreatedAt, &edited); err != nil {
		return model.Message{}, err
	}
	m.ID, m.RoomID, m.SenderID = id.Bytes, room.Bytes, sender.Bytes
	m.Type = model.MessageType(typ)
	if rt.Valid {
		replyTo := uuid.UUID(rt.Bytes)
		m.ReplyTo = &replyTo
	}
	if edited.Valid {
		t := edited.Time
		m.EditedAt = &t
	}
	return m, nil
}
