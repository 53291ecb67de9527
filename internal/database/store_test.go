package database_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johndosdos/huddle/internal/chat"
	"github.com/johndosdos/huddle/internal/database"
	"github.com/johndosdos/huddle/internal/model"
	"github.com/johndosdos/huddle/internal/testutil"
)

var _ chat.Store = (*database.Queries)(nil)

func newQueries(t *testing.T) (*database.Queries, model.Identity, model.Identity) {
	t.Helper()
	q := database.New(testutil.DbInit(t))
	ctx := context.Background()

	alice, err := q.CreateUser(ctx, model.Identity{Username: "alice", FullName: "Alice"})
	require.NoError(t, err)
	bob, err := q.CreateUser(ctx, model.Identity{Username: "bob", FullName: "Bob"})
	require.NoError(t, err)
	return q, alice, bob
}

func TestUsers(t *testing.T) {
	q, alice, _ := newQueries(t)
	ctx := context.Background()

	got, err := q.GetUser(ctx, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, alice, got)

	_, err = q.GetUser(ctx, uuid.New())
	assert.ErrorIs(t, err, database.ErrNotFound)

	_, err = q.CreateUser(ctx, model.Identity{Username: "alice"})
	assert.ErrorIs(t, err, database.ErrConflict)
}

func TestRoomsAndMembership(t *testing.T) {
	q, alice, bob := newQueries(t)
	ctx := context.Background()

	room, err := q.CreateRoom(ctx, "general", alice.ID)
	require.NoError(t, err)

	ok, err := q.IsMember(ctx, room.ID, alice.ID)
	require.NoError(t, err)
	assert.True(t, ok, "owner should be a member")

	ok, err = q.IsMember(ctx, room.ID, bob.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = q.IsMember(ctx, uuid.New(), bob.ID)
	assert.ErrorIs(t, err, database.ErrNotFound)

	m, created, err := q.CreateMembership(ctx, room.ID, bob.ID)
	require.NoError(t, err)
	assert.True(t, created)

	again, created, err := q.CreateMembership(ctx, room.ID, bob.ID)
	require.NoError(t, err)
	assert.False(t, created)
	assert.True(t, m.JoinedAt.Equal(again.JoinedAt))
}

func TestMessages(t *testing.T) {
	q, alice, _ := newQueries(t)
	ctx := context.Background()

	room, err := q.CreateRoom(ctx, "general", alice.ID)
	require.NoError(t, err)

	var first model.Message
	for i, content := range []string{"one", "two", "three"} {
		msg, err := q.CreateMessage(ctx, model.NewMessage{RoomID: room.ID, SenderID: alice.ID, Content: content, Type: model.MessageText})
		require.NoError(t, err)
		assert.Equal(t, "alice", msg.Username)
		if i == 0 {
			first = msg
		}
	}

	reply, err := q.CreateMessage(ctx, model.NewMessage{RoomID: room.ID, SenderID: alice.ID, Content: "re", Type: model.MessageText, ReplyTo: &first.ID})
	require.NoError(t, err)
	require.NotNil(t, reply.ReplyTo)
	assert.Equal(t, first.ID, *reply.ReplyTo)

	latest, err := q.ListMessages(ctx, room.ID, 2)
	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.Equal(t, "three", latest[0].Content)
	assert.Equal(t, "re", latest[1].Content)

	_, err = q.CreateMessage(ctx, model.NewMessage{RoomID: uuid.New(), SenderID: alice.ID, Content: "x", Type: model.MessageText})
	assert.ErrorIs(t, err, database.ErrNotFound)
}

func TestInvitationLifecycle(t *testing.T) {
	q, alice, bob := newQueries(t)
	ctx := context.Background()

	room, err := q.CreateRoom(ctx, "general", alice.ID)
	require.NoError(t, err)

	inv, err := q.CreateInvitation(ctx, room.ID, alice.ID, bob.ID)
	require.NoError(t, err)
	assert.Equal(t, model.InvitationPending, inv.Status)

	_, err = q.CreateInvitation(ctx, room.ID, alice.ID, bob.ID)
	assert.ErrorIs(t, err, database.ErrConflict, "second PENDING invitation for the same pair")

	pending, err := q.PendingInvitation(ctx, room.ID, bob.ID)
	require.NoError(t, err)
	assert.Equal(t, inv.ID, pending.ID)

	accepted, m, created, err := q.AcceptInvitation(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, model.InvitationAccepted, accepted.Status)
	assert.True(t, created)
	assert.Equal(t, bob.ID, m.UserID)

	_, _, _, err = q.AcceptInvitation(ctx, inv.ID)
	assert.ErrorIs(t, err, database.ErrConflict)

	_, err = q.TransitionInvitation(ctx, uuid.New(), model.InvitationPending, model.InvitationCancelled)
	assert.ErrorIs(t, err, database.ErrNotFound)

	// A terminal invitation frees the pair for a new one.
	again, err := q.CreateInvitation(ctx, room.ID, alice.ID, bob.ID)
	require.NoError(t, err)
	cancelled, err := q.TransitionInvitation(ctx, again.ID, model.InvitationPending, model.InvitationCancelled)
	require.NoError(t, err)
	assert.Equal(t, model.InvitationCancelled, cancelled.Status)
}
