package chat_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johndosdos/huddle/internal/chat"
	"github.com/johndosdos/huddle/internal/model"
)

type typingFixture struct {
	clock    *clock
	typing   *chat.Typing
	roomID   uuid.UUID
	typist   model.Identity
	self     *recorder
	observer *recorder
}

func newTypingFixture(t *testing.T) *typingFixture {
	t.Helper()
	clk := newClock()
	reg := chat.NewRegistry(newTestLogger(), time.Second)
	roomID := uuid.New()

	typist := identity("alice")
	self, observer := newRecorder("alice-1"), newRecorder("bob-1")
	reg.Register(typist, self)
	reg.Register(identity("bob"), observer)
	require.NoError(t, reg.Join(self.ID(), roomID))
	require.NoError(t, reg.Join(observer.ID(), roomID))

	return &typingFixture{
		clock:    clk,
		typing:   chat.NewTyping(reg, 4*time.Second, clk.Now, newTestLogger()),
		roomID:   roomID,
		typist:   typist,
		self:     self,
		observer: observer,
	}
}

func TestTypingSelfExpiry(t *testing.T) {
	f := newTypingFixture(t)
	ctx := context.Background()

	assert.True(t, f.typing.Start(ctx, f.roomID, f.typist))
	for i := 0; i < 3; i++ {
		f.clock.Advance(time.Second)
		assert.False(t, f.typing.Start(ctx, f.roomID, f.typist), "repeat start must not re-broadcast")
	}
	assert.Equal(t, []uuid.UUID{f.typist.ID}, f.typing.Active(f.roomID))

	// Last refresh was at +3s, so the deadline is +7s.
	f.clock.Advance(3 * time.Second)
	assert.Equal(t, 0, f.typing.Sweep(ctx))

	f.clock.Advance(2 * time.Second)
	assert.Equal(t, 1, f.typing.Sweep(ctx))
	assert.Equal(t, 0, f.typing.Sweep(ctx))

	assert.Equal(t, 1, f.observer.count(model.KindTypingStart))
	assert.Equal(t, 1, f.observer.count(model.KindTypingStop))
	assert.Equal(t, 0, f.self.count(model.KindTypingStart), "originator never sees its own indicator")
	assert.Empty(t, f.typing.Active(f.roomID))

	stop := f.observer.ofKind(model.KindTypingStop)[0].Payload.(model.TypingStop)
	assert.Equal(t, f.typist.ID, stop.UserID)
	assert.Equal(t, f.roomID, stop.RoomID)
}

func TestTypingStop(t *testing.T) {
	f := newTypingFixture(t)
	ctx := context.Background()

	assert.False(t, f.typing.Stop(ctx, f.roomID, f.typist.ID), "stop without entry is a no-op")
	assert.Equal(t, 0, f.observer.count(model.KindTypingStop))

	f.typing.Start(ctx, f.roomID, f.typist)
	assert.True(t, f.typing.Stop(ctx, f.roomID, f.typist.ID))
	assert.False(t, f.typing.Stop(ctx, f.roomID, f.typist.ID))
	assert.Equal(t, 1, f.observer.count(model.KindTypingStop))

	assert.True(t, f.typing.Start(ctx, f.roomID, f.typist), "first start after a stop broadcasts again")
	assert.Equal(t, 2, f.observer.count(model.KindTypingStart))

	f.clock.Advance(time.Hour)
	f.typing.Sweep(ctx)
	assert.Equal(t, 2, f.observer.count(model.KindTypingStop))
}

func TestTypingClearIdentity(t *testing.T) {
	f := newTypingFixture(t)
	ctx := context.Background()
	other := uuid.New()

	f.typing.Start(ctx, f.roomID, f.typist)
	f.typing.Start(ctx, other, f.typist)

	assert.Equal(t, 2, f.typing.ClearIdentity(ctx, f.typist.ID))
	assert.Equal(t, 0, f.typing.ClearIdentity(ctx, f.typist.ID))
	assert.Empty(t, f.typing.Active(f.roomID))
	assert.Equal(t, 1, f.observer.count(model.KindTypingStop), "observer only joined one of the rooms")
}
