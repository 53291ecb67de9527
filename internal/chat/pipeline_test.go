package chat_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johndosdos/huddle/internal/chat"
	"github.com/johndosdos/huddle/internal/model"
)

type sendFixture struct {
	*harness
	room       model.Room
	alice      *chat.Session
	aliceConn  *recorder
	aliceOther *recorder
	bobConn    *recorder
}

func newSendFixture(t *testing.T) *sendFixture {
	t.Helper()
	h := newHarness(t)
	alice, bob := h.user("alice"), h.user("bob")
	room := h.room(alice, bob)

	aliceSess, aliceConn := h.connect(alice, "alice-1")
	aliceOtherSess, aliceOther := h.connect(alice, "alice-2")
	bobSess, bobConn := h.connect(bob, "bob-1")
	h.join(aliceSess, room.ID)
	h.join(aliceOtherSess, room.ID)
	h.join(bobSess, room.ID)

	return &sendFixture{
		harness:    h,
		room:       room,
		alice:      aliceSess,
		aliceConn:  aliceConn,
		aliceOther: aliceOther,
		bobConn:    bobConn,
	}
}

func (f *sendFixture) send(content, correlationID string) error {
	return f.handle(f.alice, model.CmdMessageSend, "", model.SendMessage{
		RoomID:        f.room.ID,
		Content:       content,
		CorrelationID: correlationID,
	})
}

func TestSendAcksSenderAndBroadcastsToOthers(t *testing.T) {
	f := newSendFixture(t)

	require.NoError(t, f.send("hello", "x1"))

	acks := f.aliceConn.ofKind(model.KindMessageAck)
	require.Len(t, acks, 1)
	ack := acks[0].Payload.(model.MessageAck)
	assert.Equal(t, "x1", ack.CorrelationID)
	assert.NotEqual(t, [16]byte{}, [16]byte(ack.Message.ID))
	assert.Equal(t, "hello", ack.Message.Content)
	assert.Equal(t, model.MessageText, ack.Message.Type)

	assert.Equal(t, 0, f.aliceConn.count(model.KindMessageNew), "sender connection gets the ack, not an echo")
	assert.Equal(t, 1, f.aliceOther.count(model.KindMessageNew), "sender's other device sees the message")

	news := f.bobConn.ofKind(model.KindMessageNew)
	require.Len(t, news, 1)
	assert.Equal(t, ack.Message.ID, news[0].Payload.(model.MessageNew).Message.ID)
	assert.Equal(t, 0, f.bobConn.count(model.KindMessageAck), "correlation ids never leave the sender")
}

func TestSendOrdering(t *testing.T) {
	f := newSendFixture(t)

	require.NoError(t, f.send("A", "a"))
	require.NoError(t, f.send("B", "b"))

	news := f.bobConn.ofKind(model.KindMessageNew)
	require.Len(t, news, 2)
	assert.Equal(t, "A", news[0].Payload.(model.MessageNew).Message.Content)
	assert.Equal(t, "B", news[1].Payload.(model.MessageNew).Message.Content)
}

func TestSendDuplicateCorrelationID(t *testing.T) {
	f := newSendFixture(t)

	require.NoError(t, f.send("hello", "retry-me"))
	require.NoError(t, f.send("hello", "retry-me"))

	assert.Equal(t, 1, f.store.MessageCount())
	acks := f.aliceConn.ofKind(model.KindMessageAck)
	require.Len(t, acks, 2)
	assert.Equal(t, acks[0].Payload.(model.MessageAck).Message.ID, acks[1].Payload.(model.MessageAck).Message.ID)
	assert.Equal(t, 1, f.bobConn.count(model.KindMessageNew))
}

func TestSendCorrelationIDScopedToRoom(t *testing.T) {
	f := newSendFixture(t)
	other := f.harness.room(f.alice.Identity)
	f.join(f.alice, other.ID)

	require.NoError(t, f.send("hello", "tmp-1"))
	require.NoError(t, f.handle(f.alice, model.CmdMessageSend, "", model.SendMessage{
		RoomID:        other.ID,
		Content:       "elsewhere",
		CorrelationID: "tmp-1",
	}))

	assert.Equal(t, 2, f.store.MessageCount())
	acks := f.aliceConn.ofKind(model.KindMessageAck)
	require.Len(t, acks, 2)
	second := acks[1].Payload.(model.MessageAck).Message
	assert.Equal(t, other.ID, second.RoomID)
	assert.Equal(t, "elsewhere", second.Content)
}

func TestSendConcurrentDuplicates(t *testing.T) {
	f := newSendFixture(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = f.c.Pipeline.Send(context.Background(), chat.SendRequest{
				RoomID:        f.room.ID,
				Sender:        f.alice.Identity,
				ConnID:        f.alice.ConnID,
				Content:       "hello",
				CorrelationID: "same",
			})
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, f.store.MessageCount())
	assert.Equal(t, 1, f.bobConn.count(model.KindMessageNew))
	assert.Equal(t, 0, f.c.Pipeline.Pending())
}

func TestSendStoreFailureOnlyReachesSender(t *testing.T) {
	f := newSendFixture(t)
	f.store.FailNextMessage(errors.New("connection refused"))

	err := f.send("hello", "x1")
	require.Error(t, err)

	failed := f.aliceConn.ofKind(model.KindMessageFailed)
	require.Len(t, failed, 1)
	payload := failed[0].Payload.(model.MessageFailed)
	assert.Equal(t, "x1", payload.CorrelationID)
	assert.Equal(t, string(chat.CodeInternal), payload.Code)

	assert.Equal(t, 0, f.aliceConn.count(model.KindCommandError))
	assert.Equal(t, 0, f.bobConn.count(model.KindMessageNew))
	assert.Equal(t, 0, f.aliceOther.count(model.KindMessageNew))
	assert.Equal(t, 0, f.bobConn.count(model.KindMessageFailed))

	// The failure is not cached; a retry persists.
	require.NoError(t, f.send("hello", "x1"))
	assert.Equal(t, 1, f.store.MessageCount())
}

func TestSendTimeout(t *testing.T) {
	f := newSendFixture(t)
	f.store.FailNextMessage(context.DeadlineExceeded)

	err := f.send("hello", "slow")
	assert.True(t, errors.Is(err, chat.ErrTimeout), "send error = %v, want timeout", err)
	require.Len(t, f.aliceConn.ofKind(model.KindMessageFailed), 1)
	assert.Equal(t, string(chat.CodeTimeout), f.aliceConn.ofKind(model.KindMessageFailed)[0].Payload.(model.MessageFailed).Code)
}

func TestSendValidation(t *testing.T) {
	tests := []struct {
		name    string
		msg     model.SendMessage
		wantErr *chat.Error
	}{
		{
			name:    "empty content",
			msg:     model.SendMessage{Content: "   ", CorrelationID: "c"},
			wantErr: chat.ErrInvalid,
		},
		{
			name:    "markup only",
			msg:     model.SendMessage{Content: "<script></script>", CorrelationID: "c"},
			wantErr: chat.ErrInvalid,
		},
		{
			name:    "missing correlation id",
			msg:     model.SendMessage{Content: "hi"},
			wantErr: chat.ErrInvalid,
		},
		{
			name:    "unknown type",
			msg:     model.SendMessage{Content: "hi", Type: "video", CorrelationID: "c"},
			wantErr: chat.ErrInvalid,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newSendFixture(t)
			tt.msg.RoomID = f.room.ID

			err := f.handle(f.alice, model.CmdMessageSend, "", tt.msg)
			assert.True(t, errors.Is(err, tt.wantErr), "send error = %v, want %v", err, tt.wantErr.Code)
			assert.Equal(t, 1, f.aliceConn.count(model.KindMessageFailed))
			assert.Equal(t, 0, f.store.MessageCount())
			assert.Equal(t, 0, f.bobConn.count(model.KindMessageNew))
		})
	}
}

func TestSendSanitizesContent(t *testing.T) {
	f := newSendFixture(t)

	require.NoError(t, f.send(`<b onclick="x()">hi</b>`, "html"))

	ack := f.aliceConn.ofKind(model.KindMessageAck)[0].Payload.(model.MessageAck)
	assert.Equal(t, "hi", ack.Message.Content)
}

func TestSendRequiresMembership(t *testing.T) {
	f := newSendFixture(t)
	mallory := f.user("mallory")
	sess, conn := f.connect(mallory, "mallory-1")

	err := f.handle(sess, model.CmdMessageSend, "", model.SendMessage{
		RoomID: f.room.ID, Content: "let me in", CorrelationID: "m1",
	})
	assert.True(t, errors.Is(err, chat.ErrForbidden))

	failed := conn.ofKind(model.KindMessageFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, string(chat.CodeForbidden), failed[0].Payload.(model.MessageFailed).Code)
	assert.Equal(t, 0, f.bobConn.count(model.KindMessageNew))
}

func TestSendSurvivesSenderCancellation(t *testing.T) {
	f := newSendFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.c.Pipeline.Send(ctx, chat.SendRequest{
		RoomID:        f.room.ID,
		Sender:        f.alice.Identity,
		ConnID:        f.alice.ConnID,
		Content:       "sent before the tab closed",
		CorrelationID: "bye",
	})

	require.NoError(t, err)
	assert.Equal(t, 1, f.store.MessageCount())
	assert.Equal(t, 1, f.bobConn.count(model.KindMessageNew))
}

func TestSendNotifiesRoomTopic(t *testing.T) {
	f := newSendFixture(t)

	require.NoError(t, f.send("one", "1"))
	require.NoError(t, f.send("two", "2"))

	f.clock.Advance(500 * time.Millisecond)
	assert.Equal(t, 1, f.c.Throttle.Tick(context.Background()))

	refresh := f.bobConn.ofKind(model.KindViewRefresh)
	require.Len(t, refresh, 1)
	view := refresh[0].Payload.(model.ViewRefresh)
	assert.Equal(t, chat.TopicRoom(f.room.ID), view.Topic)
	assert.Equal(t, 2, view.Changes)
}
