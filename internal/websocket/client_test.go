package websocket

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johndosdos/huddle/internal/model"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

func TestClientSendBuffer(t *testing.T) {
	c := NewClient(nil, nil, nil, Options{SendBuffer: 1}, newTestLogger())
	ev := model.NewEvent(model.TypingStart{RoomID: uuid.New(), UserID: uuid.New()})

	require.NoError(t, c.Send(context.Background(), ev))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := c.Send(ctx, ev)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(c.done)
	assert.ErrorIs(t, c.Send(context.Background(), ev), ErrClosed)
}

func TestClientSendRejectsEmptyEvent(t *testing.T) {
	c := NewClient(nil, nil, nil, Options{}, newTestLogger())
	assert.Error(t, c.Send(context.Background(), model.Event{ID: uuid.New()}))
	assert.Empty(t, c.send)
}

func TestNewLimiter(t *testing.T) {
	tests := []struct {
		name     string
		requests int
		window   time.Duration
		allowed  int
	}{
		{name: "burst of requests", requests: 3, window: time.Minute, allowed: 3},
		{name: "disabled", requests: 0, window: time.Minute, allowed: 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := newLimiter(tt.requests, tt.window)
			n := 0
			for range 10 {
				if l.Allow() {
					n++
				}
			}
			assert.Equal(t, tt.allowed, n)
		})
	}
}
