package chat_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/johndosdos/huddle/internal/chat"
	"github.com/johndosdos/huddle/internal/database/memory"
	"github.com/johndosdos/huddle/internal/model"
)

var _ chat.Store = (*memory.Store)(nil)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

// recorder is a chat.Conn that keeps every event it is sent.
type recorder struct {
	id string

	mu     sync.Mutex
	events []model.Event
	fail   error
}

func newRecorder(id string) *recorder { return &recorder{id: id} }

func (r *recorder) ID() string { return r.id }

func (r *recorder) Send(_ context.Context, ev model.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) failWith(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fail = err
}

func (r *recorder) ofKind(k model.Kind) []model.Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []model.Event
	for _, ev := range r.events {
		if ev.Kind() == k {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recorder) count(k model.Kind) int { return len(r.ofKind(k)) }

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

// clock is a manually advanced time source.
type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock {
	return &clock{t: time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type harness struct {
	t     *testing.T
	ctx   context.Context
	clock *clock
	store *memory.Store
	reg   *chat.Registry
	c     *chat.Coordinator
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	logger := newTestLogger()
	clk := newClock()
	store := memory.New()
	reg := chat.NewRegistry(logger, time.Second)

	c := chat.New(store, reg, nil, nil, chat.Options{
		Pipeline: chat.PipelineConfig{
			StoreTimeout:     time.Second,
			DedupTTL:         time.Minute,
			MaxMessageLength: 2000,
		},
		Throttle: chat.ThrottleConfig{
			MinWindow:      50 * time.Millisecond,
			MaxWindow:      300 * time.Millisecond,
			BurstThreshold: 10,
			Tick:           10 * time.Millisecond,
		},
		TypingExpiry:  4 * time.Second,
		TypingSweep:   500 * time.Millisecond,
		PresenceSweep: 10 * time.Second,
		Cadence: func(string) chat.Cadence {
			return chat.Cadence{Heartbeat: 15 * time.Second, Expiry: 45 * time.Second}
		},
		Now: clk.Now,
	}, logger)

	return &harness{t: t, ctx: context.Background(), clock: clk, store: store, reg: reg, c: c}
}

func (h *harness) user(name string) model.Identity {
	h.t.Helper()
	u, err := h.store.CreateUser(h.ctx, model.Identity{Username: name, FullName: name})
	if err != nil {
		h.t.Fatalf("CreateUser(%q) unexpected error: %v", name, err)
	}
	return u
}

func (h *harness) room(owner model.Identity, members ...model.Identity) model.Room {
	h.t.Helper()
	room, err := h.store.CreateRoom(h.ctx, "general", owner.ID)
	if err != nil {
		h.t.Fatalf("CreateRoom() unexpected error: %v", err)
	}
	for _, m := range members {
		if _, _, err := h.store.CreateMembership(h.ctx, room.ID, m.ID); err != nil {
			h.t.Fatalf("CreateMembership() unexpected error: %v", err)
		}
	}
	return room
}

func (h *harness) connect(identity model.Identity, connID string) (*chat.Session, *recorder) {
	h.t.Helper()
	sess := &chat.Session{Identity: identity, ConnID: connID, Network: "good"}
	conn := newRecorder(connID)
	h.c.Connect(sess, conn)
	return sess, conn
}

func (h *harness) handle(sess *chat.Session, name model.CommandName, ref string, data any) error {
	h.t.Helper()
	return h.c.Handle(h.ctx, sess, command(h.t, name, ref, data))
}

func (h *harness) join(sess *chat.Session, roomID uuid.UUID) {
	h.t.Helper()
	if err := h.handle(sess, model.CmdRoomJoin, "join", model.RoomRef{RoomID: roomID}); err != nil {
		h.t.Fatalf("room:join unexpected error: %v", err)
	}
}

func command(t *testing.T, name model.CommandName, ref string, data any) model.Command {
	t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("json.Marshal() unexpected error: %v", err)
	}
	return model.Command{Type: name, Ref: ref, Data: raw}
}
