package chat

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/johndosdos/huddle/internal/model"
)

type typingKey struct {
	room, user uuid.UUID
}

type typingEntry struct {
	identity     model.Identity
	startedAt    time.Time
	deadline     time.Time
	broadcasting bool
}

// Typing holds at most one self-expiring entry per (room, identity). Expiry
// is driven by Sweep, not by per-entry timers.
type Typing struct {
	mu      sync.Mutex
	entries map[typingKey]*typingEntry

	expiry time.Duration
	now    func() time.Time

	pub    publisher
	logger *slog.Logger
}

func NewTyping(fanout Fanout, expiry time.Duration, now func() time.Time, logger *slog.Logger) *Typing {
	logger = logger.With(slog.String("component", "typing"))
	return &Typing{
		entries: make(map[typingKey]*typingEntry),
		expiry:  expiry,
		now:     now,
		pub:     publisher{fanout: fanout, logger: logger},
		logger:  logger,
	}
}

// Start upserts the entry and pushes its deadline out. Only the first start
// after a stop or expiry broadcasts; repeats within the window just refresh.
// It reports whether a start event was broadcast.
func (t *Typing) Start(ctx context.Context, roomID uuid.UUID, identity model.Identity) bool {
	now := t.now()
	key := typingKey{roomID, identity.ID}

	t.mu.Lock()
	e, ok := t.entries[key]
	if !ok {
		e = &typingEntry{identity: identity, startedAt: now}
		t.entries[key] = e
	}
	e.deadline = now.Add(t.expiry)
	announce := !e.broadcasting
	e.broadcasting = true
	t.mu.Unlock()

	if announce {
		t.pub.toRoomExcept(ctx, roomID, model.TypingStart{
			RoomID:   roomID,
			UserID:   identity.ID,
			Username: identity.Username,
		}, identity.ID)
	}
	return announce
}

// Stop removes the entry and broadcasts a stop. Stopping with no entry is a no-op.
func (t *Typing) Stop(ctx context.Context, roomID, identityID uuid.UUID) bool {
	key := typingKey{roomID, identityID}

	t.mu.Lock()
	e, ok := t.entries[key]
	if ok {
		delete(t.entries, key)
	}
	t.mu.Unlock()

	if !ok {
		return false
	}
	t.announceStop(ctx, roomID, e)
	return true
}

// ClearIdentity stops every entry held by identityID, in any room.
func (t *Typing) ClearIdentity(ctx context.Context, identityID uuid.UUID) int {
	t.mu.Lock()
	var cleared []typingKey
	var entries []*typingEntry
	for key, e := range t.entries {
		if key.user == identityID {
			cleared = append(cleared, key)
			entries = append(entries, e)
			delete(t.entries, key)
		}
	}
	t.mu.Unlock()

	for i, key := range cleared {
		t.announceStop(ctx, key.room, entries[i])
	}
	return len(cleared)
}

// Sweep expires entries whose deadline has passed, broadcasting a stop for
// each, and returns how many expired.
func (t *Typing) Sweep(ctx context.Context) int {
	now := t.now()

	t.mu.Lock()
	var expired []typingKey
	var entries []*typingEntry
	for key, e := range t.entries {
		if !now.Before(e.deadline) {
			expired = append(expired, key)
			entries = append(entries, e)
			delete(t.entries, key)
		}
	}
	t.mu.Unlock()

	for i, key := range expired {
		t.logger.Debug("Typing expired",
			slog.String("roomID", key.room.String()),
			slog.String("userID", key.user.String()))
		t.announceStop(ctx, key.room, entries[i])
	}
	return len(expired)
}

// Active returns the identities currently typing in roomID.
func (t *Typing) Active(roomID uuid.UUID) []uuid.UUID {
	t.mu.Lock()
	defer t.mu.Unlock()

	ids := make([]uuid.UUID, 0)
	for key := range t.entries {
		if key.room == roomID {
			ids = append(ids, key.user)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids
}

func (t *Typing) announceStop(ctx context.Context, roomID uuid.UUID, e *typingEntry) {
	if !e.broadcasting {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("Typing stop panicked", slog.String("roomID", roomID.String()), slog.Any("panic", r))
		}
	}()
	t.pub.toRoomExcept(ctx, roomID, model.TypingStop{
		RoomID:   roomID,
		UserID:   e.identity.ID,
		Username: e.identity.Username,
	}, e.identity.ID)
}
